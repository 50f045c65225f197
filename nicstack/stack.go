// Package nicstack connects an [ethdrv.NIC] to lneto's xnet network stack.
package nicstack

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/ethdrv"
	"github.com/soypat/lneto/x/xnet"
)

// NIC is a driver whose received frames can be routed to the stack.
type NIC interface {
	ethdrv.NIC
	SetRecvHandler(ethdrv.RecvHandler)
}

// Netstack is the frame level interface of a network stack.
// *xnet.StackAsync implements it.
type Netstack interface {
	Demux(carrierData []byte, frameOffset int) error
	Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error)
}

var _ Netstack = (*xnet.StackAsync)(nil)

// Config configures a [Stack] and the lneto stack created by [New].
type Config struct {
	StaticAddress   netip.Addr
	Hostname        string
	MaxTCPConns     int
	RandSeed        int64
	HardwareAddress [6]byte
	// MTU defaults to [ethdrv.MTU].
	MTU int
	// Events are the driver's events. When set, a frame refused with
	// backpressure is only retried after TX ready.
	Events *ethdrv.Events
	Logger *slog.Logger
	// Pcap receives a printout of every frame sent and received.
	Pcap io.Writer
}

// Stack pumps frames between a NIC and a network stack.
type Stack struct {
	lnet     xnet.StackAsync
	ns       Netstack
	nic      NIC
	ev       *ethdrv.Events
	log      *slog.Logger
	hostname string
	sendbuf  []byte
	// pending is the length of a frame in sendbuf refused with backpressure.
	pending int
	pcap    xnet.CapturePrinter
	pcapOn  bool
}

// crcTable is the IEEE CRC-32 table used for Ethernet FCS calculation.
var crcTable = crc32.MakeTable(crc32.IEEE)

// New configures an lneto stack on top of nic.
func New(nic NIC, cfg Config) (*Stack, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "ethdrv"
	}
	if cfg.MTU == 0 {
		cfg.MTU = ethdrv.MTU
	}
	stack := &Stack{}
	err := stack.lnet.Reset(xnet.StackConfig{
		StaticAddress:   cfg.StaticAddress,
		Hostname:        cfg.Hostname,
		MaxTCPConns:     cfg.MaxTCPConns,
		RandSeed:        time.Now().UnixNano() ^ cfg.RandSeed,
		HardwareAddress: cfg.HardwareAddress,
		MTU:             uint16(cfg.MTU),
		EthernetTxCRC32Update: func(crc uint32, b []byte) uint32 {
			return crc32.Update(crc, crcTable, b)
		},
	})
	if err != nil {
		return nil, err
	}
	stack.init(nic, &stack.lnet, cfg)
	return stack, nil
}

// NewWithNetstack pumps frames between nic and an arbitrary network stack.
func NewWithNetstack(nic NIC, ns Netstack, cfg Config) (*Stack, error) {
	if nic == nil || ns == nil {
		return nil, errors.New("nicstack: nil NIC or Netstack")
	}
	if cfg.MTU == 0 {
		cfg.MTU = ethdrv.MTU
	}
	stack := &Stack{}
	stack.init(nic, ns, cfg)
	return stack, nil
}

func (stack *Stack) init(nic NIC, ns Netstack, cfg Config) {
	stack.ns = ns
	stack.nic = nic
	stack.ev = cfg.Events
	stack.log = cfg.Logger
	stack.hostname = cfg.Hostname
	stack.sendbuf = make([]byte, cfg.MTU+ethdrv.MFU-ethdrv.MTU)
	if cfg.Pcap != nil {
		stack.pcapOn = true
		stack.pcap.Configure(cfg.Pcap, xnet.CapturePrinterConfig{
			TimePrecision: 3,
			Now:           time.Now,
		})
	}
	nic.SetRecvHandler(stack.demux)
}

// Hostname returns the hostname the stack was configured with.
func (stack *Stack) Hostname() string { return stack.hostname }

// LnetoStack returns the lneto stack created by [New], or nil.
func (stack *Stack) LnetoStack() *xnet.StackAsync {
	if stack.ns != Netstack(&stack.lnet) {
		return nil
	}
	return &stack.lnet
}

func (stack *Stack) demux(frame []byte) error {
	if stack.pcapOn {
		stack.pcap.PrintPacket("RX", frame)
	}
	err := stack.ns.Demux(frame, 0)
	if err != nil {
		stack.logerr("demux", slog.Int("plen", len(frame)), slog.String("err", err.Error()))
	}
	// Stack errors concern the stack, the frame was received fine.
	return nil
}

// RecvAndSend delivers every received frame to the stack and then sends at
// most one outgoing frame. A frame refused with backpressure is kept and sent
// again on a later call, not before TX ready when Events are configured.
func (stack *Stack) RecvAndSend() (send, recv int, err error) {
	recv, err = ethdrv.Drain(stack.nic)
	if err != nil {
		stack.logerr("RecvAndSend:Drain", slog.Int("frames", recv), slog.String("err", err.Error()))
		return 0, recv, err
	}

	if stack.pending > 0 {
		if stack.ev != nil && !stack.ev.TakeTxReady() {
			return 0, recv, nil
		}
		send = stack.pending
	} else {
		send, err = stack.ns.Encapsulate(stack.sendbuf, -1, 0)
		if err != nil {
			stack.logerr("RecvAndSend:Encapsulate", slog.Int("plen", send), slog.String("err", err.Error()))
			return 0, recv, err
		}
		if send == 0 {
			return 0, recv, nil
		}
		if stack.pcapOn {
			stack.pcap.PrintPacket("TX", stack.sendbuf[:send])
		}
	}

	err = stack.nic.SendPacket(stack.sendbuf[:send], 0)
	if ethdrv.IsBackpressure(err) {
		stack.pending = send
		return 0, recv, nil
	}
	stack.pending = 0
	if err != nil {
		stack.logerr("RecvAndSend:SendPacket", slog.Int("plen", send), slog.String("err", err.Error()))
		return 0, recv, err
	}
	return send, recv, nil
}

// Pending reports whether a frame is waiting for the NIC to accept it.
func (stack *Stack) Pending() bool { return stack.pending > 0 }

func (stack *Stack) logerr(msg string, attrs ...slog.Attr) {
	if stack.log != nil {
		stack.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}
