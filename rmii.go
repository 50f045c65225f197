package ethdrv

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/soypat/lneto"
	"github.com/soypat/lneto/phy"
)

// RMIISingle combines both receive and transmit capabilities for single-frame
// RMII operation. This interface is suitable for simple, non-concurrent
// Ethernet communication where frames are processed one at a time.
type RMIISingle interface {
	RMIIRxSingle
	RMIITxSingle
}

// RMIITxSingle defines the interface for transmitting Ethernet frames over
// RMII in single-frame mode. Implementations handle the low-level timing
// and signaling required by the RMII specification.
type RMIITxSingle interface {
	// IsSending returns true if a frame transmission is currently in progress.
	IsSending() bool
	// SendFrame transmits a single Ethernet frame over RMII. The implementation
	// handles preamble, SFD, and CRC generation.
	SendFrame(frame []byte) error
}

// RMIIRxSingle defines the interface for receiving Ethernet frames over RMII
// in single-frame mode. After receiving a frame, the receiver stops listening
// until explicitly restarted, allowing the application to process the frame
// without buffer overrun concerns.
type RMIIRxSingle interface {
	// StopRx stops the receiver and aborts any ongoing reception.
	StopRx() error
	// StartRxSingle enables asynchronous reception of a single frame.
	// After a frame is received the receiver stops and invokes the callback
	// set via SetRxHandler.
	StartRxSingle() error
	// SetRxHandler configures the receive buffer and callback function.
	// Must be called before StartRxSingle.
	SetRxHandler(rxbuf []byte, callback func(buf []byte)) (err error)
	// InRx returns true if the receiver is actively listening for a frame.
	InRx() bool
}

// MACConfig configures a [SingleFrameMAC].
type MACConfig struct {
	// MFU is the largest frame accepted in either direction. Defaults to [MFU].
	MFU         int
	RecvHandler RecvHandler
	Events      *Events
	Logger      *slog.Logger
}

// SingleFrameMAC adapts a single-frame RMII implementation to the [NIC] contract.
// It holds one receive buffer: a frame must be taken with ReceivePacket before
// the receiver is restarted.
type SingleFrameMAC struct {
	rmii    RMIISingle
	rxbuf   []byte
	rxgot   atomic.Int32
	handler RecvHandler
	ev      *Events
	log     logger
	mfu     int
	// txBlocked is set when a send was refused so that TX ready is posted
	// once the transmitter goes idle.
	txBlocked bool
}

var _ NIC = (*SingleFrameMAC)(nil)

// Configure registers the receive buffer with rmii and starts receiving.
func (m *SingleFrameMAC) Configure(rmii RMIISingle, cfg MACConfig) error {
	if rmii == nil {
		return lneto.ErrInvalidConfig
	}
	if cfg.MFU == 0 {
		cfg.MFU = MFU
	} else if cfg.MFU < minFrame {
		return lneto.ErrShortBuffer
	}
	*m = SingleFrameMAC{
		rmii:    rmii,
		rxbuf:   make([]byte, cfg.MFU),
		handler: cfg.RecvHandler,
		ev:      cfg.Events,
		log:     logger{l: cfg.Logger},
		mfu:     cfg.MFU,
	}
	err := rmii.SetRxHandler(m.rxbuf, m.onRx)
	if err != nil {
		return err
	}
	return rmii.StartRxSingle()
}

// SetRecvHandler sets the handler for received frames.
// If set to nil then incoming frames are dropped.
func (m *SingleFrameMAC) SetRecvHandler(handler RecvHandler) {
	m.handler = handler
}

// onRx runs in interrupt context.
func (m *SingleFrameMAC) onRx(buf []byte) {
	m.rxgot.Store(int32(len(buf)))
	m.ev.SignalNIC()
}

// SendPacket transmits frame[offset:]. ErrBusy is returned while a previous
// frame is still being shifted out.
func (m *SingleFrameMAC) SendPacket(frame []byte, offset int) error {
	if offset < 0 || offset > len(frame) {
		return ErrInvalidLength
	}
	frame = frame[offset:]
	if len(frame) > m.mfu {
		return ErrInvalidLength
	}
	if m.rmii.IsSending() {
		m.txBlocked = true
		m.log.debug("SendPacket:busy", slog.Int("plen", len(frame)))
		return ErrBusy
	}
	if len(frame) == 0 {
		m.ev.SignalTxReady()
		return nil
	}
	err := m.rmii.SendFrame(frame)
	if err != nil {
		return err
	}
	m.log.trace("SendPacket", slog.Int("plen", len(frame)))
	if !m.rmii.IsSending() {
		m.ev.SignalTxReady()
	} else {
		m.txBlocked = true
	}
	return nil
}

// PollTx posts TX ready if a transmission blocked a sender and the
// transmitter has since gone idle.
func (m *SingleFrameMAC) PollTx() {
	if m.txBlocked && !m.rmii.IsSending() {
		m.txBlocked = false
		m.ev.SignalTxReady()
	}
}

// ReceivePacket delivers the pending received frame, if any, to the handler
// and restarts the receiver.
func (m *SingleFrameMAC) ReceivePacket() (err error) {
	m.PollTx()
	n := int(m.rxgot.Swap(0))
	if n == 0 {
		return ErrBufferEmpty
	}
	switch {
	case n < minFrame || n > len(m.rxbuf):
		err = ErrInvalidPacket
	case m.handler != nil:
		err = m.handler(m.rxbuf[:n])
	default:
		m.log.debug("ReceivePacket:no handler, dropping frame")
	}
	rxerr := m.rmii.StartRxSingle()
	if rxerr != nil {
		m.log.logerr("ReceivePacket:StartRxSingle", slog.String("err", rxerr.Error()))
		return errors.Join(err, rxerr)
	}
	return err
}

// DeviceSingle combines an Ethernet PHY with a single-frame RMII MAC. This is
// the primary type for boards with an RMII PHY such as the LAN8720.
type DeviceSingle struct {
	PHY
	SingleFrameMAC
}

// Configure brings up the PHY over mdio and then starts the MAC.
func (ds *DeviceSingle) Configure(mdio phy.MDIOBus, rmii RMIISingle, phyCfg PHYConfig, macCfg MACConfig) error {
	err := ds.PHY.Configure(mdio, phyCfg)
	if err != nil {
		return err
	}
	return ds.SingleFrameMAC.Configure(rmii, macCfg)
}
