// Package tc6 implements the chunk transport of OPEN Alliance TC6 SPI
// MACPHYs such as the LAN865x 10BASE-T1S family.
//
// Every SPI exchange of a data chunk is full duplex: the host shifts out a
// 4 byte header followed by a payload of ChunkSize bytes while the MACPHY
// shifts out a payload followed by a 4 byte footer. An Ethernet frame spans
// as many chunks as needed; start and end of frame are marked in the header
// (transmit) and footer (receive).
package tc6

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/ethdrv"
)

// SPI is a full duplex SPI bus with chip select handled by the implementation.
// w and r have the same length. machine.SPI satisfies it when chip select is
// driven by hardware.
type SPI interface {
	Tx(w, r []byte) error
}

// Config configures a [Device].
type Config struct {
	// ChunkSize is the chunk payload size: 8, 16, 32 or 64. Defaults to 64.
	ChunkSize int
	// MaxFrameSize is the largest frame accepted in either direction.
	// Defaults to [ethdrv.MFU].
	MaxFrameSize int
	// MAC, if not zero, is programmed as the station address.
	MAC [6]byte
	// PHYID, if not zero, must match the PHYID register.
	PHYID uint32
	// ResetAttempts bounds the polls of the reset complete bit. Defaults to 100.
	ResetAttempts int
	Events        *ethdrv.Events
	RecvHandler   ethdrv.RecvHandler
	Logger        *slog.Logger
}

// Stats counts transport activity.
type Stats struct {
	TxFrames       uint64
	TxBusy         uint64
	RxFrames       uint64
	RxDropped      uint64
	RxOverflows    uint64
	ProtocolErrors uint64
	Chunks         uint64
}

// Device is a TC6 MACPHY attached over SPI.
type Device struct {
	bus      SPI
	cs       int
	maxFrame int
	ev       *ethdrv.Events
	handler  ethdrv.RecvHandler
	log      logger
	mac      [6]byte

	chunktx []byte
	chunkrx []byte
	ctltx   [4 * (maxCtlRegs + 2)]byte
	ctlrx   [4 * (maxCtlRegs + 2)]byte

	// Credits reported by the last footer or buffer status read.
	txc int
	rca int
	// txCap is the free transmit credit of the idle MACPHY.
	txCap int
	// txBlocked is set while a sender waits for transmit credit.
	txBlocked bool

	// Receive reassembly, kept across calls.
	frame   []byte
	inFrame bool
	// resync discards chunks until the next start of frame after a drop.
	resync bool

	stats Stats
}

var _ ethdrv.NIC = (*Device)(nil)

var (
	errChunkSize = errors.New("tc6: chunk size must be 8, 16, 32 or 64")
	errHashKind  = errors.New("tc6: multicast filter must use ethdrv.HashXORFold")
)

// Init resets the MACPHY, identifies it and enables frame transfer.
func (d *Device) Init(bus SPI, cfg Config) error {
	if bus == nil {
		return errors.New("tc6: nil bus")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64
	}
	var cps uint32
	switch cfg.ChunkSize {
	case 8:
		cps = 3
	case 16:
		cps = 4
	case 32:
		cps = 5
	case 64:
		cps = 6
	default:
		return errChunkSize
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = ethdrv.MFU
	} else if cfg.MaxFrameSize < 14 {
		return ethdrv.ErrInvalidLength
	}
	if cfg.ResetAttempts == 0 {
		cfg.ResetAttempts = 100
	}
	*d = Device{
		bus:      bus,
		cs:       cfg.ChunkSize,
		maxFrame: cfg.MaxFrameSize,
		ev:       cfg.Events,
		handler:  cfg.RecvHandler,
		log:      logger{l: cfg.Logger},
		chunktx:  make([]byte, cfg.ChunkSize+4),
		chunkrx:  make([]byte, cfg.ChunkSize+4),
		frame:    make([]byte, 0, cfg.MaxFrameSize),
	}
	d.log.debug("Init:start", slog.Int("chunk", d.cs), slog.Int("maxframe", d.maxFrame))

	err := d.WriteReg(MMS0, RegRESET, ResetSWRESET)
	if err != nil {
		return err
	}
	var status uint32
	err = ethdrv.PollUntil(cfg.ResetAttempts, time.Millisecond, func() (bool, error) {
		var err error
		status, err = d.ReadReg(MMS0, RegSTATUS0)
		return status&Status0RESETC != 0, err
	})
	if err != nil {
		d.log.logerr("Init:reset", slog.Int("attempts", cfg.ResetAttempts))
		return err
	}
	// Status bits are write one to clear.
	err = d.WriteReg(MMS0, RegSTATUS0, status)
	if err != nil {
		return err
	}

	id, err := d.ReadReg(MMS0, RegPHYID)
	if err != nil {
		return err
	}
	if id == 0 || id == 0xffff_ffff || (cfg.PHYID != 0 && id != cfg.PHYID) {
		d.log.logerr("Init:identify", slog.Uint64("phyid", uint64(id)), slog.Uint64("want", uint64(cfg.PHYID)))
		return ethdrv.ErrIdentify
	}

	err = d.WriteReg(MMS0, RegCONFIG0, Config0SYNC|cps)
	if err != nil {
		return err
	}
	if cfg.MAC != ([6]byte{}) {
		err = d.SetMAC(cfg.MAC)
		if err != nil {
			return err
		}
	}
	err = d.WriteReg(MMSMAC, RegMACNCR, NCRTXEN|NCRRXEN)
	if err != nil {
		return err
	}
	d.txCap, _, err = d.Credits()
	if err != nil {
		return err
	}
	if d.chunksFor(d.maxFrame) > d.txCap {
		d.log.logerr("Init:tx buffer", slog.Int("need", d.chunksFor(d.maxFrame)), slog.Int("txc", d.txCap))
		return ethdrv.ErrInvalidLength
	}
	d.log.info("Init:done", slog.Uint64("phyid", uint64(id)), slog.Int("txc", d.txc))
	d.postTxReady()
	return nil
}

// SetMAC programs the station address filter.
func (d *Device) SetMAC(mac [6]byte) error {
	bottom := uint32(mac[3])<<24 | uint32(mac[2])<<16 | uint32(mac[1])<<8 | uint32(mac[0])
	top := uint32(mac[5])<<8 | uint32(mac[4])
	err := d.WriteRegs(MMSMAC, RegMACSAB1, []uint32{bottom, top})
	if err != nil {
		return err
	}
	d.mac = mac
	return nil
}

// MAC returns the last programmed station address.
func (d *Device) MAC() [6]byte { return d.mac }

// SetMulticastFilter programs the multicast hash table and enables hash
// matching of multicast destinations. The MAC hashes with [ethdrv.HashXORFold].
func (d *Device) SetMulticastFilter(hf *ethdrv.HashFilter) error {
	if hf.Kind != ethdrv.HashXORFold {
		return errHashKind
	}
	lo, hi := hf.Words()
	err := d.WriteRegs(MMSMAC, RegMACHRB, []uint32{lo, hi})
	if err != nil {
		return err
	}
	ncfgr, err := d.ReadReg(MMSMAC, RegMACNCFGR)
	if err != nil {
		return err
	}
	return d.WriteReg(MMSMAC, RegMACNCFGR, ncfgr|NCFGRMTIHEN)
}

// Credits reads the buffer status register and returns the free transmit
// chunks and the receive chunks available.
func (d *Device) Credits() (txc, rca int, err error) {
	v, err := d.ReadReg(MMS0, RegBUFSTS)
	if err != nil {
		return 0, 0, err
	}
	d.txc = int(v>>8) & 0xff
	d.rca = int(v) & 0xff
	if d.rca > 0 {
		d.ev.SignalNIC()
	}
	return d.txc, d.rca, nil
}

// SetRecvHandler sets the handler for received frames.
// If set to nil then received frames are dropped.
func (d *Device) SetRecvHandler(handler ethdrv.RecvHandler) {
	d.handler = handler
}

// ChunkSize returns the chunk payload size.
func (d *Device) ChunkSize() int { return d.cs }

// Stats returns a snapshot of the transport counters.
func (d *Device) Stats() Stats { return d.stats }

// footerCreditMax is the largest credit count a footer can carry. A footer
// showing it may stand for more, only BUFSTS has the full count.
const footerCreditMax = 31

// chunksFor returns the chunks, and so the transmit credit, an n byte frame takes.
func (d *Device) chunksFor(n int) int { return (n + d.cs - 1) / d.cs }

// canSendMax reports whether the MACPHY has credit for a maximum size frame.
// A saturated footer count is refreshed from the buffer status register.
func (d *Device) canSendMax() bool {
	need := d.chunksFor(d.maxFrame)
	if need <= d.txc {
		return true
	}
	if d.txc < footerCreditMax {
		return false
	}
	_, _, err := d.Credits()
	return err == nil && need <= d.txc
}

// postTxReady posts TX ready if a maximum size frame fits, else arms the
// repost that happens once a footer reports enough credit.
func (d *Device) postTxReady() {
	if d.canSendMax() {
		d.txBlocked = false
		d.ev.SignalTxReady()
	} else {
		d.txBlocked = true
	}
}

// SendPacket transmits frame[offset:] as a sequence of chunks. The whole
// frame is refused with ErrBusy when the MACPHY lacks credit for it.
// Frames received during the exchange are delivered to the RecvHandler.
func (d *Device) SendPacket(frame []byte, offset int) error {
	if offset < 0 || offset > len(frame) {
		return ethdrv.ErrInvalidLength
	}
	frame = frame[offset:]
	if len(frame) > d.maxFrame {
		return ethdrv.ErrInvalidLength
	}
	if len(frame) == 0 {
		d.postTxReady()
		return nil
	}
	nchunks := d.chunksFor(len(frame))
	if nchunks > d.txc {
		// Cached credit may be stale or saturated, ask the MACPHY before refusing.
		_, _, err := d.Credits()
		if err != nil {
			return err
		}
		if nchunks > d.txc {
			d.stats.TxBusy++
			d.txBlocked = true
			d.log.debug("SendPacket:no credit", slog.Int("need", nchunks), slog.Int("txc", d.txc))
			return ethdrv.ErrBusy
		}
	}
	d.txBlocked = false
	for i := 0; i < nchunks; i++ {
		start := i * d.cs
		end := min(start+d.cs, len(frame))
		last := i == nchunks-1
		hdr := DataHeader(i == 0, last, end-start-1)
		ftr, payload, err := d.exchange(hdr, frame[start:end])
		if err != nil {
			return err
		}
		_, err = d.consume(ftr, payload)
		if err != nil && !ethdrv.IsFrameDrop(err) {
			d.log.debug("SendPacket:rx handler", slog.String("err", err.Error()))
		}
	}
	d.stats.TxFrames++
	d.log.trace("SendPacket", slog.Int("plen", len(frame)), slog.Int("chunks", nchunks))
	d.postTxReady()
	return nil
}

// ReceivePacket clocks idle chunks out of the MACPHY until one frame has been
// reassembled and delivered or the MACPHY has no more receive data, in which
// case ErrBufferEmpty is returned. A frame in progress is kept across calls.
func (d *Device) ReceivePacket() error {
	idle := IdleHeader()
	for {
		ftr, payload, err := d.exchange(idle, nil)
		if err != nil {
			return err
		}
		if !ftr.DataValid() {
			return ethdrv.ErrBufferEmpty
		}
		delivered, err := d.consume(ftr, payload)
		if err != nil || delivered {
			return err
		}
	}
}

// exchange transfers one data chunk and checks the footer that came back.
func (d *Device) exchange(hdr Header, payload []byte) (Footer, []byte, error) {
	binary.BigEndian.PutUint32(d.chunktx, uint32(hdr))
	n := copy(d.chunktx[4:], payload)
	clear(d.chunktx[4+n:])
	err := d.bus.Tx(d.chunktx, d.chunkrx)
	if err != nil {
		return 0, nil, err
	}
	d.stats.Chunks++
	ftr := Footer(binary.BigEndian.Uint32(d.chunkrx[d.cs:]))
	if !ftr.ParityOK() || ftr.HeaderBad() || !ftr.Sync() {
		// Nothing in this chunk can be trusted, including a partial frame.
		d.stats.ProtocolErrors++
		d.dropFrame()
		d.resync = true
		d.ev.SignalNIC()
		d.log.logerr("exchange:protocol", slog.Uint64("footer", uint64(ftr)), slog.String("decoded", ftr.String()))
		return ftr, nil, ethdrv.ErrProtocol
	}
	if ftr.ExtStatus() {
		d.ev.SignalNIC()
	}
	d.txc = int(ftr.TxCredits())
	d.rca = int(ftr.RxAvail())
	if d.rca > 0 {
		d.ev.SignalNIC()
	}
	if d.txBlocked && d.canSendMax() {
		d.txBlocked = false
		d.ev.SignalTxReady()
	}
	return ftr, d.chunkrx[:d.cs], nil
}

// consume runs receive reassembly on one chunk. It reports whether a frame
// was delivered to the handler.
func (d *Device) consume(ftr Footer, payload []byte) (delivered bool, err error) {
	if !ftr.DataValid() {
		return false, nil
	}
	sv, ev := ftr.StartValid(), ftr.EndValid()
	swo := 4 * ftr.StartWordOffset()
	ebo := ftr.EndByteOffset()
	if (sv && swo >= len(payload)) || (ev && ebo >= len(payload)) {
		d.dropFrame()
		d.stats.RxDropped++
		return false, ethdrv.ErrInvalidPacket
	}
	if sv && ev && swo > ebo {
		// Chunk ends the frame in progress and starts the next one.
		delivered, err = d.endFrame(ftr, payload[:ebo+1])
		d.startFrame(payload[swo:])
		return delivered, err
	}
	if sv {
		if d.inFrame {
			// Start of frame without an end for the previous one.
			d.dropFrame()
			d.stats.RxDropped++
			d.log.debug("consume:unexpected SV")
			return false, ethdrv.ErrInvalidPacket
		}
		if ev {
			d.startFrame(payload[swo : ebo+1])
			return d.endFrame(ftr, nil)
		}
		d.startFrame(payload[swo:])
		return false, nil
	}
	end := len(payload)
	if ev {
		end = ebo + 1
	}
	if !d.inFrame {
		if d.resync {
			if ev {
				d.resync = false
			}
			return false, nil
		}
		d.stats.RxDropped++
		d.resync = !ev
		d.log.debug("consume:missing SV")
		return false, ethdrv.ErrInvalidPacket
	}
	if !ev {
		return false, d.appendFrame(payload[:end])
	}
	return d.endFrame(ftr, payload[:end])
}

func (d *Device) startFrame(head []byte) {
	d.frame = d.frame[:0]
	d.inFrame = true
	d.resync = false
	d.appendFrame(head)
}

func (d *Device) appendFrame(b []byte) error {
	if len(d.frame)+len(b) > d.maxFrame {
		d.dropFrame()
		d.stats.RxOverflows++
		d.log.debug("consume:overflow", slog.Int("maxframe", d.maxFrame))
		return ethdrv.ErrBufferOverflow
	}
	d.frame = append(d.frame, b...)
	return nil
}

// endFrame appends the tail of the frame in progress and delivers it.
func (d *Device) endFrame(ftr Footer, tail []byte) (bool, error) {
	if !d.inFrame {
		if d.resync {
			d.resync = false
			return false, nil
		}
		d.stats.RxDropped++
		return false, ethdrv.ErrInvalidPacket
	}
	err := d.appendFrame(tail)
	if err != nil {
		// The frame ended here, next chunk starts a new one.
		d.resync = false
		return false, err
	}
	frame := d.frame
	d.frame = d.frame[:0]
	d.inFrame = false
	if ftr.FrameDrop() || len(frame) < 14 {
		d.stats.RxDropped++
		return false, ethdrv.ErrInvalidPacket
	}
	d.stats.RxFrames++
	d.log.trace("consume:frame", slog.Int("plen", len(frame)))
	if d.handler == nil {
		return true, nil
	}
	return true, d.handler(frame)
}

// dropFrame discards the frame in progress, if any, and ignores chunks until
// the next start of frame.
func (d *Device) dropFrame() {
	if d.inFrame {
		d.resync = true
	}
	d.frame = d.frame[:0]
	d.inFrame = false
}
