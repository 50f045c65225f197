// Package dmaring implements the descriptor ring protocol used by DMA-capable
// Ethernet MACs to hand frame buffers between software and the DMA engine.
//
// Each descriptor owns one fixed-size buffer and carries an ownership bit.
// Whoever owns a descriptor is the only party allowed to touch its fields and
// buffer, so no locks are needed: software writes payload fields first and
// ownership last when giving a descriptor to DMA, and reads ownership first
// when taking one back. One frame always occupies exactly one descriptor.
package dmaring

import (
	"errors"
	"log/slog"
	"time"
	"unsafe"

	"github.com/soypat/ethdrv"
)

// AddrFunc translates a CPU pointer into the bus address the DMA engine uses.
type AddrFunc func(p unsafe.Pointer) uint32

// Direction identifies a ring.
type Direction uint8

const (
	DirTx Direction = iota // Transmit ring.
	DirRx                  // Receive ring.
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

// Field identifies a non-ownership part of a descriptor accessed by software.
type Field uint8

const (
	FieldStatus     Field = iota // Status flags beyond the ownership bit.
	FieldControl                 // Buffer size and frame length word.
	FieldBufferAddr              // Buffer bus address word.
	FieldNext                    // Next descriptor address word.
	FieldBuffer                  // Frame buffer memory.
)

// AccessHook observes every software access to a descriptor field other than
// the ownership bit. Hardware models use it to flag ownership violations.
type AccessHook interface {
	Access(dir Direction, index int, d *Descriptor, f Field, write bool)
}

// Config configures an [Engine].
type Config struct {
	// TxLen and RxLen are the number of descriptors in each ring.
	// They default to 4 and must not exceed 1024.
	TxLen, RxLen int
	// BufferSize is the capacity of each frame buffer, rounded up to a multiple of 4.
	// Defaults to [ethdrv.MFU].
	BufferSize int
	// Chained links descriptors through their next pointer instead of
	// wrapping at the last descriptor of a contiguous array.
	Chained bool
	// TxDesc, RxDesc, TxBuf and RxBuf optionally provide the memory shared
	// with the DMA engine, for example placed in a non-cached section.
	// They are allocated when nil.
	TxDesc, RxDesc []Descriptor
	TxBuf, RxBuf   []byte
	// Addr translates CPU pointers to bus addresses. Defaults to the pointer value.
	Addr AddrFunc
	// Kick writes the transmit poll demand register so DMA does not
	// wait for its next idle poll.
	Kick func()
	// RxKick resumes a receive DMA engine that suspended on an owned descriptor.
	RxKick func()
	// ResetDone, if set, is polled during Init until the DMA software reset
	// completes. ErrNoResponse is returned after ResetAttempts polls.
	ResetDone     func() bool
	ResetAttempts int
	Events        *ethdrv.Events
	RecvHandler   ethdrv.RecvHandler
	Hook          AccessHook
	Logger        *slog.Logger
}

// Stats counts ring activity.
type Stats struct {
	TxFrames  uint64
	TxBusy    uint64
	TxErrors  uint64
	RxFrames  uint64
	RxDropped uint64
}

type ring struct {
	dir    Direction
	desc   []Descriptor
	buf    []byte
	bufLen int
	base   uint32
	// cursor is the next slot software fills (tx) or reads (rx).
	cursor int
}

func (r *ring) buffer(i int) []byte {
	return r.buf[i*r.bufLen : (i+1)*r.bufLen]
}

func (r *ring) advance() {
	r.cursor++
	if r.cursor == len(r.desc) {
		r.cursor = 0
	}
}

// Engine drives a transmit and a receive descriptor ring.
// Its methods are not safe for concurrent use by multiple goroutines; the
// DMA engine is the only other party and synchronizes through ownership.
type Engine struct {
	tx, rx  ring
	addr    AddrFunc
	kick    func()
	rxkick  func()
	ev      *ethdrv.Events
	handler ethdrv.RecvHandler
	hook    AccessHook
	log     logger
	stats   Stats
	// txBlocked is set while the producer slot is owned by DMA so that TX
	// ready is posted once it is released.
	txBlocked bool
}

var _ ethdrv.NIC = (*Engine)(nil)

const maxRingLen = 1024

var errRingLen = errors.New("dmaring: invalid ring length")

func defaultAddr(p unsafe.Pointer) uint32 { return uint32(uintptr(p)) }

// Init sets up both rings. All transmit descriptors start owned by software
// and all receive descriptors owned by DMA, ready to be filled.
func (e *Engine) Init(cfg Config) error {
	if cfg.TxLen == 0 {
		cfg.TxLen = 4
	}
	if cfg.RxLen == 0 {
		cfg.RxLen = 4
	}
	if cfg.TxLen < 0 || cfg.RxLen < 0 || cfg.TxLen > maxRingLen || cfg.RxLen > maxRingLen {
		return errRingLen
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = ethdrv.MFU
	}
	bufLen := int(alignup(uint(cfg.BufferSize), 4))
	if cfg.BufferSize < 0 || bufLen > maxBufferLen {
		return ethdrv.ErrInvalidLength
	}
	if cfg.Addr == nil {
		cfg.Addr = defaultAddr
	}
	*e = Engine{
		addr:    cfg.Addr,
		kick:    cfg.Kick,
		rxkick:  cfg.RxKick,
		ev:      cfg.Events,
		handler: cfg.RecvHandler,
		hook:    cfg.Hook,
		log:     logger{l: cfg.Logger},
	}
	if cfg.ResetDone != nil {
		attempts := cfg.ResetAttempts
		if attempts == 0 {
			attempts = 100
		}
		err := ethdrv.PollUntil(attempts, time.Millisecond, func() (bool, error) {
			return cfg.ResetDone(), nil
		})
		if err != nil {
			e.log.logerr("Init:dma-reset", slog.Int("attempts", attempts))
			return err
		}
	}
	err := e.tx.init(DirTx, cfg.TxLen, bufLen, cfg.TxDesc, cfg.TxBuf)
	if err != nil {
		return err
	}
	err = e.rx.init(DirRx, cfg.RxLen, bufLen, cfg.RxDesc, cfg.RxBuf)
	if err != nil {
		return err
	}
	e.setupRing(&e.tx, cfg.Chained)
	e.setupRing(&e.rx, cfg.Chained)
	e.log.debug("Init:done",
		slog.Int("txlen", cfg.TxLen), slog.Int("rxlen", cfg.RxLen),
		slog.Int("buflen", bufLen), slog.Bool("chained", cfg.Chained),
	)
	return nil
}

func (r *ring) init(dir Direction, n, bufLen int, desc []Descriptor, buf []byte) error {
	if desc == nil {
		desc = make([]Descriptor, n)
	} else if len(desc) < n {
		return errRingLen
	}
	if buf == nil {
		buf = make([]byte, n*bufLen)
	} else if len(buf) < n*bufLen {
		return ethdrv.ErrInvalidLength
	}
	*r = ring{
		dir:    dir,
		desc:   desc[:n],
		buf:    buf[:n*bufLen],
		bufLen: bufLen,
	}
	clear(r.desc)
	return nil
}

func (e *Engine) setupRing(r *ring, chained bool) {
	r.base = e.addr(unsafe.Pointer(&r.desc[0]))
	last := len(r.desc) - 1
	for i := range r.desc {
		d := &r.desc[i]
		var stat uint32
		if chained {
			stat = statCHAIN
			d.setNext(e.addr(unsafe.Pointer(&r.desc[(i+1)%len(r.desc)])))
		} else if i == last {
			stat = statWRAP
		}
		if r.dir == DirRx {
			d.setBufferAddr(e.addr(unsafe.Pointer(&r.buffer(i)[0])))
			d.setBufferSize(r.bufLen)
			stat |= statOWN
		}
		d.store(stat)
	}
}

// SendPacket copies frame[offset:] into the next transmit buffer and hands
// its descriptor to DMA. ErrBusy is returned while that descriptor is still
// owned by DMA from an earlier send; the ring is left untouched.
func (e *Engine) SendPacket(frame []byte, offset int) error {
	if offset < 0 || offset > len(frame) {
		return ethdrv.ErrInvalidLength
	}
	frame = frame[offset:]
	r := &e.tx
	if len(frame) > r.bufLen {
		return ethdrv.ErrInvalidLength
	}
	i := r.cursor
	d := &r.desc[i]
	stat := d.Load()
	if len(frame) == 0 {
		// Nothing to queue. The ring is not touched.
		if stat.Owner() == OwnerSoftware {
			e.ev.SignalTxReady()
		}
		return nil
	}
	if stat.Owner() != OwnerSoftware {
		e.txBlocked = true
		e.stats.TxBusy++
		e.log.debug("SendPacket:busy", slog.Int("slot", i))
		return ethdrv.ErrBusy
	}
	e.access(r, i, FieldStatus, false)
	if stat.HasError() {
		// Completion status of the previous frame sent from this slot.
		e.stats.TxErrors++
	}
	e.access(r, i, FieldBuffer, true)
	buf := r.buffer(i)
	copy(buf, frame)
	e.access(r, i, FieldBufferAddr, true)
	d.setBufferAddr(e.addr(unsafe.Pointer(&buf[0])))
	e.access(r, i, FieldControl, true)
	d.setBufferSize(len(frame))
	// Commit point: everything above becomes visible to DMA with this store.
	d.store(uint32(stat)&statRingMask | statFS | statLS | statOWN)
	if e.kick != nil {
		e.kick()
	}
	r.advance()
	e.stats.TxFrames++
	e.log.trace("SendPacket", slog.Int("slot", i), slog.Int("plen", len(frame)))
	if r.desc[r.cursor].Owner() == OwnerSoftware {
		e.ev.SignalTxReady()
	} else {
		e.txBlocked = true
	}
	return nil
}

// PollTx posts TX ready if a sender found the ring full and DMA has since
// released the producer slot. Call it from the task handling transmit
// complete interrupts; ReceivePacket also calls it.
func (e *Engine) PollTx() {
	if e.txBlocked && e.tx.desc[e.tx.cursor].Owner() == OwnerSoftware {
		e.txBlocked = false
		e.ev.SignalTxReady()
	}
}

// ReceivePacket reads the frame at the receive cursor, if DMA released one,
// hands it to the RecvHandler and gives the descriptor back to DMA.
// The descriptor is returned to DMA even when the frame is dropped.
func (e *Engine) ReceivePacket() (err error) {
	e.PollTx()
	r := &e.rx
	i := r.cursor
	d := &r.desc[i]
	stat := d.Load()
	if stat.Owner() != OwnerSoftware {
		return ethdrv.ErrBufferEmpty
	}
	e.access(r, i, FieldStatus, false)
	switch {
	case !stat.FirstSegment() || !stat.LastSegment():
		err = ethdrv.ErrInvalidPacket
	case stat.HasError():
		err = ethdrv.ErrInvalidPacket
	default:
		e.access(r, i, FieldControl, false)
		n := min(d.frameLength(), r.bufLen)
		e.access(r, i, FieldBuffer, false)
		if e.handler != nil {
			err = e.handler(r.buffer(i)[:n])
		}
	}
	if err != nil {
		e.stats.RxDropped++
		e.log.debug("ReceivePacket:drop", slog.Int("slot", i), slog.Uint64("status", uint64(stat)))
	} else {
		e.stats.RxFrames++
	}
	e.reclaim(r, i)
	r.advance()
	return err
}

// reclaim gives receive descriptor i back to DMA. Some controllers clear the
// buffer address on writeback so it is always rewritten.
func (e *Engine) reclaim(r *ring, i int) {
	d := &r.desc[i]
	ringFlags := uint32(d.Load()) & statRingMask
	e.access(r, i, FieldBufferAddr, true)
	d.setBufferAddr(e.addr(unsafe.Pointer(&r.buffer(i)[0])))
	e.access(r, i, FieldControl, true)
	d[1] = 0
	d.setBufferSize(r.bufLen)
	d.store(ringFlags | statOWN)
	if e.rxkick != nil {
		e.rxkick()
	}
}

// ReceiveAll drains all received frames. See [ethdrv.Drain].
func (e *Engine) ReceiveAll() (int, error) {
	return ethdrv.Drain(e)
}

// SetRecvHandler sets the handler for received frames.
// If set to nil then received frames are dropped silently.
func (e *Engine) SetRecvHandler(handler ethdrv.RecvHandler) {
	e.handler = handler
}

func (e *Engine) access(r *ring, i int, f Field, write bool) {
	if e.hook != nil {
		e.hook.Access(r.dir, i, &r.desc[i], f, write)
	}
}

// TxDescriptors returns the transmit ring memory. It must only be used to
// program the DMA engine or by hardware models.
func (e *Engine) TxDescriptors() []Descriptor { return e.tx.desc }

// RxDescriptors returns the receive ring memory. See [Engine.TxDescriptors].
func (e *Engine) RxDescriptors() []Descriptor { return e.rx.desc }

// TxBase returns the bus address of the first transmit descriptor, to be
// written to the controller's descriptor list address register.
func (e *Engine) TxBase() uint32 { return e.tx.base }

// RxBase returns the bus address of the first receive descriptor.
func (e *Engine) RxBase() uint32 { return e.rx.base }

// TxBuffer returns the transmit buffer of slot i.
func (e *Engine) TxBuffer(i int) []byte { return e.tx.buffer(i) }

// RxBuffer returns the receive buffer of slot i.
func (e *Engine) RxBuffer(i int) []byte { return e.rx.buffer(i) }

// BufferSize returns the capacity of each frame buffer.
func (e *Engine) BufferSize() int { return e.tx.bufLen }

// TxCursor returns the next transmit slot software will fill.
func (e *Engine) TxCursor() int { return e.tx.cursor }

// RxCursor returns the next receive slot software will read.
func (e *Engine) RxCursor() int { return e.rx.cursor }

// Stats returns a snapshot of the ring counters.
func (e *Engine) Stats() Stats { return e.stats }
