// Package dmasim models the DMA engine side of a [dmaring.Engine] so the
// descriptor ring protocol can be exercised off-target.
//
// A Sim only touches a descriptor while it owns it, exactly like hardware, and
// implements [dmaring.AccessHook] to record every software access made to a
// descriptor while DMA owns it.
package dmasim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/soypat/ethdrv/dmaring"
)

// Violation is a software access to a DMA-owned descriptor.
type Violation struct {
	Dir   dmaring.Direction
	Index int
	Field dmaring.Field
	Write bool
}

func (v Violation) String() string {
	op := "read"
	if v.Write {
		op = "write"
	}
	return fmt.Sprintf("%s[%d] field %d %s while owned by dma", v.Dir, v.Index, v.Field, op)
}

type simRing struct {
	desc   []dmaring.Descriptor
	index  map[uint32]int // Descriptor bus address to ring index.
	cursor int
}

func (r *simRing) advance(d dmaring.HW) {
	switch {
	case d.Load().Chained():
		next, ok := r.index[d.Next()]
		if !ok {
			next = 0
		}
		r.cursor = next
	case d.Load().Wrap() || r.cursor == len(r.desc)-1:
		r.cursor = 0
	default:
		r.cursor++
	}
}

// Sim is a DMA engine model. The zero value is ready for use: pass [Sim.Addr],
// [Sim.Kick] and [Sim.ResetDone] and the Sim itself as hook in the
// [dmaring.Config], then call [Sim.Attach] after Init.
type Sim struct {
	// ResetPolls is the number of ResetDone calls that report the reset still in progress.
	// A negative value means the reset never completes.
	ResetPolls int

	mu       sync.Mutex
	nextAddr uint32
	addrs    map[unsafe.Pointer]uint32
	bufs     map[uint32][]byte
	tx, rx   simRing
	txErr    uint32
	viol     []Violation
	kicks    atomic.Int32
	rxkicks  atomic.Int32
	resets   atomic.Int32
	overruns atomic.Int32
}

var _ dmaring.AccessHook = (*Sim)(nil)

// Addr assigns a stable fake bus address to p.
func (s *Sim) Addr(p unsafe.Pointer) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr(p)
}

func (s *Sim) addr(p unsafe.Pointer) uint32 {
	if s.addrs == nil {
		s.addrs = make(map[unsafe.Pointer]uint32)
		s.nextAddr = 0x2000_0000
	}
	a, ok := s.addrs[p]
	if !ok {
		a = s.nextAddr
		s.nextAddr += 16
		s.addrs[p] = a
	}
	return a
}

// Kick records a transmit poll demand.
func (s *Sim) Kick() { s.kicks.Add(1) }

// RxKick records a receive resume request.
func (s *Sim) RxKick() { s.rxkicks.Add(1) }

// Kicks returns the number of transmit poll demands received.
func (s *Sim) Kicks() int { return int(s.kicks.Load()) }

// ResetDone reports software reset completion after ResetPolls calls.
func (s *Sim) ResetDone() bool {
	n := int(s.resets.Add(1))
	return s.ResetPolls >= 0 && n > s.ResetPolls
}

// Attach maps the rings and buffers of an initialized engine.
func (s *Sim) Attach(e *dmaring.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs = make(map[uint32][]byte)
	s.tx = s.mapRing(e.TxDescriptors(), e.TxBuffer)
	s.rx = s.mapRing(e.RxDescriptors(), e.RxBuffer)
}

func (s *Sim) mapRing(desc []dmaring.Descriptor, buffer func(int) []byte) simRing {
	r := simRing{desc: desc, index: make(map[uint32]int, len(desc))}
	for i := range desc {
		r.index[s.addr(unsafe.Pointer(&desc[i]))] = i
		buf := buffer(i)
		s.bufs[s.addr(unsafe.Pointer(&buf[0]))] = buf
	}
	return r
}

// FailNextTx makes the next transmitted frame complete with the given
// [dmaring.Descriptor] error flags, such as [dmaring.ErrFlagLate].
func (s *Sim) FailNextTx(errFlags uint32) {
	s.mu.Lock()
	s.txErr = errFlags
	s.mu.Unlock()
}

// StepTx transmits every frame software handed to DMA, in ring order, and
// returns copies of them. Descriptors are returned to software.
func (s *Sim) StepTx() (frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.tx
	for range r.desc {
		d := dmaring.HWView(&r.desc[r.cursor])
		stat := d.Load()
		if stat.Owner() != dmaring.OwnerDMA {
			break
		}
		buf := s.bufs[d.BufferAddr()]
		n := min(d.ByteCount(), len(buf))
		if stat.FirstSegment() && stat.LastSegment() {
			frames = append(frames, append([]byte(nil), buf[:n]...))
		}
		d.Complete(stat.FirstSegment(), stat.LastSegment(), s.txErr)
		s.txErr = 0
		r.advance(d)
	}
	return frames
}

// InjectOption modifies how [Sim.Inject] reports a received frame.
type InjectOption func(*injectConfig)

type injectConfig struct {
	first, last bool
	errFlags    uint32
	length      int
}

// WithoutFirst clears the first segment flag.
func WithoutFirst() InjectOption { return func(c *injectConfig) { c.first = false } }

// WithoutLast clears the last segment flag.
func WithoutLast() InjectOption { return func(c *injectConfig) { c.last = false } }

// WithError sets hardware error flags on the received frame.
func WithError(errFlags uint32) InjectOption {
	return func(c *injectConfig) { c.errFlags = errFlags }
}

// WithLength reports n as the received frame length regardless of how many
// bytes fit in the buffer.
func WithLength(n int) InjectOption { return func(c *injectConfig) { c.length = n } }

// Inject receives frame into the next DMA-owned receive descriptor. It returns
// false and counts an overrun if software has not given a descriptor back yet.
func (s *Sim) Inject(frame []byte, opts ...InjectOption) bool {
	cfg := injectConfig{first: true, last: true, length: len(frame)}
	for _, opt := range opts {
		opt(&cfg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.rx
	if len(r.desc) == 0 {
		return false
	}
	d := dmaring.HWView(&r.desc[r.cursor])
	if d.Load().Owner() != dmaring.OwnerDMA {
		s.overruns.Add(1)
		return false
	}
	buf := s.bufs[d.BufferAddr()]
	n := min(d.BufferSize(), len(buf))
	copy(buf[:n], frame)
	d.SetFrameLength(cfg.length)
	d.Complete(cfg.first, cfg.last, cfg.errFlags)
	r.advance(d)
	return true
}

// Loopback transmits pending frames and receives them back. It returns the
// number of frames that found a free receive descriptor.
func (s *Sim) Loopback() (n int) {
	for _, frame := range s.StepTx() {
		if s.Inject(frame) {
			n++
		}
	}
	return n
}

// Overruns returns how many frames were lost for lack of receive descriptors.
func (s *Sim) Overruns() int { return int(s.overruns.Load()) }

// Access implements [dmaring.AccessHook].
func (s *Sim) Access(dir dmaring.Direction, index int, d *dmaring.Descriptor, f dmaring.Field, write bool) {
	if d.Owner() != dmaring.OwnerDMA {
		return
	}
	s.mu.Lock()
	s.viol = append(s.viol, Violation{Dir: dir, Index: index, Field: f, Write: write})
	s.mu.Unlock()
}

// Violations returns the ownership violations recorded so far.
func (s *Sim) Violations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Violation(nil), s.viol...)
}
