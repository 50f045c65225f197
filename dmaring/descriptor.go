package dmaring

import (
	"strconv"
	"sync/atomic"
)

// Descriptor is a DMA descriptor as laid out in memory shared with the DMA
// engine: four little-endian 32-bit words following the DWMAC normal descriptor.
//
//	word0: status and ownership (written by both parties, OWN decides who)
//	word1: buffer size (13:0) and received frame length (29:16)
//	word2: buffer bus address
//	word3: next descriptor bus address (chained mode)
//
// Word 0 is only accessed atomically: storing it with OWN set is the commit
// point that publishes the other words to the DMA engine.
type Descriptor [4]uint32

// Word 0 bits.
const (
	statOWN   uint32 = 1 << 31 // Owned by DMA engine.
	statFS    uint32 = 1 << 29 // First segment of frame.
	statLS    uint32 = 1 << 28 // Last segment of frame.
	statWRAP  uint32 = 1 << 21 // Last descriptor of ring, DMA returns to base.
	statCHAIN uint32 = 1 << 20 // Word 3 holds the next descriptor address.
	statES    uint32 = 1 << 15 // Error summary.
	statRUNT  uint32 = 1 << 11 // Runt frame.
	statLATE  uint32 = 1 << 7  // Late collision.
	statCE    uint32 = 1 << 1  // CRC error.
	statOVF   uint32 = 1 << 0  // Overflow.

	statErrMask = statES | statRUNT | statLATE | statCE | statOVF
	// statRingMask holds the bits software sets once at init and keeps.
	statRingMask = statWRAP | statCHAIN
)

// Word 1 fields.
const (
	ctlSizeMask  uint32 = (1 << 14) - 1
	ctlFLPos            = 16
	ctlFLMask    uint32 = ((1 << 14) - 1) << ctlFLPos
	maxBufferLen        = int(ctlSizeMask)
)

// Owner is the party allowed to access a descriptor's fields and buffer.
type Owner uint8

const (
	OwnerSoftware Owner = iota // Driver may touch the descriptor.
	OwnerDMA                   // DMA engine may touch the descriptor.
)

func (o Owner) String() string {
	if o == OwnerDMA {
		return "dma"
	}
	return "software"
}

// Status is a snapshot of descriptor word 0.
type Status uint32

// Owner returns the descriptor owner at the time of the snapshot.
func (s Status) Owner() Owner {
	if uint32(s)&statOWN != 0 {
		return OwnerDMA
	}
	return OwnerSoftware
}

// FirstSegment reports whether the buffer holds the start of a frame.
func (s Status) FirstSegment() bool { return uint32(s)&statFS != 0 }

// LastSegment reports whether the buffer holds the end of a frame.
func (s Status) LastSegment() bool { return uint32(s)&statLS != 0 }

// Wrap reports whether the descriptor is the last of its ring.
func (s Status) Wrap() bool { return uint32(s)&statWRAP != 0 }

// Chained reports whether word 3 holds the next descriptor address.
func (s Status) Chained() bool { return uint32(s)&statCHAIN != 0 }

// HasError reports whether hardware flagged an error on the frame.
func (s Status) HasError() bool { return uint32(s)&statErrMask != 0 }

// Load atomically reads word 0. Acquire: fields written by the other party
// before it stored word 0 are visible after Load.
func (d *Descriptor) Load() Status {
	return Status(atomic.LoadUint32(&d[0]))
}

// store atomically writes word 0. Release: all prior field writes are
// published together with the new owner.
func (d *Descriptor) store(s uint32) {
	atomic.StoreUint32(&d[0], s)
}

// Owner reads the ownership bit.
func (d *Descriptor) Owner() Owner { return d.Load().Owner() }

func (d *Descriptor) bufferSize() int { return int(d[1] & ctlSizeMask) }
func (d *Descriptor) setBufferSize(n int) { d[1] = d[1]&^ctlSizeMask | uint32(n)&ctlSizeMask }
func (d *Descriptor) frameLength() int { return int((d[1] & ctlFLMask) >> ctlFLPos) }
func (d *Descriptor) bufferAddr() uint32 { return d[2] }
func (d *Descriptor) setBufferAddr(a uint32) { d[2] = a }
func (d *Descriptor) next() uint32 { return d[3] }
func (d *Descriptor) setNext(a uint32) { d[3] = a }

// HW is the hardware side view of a descriptor. It is used by DMA engine
// models; software must use the ring operations.
type HW struct{ d *Descriptor }

// HWView returns the hardware side accessors of d.
func HWView(d *Descriptor) HW { return HW{d: d} }

// Load atomically reads word 0, see [Descriptor.Load].
func (h HW) Load() Status { return h.d.Load() }

// BufferAddr returns the bus address of the frame buffer.
func (h HW) BufferAddr() uint32 { return h.d.bufferAddr() }

// BufferSize returns the buffer capacity programmed by software.
func (h HW) BufferSize() int { return h.d.bufferSize() }

// ByteCount returns the bytes queued for transmission. Transmit descriptors
// carry the frame length in the size field.
func (h HW) ByteCount() int { return h.d.bufferSize() }

// Next returns the bus address of the next descriptor in chained mode.
func (h HW) Next() uint32 { return h.d.next() }

// SetFrameLength records the length of a received frame.
func (h HW) SetFrameLength(n int) { h.d[1] = h.d[1]&^ctlFLMask | uint32(n)<<ctlFLPos&ctlFLMask }

// Complete hands the descriptor back to software with the given segment and
// error flags. Ring flags set by software are kept.
func (h HW) Complete(first, last bool, errFlags uint32) {
	s := uint32(h.d.Load()) & statRingMask
	if first {
		s |= statFS
	}
	if last {
		s |= statLS
	}
	s |= errFlags & statErrMask
	h.d.store(s)
}

// Error flags a hardware model may report through [HW.Complete].
const (
	ErrFlagCRC      = statES | statCE
	ErrFlagOverflow = statES | statOVF
	ErrFlagRunt     = statES | statRUNT
	ErrFlagLate     = statES | statLATE
)

func (d *Descriptor) String() string {
	s := d.Load()
	var b []byte
	if s.Owner() == OwnerDMA {
		b = append(b, "hw: "...)
	} else {
		b = append(b, "sw: "...)
	}
	b = append(b, "buffer 0x"...)
	b = strconv.AppendUint(b, uint64(d.bufferAddr()), 16)
	b = append(b, ", size "...)
	b = strconv.AppendInt(b, int64(d.bufferSize()), 10)
	if fl := d.frameLength(); fl != 0 {
		b = append(b, ", frame "...)
		b = strconv.AppendInt(b, int64(fl), 10)
	}
	if s.FirstSegment() {
		b = append(b, ", fs"...)
	}
	if s.LastSegment() {
		b = append(b, ", ls"...)
	}
	if s.HasError() {
		b = append(b, ", err"...)
	}
	if s.Wrap() {
		b = append(b, ", wrap"...)
	}
	if s.Chained() {
		b = append(b, ", next 0x"...)
		b = strconv.AppendUint(b, uint64(d.next()), 16)
	}
	return string(b)
}
