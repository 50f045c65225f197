package tc6

import (
	"math/bits"
	"strconv"
)

// Parity returns the parity bit P for the 31 bits v[31:1] such that the whole
// word, P included, has an odd number of set bits.
func Parity(v uint32) uint32 {
	if bits.OnesCount32(v&^1)%2 == 0 {
		return 1
	}
	return 0
}

// parityOK reports whether v carries correct odd parity.
func parityOK(v uint32) bool { return bits.OnesCount32(v)%2 == 1 }

func withParity(v uint32) uint32 { return v&^1 | Parity(v) }

// Header is the 32-bit word the SPI host sends at the start of every chunk or
// control transaction. It is transferred big-endian.
type Header uint32

// Data header fields.
const (
	hdrDNC     = 1 << 31 // Data, not control.
	hdrSEQ     = 1 << 30
	hdrNORX    = 1 << 29 // Host will not accept receive data in this chunk.
	hdrDV      = 1 << 21 // Data valid: the payload carries transmit data.
	hdrSV      = 1 << 20 // Start of frame valid.
	hdrSWOPos  = 16
	hdrSWOMask = 0xf << hdrSWOPos // Start word offset, 4 byte words.
	hdrEV      = 1 << 14          // End of frame valid.
	hdrEBOPos  = 8
	hdrEBOMask = 0x3f << hdrEBOPos // End byte offset.
	hdrP       = 1
)

// Control header fields.
const (
	hdrHDRB     = 1 << 30 // Header bad, only set in echoed headers.
	hdrWNR      = 1 << 29 // Write, not read.
	hdrAID      = 1 << 28 // Address increment disable.
	hdrMMSPos   = 24
	hdrMMSMask  = 0xf << hdrMMSPos
	hdrADDRPos  = 8
	hdrADDRMask = 0xffff << hdrADDRPos
	hdrLENPos   = 1
	hdrLENMask  = 0x7f << hdrLENPos // Number of registers minus one.
)

// DataHeader returns a parity-stamped data chunk header carrying transmit
// data. ebo is the offset of the last frame byte in the payload and is only
// used when ev is set. Frames always start at word offset 0.
func DataHeader(sv, ev bool, ebo int) Header {
	h := uint32(hdrDNC | hdrDV)
	if sv {
		h |= hdrSV
	}
	if ev {
		h |= hdrEV | uint32(ebo)<<hdrEBOPos&hdrEBOMask
	}
	return Header(withParity(h))
}

// IdleHeader returns the header of a data chunk without transmit data that
// lets the MACPHY send receive data.
func IdleHeader() Header { return Header(withParity(hdrDNC)) }

// ControlHeader returns the parity-stamped header of a control transaction
// accessing n consecutive registers starting at addr in memory map mms.
func ControlHeader(write bool, mms uint8, addr uint16, n int) Header {
	h := uint32(mms)<<hdrMMSPos&hdrMMSMask | uint32(addr)<<hdrADDRPos | uint32(n-1)<<hdrLENPos&hdrLENMask
	if write {
		h |= hdrWNR
	}
	return Header(withParity(h))
}

// IsData reports whether the header starts a data chunk rather than a control transaction.
func (h Header) IsData() bool { return h&hdrDNC != 0 }

// ParityOK reports whether the header has odd parity.
func (h Header) ParityOK() bool { return parityOK(uint32(h)) }

// DataValid reports whether the chunk payload carries transmit data.
func (h Header) DataValid() bool { return h&hdrDV != 0 }

// NoRx reports whether the host refuses receive data in this chunk.
func (h Header) NoRx() bool { return h&hdrNORX != 0 }

// StartValid reports whether a frame starts in the chunk.
func (h Header) StartValid() bool { return h&hdrSV != 0 }

// StartWordOffset returns the 32-bit word where the frame starts.
func (h Header) StartWordOffset() int { return int(h&hdrSWOMask) >> hdrSWOPos }

// EndValid reports whether a frame ends in the chunk.
func (h Header) EndValid() bool { return h&hdrEV != 0 }

// EndByteOffset returns the offset of the last frame byte in the chunk.
func (h Header) EndByteOffset() int { return int(h&hdrEBOMask) >> hdrEBOPos }

// Control header accessors.

// HeaderBad reports whether the MACPHY echoed the header as bad.
func (h Header) HeaderBad() bool { return h&hdrHDRB != 0 }

// Write reports whether the transaction writes registers.
func (h Header) Write() bool { return h&hdrWNR != 0 }

// MMS returns the memory map selector.
func (h Header) MMS() uint8 { return uint8(h&hdrMMSMask>>hdrMMSPos) }

// Addr returns the first register address.
func (h Header) Addr() uint16 { return uint16(h & hdrADDRMask >> hdrADDRPos) }

// Len returns the amount of registers accessed by a control transaction.
func (h Header) Len() int { return int(h&hdrLENMask>>hdrLENPos) + 1 }

func (h Header) String() string {
	var b []byte
	if !h.IsData() {
		if h.Write() {
			b = append(b, "ctl write "...)
		} else {
			b = append(b, "ctl read "...)
		}
		b = append(b, RegName(h.MMS(), h.Addr())...)
		b = append(b, " len="...)
		b = strconv.AppendInt(b, int64(h.Len()), 10)
		if h.HeaderBad() {
			b = append(b, " HDRB"...)
		}
	} else {
		b = append(b, "data"...)
		if h.NoRx() {
			b = append(b, " NORX"...)
		}
		if h.DataValid() {
			b = append(b, " DV"...)
		}
		if h.StartValid() {
			b = append(b, " SV swo="...)
			b = strconv.AppendInt(b, int64(h.StartWordOffset()), 10)
		}
		if h.EndValid() {
			b = append(b, " EV ebo="...)
			b = strconv.AppendInt(b, int64(h.EndByteOffset()), 10)
		}
	}
	if !h.ParityOK() {
		b = append(b, " BADPARITY"...)
	}
	return string(b)
}

// Footer is the 32-bit word the MACPHY returns at the end of every data chunk.
type Footer uint32

const (
	ftrEXST    = 1 << 31 // Extended status: STATUS0 needs attention.
	ftrHDRB    = 1 << 30 // Previous header was bad.
	ftrSYNC    = 1 << 29 // MACPHY configured, cleared by reset.
	ftrRCAPos  = 24
	ftrRCAMask = 0x1f << ftrRCAPos // Receive chunks available.
	ftrDV      = hdrDV
	ftrSV      = hdrSV
	ftrSWOMask = hdrSWOMask
	ftrFD      = 1 << 15 // Frame drop.
	ftrEV      = hdrEV
	ftrEBOMask = hdrEBOMask
	ftrTXCPos  = 1
	ftrTXCMask = 0x1f << ftrTXCPos // Transmit credits.
)

// FooterFields is the decoded form of a [Footer].
type FooterFields struct {
	ExtStatus  bool
	HeaderBad  bool
	Sync       bool
	RxAvail    uint8 // RCA: receive chunks available.
	DataValid  bool
	StartValid bool
	StartWord  uint8 // SWO, in 4 byte words.
	FrameDrop  bool
	EndValid   bool
	EndByte    uint8 // EBO.
	TxCredits  uint8 // TXC: free transmit chunks.
}

// Footer returns the parity-stamped footer encoding f.
func (f FooterFields) Footer() Footer {
	var v uint32
	setbit := func(cond bool, bit uint32) {
		if cond {
			v |= bit
		}
	}
	setbit(f.ExtStatus, ftrEXST)
	setbit(f.HeaderBad, ftrHDRB)
	setbit(f.Sync, ftrSYNC)
	setbit(f.DataValid, ftrDV)
	setbit(f.StartValid, ftrSV)
	setbit(f.FrameDrop, ftrFD)
	setbit(f.EndValid, ftrEV)
	v |= uint32(f.RxAvail)<<ftrRCAPos&ftrRCAMask |
		uint32(f.StartWord)<<hdrSWOPos&ftrSWOMask |
		uint32(f.EndByte)<<hdrEBOPos&ftrEBOMask |
		uint32(f.TxCredits)<<ftrTXCPos&ftrTXCMask
	return Footer(withParity(v))
}

// Fields decodes f.
func (f Footer) Fields() FooterFields {
	return FooterFields{
		ExtStatus:  f.ExtStatus(),
		HeaderBad:  f.HeaderBad(),
		Sync:       f.Sync(),
		RxAvail:    f.RxAvail(),
		DataValid:  f.DataValid(),
		StartValid: f.StartValid(),
		StartWord:  uint8(f.StartWordOffset()),
		FrameDrop:  f.FrameDrop(),
		EndValid:   f.EndValid(),
		EndByte:    uint8(f.EndByteOffset()),
		TxCredits:  f.TxCredits(),
	}
}

// ParityOK reports whether the footer has odd parity.
func (f Footer) ParityOK() bool { return parityOK(uint32(f)) }

// ExtStatus reports whether STATUS0 has error or event bits set.
func (f Footer) ExtStatus() bool { return f&ftrEXST != 0 }

// HeaderBad reports whether the MACPHY rejected the last header.
func (f Footer) HeaderBad() bool { return f&ftrHDRB != 0 }

// Sync reports whether the MACPHY is configured. It clears after a reset.
func (f Footer) Sync() bool { return f&ftrSYNC != 0 }

// RxAvail returns the receive chunks available, saturated at 31.
func (f Footer) RxAvail() uint8 { return uint8(f & ftrRCAMask >> ftrRCAPos) }

// DataValid reports whether the chunk payload carries receive data.
func (f Footer) DataValid() bool { return f&ftrDV != 0 }

// StartValid reports whether a frame starts in the chunk.
func (f Footer) StartValid() bool { return f&ftrSV != 0 }

// StartWordOffset returns the 32-bit word where the frame starts.
func (f Footer) StartWordOffset() int { return int(f&ftrSWOMask) >> hdrSWOPos }

// FrameDrop reports whether the MACPHY invalidated the frame ending in the chunk.
func (f Footer) FrameDrop() bool { return f&ftrFD != 0 }

// EndValid reports whether a frame ends in the chunk.
func (f Footer) EndValid() bool { return f&ftrEV != 0 }

// EndByteOffset returns the offset of the last frame byte in the chunk.
func (f Footer) EndByteOffset() int { return int(f&ftrEBOMask) >> hdrEBOPos }

// TxCredits returns the free transmit chunks, saturated at 31.
// [Device.Credits] reads the full count.
func (f Footer) TxCredits() uint8 { return uint8(f & ftrTXCMask >> ftrTXCPos) }

func (f Footer) String() string {
	b := []byte("ftr")
	flag := func(cond bool, s string) {
		if cond {
			b = append(b, s...)
		}
	}
	flag(f.ExtStatus(), " EXST")
	flag(f.HeaderBad(), " HDRB")
	flag(f.Sync(), " SYNC")
	flag(f.DataValid(), " DV")
	if f.StartValid() {
		b = append(b, " SV swo="...)
		b = strconv.AppendInt(b, int64(f.StartWordOffset()), 10)
	}
	if f.EndValid() {
		b = append(b, " EV ebo="...)
		b = strconv.AppendInt(b, int64(f.EndByteOffset()), 10)
	}
	flag(f.FrameDrop(), " FD")
	b = append(b, " rca="...)
	b = strconv.AppendInt(b, int64(f.RxAvail()), 10)
	b = append(b, " txc="...)
	b = strconv.AppendInt(b, int64(f.TxCredits()), 10)
	flag(!f.ParityOK(), " BADPARITY")
	return string(b)
}
