// Package tc6sim models a TC6 SPI MACPHY for exercising [tc6.Device]
// without hardware. It decodes control transactions against a register map,
// reassembles transmitted frames and emits queued receive frames as chunks.
package tc6sim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/soypat/ethdrv/tc6"
	"golang.org/x/exp/constraints"
)

// DefaultPHYID is the PHYID register value reported unless changed.
const DefaultPHYID = 0x0007_C1B3

var errTxLen = errors.New("tc6sim: bad transaction length")

const errorBits = tc6.Status0HDRE | tc6.Status0LOFE | tc6.Status0RXBOE |
	tc6.Status0TXBUE | tc6.Status0TXBOE | tc6.Status0TXPE

type rxChunk struct {
	payload []byte
	f       tc6.FooterFields
}

// MACPHY implements [tc6.SPI]. Its methods are safe for concurrent use.
type MACPHY struct {
	// PHYID is the identifier reported by the PHYID register.
	PHYID uint32
	// ResetPolls is the number of STATUS0 reads after a software reset that
	// report the reset still in progress. Negative means it never completes.
	ResetPolls int
	// TxChunks is the transmit buffer capacity in chunks. Defaults to as many
	// chunks as fit in TxBufferSize bytes, at most 255.
	TxChunks int
	// HoldTx keeps transmit credit consumed until ReleaseTx is called,
	// modelling a busy medium.
	HoldTx bool

	mu           sync.Mutex
	regs         map[uint32]uint32
	resetLeft    int
	resetPending bool
	credits      int
	txframe      []byte
	txchunks     int
	inTx         bool
	sent         [][]byte
	rxq          []rxChunk
	corrupt      int
}

// New returns a MACPHY in its power-on state.
func New() *MACPHY {
	m := &MACPHY{PHYID: DefaultPHYID}
	m.reset()
	m.resetPending = false
	m.setReg(tc6.MMS0, tc6.RegSTATUS0, tc6.Status0RESETC)
	return m
}

func regKey(mms uint8, addr uint16) uint32 { return uint32(mms)<<16 | uint32(addr) }

func (m *MACPHY) reg(mms uint8, addr uint16) uint32 { return m.regs[regKey(mms, addr)] }

func (m *MACPHY) setReg(mms uint8, addr uint16, v uint32) { m.regs[regKey(mms, addr)] = v }

func (m *MACPHY) reset() {
	m.regs = map[uint32]uint32{
		regKey(tc6.MMS0, tc6.RegIDVER): 0x11,
		regKey(tc6.MMS0, tc6.RegPHYID): m.PHYID,
	}
	m.resetLeft = m.ResetPolls
	m.resetPending = true
	m.credits = m.capacity()
	m.txframe = m.txframe[:0]
	m.txchunks = 0
	m.inTx = false
	m.rxq = nil
}

// footerCreditMax is the largest count a footer credit field holds.
const footerCreditMax = 31

// TxBufferSize is the transmit buffer size in bytes backing the default capacity.
const TxBufferSize = 4096

func (m *MACPHY) capacity() int {
	if m.TxChunks <= 0 {
		return min(TxBufferSize/m.chunkSize(), 0xff)
	}
	return m.TxChunks
}

// chunkSize returns the configured payload size, or 64 while unconfigured.
func (m *MACPHY) chunkSize() int {
	cfg := m.reg(tc6.MMS0, tc6.RegCONFIG0)
	if cfg&tc6.Config0SYNC == 0 {
		return 64
	}
	return 1 << (cfg & tc6.Config0CPSMask)
}

// Tx implements [tc6.SPI].
func (m *MACPHY) Tx(w, r []byte) error {
	if len(w) < 8 || len(r) != len(w) {
		return errTxLen
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hdr := tc6.Header(binary.BigEndian.Uint32(w))
	if !hdr.IsData() {
		return m.control(hdr, w, r)
	}
	return m.data(hdr, w, r)
}

func (m *MACPHY) control(hdr tc6.Header, w, r []byte) error {
	n := hdr.Len()
	if len(w) != 4*(n+2) {
		return errTxLen
	}
	clear(r)
	if !hdr.ParityOK() {
		m.setReg(tc6.MMS0, tc6.RegSTATUS0, m.reg(tc6.MMS0, tc6.RegSTATUS0)|tc6.Status0HDRE)
		binary.BigEndian.PutUint32(r[4:], uint32(hdr)|1<<30)
		return nil
	}
	binary.BigEndian.PutUint32(r[4:], uint32(hdr))
	mms, addr := hdr.MMS(), hdr.Addr()
	for i := 0; i < n; i++ {
		a := addr + uint16(i)
		off := 4 * (i + 1)
		if hdr.Write() {
			v := binary.BigEndian.Uint32(w[off:])
			m.writeReg(mms, a, v)
			binary.BigEndian.PutUint32(r[off+4:], v)
		} else {
			binary.BigEndian.PutUint32(r[off+4:], m.readReg(mms, a))
		}
	}
	return nil
}

func (m *MACPHY) readReg(mms uint8, addr uint16) uint32 {
	if mms != tc6.MMS0 {
		return m.reg(mms, addr)
	}
	switch addr {
	case tc6.RegSTATUS0:
		if m.resetPending {
			if m.resetLeft != 0 {
				if m.resetLeft > 0 {
					m.resetLeft--
				}
				return m.reg(mms, addr)
			}
			m.resetPending = false
			m.setReg(mms, addr, m.reg(mms, addr)|tc6.Status0RESETC)
		}
	case tc6.RegBUFSTS:
		return uint32(min(m.credits, 0xff))<<8 | uint32(min(len(m.rxq), 0xff))
	}
	return m.reg(mms, addr)
}

func (m *MACPHY) writeReg(mms uint8, addr uint16, v uint32) {
	switch {
	case mms == tc6.MMS0 && addr == tc6.RegRESET:
		if v&tc6.ResetSWRESET != 0 {
			m.reset()
		}
	case mms == tc6.MMS0 && addr == tc6.RegSTATUS0:
		m.setReg(mms, addr, m.reg(mms, addr)&^v)
	case mms == tc6.MMS0 && addr == tc6.RegCONFIG0:
		// The transmit buffer is repartitioned for the new chunk size.
		m.setReg(mms, addr, v)
		m.credits = m.capacity()
	case mms == tc6.MMS0 && (addr == tc6.RegPHYID || addr == tc6.RegIDVER || addr == tc6.RegBUFSTS):
		// Read only.
	default:
		m.setReg(mms, addr, v)
	}
}

func (m *MACPHY) data(hdr tc6.Header, w, r []byte) error {
	cs := len(w) - 4
	status := m.reg(tc6.MMS0, tc6.RegSTATUS0)
	synced := m.reg(tc6.MMS0, tc6.RegCONFIG0)&tc6.Config0SYNC != 0
	f := tc6.FooterFields{Sync: synced}
	clear(r)
	switch {
	case !hdr.ParityOK() || cs != m.chunkSize():
		f.HeaderBad = true
		status |= tc6.Status0HDRE
	case !synced:
		// Unconfigured MACPHY ignores data.
	default:
		if hdr.DataValid() {
			status |= m.txChunk(hdr, w[4:])
		}
		if !hdr.NoRx() && len(m.rxq) > 0 {
			c := m.rxq[0]
			m.rxq = m.rxq[1:]
			copy(r[:cs], c.payload)
			f.DataValid = c.f.DataValid
			f.StartValid = c.f.StartValid
			f.StartWord = c.f.StartWord
			f.EndValid = c.f.EndValid
			f.EndByte = c.f.EndByte
			f.FrameDrop = c.f.FrameDrop
		}
	}
	m.setReg(tc6.MMS0, tc6.RegSTATUS0, status)
	f.ExtStatus = status&errorBits != 0
	f.TxCredits = uint8(min(m.credits, footerCreditMax))
	f.RxAvail = uint8(min(len(m.rxq), footerCreditMax))
	ftr := f.Footer()
	if m.corrupt > 0 {
		m.corrupt--
		ftr ^= 1
	}
	binary.BigEndian.PutUint32(r[cs:], uint32(ftr))
	return nil
}

// txChunk consumes one transmit chunk and returns STATUS0 error bits.
func (m *MACPHY) txChunk(hdr tc6.Header, payload []byte) (status uint32) {
	if m.credits == 0 {
		return tc6.Status0TXBOE
	}
	m.credits--
	m.txchunks++
	sv, ev := hdr.StartValid(), hdr.EndValid()
	swo := 4 * hdr.StartWordOffset()
	end := len(payload)
	if ev {
		end = hdr.EndByteOffset() + 1
	}
	switch {
	case sv:
		if m.inTx {
			status |= tc6.Status0TXPE
		}
		m.inTx = true
		m.txframe = append(m.txframe[:0], payload[swo:end]...)
	case !m.inTx:
		return tc6.Status0TXPE
	default:
		m.txframe = append(m.txframe, payload[:end]...)
	}
	if ev {
		m.sent = append(m.sent, append([]byte(nil), m.txframe...))
		m.inTx = false
		if !m.HoldTx {
			m.credits += m.txchunks
		}
		m.txchunks = 0
	}
	return status
}

// Sent returns the frames transmitted so far.
func (m *MACPHY) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// ReleaseTx returns all transmit credit, as if held frames went out on the wire.
func (m *MACPHY) ReleaseTx() {
	m.mu.Lock()
	m.credits = m.capacity()
	m.mu.Unlock()
}

// Queue queues frames for reception. Consecutive frames are packed back to
// back: a frame may start in the chunk where the previous one ended, at the
// next word boundary.
func (m *MACPHY) Queue(frames ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.chunkSize()
	c := rxChunk{payload: make([]byte, cs)}
	pos := 0
	used := false
	flush := func() {
		if used {
			m.rxq = append(m.rxq, c)
		}
		c = rxChunk{payload: make([]byte, cs)}
		pos = 0
		used = false
	}
	for _, frame := range frames {
		pos = alignup(pos, 4)
		if pos >= cs || c.f.StartValid || (c.f.EndValid && len(frame) <= cs-pos) {
			flush()
		}
		c.f.DataValid = true
		c.f.StartValid = true
		c.f.StartWord = uint8(pos / 4)
		used = true
		for off := 0; off < len(frame); {
			n := copy(c.payload[pos:], frame[off:])
			off += n
			pos += n
			if off == len(frame) {
				c.f.EndValid = true
				c.f.EndByte = uint8(pos - 1)
			} else {
				flush()
				c.f.DataValid = true
				used = true
			}
		}
	}
	flush()
}

// QueueChunk queues a raw receive chunk with the given footer fields, for
// fault scenarios. Parity and credit fields are filled in when sent.
func (m *MACPHY) QueueChunk(payload []byte, f tc6.FooterFields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rxChunk{payload: make([]byte, m.chunkSize()), f: f}
	copy(c.payload, payload)
	m.rxq = append(m.rxq, c)
}

// CorruptFooters flips the parity bit of the next n data chunk footers.
func (m *MACPHY) CorruptFooters(n int) {
	m.mu.Lock()
	m.corrupt = n
	m.mu.Unlock()
}

// Reg returns the current value of a register without side effects.
func (m *MACPHY) Reg(mms uint8, addr uint16) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg(mms, addr)
}

// RxPending returns the amount of queued receive chunks.
func (m *MACPHY) RxPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rxq)
}

func alignup[T constraints.Integer](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}
