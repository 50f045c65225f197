package ethdrv

import (
	"math/bits"

	"github.com/soypat/lneto/ethernet"
)

// HashKind selects how a MAC maps a destination address to a hash bin.
type HashKind uint8

const (
	// HashCRC32 takes the upper 6 bits of the bit-reversed Ethernet CRC-32,
	// as DWMAC style MACs do.
	HashCRC32 HashKind = iota
	// HashXORFold XORs the 48 address bits down to 6, as the Cadence GEM MAC
	// of LAN865x MACPHYs does.
	HashXORFold
)

// Index returns the bin of mac under the hash kind.
func (k HashKind) Index(mac [6]byte) uint8 {
	if k == HashXORFold {
		return HashIndexXOR(mac)
	}
	return HashIndex(mac)
}

// HashFilter is the 64-bin multicast hash table found in most Ethernet MACs.
// A destination address is accepted when the bin selected by its hash is set.
// Collisions make the filter imperfect: upper layers still filter by address.
type HashFilter struct {
	// Kind must match the hash of the MAC the table is programmed into.
	Kind HashKind
	bins uint64
}

// HashIndex returns the bin of mac: the upper 6 bits of the bit-reversed
// Ethernet CRC-32 of the address.
func HashIndex(mac [6]byte) uint8 {
	crc := ethernet.CRC32(mac[:])
	return uint8(bits.Reverse32(crc) >> 26)
}

// HashIndexXOR returns the bin of mac as the XOR of the eight 6-bit groups of
// the address, first transmitted bit being the least significant.
func HashIndexXOR(mac [6]byte) uint8 {
	var v uint64
	for i, b := range mac {
		v |= uint64(b) << (8 * i)
	}
	var idx uint64
	for ; v != 0; v >>= 6 {
		idx ^= v & 0x3f
	}
	return uint8(idx)
}

// Add sets the bin of mac.
func (hf *HashFilter) Add(mac [6]byte) {
	hf.bins |= 1 << hf.Kind.Index(mac)
}

// Contains reports whether frames destined to mac pass the filter.
func (hf *HashFilter) Contains(mac [6]byte) bool {
	return hf.bins&(1<<hf.Kind.Index(mac)) != 0
}

// Reset clears all bins.
func (hf *HashFilter) Reset() { hf.bins = 0 }

// Words returns the table as the low and high 32-bit hash registers.
func (hf *HashFilter) Words() (lo, hi uint32) {
	return uint32(hf.bins), uint32(hf.bins >> 32)
}
