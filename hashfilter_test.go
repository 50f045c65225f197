package ethdrv

import (
	"hash/crc32"
	"math/bits"
	"testing"
)

func TestHashIndexMatchesIEEE(t *testing.T) {
	macs := [][6]byte{
		{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, // All hosts.
		{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}, // mDNS.
		{0x33, 0x33, 0x00, 0x00, 0x00, 0x01},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for _, mac := range macs {
		want := uint8(bits.Reverse32(crc32.ChecksumIEEE(mac[:])) >> 26)
		if got := HashIndex(mac); got != want {
			t.Errorf("%x: want bin %d, got %d", mac, want, got)
		}
	}
}

func TestHashFilter(t *testing.T) {
	var hf HashFilter
	mdns := [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}
	if hf.Contains(mdns) {
		t.Fatal("empty filter accepts address")
	}
	hf.Add(mdns)
	if !hf.Contains(mdns) {
		t.Fatal("added address rejected")
	}
	lo, hi := hf.Words()
	bin := HashIndex(mdns)
	if bits.OnesCount32(lo)+bits.OnesCount32(hi) != 1 {
		t.Fatalf("want one bin set, got lo=%#x hi=%#x", lo, hi)
	}
	if bin < 32 && lo != 1<<bin || bin >= 32 && hi != 1<<(bin-32) {
		t.Errorf("bin %d not in words lo=%#x hi=%#x", bin, lo, hi)
	}
	hf.Reset()
	if lo, hi := hf.Words(); lo|hi != 0 {
		t.Error("reset left bins set")
	}
}

func TestHashIndexXOR(t *testing.T) {
	tests := []struct {
		mac  [6]byte
		want uint8
	}{
		{mac: [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}, want: 56},
		{mac: [6]byte{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}, want: 44},
		{mac: [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, want: 38},
		{mac: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, want: 0},
	}
	for _, tt := range tests {
		if got := HashIndexXOR(tt.mac); got != tt.want {
			t.Errorf("%x: want bin %d, got %d", tt.mac, tt.want, got)
		}
		// Bit j of the bin is the parity of address bits j, j+6, ... j+42.
		var want uint8
		for j := 0; j < 6; j++ {
			var b byte
			for i := j; i < 48; i += 6 {
				b ^= tt.mac[i/8] >> (i % 8) & 1
			}
			want |= b << j
		}
		if got := HashXORFold.Index(tt.mac); got != want {
			t.Errorf("%x: want folded bin %d, got %d", tt.mac, want, got)
		}
	}
}

func TestHashFilterKind(t *testing.T) {
	mdns := [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}
	gem := HashFilter{Kind: HashXORFold}
	gem.Add(mdns)
	if _, hi := gem.Words(); hi != 1<<(56-32) {
		t.Errorf("want bin 56 set, got hi=%#x", hi)
	}
	var dw HashFilter
	dw.Add(mdns)
	if _, hi := dw.Words(); hi != 1<<(HashIndex(mdns)-32) {
		t.Errorf("want CRC bin %d, got hi=%#x", HashIndex(mdns), hi)
	}
}
