package tc6

import (
	"math/bits"
	"math/rand"
	"testing"
)

func TestParity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	check := func(v uint32) {
		p := withParity(v)
		if bits.OnesCount32(p)%2 != 1 {
			t.Fatalf("0x%08x: parity stamped word 0x%08x has even set bits", v, p)
		}
		wantP := bits.OnesCount32(v&^1)%2 == 0
		if (p&1 == 1) != wantP {
			t.Fatalf("0x%08x: wrong parity bit", v)
		}
		if p&^1 != v&^1 {
			t.Fatalf("0x%08x: parity modified data bits", v)
		}
		if !parityOK(p) || parityOK(p^1) {
			t.Fatalf("0x%08x: parity check mismatch", v)
		}
	}
	for i := 0; i < 200_000; i++ {
		check(rng.Uint32())
	}
	// Single and double bit patterns.
	for i := 0; i < 32; i++ {
		check(1 << i)
		for j := i + 1; j < 32; j++ {
			check(1<<i | 1<<j)
		}
	}
	check(0)
	check(0xffff_ffff)
}

func TestHeadersCarryParity(t *testing.T) {
	for _, sv := range []bool{false, true} {
		for _, ev := range []bool{false, true} {
			for ebo := 0; ebo < 64; ebo++ {
				h := DataHeader(sv, ev, ebo)
				if !h.ParityOK() {
					t.Fatalf("bad parity %s", h)
				}
				if !h.IsData() || !h.DataValid() || h.StartValid() != sv || h.EndValid() != ev {
					t.Fatalf("bad flags %s", h)
				}
				if ev && h.EndByteOffset() != ebo {
					t.Fatalf("bad ebo %s", h)
				}
				if h.StartWordOffset() != 0 || h.NoRx() {
					t.Fatalf("unexpected fields %s", h)
				}
			}
		}
	}
	idle := IdleHeader()
	if !idle.ParityOK() || !idle.IsData() || idle.DataValid() || idle.NoRx() {
		t.Error("bad idle header", idle)
	}
	for mms := uint8(0); mms < 16; mms++ {
		for _, n := range []int{1, 2, 4, 128} {
			h := ControlHeader(mms%2 == 0, mms, 0x1234+uint16(mms), n)
			if !h.ParityOK() || h.IsData() {
				t.Fatal("bad control header", h)
			}
			if h.MMS() != mms || h.Addr() != 0x1234+uint16(mms) || h.Len() != n || h.Write() != (mms%2 == 0) {
				t.Fatal("bad control fields", h)
			}
		}
	}
}

func TestFooterFields(t *testing.T) {
	want := FooterFields{
		ExtStatus:  true,
		Sync:       true,
		RxAvail:    17,
		DataValid:  true,
		StartValid: true,
		StartWord:  3,
		EndValid:   true,
		EndByte:    9,
		TxCredits:  31,
	}
	f := want.Footer()
	if !f.ParityOK() {
		t.Fatal("footer parity", f)
	}
	if got := f.Fields(); got != want {
		t.Errorf("decoded %+v, want %+v", got, want)
	}
	if f.HeaderBad() || f.FrameDrop() {
		t.Error("unset flags decoded as set", f)
	}
	if (FooterFields{HeaderBad: true}).Footer().Sync() {
		t.Error("sync set")
	}
}

func TestRegName(t *testing.T) {
	if RegName(MMS0, RegSTATUS0) != "STATUS0" {
		t.Error(RegName(MMS0, RegSTATUS0))
	}
	if RegName(MMSMAC, RegMACSAB1) != "MAC_SAB1" {
		t.Error(RegName(MMSMAC, RegMACSAB1))
	}
	if RegName(4, 0xca) != "MMS4:0xca" {
		t.Error(RegName(4, 0xca))
	}
}
