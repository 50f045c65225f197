package tc6_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/soypat/ethdrv"
	"github.com/soypat/ethdrv/tc6"
	"github.com/soypat/ethdrv/tc6/tc6sim"
)

// recorder records the headers and footers of every data chunk exchanged.
type recorder struct {
	bus  tc6.SPI
	hdrs []tc6.Header
	ftrs []tc6.Footer
}

func (r *recorder) Tx(w, rd []byte) error {
	err := r.bus.Tx(w, rd)
	hdr := tc6.Header(binary.BigEndian.Uint32(w))
	if err == nil && hdr.IsData() {
		r.hdrs = append(r.hdrs, hdr)
		r.ftrs = append(r.ftrs, tc6.Footer(binary.BigEndian.Uint32(rd[len(rd)-4:])))
	}
	return err
}

func (r *recorder) reset() {
	r.hdrs = r.hdrs[:0]
	r.ftrs = r.ftrs[:0]
}

type testDev struct {
	dev  tc6.Device
	sim  *tc6sim.MACPHY
	rec  recorder
	ev   ethdrv.Events
	recv [][]byte
}

func newTestDev(t *testing.T, cfg tc6.Config) *testDev {
	t.Helper()
	return newTestDevSim(t, tc6sim.New(), cfg)
}

func newTestDevSim(t *testing.T, sim *tc6sim.MACPHY, cfg tc6.Config) *testDev {
	t.Helper()
	td := &testDev{sim: sim}
	td.rec.bus = td.sim
	cfg.Events = &td.ev
	cfg.RecvHandler = func(frame []byte) error {
		td.recv = append(td.recv, append([]byte(nil), frame...))
		return nil
	}
	err := td.dev.Init(&td.rec, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return td
}

func testFrame(n int, seed byte) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = seed ^ byte(i*7)
	}
	return frame
}

func TestInit(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}
	td := newTestDev(t, tc6.Config{MAC: mac, PHYID: tc6sim.DefaultPHYID})
	if v := td.sim.Reg(tc6.MMS0, tc6.RegCONFIG0); v != tc6.Config0SYNC|6 {
		t.Errorf("CONFIG0=%#x", v)
	}
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACNCR); v != tc6.NCRTXEN|tc6.NCRRXEN {
		t.Errorf("MAC_NCR=%#x", v)
	}
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACSAB1); v != 0x10_5e_00_02 {
		t.Errorf("MAC_SAB1=%#x", v)
	}
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACSAT1); v != 0x3020 {
		t.Errorf("MAC_SAT1=%#x", v)
	}
	if v := td.sim.Reg(tc6.MMS0, tc6.RegSTATUS0); v&tc6.Status0RESETC != 0 {
		t.Error("reset complete not cleared")
	}
	if td.dev.MAC() != mac {
		t.Error("MAC not stored")
	}
	if !td.ev.TakeTxReady() {
		t.Error("tx ready not posted after init")
	}
}

func TestInitResetTimeout(t *testing.T) {
	sim := tc6sim.New()
	sim.ResetPolls = -1
	var dev tc6.Device
	err := dev.Init(sim, tc6.Config{ResetAttempts: 3})
	if !errors.Is(err, ethdrv.ErrNoResponse) {
		t.Fatal("expected ErrNoResponse, got", err)
	}
	sim.ResetPolls = 2
	err = dev.Init(sim, tc6.Config{ResetAttempts: 3})
	if err != nil {
		t.Fatal("reset within attempts:", err)
	}
}

func TestInitIdentify(t *testing.T) {
	sim := tc6sim.New()
	var dev tc6.Device
	err := dev.Init(sim, tc6.Config{PHYID: 0x1234})
	if !errors.Is(err, ethdrv.ErrIdentify) {
		t.Error("expected ErrIdentify on mismatch, got", err)
	}
	sim.PHYID = 0xffff_ffff
	err = dev.Init(sim, tc6.Config{})
	if !errors.Is(err, ethdrv.ErrIdentify) {
		t.Error("expected ErrIdentify on all ones, got", err)
	}
	err = dev.Init(sim, tc6.Config{ChunkSize: 48})
	if err == nil {
		t.Error("expected chunk size error")
	}
}

type deadBus struct{}

func (deadBus) Tx(w, r []byte) error {
	clear(r)
	return nil
}

func TestInitNoDevice(t *testing.T) {
	var dev tc6.Device
	err := dev.Init(deadBus{}, tc6.Config{})
	if !ethdrv.IsHardwareFault(err) {
		t.Fatal("expected hardware fault, got", err)
	}
}

func TestSendChunking(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	frame := testFrame(150, 1)
	td.rec.reset()
	err := td.dev.SendPacket(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(td.rec.hdrs) != 3 {
		t.Fatal("expected 3 chunks, got", len(td.rec.hdrs))
	}
	h1, h2, h3 := td.rec.hdrs[0], td.rec.hdrs[1], td.rec.hdrs[2]
	if !h1.StartValid() || h1.EndValid() {
		t.Error("chunk 1:", h1)
	}
	if h2.StartValid() || h2.EndValid() {
		t.Error("chunk 2:", h2)
	}
	if h3.StartValid() || !h3.EndValid() || h3.EndByteOffset() != 21 {
		t.Error("chunk 3:", h3)
	}
	for _, h := range td.rec.hdrs {
		if !h.DataValid() || !h.ParityOK() {
			t.Error("bad header", h)
		}
	}
	sent := td.sim.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], frame) {
		t.Error("frame corrupted on the wire")
	}
	if st := td.dev.Stats(); st.TxFrames != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSendOffset(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	frame := testFrame(100, 2)
	err := td.dev.SendPacket(frame, 36)
	if err != nil {
		t.Fatal(err)
	}
	if sent := td.sim.Sent(); !bytes.Equal(sent[0], frame[36:]) {
		t.Error("offset not honored")
	}
}

func TestReceiveReassembly(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	frame := testFrame(150, 3)
	td.sim.Queue(frame)
	td.rec.reset()
	err := td.dev.ReceivePacket()
	if err != nil {
		t.Fatal(err)
	}
	if len(td.recv) != 1 || !bytes.Equal(td.recv[0], frame) {
		t.Fatal("reassembled frame mismatch")
	}
	if len(td.rec.ftrs) != 3 {
		t.Fatal("expected 3 chunks, got", len(td.rec.ftrs))
	}
	f1, f2, f3 := td.rec.ftrs[0], td.rec.ftrs[1], td.rec.ftrs[2]
	if !f1.StartValid() || f1.EndValid() || f2.StartValid() || f2.EndValid() {
		t.Error("bad start chunks", f1, f2)
	}
	if !f3.EndValid() || f3.EndByteOffset() != 21 {
		t.Error("bad end chunk", f3)
	}
	for _, h := range td.rec.hdrs {
		if h.DataValid() {
			t.Error("receive must clock idle chunks", h)
		}
	}
	err = td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrBufferEmpty) {
		t.Error("expected ErrBufferEmpty, got", err)
	}
}

func TestReceiveDoubleStart(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	a := bytes.Repeat([]byte{0xaa}, 64)
	b := bytes.Repeat([]byte{0xbb}, 64)
	td.sim.QueueChunk(a, tc6.FooterFields{DataValid: true, StartValid: true})
	td.sim.QueueChunk(b, tc6.FooterFields{DataValid: true, StartValid: true})
	td.sim.QueueChunk(b, tc6.FooterFields{DataValid: true, EndValid: true, EndByte: 9})
	good := testFrame(80, 4)
	td.sim.Queue(good)

	err := td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrInvalidPacket) {
		t.Fatal("expected ErrInvalidPacket, got", err)
	}
	if len(td.recv) != 0 {
		t.Fatal("frame delivered from interleaved chunks")
	}
	err = td.dev.ReceivePacket()
	if err != nil {
		t.Fatal("expected resync on next start of frame, got", err)
	}
	if len(td.recv) != 1 || !bytes.Equal(td.recv[0], good) {
		t.Error("frame after resync corrupted")
	}
	if st := td.dev.Stats(); st.RxDropped != 1 || st.RxFrames != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestReceiveMissingStart(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	td.sim.QueueChunk(testFrame(64, 0), tc6.FooterFields{DataValid: true, EndValid: true, EndByte: 20})
	err := td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrInvalidPacket) {
		t.Fatal("expected ErrInvalidPacket, got", err)
	}
}

func TestReceivePacked(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	a, b := testFrame(70, 5), testFrame(100, 6)
	td.sim.Queue(a, b)
	if td.sim.RxPending() != 3 {
		t.Fatal("frames not packed into 3 chunks:", td.sim.RxPending())
	}
	for i, want := range [][]byte{a, b} {
		err := td.dev.ReceivePacket()
		if err != nil {
			t.Fatal(i, err)
		}
		if !bytes.Equal(td.recv[i], want) {
			t.Fatal("packed frame mismatch", i)
		}
	}
}

func TestReceiveOverflow(t *testing.T) {
	td := newTestDev(t, tc6.Config{MaxFrameSize: 100})
	td.sim.Queue(testFrame(150, 7))
	good := testFrame(60, 8)
	td.sim.Queue(good)
	err := td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrBufferOverflow) {
		t.Fatal("expected ErrBufferOverflow, got", err)
	}
	err = td.dev.ReceivePacket()
	if err != nil {
		t.Fatal(err)
	}
	if len(td.recv) != 1 || !bytes.Equal(td.recv[0], good) {
		t.Error("frame after overflow corrupted")
	}
}

func TestFooterParityFault(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	td.ev.TakeNIC()
	td.sim.Queue(testFrame(150, 9))
	good := testFrame(60, 10)
	td.sim.Queue(good)
	td.sim.CorruptFooters(1)
	err := td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrProtocol) || !ethdrv.IsHardwareFault(err) {
		t.Fatal("expected ErrProtocol, got", err)
	}
	if !td.ev.TakeNIC() {
		t.Error("protocol fault must post a NIC event")
	}
	// Rest of the damaged frame is skipped.
	err = td.dev.ReceivePacket()
	if err != nil {
		t.Fatal(err)
	}
	if len(td.recv) != 1 || !bytes.Equal(td.recv[0], good) {
		t.Error("expected only the frame after the fault")
	}
	if st := td.dev.Stats(); st.ProtocolErrors != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSyncLost(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	err := td.dev.WriteReg(tc6.MMS0, tc6.RegRESET, tc6.ResetSWRESET)
	if err != nil {
		t.Fatal(err)
	}
	err = td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrProtocol) {
		t.Fatal("expected ErrProtocol after MACPHY reset, got", err)
	}
}

func TestSendBackpressure(t *testing.T) {
	sim := tc6sim.New()
	sim.TxChunks = 31
	td := newTestDevSim(t, sim, tc6.Config{})
	td.sim.HoldTx = true
	td.ev.TakeTxReady()
	frame := testFrame(1000, 11) // 16 chunks.
	err := td.dev.SendPacket(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	if td.ev.TakeTxReady() {
		t.Error("tx ready posted without credit for a maximum size frame")
	}
	err = td.dev.SendPacket(frame, 0)
	if !errors.Is(err, ethdrv.ErrBusy) {
		t.Fatal("expected ErrBusy, got", err)
	}
	if len(td.sim.Sent()) != 1 {
		t.Fatal("partial frame sent on backpressure")
	}
	td.sim.ReleaseTx()
	err = td.dev.ReceivePacket()
	if !errors.Is(err, ethdrv.ErrBufferEmpty) {
		t.Fatal(err)
	}
	if !td.ev.TakeTxReady() {
		t.Fatal("credit growth must post tx ready")
	}
	err = td.dev.SendPacket(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	if st := td.dev.Stats(); st.TxBusy != 1 || st.TxFrames != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSendEmptyAndOversized(t *testing.T) {
	td := newTestDev(t, tc6.Config{MaxFrameSize: 200})
	td.ev.TakeTxReady()
	td.rec.reset()
	err := td.dev.SendPacket(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !td.ev.TakeTxReady() {
		t.Error("empty frame must post tx ready")
	}
	if len(td.rec.hdrs) != 0 {
		t.Error("empty frame transferred chunks")
	}
	err = td.dev.SendPacket(make([]byte, 201), 0)
	if !errors.Is(err, ethdrv.ErrInvalidLength) {
		t.Error("expected ErrInvalidLength, got", err)
	}
	err = td.dev.SendPacket(make([]byte, 10), -1)
	if !errors.Is(err, ethdrv.ErrInvalidLength) {
		t.Error("expected ErrInvalidLength for offset, got", err)
	}
}

func TestReceiveDuringSend(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	in := testFrame(60, 12)
	td.sim.Queue(in)
	err := td.dev.SendPacket(testFrame(100, 13), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(td.recv) != 1 || !bytes.Equal(td.recv[0], in) {
		t.Error("frame received during send not delivered")
	}
}

func TestCreditsSignalNIC(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	td.ev.TakeNIC()
	td.sim.Queue(testFrame(150, 14))
	txc, rca, err := td.dev.Credits()
	if err != nil {
		t.Fatal(err)
	}
	if txc != tc6sim.TxBufferSize/64 || rca != 3 {
		t.Error("unexpected credits", txc, rca)
	}
	if !td.ev.TakeNIC() {
		t.Error("available receive chunks must post a NIC event")
	}
}

func TestDrain(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	for i := 0; i < 3; i++ {
		td.sim.Queue(testFrame(64+i*100, byte(i)))
	}
	n, err := ethdrv.Drain(&td.dev)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Error("expected 3 frames, got", n)
	}
}

func TestChunkSize32(t *testing.T) {
	td := newTestDev(t, tc6.Config{ChunkSize: 32})
	if v := td.sim.Reg(tc6.MMS0, tc6.RegCONFIG0); v != tc6.Config0SYNC|5 {
		t.Fatalf("CONFIG0=%#x", v)
	}
	frame := testFrame(150, 15)
	err := td.dev.SendPacket(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	td.sim.Queue(frame)
	err = td.dev.ReceivePacket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(td.sim.Sent()[0], frame) || !bytes.Equal(td.recv[0], frame) {
		t.Error("round trip mismatch with 32 byte chunks")
	}
}

func TestSendMaxFrameSmallChunks(t *testing.T) {
	for _, cs := range []int{8, 16, 32} {
		td := newTestDev(t, tc6.Config{ChunkSize: cs})
		if !td.ev.TakeTxReady() {
			t.Errorf("chunk %d: tx ready not posted with an idle buffer", cs)
		}
		frame := testFrame(1500, byte(cs))
		td.rec.reset()
		err := td.dev.SendPacket(frame, 0)
		if err != nil {
			t.Fatalf("chunk %d: %v", cs, err)
		}
		want := (len(frame) + cs - 1) / cs
		if len(td.rec.hdrs) != want {
			t.Errorf("chunk %d: expected %d chunks, got %d", cs, want, len(td.rec.hdrs))
		}
		sent := td.sim.Sent()
		if len(sent) != 1 || !bytes.Equal(sent[0], frame) {
			t.Errorf("chunk %d: frame not on the wire", cs)
		}
		if v := td.sim.Reg(tc6.MMS0, tc6.RegSTATUS0); v&(tc6.Status0TXBOE|tc6.Status0TXPE) != 0 {
			t.Errorf("chunk %d: STATUS0=%#x", cs, v)
		}
		if !td.ev.TakeTxReady() {
			t.Errorf("chunk %d: tx ready not reposted after saturated footer credit", cs)
		}
	}
}

func TestSendCreditShortOfFrame(t *testing.T) {
	sim := tc6sim.New()
	sim.TxChunks = 50
	sim.HoldTx = true
	td := newTestDevSim(t, sim, tc6.Config{ChunkSize: 32})
	frame := testFrame(1500, 16) // 47 chunks.
	err := td.dev.SendPacket(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = td.dev.SendPacket(frame, 0)
	if !errors.Is(err, ethdrv.ErrBusy) {
		t.Fatal("expected ErrBusy, got", err)
	}
	if len(td.sim.Sent()) != 1 {
		t.Error("frame sent without credit")
	}
	if v := td.sim.Reg(tc6.MMS0, tc6.RegSTATUS0); v&tc6.Status0TXBOE != 0 {
		t.Error("transmit buffer overflowed")
	}
}

func TestInitFrameExceedsBuffer(t *testing.T) {
	sim := tc6sim.New()
	sim.TxChunks = 31
	var dev tc6.Device
	err := dev.Init(sim, tc6.Config{ChunkSize: 32})
	if !errors.Is(err, ethdrv.ErrInvalidLength) {
		t.Fatal("expected ErrInvalidLength for a frame larger than the buffer, got", err)
	}
	err = dev.Init(sim, tc6.Config{ChunkSize: 32, MaxFrameSize: 31 * 32})
	if err != nil {
		t.Fatal("frame that fits the buffer:", err)
	}
}

func TestSetMulticastFilter(t *testing.T) {
	td := newTestDev(t, tc6.Config{})
	hf := ethdrv.HashFilter{Kind: ethdrv.HashXORFold}
	hf.Add([6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb})
	hf.Add([6]byte{0x33, 0x33, 0x00, 0x00, 0x00, 0x01})
	err := td.dev.SetMulticastFilter(&hf)
	if err != nil {
		t.Fatal(err)
	}
	// Bins 56 and 44 both land in the top register.
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACHRB); v != 0 {
		t.Errorf("MAC_HRB=%#x", v)
	}
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACHRT); v != 1<<(56-32)|1<<(44-32) {
		t.Errorf("MAC_HRT=%#x", v)
	}
	if td.sim.Reg(tc6.MMSMAC, tc6.RegMACNCFGR)&tc6.NCFGRMTIHEN == 0 {
		t.Error("multicast hash not enabled")
	}
	var crc ethdrv.HashFilter
	crc.Add([6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb})
	err = td.dev.SetMulticastFilter(&crc)
	if err == nil {
		t.Error("CRC hashed table accepted")
	}
	if v := td.sim.Reg(tc6.MMSMAC, tc6.RegMACHRT); v != 1<<(56-32)|1<<(44-32) {
		t.Errorf("rejected table written, MAC_HRT=%#x", v)
	}
}
