package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/soypat/ethdrv/tc6"
	"github.com/soypat/lneto/internet/pcap"
)

// spiTx is one chip select assertion with the bytes shifted each way.
type spiTx struct {
	Start float64
	MOSI  []byte
	MISO  []byte
}

// Analyzer decodes TC6 transactions and reassembles the frames they carry.
type Analyzer struct {
	ChunkSize int
	OmitIdle  bool
	Frames    bool

	tx, rx   reassembler
	pc       pcap.PacketBreakdown
	pcfmt    pcap.Formatter
	frms     []pcap.Frame
	printbuf []byte
}

// Process writes the decoded form of tx to w.
func (an *Analyzer) Process(w io.Writer, tx spiTx) error {
	if len(tx.MOSI) < 4 || len(tx.MISO) < len(tx.MOSI) {
		_, err := fmt.Fprintf(w, "t=%.6f short transaction mosi=%x miso=%x\n", tx.Start, tx.MOSI, tx.MISO)
		return err
	}
	hdr := tc6.Header(binary.BigEndian.Uint32(tx.MOSI))
	if !hdr.IsData() {
		return an.control(w, tx, hdr)
	}
	size := an.ChunkSize + 4
	off := 0
	for ; off+size <= len(tx.MOSI); off += size {
		err := an.chunk(w, tx.Start, tx.MOSI[off:off+size], tx.MISO[off:off+size])
		if err != nil {
			return err
		}
	}
	if off != len(tx.MOSI) {
		_, err := fmt.Fprintf(w, "t=%.6f %d trailing bytes, check chunk size\n", tx.Start, len(tx.MOSI)-off)
		return err
	}
	return nil
}

func (an *Analyzer) control(w io.Writer, tx spiTx, hdr tc6.Header) error {
	n := hdr.Len()
	if len(tx.MOSI) < 4*(n+2) {
		_, err := fmt.Fprintf(w, "t=%.6f %s truncated (%d bytes)\n", tx.Start, hdr, len(tx.MOSI))
		return err
	}
	data := tx.MISO[8:]
	if hdr.Write() {
		data = tx.MOSI[4:]
	}
	_, err := fmt.Fprintf(w, "t=%.6f %s regs=[", tx.Start, hdr)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		sep := " "
		if i == n-1 {
			sep = ""
		}
		fmt.Fprintf(w, "%#08x%s", binary.BigEndian.Uint32(data[4*i:]), sep)
	}
	echo := tc6.Header(binary.BigEndian.Uint32(tx.MISO[4:]))
	if echo != hdr {
		_, err = fmt.Fprintf(w, "] ECHO MISMATCH %s\n", echo)
	} else {
		_, err = io.WriteString(w, "]\n")
	}
	return err
}

func (an *Analyzer) chunk(w io.Writer, start float64, mosi, miso []byte) error {
	cs := an.ChunkSize
	hdr := tc6.Header(binary.BigEndian.Uint32(mosi))
	ftr := tc6.Footer(binary.BigEndian.Uint32(miso[cs:]))
	var txFrame, rxFrame []byte
	if hdr.DataValid() {
		txFrame = an.tx.chunk(hdr.StartValid(), hdr.EndValid(), 4*hdr.StartWordOffset(), hdr.EndByteOffset(), mosi[4:])
	}
	if ftr.DataValid() && ftr.ParityOK() {
		rxFrame = an.rx.chunk(ftr.StartValid(), ftr.EndValid(), 4*ftr.StartWordOffset(), ftr.EndByteOffset(), miso[:cs])
	}
	if !an.OmitIdle || hdr.DataValid() || ftr.DataValid() {
		_, err := fmt.Fprintf(w, "t=%.6f %-30s | %s\n", start, hdr, ftr)
		if err != nil {
			return err
		}
	}
	if txFrame != nil {
		if err := an.printFrame(w, "TX", txFrame); err != nil {
			return err
		}
	}
	if rxFrame != nil {
		return an.printFrame(w, "RX", rxFrame)
	}
	return nil
}

func (an *Analyzer) printFrame(w io.Writer, dir string, frame []byte) error {
	if _, err := fmt.Fprintf(w, "\t%s frame len=%d\n", dir, len(frame)); err != nil {
		return err
	}
	if !an.Frames {
		return nil
	}
	var err error
	an.frms, err = an.pc.CaptureEthernet(an.frms[:0], frame, 0)
	if err != nil {
		_, err = fmt.Fprintf(w, "\tpcap failed: %s\n", err)
		return err
	}
	an.printbuf, err = an.pcfmt.FormatFrames(an.printbuf[:0], an.frms, frame)
	if err != nil {
		_, err = fmt.Fprintf(w, "\tpcap format failed: %s\n", err)
		return err
	}
	an.printbuf = append(an.printbuf, '\n')
	_, err = w.Write(an.printbuf)
	return err
}

// reassembler joins chunk payloads into frames. The first frame seen may be
// incomplete if the capture started mid frame; it is discarded.
type reassembler struct {
	buf []byte
	in  bool
}

// chunk adds a chunk payload and returns the frame it completes, if any.
// When a chunk ends one frame and starts the next, the new frame's head is kept.
func (r *reassembler) chunk(sv, ev bool, swo, ebo int, payload []byte) (frame []byte) {
	if (sv && swo >= len(payload)) || (ev && ebo >= len(payload)) {
		r.in = false
		return nil
	}
	switch {
	case sv && ev && swo > ebo:
		if r.in {
			frame = append(r.buf, payload[:ebo+1]...)
		}
		r.buf = append([]byte(nil), payload[swo:]...)
		r.in = true
	case sv && ev:
		r.in = false
		frame = append([]byte(nil), payload[swo:ebo+1]...)
	case sv:
		r.buf = append(r.buf[:0], payload[swo:]...)
		r.in = true
	case !r.in:
		// Continuation of a frame whose start was not captured.
	case ev:
		frame = append(r.buf, payload[:ebo+1]...)
		r.buf = nil
		r.in = false
	default:
		r.buf = append(r.buf, payload...)
	}
	return frame
}
