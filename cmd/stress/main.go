// stress exercises the descriptor ring engine and the TC6 chunk transport
// against their hardware models, with the DMA model running concurrently.
//
// Usage:
//
//	go run ./cmd/stress
//	go run -race ./cmd/stress -n 20 -c 4 -frames 2000 -pattern ring-saturate
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/ethdrv"
	"github.com/soypat/ethdrv/dmaring"
	"github.com/soypat/ethdrv/dmaring/dmasim"
	"github.com/soypat/ethdrv/tc6"
	"github.com/soypat/ethdrv/tc6/tc6sim"
)

type stats struct {
	attempted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	busy       atomic.Int64
	dropped    atomic.Int64
	violations atomic.Int64
}

func (s *stats) String() string {
	return fmt.Sprintf("attempted=%d succeeded=%d failed=%d busy=%d dropped=%d violations=%d",
		s.attempted.Load(), s.succeeded.Load(), s.failed.Load(), s.busy.Load(), s.dropped.Load(), s.violations.Load())
}

type config struct {
	frames int
	seed   int64
	// session numbers each run so every session gets its own random stream.
	session atomic.Int64
}

func (cfg *config) rng() *rand.Rand {
	return rand.New(rand.NewSource(cfg.seed + cfg.session.Add(1)))
}

type pattern struct {
	name string
	fn   func(cfg *config, s *stats, n, concurrency int)
}

var patterns = []pattern{
	{"ring-saturate", ringSaturate},
	{"rx-flood", rxFlood},
	{"malformed", malformed},
	{"chunk-interleave", chunkInterleave},
}

func main() {
	n := flag.Int("n", 8, "sessions per pattern")
	c := flag.Int("c", 4, "concurrent sessions")
	frames := flag.Int("frames", 1000, "frames per session")
	seed := flag.Int64("seed", 1, "random seed")
	pat := flag.String("pattern", "all", "pattern to run (ring-saturate, rx-flood, malformed, chunk-interleave, all)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nStress the NIC engines against their hardware models.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPatterns:\n")
		fmt.Fprintf(os.Stderr, "  ring-saturate     Send faster than DMA drains, retry on backpressure\n")
		fmt.Fprintf(os.Stderr, "  rx-flood          DMA receives faster than software drains\n")
		fmt.Fprintf(os.Stderr, "  malformed         Mix of truncated, errored and good received frames\n")
		fmt.Fprintf(os.Stderr, "  chunk-interleave  Packed TC6 frames with unterminated starts mixed in\n")
		fmt.Fprintf(os.Stderr, "  all               Run all patterns sequentially\n")
	}
	flag.Parse()
	cfg := &config{frames: *frames, seed: *seed}

	start := time.Now()
	var toRun []pattern
	if *pat == "all" {
		toRun = patterns
	} else {
		for _, p := range patterns {
			if p.name == *pat {
				toRun = append(toRun, p)
			}
		}
		if len(toRun) == 0 {
			fmt.Fprintf(os.Stderr, "unknown pattern: %s\n", *pat)
			os.Exit(1)
		}
	}

	failed := false
	for _, p := range toRun {
		fmt.Printf("--- %s (n=%d c=%d frames=%d) ---\n", p.name, *n, *c, *frames)
		var s stats
		p.fn(cfg, &s, *n, *c)
		fmt.Printf("    %s\n\n", &s)
		failed = failed || s.failed.Load() > 0 || s.violations.Load() > 0
	}
	fmt.Printf("done in %s\n", time.Since(start).Round(time.Millisecond))
	if failed {
		os.Exit(1)
	}
}

type ringSession struct {
	e    dmaring.Engine
	sim  dmasim.Sim
	ev   ethdrv.Events
	recv int
	// check validates a received frame.
	check func(frame []byte) error
}

func newRingSession(txlen, rxlen int) (*ringSession, error) {
	rs := &ringSession{}
	err := rs.e.Init(dmaring.Config{
		TxLen:  txlen,
		RxLen:  rxlen,
		Addr:   rs.sim.Addr,
		Kick:   rs.sim.Kick,
		Hook:   &rs.sim,
		Events: &rs.ev,
		RecvHandler: func(frame []byte) error {
			if rs.check != nil {
				if err := rs.check(frame); err != nil {
					return err
				}
			}
			rs.recv++
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	rs.sim.Attach(&rs.e)
	return rs, nil
}

func (rs *ringSession) finish(s *stats) {
	s.violations.Add(int64(len(rs.sim.Violations())))
	st := rs.e.Stats()
	s.busy.Add(int64(st.TxBusy))
	s.dropped.Add(int64(st.RxDropped) + int64(rs.sim.Overruns()))
}

// seqFrame writes a frame carrying seq in its first bytes.
func seqFrame(dst []byte, seq int) []byte {
	dst[0], dst[1] = byte(seq>>8), byte(seq)
	for i := 2; i < len(dst); i++ {
		dst[i] = byte(seq) ^ byte(i)
	}
	return dst
}

func checkSeqFrame(frame []byte) error {
	if len(frame) < 2 {
		return ethdrv.ErrInvalidPacket
	}
	seq := int(frame[0])<<8 | int(frame[1])
	for i := 2; i < len(frame); i++ {
		if frame[i] != byte(seq)^byte(i) {
			return errors.New("corrupted frame")
		}
	}
	return nil
}

// ringSaturate sends frames as fast as possible while the DMA model drains
// the transmit ring from another goroutine and loops them back. Every refused
// send waits for TX ready.
func ringSaturate(cfg *config, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		rng := cfg.rng()
		rs, err := newRingSession(4, 8)
		if err != nil {
			s.failed.Add(1)
			return
		}
		rs.check = checkSeqFrame
		var stop atomic.Bool
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				rs.sim.Loopback()
			}
		}()
		buf := make([]byte, rs.e.BufferSize())
		deadline := time.Now().Add(30 * time.Second)
		for sent := 0; sent < cfg.frames && time.Now().Before(deadline); {
			s.attempted.Add(1)
			frame := seqFrame(buf[:14+rng.Intn(len(buf)-14)], sent)
			err := rs.e.SendPacket(frame, 0)
			switch {
			case err == nil:
				sent++
			case ethdrv.IsBackpressure(err):
				for !rs.ev.TakeTxReady() && time.Now().Before(deadline) {
					rs.e.ReceiveAll()
				}
			default:
				s.failed.Add(1)
			}
			rs.e.ReceiveAll()
		}
		stop.Store(true)
		wg.Wait()
		rs.e.ReceiveAll()
		s.succeeded.Add(int64(rs.recv))
		rs.finish(s)
	})
}

// rxFlood injects frames from a concurrent DMA model while software drains
// with a random pace. Frames finding the ring full are counted as dropped.
func rxFlood(cfg *config, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		rng := cfg.rng()
		rs, err := newRingSession(1, 4)
		if err != nil {
			s.failed.Add(1)
			return
		}
		rs.check = checkSeqFrame
		var done atomic.Bool
		go func() {
			defer done.Store(true)
			buf := make([]byte, 256)
			for i := 0; i < cfg.frames; i++ {
				s.attempted.Add(1)
				rs.sim.Inject(seqFrame(buf[:64+i%192], i))
			}
		}()
		for !done.Load() {
			if rng.Intn(4) == 0 {
				time.Sleep(time.Microsecond)
			}
			rs.e.ReceiveAll()
		}
		rs.e.ReceiveAll()
		s.succeeded.Add(int64(rs.recv))
		if rs.recv+rs.sim.Overruns() != cfg.frames {
			s.failed.Add(1)
		}
		rs.finish(s)
	})
}

// malformed receives a random mix of good frames and frames the ring must
// drop, checking that only good frames are delivered and none are lost.
func malformed(cfg *config, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		rng := cfg.rng()
		rs, err := newRingSession(1, 8)
		if err != nil {
			s.failed.Add(1)
			return
		}
		rs.check = checkSeqFrame
		buf := make([]byte, 128)
		good := 0
		for i := 0; i < cfg.frames; i++ {
			s.attempted.Add(1)
			frame := seqFrame(buf[:60+rng.Intn(68)], i)
			var opt []dmasim.InjectOption
			switch rng.Intn(5) {
			case 0:
				opt = append(opt, dmasim.WithoutFirst())
			case 1:
				opt = append(opt, dmasim.WithoutLast())
			case 2:
				opt = append(opt, dmasim.WithError(dmaring.ErrFlagCRC))
			default:
				good++
			}
			if !rs.sim.Inject(frame, opt...) {
				s.failed.Add(1)
			}
			// Ring holds 8 frames.
			if i%4 == 3 || i == cfg.frames-1 {
				rs.e.ReceiveAll()
			}
		}
		s.succeeded.Add(int64(rs.recv))
		if rs.recv != good {
			s.failed.Add(1)
		}
		rs.finish(s)
	})
}

// chunkInterleave queues packed TC6 frames of random size through a MACPHY
// model, interleaving unterminated frame starts, and checks every good frame
// survives reassembly.
func chunkInterleave(cfg *config, s *stats, n, concurrency int) {
	run(concurrency, n, func() {
		rng := cfg.rng()
		sim := tc6sim.New()
		var dev tc6.Device
		recv := 0
		var want [][]byte
		err := dev.Init(sim, tc6.Config{
			RecvHandler: func(frame []byte) error {
				if recv >= len(want) || !bytes.Equal(frame, want[recv]) {
					s.failed.Add(1)
					return errors.New("unexpected frame")
				}
				recv++
				return nil
			},
		})
		if err != nil {
			s.failed.Add(1)
			return
		}
		const batch = 4
		total, orphans := 0, 0
		for sent := 0; sent < cfg.frames; {
			var frames [][]byte
			for i := 0; i < batch && sent < cfg.frames; i++ {
				frame := seqFrame(make([]byte, 14+rng.Intn(ethdrv.MFU-14)), sent)
				frames = append(frames, frame)
				sent++
				s.attempted.Add(1)
			}
			total += len(frames)
			if rng.Intn(3) == 0 {
				// Start of a frame that never ends. The start that follows
				// is refused along with it.
				sim.QueueChunk(make([]byte, 64), tc6.FooterFields{DataValid: true, StartValid: true})
				orphans++
				want = append(want, frames[1:]...)
			} else {
				want = append(want, frames...)
			}
			sim.Queue(frames...)
			_, err := ethdrv.Drain(&dev)
			if err != nil {
				s.failed.Add(1)
				return
			}
			// Echo frames back to exercise receive during transmit.
			for _, frame := range frames {
				if dev.SendPacket(frame, 0) != nil {
					s.busy.Add(1)
				}
			}
		}
		st := dev.Stats()
		s.succeeded.Add(int64(recv))
		s.dropped.Add(int64(st.RxDropped))
		if recv != len(want) || int(st.RxDropped) != orphans || len(sim.Sent()) != total {
			s.failed.Add(1)
		}
	})
}

// run executes fn n times across the given number of goroutines.
func run(concurrency, n int, fn func()) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for range n {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn()
		}()
	}
	wg.Wait()
}
