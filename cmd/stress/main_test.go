package main

import "testing"

func TestPatterns(t *testing.T) {
	for _, p := range patterns {
		t.Run(p.name, func(t *testing.T) {
			cfg := &config{frames: 200, seed: 7}
			var s stats
			p.fn(cfg, &s, 3, 2)
			if s.failed.Load() != 0 || s.violations.Load() != 0 {
				t.Fatal(s.String())
			}
			if s.attempted.Load() == 0 || s.succeeded.Load() == 0 {
				t.Fatal("no traffic:", s.String())
			}
		})
	}
}
