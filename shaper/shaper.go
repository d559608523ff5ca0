// Package shaper implements the token-bucket rate limiter that paces all
// FMTP emission on the sender, multicast and retransmission alike. Tokens
// are octets: a caller asks for permission to put n octets on the wire and
// Retrieve blocks until that much credit has accumulated.
package shaper

import (
	"math"
	"sync"
	"time"
)

// refillInterval is the token accounting granularity. Credit accrues at
// the configured rate but is added to the bucket in whole-interval steps.
const refillInterval = 200 * time.Microsecond

// burstWindow sets the bucket ceiling: at most burstWindow worth of
// credit may accumulate while the sender is idle.
const burstWindow = 5 * time.Millisecond

// Shaper is a token bucket. The zero value is unusable; call New.
// SetRate may be called at any time, including while another goroutine is
// blocked in Retrieve.
type Shaper struct {
	mu        sync.Mutex
	rateBps   float64 // configured rate, bits per second
	tokens    float64 // octets of credit currently in the bucket
	tokenUnit float64 // octets added per refill interval
	volume    float64 // bucket ceiling in octets
	lastCheck time.Time
}

// New returns a Shaper configured for rateBps bits per second.
func New(rateBps float64) *Shaper {
	s := &Shaper{}
	s.SetRate(rateBps)
	return s
}

// SetRate reconfigures the rate. The bucket is seeded with one token unit,
// so a first packet no larger than one unit goes out without a sleep.
func (s *Shaper) SetRate(rateBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateBps = rateBps
	s.tokenUnit = refillInterval.Seconds() * rateBps / 8
	s.tokens = s.tokenUnit
	s.volume = burstWindow.Seconds() * rateBps / 8
	s.lastCheck = time.Now()
}

// Rate returns the configured rate in bits per second.
func (s *Shaper) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateBps
}

// Retrieve consumes n octets of credit. If the bucket holds enough it
// returns immediately; otherwise it sleeps for the interval needed to
// accumulate the deficit and re-checks. The only thing Retrieve ever
// blocks on is the clock. Requests larger than the burst ceiling are
// legal: the ceiling caps idle accumulation, not the credit a waiting
// caller is allowed to collect.
func (s *Shaper) Retrieve(n int) {
	need := float64(n)
	s.mu.Lock()
	// Idle accumulation stops at the bucket volume; only credit earned
	// while waiting below may exceed it.
	s.accrue(0)
	for s.tokens < need {
		deficit := need - s.tokens
		wait := time.Duration(deficit / s.rateBps * 8 * float64(time.Second))
		if wait < refillInterval {
			wait = refillInterval
		}
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
		s.accrue(need)
	}
	s.tokens -= need
	if s.tokens > s.volume {
		s.tokens = s.volume
	}
	s.mu.Unlock()
}

// accrue adds the credit earned since lastCheck, in whole refill
// intervals, capped at the larger of the bucket volume and need. Retrieve
// passes zero before its first check, so idle credit is capped at the
// volume. Caller holds mu.
func (s *Shaper) accrue(need float64) {
	elapsed := time.Since(s.lastCheck)
	if elapsed < refillInterval {
		return
	}
	intervals := math.Floor(float64(elapsed) / float64(refillInterval))
	s.tokens += intervals * s.tokenUnit
	s.lastCheck = s.lastCheck.Add(time.Duration(intervals) * refillInterval)
	ceiling := s.volume
	if need > ceiling {
		ceiling = need
	}
	if s.tokens > ceiling {
		s.tokens = ceiling
	}
}
