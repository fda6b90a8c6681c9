package media

import (
	"sync"
	"time"
)

// speedSampleBytes forces a rate recomputation once this many bytes have
// accumulated, independent of elapsed time.
const speedSampleBytes = 1024 * 1024

// BytesSpeed estimates a byte rate. The rate is recomputed only when the
// sampling window (at least one second) has elapsed or more than 1 MiB has
// accumulated, so hot-path adds stay cheap.
type BytesSpeed struct {
	mu       sync.Mutex
	bytes    int64
	speed    int
	lastCalc time.Time
}

// Add accumulates n bytes.
func (s *BytesSpeed) Add(n int) {
	s.mu.Lock()
	if s.lastCalc.IsZero() {
		s.lastCalc = time.Now()
	}
	s.bytes += int64(n)
	if s.bytes > speedSampleBytes {
		s.compute(time.Now())
	}
	s.mu.Unlock()
}

// Speed returns the estimated rate in bytes per second.
func (s *BytesSpeed) Speed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCalc.IsZero() {
		return 0
	}
	if now := time.Now(); now.Sub(s.lastCalc) >= time.Second {
		s.compute(now)
	}
	return s.speed
}

func (s *BytesSpeed) compute(now time.Time) {
	elapsed := now.Sub(s.lastCalc)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	s.speed = int(float64(s.bytes) / elapsed.Seconds())
	s.bytes = 0
	s.lastCalc = now
}
