package media

import "sync"

// stampGuardMS bounds the accepted per-sample DTS jump. A larger jump means
// the producer wrapped or rebased its clock; the reviser rebases with it.
const stampGuardMS = 10 * 1000

// Stamp rebases producer DTS/PTS onto a monotonic output clock starting at
// zero. Two stamps may be synced so the audio clock derives its base from
// the video clock and A/V offsets survive revision.
type Stamp struct {
	mu sync.Mutex

	started bool
	refIn   int64
	refOut  int64
	lastOut int64

	sync *Stamp
}

// Revise maps one producer (dts, pts) pair to the output clock. The output
// DTS is strictly monotonic per track; the composition offset pts-dts is
// preserved after clamping negatives to zero.
func (s *Stamp) Revise(dtsIn, ptsIn int64) (dtsOut, ptsOut int64) {
	if ptsIn < dtsIn {
		ptsIn = dtsIn
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer := s.sync; peer != nil {
		peer.mu.Lock()
		if peer.started {
			s.refIn = peer.refIn
			s.refOut = peer.refOut
			s.started = true
			s.sync = nil
		}
		peer.mu.Unlock()
	}

	if !s.started {
		s.started = true
		s.refIn = dtsIn
		s.refOut = 0
		s.lastOut = -1
	}

	delta := dtsIn - s.refIn
	jump := delta - (s.lastOut - s.refOut)
	if jump > stampGuardMS || jump < -stampGuardMS {
		// Producer wrap or reset: rebase so the output stays contiguous.
		s.refIn = dtsIn
		s.refOut = s.lastOut + 1
		delta = 0
	}

	dtsOut = s.refOut + delta
	if dtsOut <= s.lastOut {
		dtsOut = s.lastOut + 1
	}
	s.lastOut = dtsOut
	ptsOut = dtsOut + (ptsIn - dtsIn)
	return dtsOut, ptsOut
}

// SyncTo ties this stamp's reference clock to other's. The offsets are
// copied lazily on the next Revise so the peer has a chance to start first.
func (s *Stamp) SyncTo(other *Stamp) {
	if other == nil || other == s {
		return
	}
	s.mu.Lock()
	s.sync = other
	s.started = false
	s.mu.Unlock()
}

// LastOut returns the last revised output DTS.
func (s *Stamp) LastOut() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOut
}
