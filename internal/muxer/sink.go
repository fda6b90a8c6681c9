// Package muxer implements the per-protocol media-source muxers and the
// fan-out that drives them from one producer.
package muxer

import (
	"fmt"
	"sync"
	"time"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/task"
)

// trackReadyGrace arms a muxer that never receives AddTrackCompleted:
// single-track producers often cannot signal completion. The grace is a
// ceiling; an explicit completion cancels it.
const trackReadyGrace = 3 * time.Second

// maxTracks is one audio plus one video elementary stream.
const maxTracks = 2

// trackSink aggregates tracks for one muxer and decides when it arms.
// After arming, late tracks are rejected.
type trackSink struct {
	mu         sync.Mutex
	poller     *task.Poller
	tracks     map[media.TrackType]media.Track
	armed      bool
	graceTimer *task.DelayTask
	onArmed    func(tracks []media.Track)
}

func newTrackSink(poller *task.Poller, onArmed func([]media.Track)) *trackSink {
	return &trackSink{
		poller:  poller,
		tracks:  make(map[media.TrackType]media.Track),
		onArmed: onArmed,
	}
}

// addTrack declares one track. The first track starts the grace timer.
func (s *trackSink) addTrack(t media.Track) error {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return fmt.Errorf("track %s added after muxer armed", t.Codec())
	}
	if _, dup := s.tracks[t.Type()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("duplicate %s track", t.Type())
	}
	s.tracks[t.Type()] = t
	full := len(s.tracks) == maxTracks
	if s.graceTimer == nil && !full {
		s.graceTimer = s.poller.DoDelayTask(trackReadyGrace, s.complete)
	}
	s.mu.Unlock()

	if full {
		s.complete()
	}
	return nil
}

// complete arms the sink with whatever tracks are present.
func (s *trackSink) complete() {
	s.mu.Lock()
	if s.armed || len(s.tracks) == 0 {
		s.mu.Unlock()
		return
	}
	s.armed = true
	if s.graceTimer != nil {
		s.graceTimer.Cancel()
		s.graceTimer = nil
	}
	tracks := s.trackListLocked()
	s.mu.Unlock()

	if s.onArmed != nil {
		s.onArmed(tracks)
	}
}

func (s *trackSink) trackListLocked() []media.Track {
	list := make([]media.Track, 0, len(s.tracks))
	if t, ok := s.tracks[media.TrackVideo]; ok {
		list = append(list, t)
	}
	if t, ok := s.tracks[media.TrackAudio]; ok {
		list = append(list, t)
	}
	return list
}

// trackList returns tracks video-first; readyOnly filters unready tracks.
func (s *trackSink) trackList(readyOnly bool) []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []media.Track
	for _, t := range s.trackListLocked() {
		if readyOnly && !t.Ready() {
			continue
		}
		list = append(list, t)
	}
	return list
}

func (s *trackSink) track(tt media.TrackType) media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[tt]
}

func (s *trackSink) isArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// reset returns to the unarmed, trackless state.
func (s *trackSink) reset() {
	s.mu.Lock()
	if s.graceTimer != nil {
		s.graceTimer.Cancel()
		s.graceTimer = nil
	}
	s.tracks = make(map[media.TrackType]media.Track)
	s.armed = false
	s.mu.Unlock()
}
