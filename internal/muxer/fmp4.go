package muxer

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// fmp4FlushIntervalMS closes the current media segment once this much time
// has elapsed since the last flush; a keyframe closes it immediately.
const fmp4FlushIntervalMS = 50

const (
	fmp4VideoTrackID   = 1
	fmp4AudioTrackID   = 2
	fmp4VideoTimeScale = 90000
)

// FMP4Muxer packetizes frames into fragmented-MP4 segments. The init
// segment is computed once per track set and cached on the source; each
// flush publishes one media segment keyed for ring GOP handling.
type FMP4Muxer struct {
	env    *source.Env
	log    *slog.Logger
	source *FMP4Source
	tracks *trackSink
	gate   demandGate

	initialized    bool
	audioTimeScale uint32
	sequenceNumber uint32

	videoSamples  []*fmp4.Sample
	audioSamples  []*fmp4.Sample
	videoBaseTime uint64
	audioBaseTime uint64
	lastVideoDTS  int64
	lastAudioDTS  int64

	segStartDTS int64
	segHasKey   bool
	segStarted  bool
}

// NewFMP4Muxer creates the muxer and its (unregistered) source.
func NewFMP4Muxer(env *source.Env, t source.Tuple) *FMP4Muxer {
	m := &FMP4Muxer{
		env:    env,
		log:    env.Log.With(slog.String("component", "fmp4-muxer"), slog.String("stream", t.Key(source.SchemaFMP4).URL())),
		source: NewFMP4Source(env, t),
	}
	m.gate.init(env.Cfg.General.FMP4Demand, m.source.Ring())
	m.tracks = newTrackSink(env.Pool.Next(), m.onArmed)
	m.sequenceNumber = 1
	return m
}

// Source returns the muxer's media source.
func (m *FMP4Muxer) Source() *FMP4Source { return m.source }

// AddTrack implements media.MediaSink.
func (m *FMP4Muxer) AddTrack(t media.Track) error {
	switch t.Codec() {
	case media.CodecG711A, media.CodecG711U, media.CodecL16:
		return errUnsupportedCodec(t.Codec(), "fmp4")
	}
	return m.tracks.addTrack(t)
}

// AddTrackCompleted implements media.MediaSink.
func (m *FMP4Muxer) AddTrackCompleted() { m.tracks.complete() }

// ResetTracks implements media.MediaSink.
func (m *FMP4Muxer) ResetTracks() {
	m.tracks.reset()
	m.initialized = false
	m.videoSamples = nil
	m.audioSamples = nil
	m.videoBaseTime = 0
	m.audioBaseTime = 0
	m.segStarted = false
	m.sequenceNumber = 1
	m.source.SetInitSegment(nil)
}

func (m *FMP4Muxer) onArmed([]media.Track) {
	m.env.Registry().Register(m.source)
}

// ReaderCount returns the source's ring reader count.
func (m *FMP4Muxer) ReaderCount() int { return m.source.ReaderCount() }

// Enabled reports whether packetization work is currently wanted.
func (m *FMP4Muxer) Enabled() bool { return m.gate.enabled() }

func (m *FMP4Muxer) readerChanged(count int) { m.gate.readerChanged(count) }

// initialize builds and caches the init segment once all tracks are ready.
func (m *FMP4Muxer) initialize() error {
	init := &fmp4.Init{}

	if t, ok := m.tracks.track(media.TrackVideo).(media.VideoTrack); ok {
		if !t.Ready() {
			return fmt.Errorf("video track not ready")
		}
		var codec mp4.Codec
		if t.Codec() == media.CodecH265 {
			codec = &mp4.CodecH265{VPS: t.VPS(), SPS: t.SPS(), PPS: t.PPS()}
		} else {
			codec = &mp4.CodecH264{SPS: t.SPS(), PPS: t.PPS()}
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        fmp4VideoTrackID,
			TimeScale: fmp4VideoTimeScale,
			Codec:     codec,
		})
	}
	if t, ok := m.tracks.track(media.TrackAudio).(media.AudioTrack); ok {
		if !t.Ready() {
			return fmt.Errorf("audio track not ready")
		}
		var codec mp4.Codec
		switch t.Codec() {
		case media.CodecAAC:
			var cfg mpeg4audio.AudioSpecificConfig
			if err := cfg.Unmarshal(t.Config()); err != nil {
				return fmt.Errorf("parsing aac config: %w", err)
			}
			codec = &mp4.CodecMPEG4Audio{Config: cfg}
			m.audioTimeScale = uint32(cfg.SampleRate)
		case media.CodecOpus:
			codec = &mp4.CodecOpus{ChannelCount: t.Channels()}
			m.audioTimeScale = 48000
		default:
			return errUnsupportedCodec(t.Codec(), "fmp4")
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        fmp4AudioTrackID,
			TimeScale: m.audioTimeScale,
			Codec:     codec,
		})
	}
	if len(init.Tracks) == 0 {
		return fmt.Errorf("no tracks")
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}
	m.source.SetInitSegment(buf.Bytes())
	m.initialized = true
	return nil
}

// InputFrame implements media.MediaSink.
func (m *FMP4Muxer) InputFrame(f *media.Frame) error {
	if !m.tracks.isArmed() || !m.gate.enabled() {
		return nil
	}
	if !m.initialized {
		if err := m.initialize(); err != nil {
			return nil // tracks still waiting for config
		}
	}
	m.source.AddBytes(media.TypeOf(f.Codec), f.Size())

	isVideo := media.TypeOf(f.Codec) == media.TrackVideo

	// A keyframe closes the open segment so the new GOP starts one; time
	// closes it otherwise.
	if m.segStarted {
		if (isVideo && f.KeyFrame) || f.DTS-m.segStartDTS >= fmp4FlushIntervalMS {
			m.flushSegment()
		}
	}
	if !m.segStarted {
		m.segStarted = true
		m.segStartDTS = f.DTS
		m.segHasKey = isVideo && f.KeyFrame
	}

	if isVideo {
		m.appendVideo(f)
	} else {
		m.appendAudio(f)
	}
	return nil
}

func (m *FMP4Muxer) appendVideo(f *media.Frame) {
	sample := &fmp4.Sample{
		PTSOffset:       int32((f.PTS - f.DTS) * 90),
		IsNonSyncSample: !f.KeyFrame,
	}
	var err error
	if f.Codec == media.CodecH265 {
		err = sample.FillH265(sample.PTSOffset, media.SplitNALUs(f.Data))
	} else {
		err = sample.FillH264(sample.PTSOffset, media.SplitNALUs(f.Data))
	}
	if err != nil {
		m.log.Warn("dropping video sample", slog.String("error", err.Error()))
		return
	}
	if n := len(m.videoSamples); n > 0 {
		m.videoSamples[n-1].Duration = uint32((f.DTS - m.lastVideoDTS) * 90)
	}
	m.videoSamples = append(m.videoSamples, sample)
	m.lastVideoDTS = f.DTS
	if f.KeyFrame {
		m.segHasKey = true
	}
}

func (m *FMP4Muxer) appendAudio(f *media.Frame) {
	scale := int64(m.audioTimeScale)
	if scale == 0 {
		scale = 48000
	}
	// The payload is held until the segment flushes, up to the flush
	// interval later; a non-cacheable frame must be copied first.
	f = media.GetCacheable(f)
	sample := &fmp4.Sample{Payload: f.Payload()}
	if n := len(m.audioSamples); n > 0 {
		m.audioSamples[n-1].Duration = uint32((f.DTS - m.lastAudioDTS) * scale / 1000)
	}
	m.audioSamples = append(m.audioSamples, sample)
	m.lastAudioDTS = f.DTS
}

// flushSegment marshals the open fragment and publishes it.
func (m *FMP4Muxer) flushSegment() {
	if len(m.videoSamples) == 0 && len(m.audioSamples) == 0 {
		m.segStarted = false
		return
	}

	part := &fmp4.Part{SequenceNumber: m.sequenceNumber}
	if len(m.videoSamples) > 0 {
		// The trailing sample's duration repeats its predecessor's.
		last := m.videoSamples[len(m.videoSamples)-1]
		if last.Duration == 0 && len(m.videoSamples) > 1 {
			last.Duration = m.videoSamples[len(m.videoSamples)-2].Duration
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4VideoTrackID,
			BaseTime: m.videoBaseTime,
			Samples:  m.videoSamples,
		})
		for _, s := range m.videoSamples {
			m.videoBaseTime += uint64(s.Duration)
		}
		m.videoSamples = nil
	}
	if len(m.audioSamples) > 0 {
		last := m.audioSamples[len(m.audioSamples)-1]
		if last.Duration == 0 && len(m.audioSamples) > 1 {
			last.Duration = m.audioSamples[len(m.audioSamples)-2].Duration
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4AudioTrackID,
			BaseTime: m.audioBaseTime,
			Samples:  m.audioSamples,
		})
		for _, s := range m.audioSamples {
			m.audioBaseTime += uint64(s.Duration)
		}
		m.audioSamples = nil
	}

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		m.log.Warn("dropping fmp4 segment", slog.String("error", err.Error()))
		m.segStarted = false
		return
	}
	m.sequenceNumber++

	seg := &FMP4Segment{DTS: m.segStartDTS, IsKey: m.segHasKey, Data: buf.Bytes()}
	m.source.Write([]*FMP4Segment{seg}, seg.IsKey)

	m.segStarted = false
	m.segHasKey = false
}

// Flush closes the open segment.
func (m *FMP4Muxer) Flush() { m.flushSegment() }

// Destroy tears the source down.
func (m *FMP4Muxer) Destroy() {
	m.Flush()
	m.source.Destroy()
}

// seekableBuffer adapts bytes.Buffer to io.WriteSeeker for the mp4
// marshalers, which rewrite box sizes in place.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	var n int
	if int(s.pos) == s.Buffer.Len() {
		var err error
		n, err = s.Buffer.Write(p)
		if err != nil {
			return n, err
		}
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			extra, err := s.Buffer.Write(p[n:])
			if err != nil {
				return n, err
			}
			n += extra
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = pos
	return pos, nil
}
