package muxer

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// MPEG-TS PIDs, matching the usual single-program layout.
const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101
)

// TSMuxer packetizes frames into MPEG-TS and publishes 188-byte-aligned
// chunks to a TSSource ring. PAT/PMT are repeated at every keyframe chunk so
// a GOP-seeded reader can always start decoding.
type TSMuxer struct {
	env    *source.Env
	log    *slog.Logger
	source *TSSource
	tracks *trackSink
	cache  *ring.PacketCache[[]byte]
	gate   demandGate

	buf         bytes.Buffer
	writer      *mpegts.Writer
	videoTrack  *mpegts.Track
	audioTrack  *mpegts.Track
	initialized bool
	tables      []byte
}

// NewTSMuxer creates the muxer and its (unregistered) source.
func NewTSMuxer(env *source.Env, t source.Tuple) *TSMuxer {
	m := &TSMuxer{
		env:    env,
		log:    env.Log.With(slog.String("component", "ts-muxer"), slog.String("stream", t.Key(source.SchemaTS).URL())),
		source: NewTSSource(env, t),
	}
	m.gate.init(env.Cfg.General.TSDemand, m.source.Ring())
	m.cache = ring.NewPacketCache[[]byte](int64(env.Cfg.General.MergeWrite.Milliseconds()), m.onFlush)
	m.tracks = newTrackSink(env.Pool.Next(), m.onArmed)
	return m
}

// Source returns the muxer's media source.
func (m *TSMuxer) Source() *TSSource { return m.source }

// AddTrack implements media.MediaSink.
func (m *TSMuxer) AddTrack(t media.Track) error {
	switch t.Codec() {
	case media.CodecG711A, media.CodecG711U, media.CodecL16:
		return errUnsupportedCodec(t.Codec(), "ts")
	}
	return m.tracks.addTrack(t)
}

// AddTrackCompleted implements media.MediaSink.
func (m *TSMuxer) AddTrackCompleted() { m.tracks.complete() }

// ResetTracks implements media.MediaSink.
func (m *TSMuxer) ResetTracks() {
	m.tracks.reset()
	m.writer = nil
	m.videoTrack = nil
	m.audioTrack = nil
	m.initialized = false
	m.tables = nil
	m.buf.Reset()
}

func (m *TSMuxer) onArmed([]media.Track) {
	m.env.Registry().Register(m.source)
}

// ReaderCount returns the source's ring reader count.
func (m *TSMuxer) ReaderCount() int { return m.source.ReaderCount() }

// Enabled reports whether packetization work is currently wanted.
func (m *TSMuxer) Enabled() bool { return m.gate.enabled() }

func (m *TSMuxer) readerChanged(count int) { m.gate.readerChanged(count) }

// initialize creates the mediacommon writer once every armed track is ready.
func (m *TSMuxer) initialize() error {
	var tracks []*mpegts.Track
	if t, ok := m.tracks.track(media.TrackVideo).(media.VideoTrack); ok {
		if !t.Ready() {
			return fmt.Errorf("video track not ready")
		}
		var codec mpegts.Codec = &mpegts.CodecH264{}
		if t.Codec() == media.CodecH265 {
			codec = &mpegts.CodecH265{}
		}
		m.videoTrack = &mpegts.Track{PID: tsVideoPID, Codec: codec}
		tracks = append(tracks, m.videoTrack)
	}
	if t, ok := m.tracks.track(media.TrackAudio).(media.AudioTrack); ok {
		if !t.Ready() {
			return fmt.Errorf("audio track not ready")
		}
		var codec mpegts.Codec
		switch t.Codec() {
		case media.CodecAAC:
			var cfg mpeg4audio.AudioSpecificConfig
			if err := cfg.Unmarshal(t.Config()); err != nil {
				return fmt.Errorf("parsing aac config: %w", err)
			}
			codec = &mpegts.CodecMPEG4Audio{Config: cfg}
		case media.CodecOpus:
			codec = &mpegts.CodecOpus{ChannelCount: t.Channels()}
		default:
			return errUnsupportedCodec(t.Codec(), "ts")
		}
		m.audioTrack = &mpegts.Track{PID: tsAudioPID, Codec: codec}
		tracks = append(tracks, m.audioTrack)
	}
	if len(tracks) == 0 {
		return fmt.Errorf("no tracks")
	}

	m.writer = &mpegts.Writer{W: &m.buf, Tracks: tracks}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	// Initialize wrote PAT/PMT; keep them for keyframe repetition.
	m.tables = append([]byte(nil), m.buf.Bytes()...)
	m.buf.Reset()
	m.initialized = true
	return nil
}

// InputFrame implements media.MediaSink.
func (m *TSMuxer) InputFrame(f *media.Frame) error {
	if !m.tracks.isArmed() || !m.gate.enabled() {
		return nil
	}
	if !m.initialized {
		if err := m.initialize(); err != nil {
			return nil // tracks still waiting for config
		}
	}
	m.source.AddBytes(media.TypeOf(f.Codec), f.Size())

	pts := f.PTS * 90
	dts := f.DTS * 90

	switch f.Codec {
	case media.CodecH264:
		if m.videoTrack == nil {
			return nil
		}
		if err := m.writer.WriteH264(m.videoTrack, pts, dts, media.SplitNALUs(f.Data)); err != nil {
			return fmt.Errorf("writing h264 to ts: %w", err)
		}
	case media.CodecH265:
		if m.videoTrack == nil {
			return nil
		}
		if err := m.writer.WriteH265(m.videoTrack, pts, dts, media.SplitNALUs(f.Data)); err != nil {
			return fmt.Errorf("writing h265 to ts: %w", err)
		}
	case media.CodecAAC:
		if m.audioTrack == nil {
			return nil
		}
		if err := m.writer.WriteMPEG4Audio(m.audioTrack, pts, [][]byte{f.Payload()}); err != nil {
			return fmt.Errorf("writing aac to ts: %w", err)
		}
	case media.CodecOpus:
		if m.audioTrack == nil {
			return nil
		}
		if err := m.writer.WriteOpus(m.audioTrack, pts, [][]byte{f.Payload()}); err != nil {
			return fmt.Errorf("writing opus to ts: %w", err)
		}
	default:
		return nil
	}

	if m.buf.Len() == 0 {
		return nil
	}
	chunk := append([]byte(nil), m.buf.Bytes()...)
	m.buf.Reset()

	isVideo := media.TypeOf(f.Codec) == media.TrackVideo
	key := isVideo && f.KeyFrame
	if key && len(m.tables) > 0 {
		chunk = append(append([]byte(nil), m.tables...), chunk...)
	}
	m.cache.Input(f.DTS, chunk, key, key)
	return nil
}

// Flush drains the merge-write cache.
func (m *TSMuxer) Flush() { m.cache.Flush() }

func (m *TSMuxer) onFlush(packets [][]byte, keyPos bool) {
	m.source.Write(packets, keyPos)
}

// Destroy tears the source down.
func (m *TSMuxer) Destroy() {
	m.Flush()
	m.source.Destroy()
}
