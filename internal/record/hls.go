package record

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// HLSSource is the registered media source backing an HLS recorder. It has
// no packet ring: segments live on disk (and in the gohlslib window) and
// players are counted explicitly by the HTTP layer.
type HLSSource struct {
	source.Base

	readers  atomic.Int64
	recorder *HLSRecorder
}

// AddReader counts one playlist consumer in.
func (s *HLSSource) AddReader() {
	s.readers.Add(1)
	s.OnReaderChanged(int(s.readers.Load()))
}

// RemoveReader counts one playlist consumer out.
func (s *HLSSource) RemoveReader() {
	if n := s.readers.Add(-1); n >= 0 {
		s.OnReaderChanged(int(n))
	}
}

// Handle serves the playlist and segments for this source.
func (s *HLSSource) Handle(w http.ResponseWriter, r *http.Request) {
	s.recorder.Handle(w, r)
}

// HLSRecorder produces an m3u8 playlist plus segments via gohlslib,
// persisting segments under the record root. Its auxiliary HLSSource is
// registered so hls lookups (and FindAsync waits) resolve.
type HLSRecorder struct {
	env   *source.Env
	log   *slog.Logger
	tuple source.Tuple
	dir   string

	src *HLSSource

	tracks  []media.Track
	armed   bool
	started bool

	muxer      *gohlslib.Muxer
	videoTrack *gohlslib.Track
	audioTrack *gohlslib.Track
}

// NewHLSRecorder creates the recorder and its (unregistered) source.
func NewHLSRecorder(env *source.Env, t source.Tuple, customPath string) *HLSRecorder {
	root := customPath
	if root == "" {
		root = env.Cfg.Record.Path
	}
	r := &HLSRecorder{
		env:   env,
		log:   env.Log.With(slog.String("component", "hls-recorder"), slog.String("stream", t.Key(source.SchemaHLS).URL())),
		tuple: t,
		dir:   filepath.Join(root, t.Vhost, t.App, t.Stream),
	}
	r.src = &HLSSource{recorder: r}
	r.src.InitBase(env, t.Key(source.SchemaHLS), r.src, func() int { return int(r.src.readers.Load()) })
	return r
}

// Source returns the recorder's registered media source.
func (r *HLSRecorder) Source() *HLSSource { return r.src }

// ReaderCount counts attached playlist consumers.
func (r *HLSRecorder) ReaderCount() int { return r.src.ReaderCount() }

// SetListener forwards to the auxiliary source.
func (r *HLSRecorder) SetListener(l source.MediaSourceEvent) { r.src.SetListener(l) }

// AddTrack implements media.MediaSink.
func (r *HLSRecorder) AddTrack(t media.Track) error {
	if r.armed {
		return fmt.Errorf("track %s added after recorder armed", t.Codec())
	}
	switch t.Codec() {
	case media.CodecG711A, media.CodecG711U, media.CodecL16:
		return fmt.Errorf("codec %s unsupported by hls recorder", t.Codec())
	}
	r.tracks = append(r.tracks, t)
	return nil
}

// AddTrackCompleted implements media.MediaSink.
func (r *HLSRecorder) AddTrackCompleted() { r.armed = true }

// ResetTracks implements media.MediaSink.
func (r *HLSRecorder) ResetTracks() {
	r.stopMuxer()
	r.tracks = nil
	r.armed = false
}

// start creates the gohlslib muxer once every track is ready.
func (r *HLSRecorder) start() error {
	for _, t := range r.tracks {
		if !t.Ready() {
			return fmt.Errorf("%s track not ready", t.Type())
		}
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating hls dir: %w", err)
	}

	var gTracks []*gohlslib.Track
	for _, t := range r.tracks {
		switch tr := t.(type) {
		case media.VideoTrack:
			var codec codecs.Codec
			if t.Codec() == media.CodecH265 {
				codec = &codecs.H265{VPS: tr.VPS(), SPS: tr.SPS(), PPS: tr.PPS()}
			} else {
				codec = &codecs.H264{SPS: tr.SPS(), PPS: tr.PPS()}
			}
			r.videoTrack = &gohlslib.Track{Codec: codec}
			gTracks = append(gTracks, r.videoTrack)
		case media.AudioTrack:
			switch t.Codec() {
			case media.CodecAAC:
				var cfg mpeg4audio.Config
				if err := cfg.Unmarshal(tr.Config()); err != nil {
					return fmt.Errorf("parsing aac config: %w", err)
				}
				r.audioTrack = &gohlslib.Track{Codec: &codecs.MPEG4Audio{Config: cfg}}
			case media.CodecOpus:
				r.audioTrack = &gohlslib.Track{Codec: &codecs.Opus{ChannelCount: tr.Channels()}}
			}
			if r.audioTrack != nil {
				gTracks = append(gTracks, r.audioTrack)
			}
		}
	}
	if len(gTracks) == 0 {
		return fmt.Errorf("no tracks")
	}

	r.muxer = &gohlslib.Muxer{
		Variant:            gohlslib.MuxerVariantMPEGTS,
		SegmentCount:       r.env.Cfg.HLS.SegmentCount,
		SegmentMinDuration: r.env.Cfg.HLS.SegmentDuration,
		Directory:          r.dir,
		Tracks:             gTracks,
	}
	if err := r.muxer.Start(); err != nil {
		r.muxer = nil
		return fmt.Errorf("starting hls muxer: %w", err)
	}
	r.started = true
	r.env.Registry().Register(r.src)
	return nil
}

// InputFrame implements media.MediaSink.
func (r *HLSRecorder) InputFrame(f *media.Frame) error {
	if !r.armed {
		return nil
	}
	if !r.started {
		if err := r.start(); err != nil {
			return nil // tracks still waiting for config
		}
	}
	r.src.AddBytes(media.TypeOf(f.Codec), f.Size())

	ntp := r.src.CreateStamp().Add(msToDuration(f.DTS))
	pts := f.PTS * 90

	switch f.Codec {
	case media.CodecH264:
		if r.videoTrack == nil {
			return nil
		}
		return r.muxer.WriteH264(r.videoTrack, ntp, pts, media.SplitNALUs(f.Data))
	case media.CodecH265:
		if r.videoTrack == nil {
			return nil
		}
		return r.muxer.WriteH265(r.videoTrack, ntp, pts, media.SplitNALUs(f.Data))
	case media.CodecAAC:
		if r.audioTrack == nil {
			return nil
		}
		return r.muxer.WriteMPEG4Audio(r.audioTrack, ntp, pts, [][]byte{f.Payload()})
	case media.CodecOpus:
		if r.audioTrack == nil {
			return nil
		}
		return r.muxer.WriteOpus(r.audioTrack, ntp, pts, [][]byte{f.Payload()})
	default:
		return nil
	}
}

// Handle serves playlist/segment requests from the gohlslib window.
func (r *HLSRecorder) Handle(w http.ResponseWriter, req *http.Request) {
	if r.muxer == nil {
		// Lazily generated: the playlist exists only after the first
		// segment. Callers pin the request via FindAsync before this.
		http.NotFound(w, req)
		return
	}
	r.muxer.Handle(w, req)
}

func (r *HLSRecorder) stopMuxer() {
	if r.muxer != nil {
		r.muxer.Close()
		r.muxer = nil
	}
	r.started = false
	r.videoTrack = nil
	r.audioTrack = nil
}

// Close stops the muxer and unregisters the source.
func (r *HLSRecorder) Close() {
	r.stopMuxer()
	r.src.MarkClosed()
	r.env.Registry().Unregister(r.src)
}
