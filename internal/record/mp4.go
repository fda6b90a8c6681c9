// Package record implements the on-disk recorders (segmented MP4, HLS) and
// the MP4 vod reader backing registry lookup fallbacks.
package record

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// minKeepFileSize: files smaller than this are discarded on close; they
// carry no usable media.
const minKeepFileSize = 1024

// mp4PartIntervalMS groups samples into fragments of roughly this duration
// before hitting the disk.
const mp4PartIntervalMS = 1000

const (
	mp4VideoTrackID   = 1
	mp4AudioTrackID   = 2
	mp4VideoTimeScale = 90000
)

// MP4Recorder writes the stream into duration-segmented fragmented-MP4
// files. Rotation happens at keyframes when video is present, at the
// duration mark otherwise. Finalization runs on the background worker pool.
type MP4Recorder struct {
	env   *source.Env
	log   *slog.Logger
	tuple source.Tuple
	dir   string

	tracks   []media.Track
	hasVideo bool
	armed    bool

	audioTimeScale uint32
	initSegment    []byte

	cur *mp4File

	// pending same-DTS video NAL group
	pendingNALs [][]byte
	pendingDTS  int64
	pendingPTS  int64
	pendingKey  bool
}

// mp4File is one open segment file.
type mp4File struct {
	f         *os.File
	tmpPath   string
	finalPath string
	fileName  string
	startTime time.Time

	seq           uint32
	started       bool
	startDTS      int64
	lastDTS       int64
	videoSamples  []*fmp4.Sample
	audioSamples  []*fmp4.Sample
	videoBaseTime uint64
	audioBaseTime uint64
	lastVideoDTS  int64
	lastAudioDTS  int64
	partStartDTS  int64

	bytes int64
}

// NewMP4Recorder creates a recorder rooted at customPath, or at the
// configured record path when customPath is empty.
func NewMP4Recorder(env *source.Env, t source.Tuple, customPath string) *MP4Recorder {
	root := customPath
	if root == "" {
		root = env.Cfg.Record.Path
	}
	return &MP4Recorder{
		env:   env,
		log:   env.Log.With(slog.String("component", "mp4-recorder"), slog.String("stream", t.Key(source.SchemaFMP4).URL())),
		tuple: t,
		dir:   filepath.Join(root, t.Vhost, t.App, t.Stream),
	}
}

// ReaderCount implements the recorder side of reader accounting; an MP4
// recorder holds no ring readers.
func (r *MP4Recorder) ReaderCount() int { return 0 }

// AddTrack implements media.MediaSink.
func (r *MP4Recorder) AddTrack(t media.Track) error {
	if r.armed {
		return fmt.Errorf("track %s added after recorder armed", t.Codec())
	}
	switch t.Codec() {
	case media.CodecG711A, media.CodecG711U, media.CodecL16:
		return fmt.Errorf("codec %s unsupported by mp4 recorder", t.Codec())
	}
	r.tracks = append(r.tracks, t)
	if t.Type() == media.TrackVideo {
		r.hasVideo = true
	}
	return nil
}

// AddTrackCompleted implements media.MediaSink.
func (r *MP4Recorder) AddTrackCompleted() { r.armed = true }

// ResetTracks implements media.MediaSink.
func (r *MP4Recorder) ResetTracks() {
	r.closeCurrent()
	r.tracks = nil
	r.hasVideo = false
	r.armed = false
	r.initSegment = nil
	r.pendingNALs = nil
}

// buildInit marshals the init segment from ready tracks.
func (r *MP4Recorder) buildInit() error {
	if r.initSegment != nil {
		return nil
	}
	init := &fmp4.Init{}
	for _, t := range r.tracks {
		if !t.Ready() {
			return fmt.Errorf("%s track not ready", t.Type())
		}
		switch tr := t.(type) {
		case media.VideoTrack:
			var codec mp4.Codec
			if t.Codec() == media.CodecH265 {
				codec = &mp4.CodecH265{VPS: tr.VPS(), SPS: tr.SPS(), PPS: tr.PPS()}
			} else {
				codec = &mp4.CodecH264{SPS: tr.SPS(), PPS: tr.PPS()}
			}
			init.Tracks = append(init.Tracks, &fmp4.InitTrack{
				ID: mp4VideoTrackID, TimeScale: mp4VideoTimeScale, Codec: codec,
			})
		case media.AudioTrack:
			var codec mp4.Codec
			switch t.Codec() {
			case media.CodecAAC:
				var cfg mpeg4audio.AudioSpecificConfig
				if err := cfg.Unmarshal(tr.Config()); err != nil {
					return fmt.Errorf("parsing aac config: %w", err)
				}
				codec = &mp4.CodecMPEG4Audio{Config: cfg}
				r.audioTimeScale = uint32(cfg.SampleRate)
			case media.CodecOpus:
				codec = &mp4.CodecOpus{ChannelCount: tr.Channels()}
				r.audioTimeScale = 48000
			}
			init.Tracks = append(init.Tracks, &fmp4.InitTrack{
				ID: mp4AudioTrackID, TimeScale: r.audioTimeScale, Codec: codec,
			})
		}
	}
	if len(init.Tracks) == 0 {
		return fmt.Errorf("no tracks")
	}
	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}
	r.initSegment = buf.Bytes()
	return nil
}

// openFile starts a new segment file. The temporary name carries a leading
// dot; the atomic rename on close removes it.
func (r *MP4Recorder) openFile() error {
	now := time.Now()
	day := now.Format("2006-01-02")
	name := now.Format("15-04-05") + ".mp4"
	dir := filepath.Join(r.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating record dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+name)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating record file: %w", err)
	}
	cur := &mp4File{
		f:         f,
		tmpPath:   tmp,
		finalPath: filepath.Join(dir, name),
		fileName:  name,
		startTime: now,
	}
	if _, err := f.Write(r.initSegment); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing init segment: %w", err)
	}
	cur.bytes = int64(len(r.initSegment))
	cur.seq = 1
	r.cur = cur
	return nil
}

// InputFrame implements media.MediaSink.
func (r *MP4Recorder) InputFrame(f *media.Frame) error {
	if !r.armed {
		return nil
	}
	if r.initSegment == nil {
		if err := r.buildInit(); err != nil {
			return nil // tracks still waiting for config
		}
	}

	isVideo := media.TypeOf(f.Codec) == media.TrackVideo

	// Same-DTS H.26x frames merge into one sample; flush the group when
	// the DTS moves on.
	if isVideo {
		if len(r.pendingNALs) > 0 && f.DTS != r.pendingDTS {
			if err := r.flushVideoGroup(); err != nil {
				return err
			}
		}
		for _, nal := range media.SplitNALUs(f.Data) {
			if len(nal) > 0 {
				r.pendingNALs = append(r.pendingNALs, nal)
			}
		}
		r.pendingDTS = f.DTS
		r.pendingPTS = f.PTS
		r.pendingKey = r.pendingKey || f.KeyFrame
		return nil
	}
	return r.writeAudio(f)
}

// maybeRotate opens or rotates the segment file. key reports whether the
// incoming sample starts at a keyframe.
func (r *MP4Recorder) maybeRotate(key bool) error {
	if r.cur == nil {
		if r.hasVideo && !key {
			return fmt.Errorf("waiting for keyframe")
		}
		return r.openFile()
	}
	elapsed := time.Since(r.cur.startTime)
	if elapsed < r.env.Cfg.Record.FileSecond {
		return nil
	}
	if r.hasVideo && !key {
		return nil // hold until the next keyframe
	}
	r.closeCurrent()
	return r.openFile()
}

func (r *MP4Recorder) flushVideoGroup() error {
	if len(r.pendingNALs) == 0 {
		return nil
	}
	if err := r.maybeRotate(r.pendingKey); err != nil {
		r.pendingNALs = nil
		r.pendingKey = false
		return nil
	}
	cur := r.cur

	sample := &fmp4.Sample{
		PTSOffset:       int32((r.pendingPTS - r.pendingDTS) * 90),
		IsNonSyncSample: !r.pendingKey,
	}
	var err error
	if r.videoCodec() == media.CodecH265 {
		err = sample.FillH265(sample.PTSOffset, r.pendingNALs)
	} else {
		err = sample.FillH264(sample.PTSOffset, r.pendingNALs)
	}
	r.pendingNALs = nil
	if err != nil {
		r.pendingKey = false
		return nil
	}

	if n := len(cur.videoSamples); n > 0 {
		cur.videoSamples[n-1].Duration = uint32((r.pendingDTS - cur.lastVideoDTS) * 90)
	}
	cur.videoSamples = append(cur.videoSamples, sample)
	cur.lastVideoDTS = r.pendingDTS
	r.trackProgress(r.pendingDTS, r.pendingKey)
	r.pendingKey = false
	return nil
}

func (r *MP4Recorder) writeAudio(f *media.Frame) error {
	if err := r.maybeRotate(!r.hasVideo); err != nil {
		return nil
	}
	cur := r.cur
	scale := int64(r.audioTimeScale)
	if scale == 0 {
		scale = 48000
	}
	sample := &fmp4.Sample{Payload: append([]byte(nil), f.Payload()...)}
	if n := len(cur.audioSamples); n > 0 {
		cur.audioSamples[n-1].Duration = uint32((f.DTS - cur.lastAudioDTS) * scale / 1000)
	}
	cur.audioSamples = append(cur.audioSamples, sample)
	cur.lastAudioDTS = f.DTS
	r.trackProgress(f.DTS, false)
	return nil
}

// trackProgress advances the segment clock and writes out a fragment once
// the part interval elapsed (or a keyframe arrived).
func (r *MP4Recorder) trackProgress(dts int64, key bool) {
	cur := r.cur
	if !cur.started {
		cur.started = true
		cur.startDTS = dts
		cur.partStartDTS = dts
	}
	cur.lastDTS = dts
	if key || dts-cur.partStartDTS >= mp4PartIntervalMS {
		r.writePart()
		cur.partStartDTS = dts
	}
}

// writePart marshals buffered samples as one moof+mdat fragment.
func (r *MP4Recorder) writePart() {
	cur := r.cur
	if cur == nil || (len(cur.videoSamples) == 0 && len(cur.audioSamples) == 0) {
		return
	}
	part := &fmp4.Part{SequenceNumber: cur.seq}
	if len(cur.videoSamples) > 0 {
		last := cur.videoSamples[len(cur.videoSamples)-1]
		if last.Duration == 0 && len(cur.videoSamples) > 1 {
			last.Duration = cur.videoSamples[len(cur.videoSamples)-2].Duration
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID: mp4VideoTrackID, BaseTime: cur.videoBaseTime, Samples: cur.videoSamples,
		})
		for _, s := range cur.videoSamples {
			cur.videoBaseTime += uint64(s.Duration)
		}
		cur.videoSamples = nil
	}
	if len(cur.audioSamples) > 0 {
		last := cur.audioSamples[len(cur.audioSamples)-1]
		if last.Duration == 0 && len(cur.audioSamples) > 1 {
			last.Duration = cur.audioSamples[len(cur.audioSamples)-2].Duration
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID: mp4AudioTrackID, BaseTime: cur.audioBaseTime, Samples: cur.audioSamples,
		})
		for _, s := range cur.audioSamples {
			cur.audioBaseTime += uint64(s.Duration)
		}
		cur.audioSamples = nil
	}
	cur.seq++

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		r.log.Warn("dropping mp4 fragment", slog.String("error", err.Error()))
		return
	}
	n, err := cur.f.Write(buf.Bytes())
	cur.bytes += int64(n)
	if err != nil {
		// Disk trouble: abandon the file and keep accepting frames; the
		// next rotation retries.
		r.log.Error("mp4 write failed, abandoning file", slog.String("error", err.Error()))
		r.abandonCurrent()
	}
}

// closeCurrent finalizes the open file on the background worker pool and
// emits the record-mp4 broadcast.
func (r *MP4Recorder) closeCurrent() {
	cur := r.cur
	if cur == nil {
		return
	}
	r.writePart()
	r.cur = nil

	timeLen := cur.lastDTS - cur.startDTS
	env := r.env
	tuple := r.tuple
	env.Workers.Submit(func() {
		cur.f.Close()
		if cur.bytes < minKeepFileSize {
			os.Remove(cur.tmpPath)
			return
		}
		if err := os.Rename(cur.tmpPath, cur.finalPath); err != nil {
			r.log.Error("mp4 rename failed", slog.String("error", err.Error()))
			os.Remove(cur.tmpPath)
			return
		}
		if env.Metrics != nil {
			env.Metrics.RecordedFiles.Inc()
		}
		env.Bus.Emit(source.EventRecordMP4, source.RecordInfo{
			Key:        tuple.Key(source.SchemaFMP4),
			FileName:   cur.fileName,
			FilePath:   cur.finalPath,
			FileSize:   cur.bytes,
			StartTime:  cur.startTime,
			TimeLenMS:  timeLen,
			VirtualURL: "/" + tuple.Vhost + "/" + tuple.App + "/" + tuple.Stream + "/" + cur.fileName,
		})
	})
}

// abandonCurrent deletes the open file without finalizing.
func (r *MP4Recorder) abandonCurrent() {
	cur := r.cur
	if cur == nil {
		return
	}
	r.cur = nil
	r.env.Workers.Submit(func() {
		cur.f.Close()
		os.Remove(cur.tmpPath)
	})
}

// Close flushes and finalizes the open file.
func (r *MP4Recorder) Close() {
	r.flushVideoGroup()
	r.closeCurrent()
}

func (r *MP4Recorder) videoCodec() media.CodecID {
	for _, t := range r.tracks {
		if t.Type() == media.TrackVideo {
			return t.Codec()
		}
	}
	return media.CodecInvalid
}
