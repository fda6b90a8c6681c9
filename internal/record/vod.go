package record

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomp4 "github.com/abema/go-mp4"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/muxer"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

// vodTickMS is the pump interval: every tick, samples due by the playback
// clock are fed to the fan-out.
const vodTickMS = 100

// vodSample is one sample flattened from the MP4 tables.
type vodSample struct {
	offset int64
	size   int
	dtsMS  int64
	ctsMS  int64
	video  bool
}

// VodReader plays a recorded MP4 through a fan-out muxer, registering the
// stream like a live one. It is the producer-side listener of its sources.
type VodReader struct {
	source.EventInterceptor

	env    *source.Env
	log    *slog.Logger
	path   string
	file   *os.File
	multi  *muxer.MultiMuxer
	poller *task.Poller

	samples       []vodSample
	pendingTracks []media.Track
	durationMS    int64
	videoCodec    media.CodecID

	pos     int
	baseDTS int64
	started time.Time
	stopped bool
	tick    *task.DelayTask
}

// VodPath resolves the on-disk file for a vod stream id.
func VodPath(env *source.Env, info source.MediaInfo) string {
	stream := info.Stream
	if !strings.HasSuffix(stream, ".mp4") {
		stream += ".mp4"
	}
	return filepath.Join(env.Cfg.Record.Path, info.Vhost, env.Cfg.Record.AppName, stream)
}

// OpenVod loads the MP4 behind a missed lookup and registers it as an
// mp4_vod-origin source set. It returns the source matching info's schema.
func OpenVod(env *source.Env, info source.MediaInfo) source.Source {
	if info.App != env.Cfg.Record.AppName {
		return nil
	}
	path := VodPath(env, info)
	r, err := newVodReader(env, info, path)
	if err != nil {
		env.Log.Debug("vod fallback miss",
			slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	r.Start()
	return env.Registry().Find(info.Key())
}

func newVodReader(env *source.Env, info source.MediaInfo, path string) (*VodReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &VodReader{
		env:    env,
		log:    env.Log.With(slog.String("component", "vod-reader"), slog.String("file", path)),
		path:   path,
		file:   f,
		poller: env.Pool.Next(),
	}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, err
	}

	tuple := source.Tuple{Vhost: info.Vhost, App: info.App, Stream: info.Stream}
	r.multi = muxer.NewMultiMuxer(env, tuple, muxer.MultiMuxerOptions{
		DurationSec: float64(r.durationMS) / 1000,
		EnableRTMP:  true,
		EnableRTSP:  true,
	})
	r.multi.SetDelegate(r)
	return r, nil
}

// parse flattens the sample tables and codec configuration.
func (r *VodReader) parse() error {
	probe, err := gomp4.Probe(r.file)
	if err != nil {
		return fmt.Errorf("probing mp4: %w", err)
	}
	if probe.Timescale > 0 {
		r.durationMS = int64(probe.Duration) * 1000 / int64(probe.Timescale)
	}

	var tracks []media.Track
	for _, trak := range probe.Tracks {
		if trak.Timescale == 0 || len(trak.Samples) == 0 {
			continue
		}
		isVideo := trak.AVC != nil
		if isVideo {
			t, err := r.videoTrackFor(trak)
			if err != nil {
				return err
			}
			tracks = append(tracks, t)
		} else if trak.MP4A != nil {
			t, err := r.audioTrackFor(trak)
			if err != nil {
				return err
			}
			tracks = append(tracks, t)
		} else {
			continue
		}
		r.flattenSamples(trak, isVideo)
	}
	if len(tracks) == 0 || len(r.samples) == 0 {
		return fmt.Errorf("no playable tracks in %s", r.path)
	}
	sortSamplesByDTS(r.samples)

	for _, t := range tracks {
		if err := r.addTrackLater(t); err != nil {
			return err
		}
	}
	return nil
}

// addTrackLater defers AddTrack until the muxer exists.
func (r *VodReader) addTrackLater(t media.Track) error {
	r.pendingTracks = append(r.pendingTracks, t)
	return nil
}

// flattenSamples walks the chunk table computing per-sample file offsets.
func (r *VodReader) flattenSamples(trak *gomp4.Track, isVideo bool) {
	scale := int64(trak.Timescale)
	var dts int64
	sampleIdx := 0
	for _, chunk := range trak.Chunks {
		offset := int64(chunk.DataOffset)
		for i := uint32(0); i < chunk.SamplesPerChunk && sampleIdx < len(trak.Samples); i++ {
			s := trak.Samples[sampleIdx]
			r.samples = append(r.samples, vodSample{
				offset: offset,
				size:   int(s.Size),
				dtsMS:  dts * 1000 / scale,
				ctsMS:  (dts + int64(s.CompositionTimeOffset)) * 1000 / scale,
				video:  isVideo,
			})
			offset += int64(s.Size)
			dts += int64(s.TimeDelta)
			sampleIdx++
		}
	}
}

func sortSamplesByDTS(samples []vodSample) {
	// Interleaved tracks arrive per-track from the tables; a stable merge
	// by DTS restores producer order.
	for i := 1; i < len(samples); i++ {
		for j := i; j > 0 && samples[j].dtsMS < samples[j-1].dtsMS; j-- {
			samples[j], samples[j-1] = samples[j-1], samples[j]
		}
	}
}

// videoTrackFor extracts SPS/PPS from the avcC box.
func (r *VodReader) videoTrackFor(trak *gomp4.Track) (media.Track, error) {
	boxes, err := gomp4.ExtractBoxWithPayload(r.file, nil, gomp4.BoxPath{
		gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(),
		gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(),
		gomp4.StrToBoxType("avc1"), gomp4.BoxTypeAvcC(),
	})
	if err != nil || len(boxes) == 0 {
		return nil, fmt.Errorf("missing avcC box: %w", err)
	}
	avcc, ok := boxes[0].Payload.(*gomp4.AVCDecoderConfiguration)
	if !ok || len(avcc.SequenceParameterSets) == 0 || len(avcc.PictureParameterSets) == 0 {
		return nil, fmt.Errorf("avcC without parameter sets")
	}
	r.videoCodec = media.CodecH264
	return media.NewH264Track(
		avcc.SequenceParameterSets[0].NALUnit,
		avcc.PictureParameterSets[0].NALUnit,
	), nil
}

// audioTrackFor extracts the AudioSpecificConfig from the esds descriptors.
func (r *VodReader) audioTrackFor(trak *gomp4.Track) (media.Track, error) {
	boxes, err := gomp4.ExtractBoxWithPayload(r.file, nil, gomp4.BoxPath{
		gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(),
		gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(),
		gomp4.BoxTypeMp4a(), gomp4.BoxTypeEsds(),
	})
	if err != nil || len(boxes) == 0 {
		return nil, fmt.Errorf("missing esds box: %w", err)
	}
	esds, ok := boxes[0].Payload.(*gomp4.Esds)
	if !ok {
		return nil, fmt.Errorf("unexpected esds payload")
	}
	for _, desc := range esds.Descriptors {
		if desc.Tag == gomp4.DecSpecificInfoTag {
			return media.NewAACTrackFromConfig(desc.Data)
		}
	}
	return nil, fmt.Errorf("esds without DecSpecificInfo")
}

// Start arms the fan-out and begins the playback pump.
func (r *VodReader) Start() {
	for _, t := range r.pendingTracks {
		if err := r.multi.AddTrack(t); err != nil {
			r.log.Warn("vod track rejected", slog.String("error", err.Error()))
		}
	}
	r.multi.AddTrackCompleted()
	r.started = time.Now()
	r.scheduleTick()
}

func (r *VodReader) scheduleTick() {
	r.tick = r.poller.DoDelayTask(vodTickMS*time.Millisecond, r.pump)
}

// pump feeds every sample due by the playback clock.
func (r *VodReader) pump() {
	if r.stopped {
		return
	}
	elapsed := time.Since(r.started).Milliseconds() + r.baseDTS
	for r.pos < len(r.samples) && r.samples[r.pos].dtsMS <= elapsed {
		s := r.samples[r.pos]
		r.pos++
		if err := r.feed(s); err != nil {
			r.log.Warn("vod sample dropped", slog.String("error", err.Error()))
		}
	}
	if r.pos >= len(r.samples) {
		// End of file: loop like a live channel would not; tear down.
		r.Stop()
		return
	}
	r.scheduleTick()
}

// feed reads one sample and hands it to the fan-out. AVCC length prefixes
// are rewritten to Annex-B start codes.
func (r *VodReader) feed(s vodSample) error {
	buf := make([]byte, s.size)
	if _, err := r.file.ReadAt(buf, s.offset); err != nil {
		return fmt.Errorf("reading sample: %w", err)
	}

	frame := &media.Frame{DTS: s.dtsMS, PTS: s.ctsMS, Cacheable: true}
	if s.video {
		frame.Codec = r.videoCodec
		frame.PrefixSize = 4
		frame.Data = avccToAnnexB(buf)
		for _, nal := range media.SplitNALUs(frame.Data) {
			if media.IsH264KeyNALU(nal) {
				frame.KeyFrame = true
				break
			}
		}
	} else {
		frame.Codec = media.CodecAAC
		frame.Data = buf
	}
	return r.multi.InputFrame(frame)
}

// avccToAnnexB rewrites 4-byte length prefixes into start codes.
func avccToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	for len(data) >= 4 {
		n := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		data = data[4:]
		if n <= 0 || n > len(data) {
			break
		}
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out
}

// Stop halts the pump and destroys the sources.
func (r *VodReader) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true
	if r.tick != nil {
		r.tick.Cancel()
	}
	r.multi.Destroy()
	r.file.Close()
}

// OriginType implements source.MediaSourceEvent.
func (r *VodReader) OriginType(source.Source) source.OriginType { return source.OriginMP4Vod }

// OriginURL implements source.MediaSourceEvent.
func (r *VodReader) OriginURL(source.Source) string { return r.path }

// Close implements source.MediaSourceEvent.
func (r *VodReader) Close(_ source.Source, force bool) bool {
	if !force && r.multi.TotalReaderCount(nil) > 0 {
		return false
	}
	r.poller.Async(r.Stop)
	return true
}

// SeekTo implements source.MediaSourceEvent.
func (r *VodReader) SeekTo(_ source.Source, stampMS int64) bool {
	done := make(chan bool, 1)
	r.poller.Async(func() {
		if r.stopped || stampMS < 0 || stampMS > r.durationMS {
			done <- false
			return
		}
		pos := 0
		for pos < len(r.samples) && r.samples[pos].dtsMS < stampMS {
			pos++
		}
		// The mvhd duration covers the final frame's duration too, so a
		// stamp in that tail window scans past the last sample.
		if pos >= len(r.samples) {
			pos = len(r.samples) - 1
		}
		// Rewind to the preceding keyframe so decoding can restart.
		for pos > 0 && !(r.samples[pos].video && r.sampleIsKey(pos)) {
			pos--
		}
		r.pos = pos
		r.baseDTS = r.samples[pos].dtsMS
		r.started = time.Now()
		done <- true
	})
	return <-done
}

func (r *VodReader) sampleIsKey(pos int) bool {
	s := r.samples[pos]
	buf := make([]byte, s.size)
	if _, err := r.file.ReadAt(buf, s.offset); err != nil {
		return false
	}
	for _, nal := range media.SplitNALUs(avccToAnnexB(buf)) {
		if media.IsH264KeyNALU(nal) {
			return true
		}
	}
	return false
}
