package muxer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// Recorder is the slice of recorder behaviour the fan-out drives. Concrete
// recorders live in the record package and are injected via
// SetRecorderFactory.
type Recorder interface {
	media.MediaSink
	ReaderCount() int
	Close()
}

// RecorderFactory builds a recorder of the given type.
type RecorderFactory func(env *source.Env, t source.Tuple, rt source.RecordType, customPath string) (Recorder, error)

var (
	recorderFactoryMu sync.RWMutex
	recorderFactory   RecorderFactory
)

// SetRecorderFactory installs the recorder constructor. Called once at
// startup by the wiring code.
func SetRecorderFactory(f RecorderFactory) {
	recorderFactoryMu.Lock()
	recorderFactory = f
	recorderFactoryMu.Unlock()
}

// RtpSink is one active GB28181 egress pipeline.
type RtpSink interface {
	media.FrameSink
	SSRC() string
	Close()
}

// RtpSinkFactory builds an RTP sender; injected by the wiring code to keep
// the gb28181 package decoupled.
type RtpSinkFactory func(env *source.Env, args source.SendRtpArgs, tracks []media.Track, cb func(uint16, error)) (RtpSink, error)

var (
	rtpSinkFactoryMu sync.RWMutex
	rtpSinkFactory   RtpSinkFactory
)

// SetRtpSinkFactory installs the RTP sender constructor.
func SetRtpSinkFactory(f RtpSinkFactory) {
	rtpSinkFactoryMu.Lock()
	rtpSinkFactory = f
	rtpSinkFactoryMu.Unlock()
}

// MultiMuxerOptions selects the protocol muxers a fan-out owns. TS and fMP4
// muxers are always constructed.
type MultiMuxerOptions struct {
	// DurationSec is non-zero for vod sources.
	DurationSec float64
	EnableRTMP  bool
	EnableRTSP  bool
	EnableHLS   bool
	EnableMP4   bool
	// RecordPath overrides the configured record root.
	RecordPath string
}

// MultiMuxer fans one producer's coded frames out to every enabled
// per-protocol muxer, each with its own consumer ring. It is also the
// sources' event listener: an interceptor answering reader counting across
// protocols while forwarding lifecycle calls to the producer's listener.
type MultiMuxer struct {
	source.EventInterceptor

	env   *source.Env
	log   *slog.Logger
	tuple source.Tuple
	opts  MultiMuxerOptions

	rtmp *RtmpMuxer
	rtsp *RtspMuxer
	ts   *TSMuxer
	fmp4 *FMP4Muxer

	recMu sync.Mutex
	hls   Recorder
	mp4   Recorder

	tracks    *trackSink
	readyOnce sync.Once

	// stamp revision when general.modify_stamp is set
	modifyStamp bool
	stampMu     sync.Mutex
	stamps      map[media.TrackType]*media.Stamp

	// rtpSenders has its own lock, separate from frame dispatch, to avoid
	// cross-contention.
	senderMu   sync.Mutex
	rtpSenders map[string]RtpSink

	// enabled-state cache: trusted while enabled to skip work under
	// load, re-evaluated every call while disabled to react to the
	// first new reader quickly.
	enabledMu      sync.Mutex
	enabledCached  bool
	enabledCheckAt time.Time
}

// NewMultiMuxer constructs the fan-out and its per-protocol muxers.
func NewMultiMuxer(env *source.Env, t source.Tuple, opts MultiMuxerOptions) *MultiMuxer {
	m := &MultiMuxer{
		env:         env,
		log:         env.Log.With(slog.String("component", "multi-muxer"), slog.String("stream", t.Vhost+"/"+t.App+"/"+t.Stream)),
		tuple:       t,
		opts:        opts,
		modifyStamp: env.Cfg.General.ModifyStamp,
		stamps:      make(map[media.TrackType]*media.Stamp),
		rtpSenders:  make(map[string]RtpSink),
	}
	if opts.EnableRTMP {
		m.rtmp = NewRtmpMuxer(env, t)
	}
	if opts.EnableRTSP {
		m.rtsp = NewRtspMuxer(env, t, opts.DurationSec)
	}
	m.ts = NewTSMuxer(env, t)
	m.fmp4 = NewFMP4Muxer(env, t)
	m.tracks = newTrackSink(env.Pool.Next(), func([]media.Track) { m.onAllTracksReady() })

	if opts.EnableHLS {
		m.setupRecordLocked(source.RecordHLS, true, opts.RecordPath)
	}
	if opts.EnableMP4 {
		m.setupRecordLocked(source.RecordMP4, true, opts.RecordPath)
	}
	return m
}

// SetDelegate installs the producer's listener as the next link in the
// event chain.
func (m *MultiMuxer) SetDelegate(delegate source.MediaSourceEvent) error {
	return m.EventInterceptor.SetDelegate(m, delegate)
}

// forEachMuxer visits the owned protocol muxers.
func (m *MultiMuxer) forEachMuxer(fn func(media.MediaSink)) {
	if m.rtmp != nil {
		fn(m.rtmp)
	}
	if m.rtsp != nil {
		fn(m.rtsp)
	}
	fn(m.ts)
	fn(m.fmp4)
}

// recorders returns copies of the recorder pointers; copying avoids races
// with cross-thread SetupRecord calls.
func (m *MultiMuxer) recorders() (hls, mp4 Recorder) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.hls, m.mp4
}

// AddTrack implements media.MediaSink. L16 is only carried by RTSP; other
// muxers reject it and the frame path drops it for them.
func (m *MultiMuxer) AddTrack(t media.Track) error {
	if t.Codec() == media.CodecL16 {
		m.log.Warn("L16 audio only reaches rtsp; other protocols will skip it")
	}
	if err := m.tracks.addTrack(t); err != nil {
		return err
	}
	m.forEachMuxer(func(s media.MediaSink) {
		if err := s.AddTrack(t); err != nil {
			m.log.Debug("track rejected by muxer", slog.String("error", err.Error()))
		}
	})
	hls, mp4 := m.recorders()
	if hls != nil {
		if err := hls.AddTrack(t); err != nil {
			m.log.Debug("track rejected by hls recorder", slog.String("error", err.Error()))
		}
	}
	if mp4 != nil {
		if err := mp4.AddTrack(t); err != nil {
			m.log.Debug("track rejected by mp4 recorder", slog.String("error", err.Error()))
		}
	}
	return nil
}

// AddTrackCompleted implements media.MediaSink.
func (m *MultiMuxer) AddTrackCompleted() {
	m.tracks.complete()
	m.forEachMuxer(func(s media.MediaSink) { s.AddTrackCompleted() })
	hls, mp4 := m.recorders()
	if hls != nil {
		hls.AddTrackCompleted()
	}
	if mp4 != nil {
		mp4.AddTrackCompleted()
	}
}

// onAllTracksReady installs the fan-out as every source's listener so their
// events reach the delegate chain.
func (m *MultiMuxer) onAllTracksReady() {
	m.readyOnce.Do(func() {
		if m.rtmp != nil {
			m.rtmp.Source().SetListener(m)
		}
		if m.rtsp != nil {
			m.rtsp.Source().SetListener(m)
		}
		m.ts.Source().SetListener(m)
		m.fmp4.Source().SetListener(m)
		m.installRecorderListeners()
	})
}

func (m *MultiMuxer) installRecorderListeners() {
	hls, _ := m.recorders()
	if l, ok := hls.(interface{ SetListener(source.MediaSourceEvent) }); ok && hls != nil {
		l.SetListener(m)
	}
}

// ResetTracks implements media.MediaSink.
func (m *MultiMuxer) ResetTracks() {
	m.tracks.reset()
	m.forEachMuxer(func(s media.MediaSink) { s.ResetTracks() })
	hls, mp4 := m.recorders()
	if hls != nil {
		hls.ResetTracks()
	}
	if mp4 != nil {
		mp4.ResetTracks()
	}
	m.stampMu.Lock()
	m.stamps = make(map[media.TrackType]*media.Stamp)
	m.stampMu.Unlock()
}

// InputFrame implements media.MediaSink: in-order, same-thread delivery to
// every owned muxer, recorder and RTP sender.
func (m *MultiMuxer) InputFrame(f *media.Frame) error {
	if m.modifyStamp {
		f = m.reviseStamp(f)
	}

	m.forEachMuxer(func(s media.MediaSink) {
		if err := s.InputFrame(f); err != nil {
			m.log.Debug("frame dropped by muxer", slog.String("error", err.Error()))
			if m.env.Metrics != nil {
				m.env.Metrics.FramesDropped.WithLabelValues("muxer").Inc()
			}
		}
	})
	hls, mp4 := m.recorders()
	if hls != nil {
		if err := hls.InputFrame(f); err != nil {
			m.log.Debug("frame dropped by hls recorder", slog.String("error", err.Error()))
		}
	}
	if mp4 != nil {
		if err := mp4.InputFrame(f); err != nil {
			m.log.Debug("frame dropped by mp4 recorder", slog.String("error", err.Error()))
		}
	}

	m.senderMu.Lock()
	senders := make([]RtpSink, 0, len(m.rtpSenders))
	for _, s := range m.rtpSenders {
		senders = append(senders, s)
	}
	m.senderMu.Unlock()
	for _, s := range senders {
		s.InputFrame(f)
	}
	return nil
}

// reviseStamp overrides producer timestamps with contiguous revised ones.
func (m *MultiMuxer) reviseStamp(f *media.Frame) *media.Frame {
	tt := media.TypeOf(f.Codec)
	m.stampMu.Lock()
	st := m.stamps[tt]
	if st == nil {
		st = &media.Stamp{}
		m.stamps[tt] = st
		if tt == media.TrackAudio {
			if video := m.stamps[media.TrackVideo]; video != nil {
				st.SyncTo(video)
			}
		} else if audio := m.stamps[media.TrackAudio]; audio != nil {
			audio.SyncTo(st)
		}
	}
	m.stampMu.Unlock()

	dts, pts := st.Revise(f.DTS, f.PTS)
	cp := *f
	cp.DTS = dts
	cp.PTS = pts
	return &cp
}

// TotalReaderCount implements source.MediaSourceEvent: the sum over every
// owned media source and recorder.
func (m *MultiMuxer) TotalReaderCount(source.Source) int {
	total := 0
	if m.rtmp != nil {
		total += m.rtmp.ReaderCount()
	}
	if m.rtsp != nil {
		total += m.rtsp.ReaderCount()
	}
	total += m.ts.ReaderCount()
	total += m.fmp4.ReaderCount()
	hls, mp4 := m.recorders()
	if hls != nil {
		total += hls.ReaderCount()
	}
	if mp4 != nil {
		total += mp4.ReaderCount()
	}
	return total
}

// IsEnabled reports whether any owned muxer or RTP sender wants frames.
// While enabled the result is cached for the none-reader grace to skip work
// under load; while disabled it is re-evaluated on every call.
func (m *MultiMuxer) IsEnabled() bool {
	m.enabledMu.Lock()
	defer m.enabledMu.Unlock()

	now := time.Now()
	if m.enabledCached && now.Sub(m.enabledCheckAt) < m.env.Cfg.General.StreamNoneReaderDelay {
		return true
	}

	enabled := false
	if m.rtmp != nil && m.rtmp.Enabled() {
		enabled = true
	}
	if !enabled && m.rtsp != nil && m.rtsp.Enabled() {
		enabled = true
	}
	if !enabled && (m.ts.Enabled() || m.fmp4.Enabled()) {
		enabled = true
	}
	if !enabled {
		hls, mp4 := m.recorders()
		enabled = hls != nil || mp4 != nil
	}
	if !enabled {
		m.senderMu.Lock()
		enabled = len(m.rtpSenders) > 0
		m.senderMu.Unlock()
	}

	m.enabledCached = enabled
	m.enabledCheckAt = now
	return enabled
}

// OnReaderChanged implements source.MediaSourceEvent: demand gates react
// first, then the chain (or the default grace logic) runs.
func (m *MultiMuxer) OnReaderChanged(sender source.Source, count int) {
	switch sender.Key().Schema {
	case source.SchemaRTMP:
		if m.rtmp != nil {
			m.rtmp.readerChanged(count)
		}
	case source.SchemaRTSP:
		if m.rtsp != nil {
			m.rtsp.readerChanged(count)
		}
	case source.SchemaTS:
		m.ts.readerChanged(count)
	case source.SchemaFMP4:
		m.fmp4.readerChanged(count)
	}

	if d := m.Delegate(); d != nil {
		d.OnReaderChanged(sender, count)
		return
	}
	source.DefaultReaderChanged(sender, count)
}

// SetupRecord implements source.MediaSourceEvent.
func (m *MultiMuxer) SetupRecord(_ source.Source, t source.RecordType, start bool, customPath string) bool {
	return m.setupRecordLocked(t, start, customPath)
}

func (m *MultiMuxer) setupRecordLocked(t source.RecordType, start bool, customPath string) bool {
	recorderFactoryMu.RLock()
	factory := recorderFactory
	recorderFactoryMu.RUnlock()

	m.recMu.Lock()
	defer m.recMu.Unlock()

	slot := &m.hls
	if t == source.RecordMP4 {
		slot = &m.mp4
	}

	if !start {
		if *slot != nil {
			(*slot).Close()
			*slot = nil
		}
		return true
	}
	if *slot != nil {
		return true
	}
	if factory == nil {
		m.log.Warn("no recorder factory installed")
		return false
	}
	rec, err := factory(m.env, m.tuple, t, customPath)
	if err != nil {
		m.log.Error("starting recorder", slog.String("error", err.Error()))
		return false
	}
	// Seed with the current ready tracks.
	for _, track := range m.tracks.trackList(true) {
		if err := rec.AddTrack(track); err != nil {
			m.log.Debug("track rejected by recorder", slog.String("error", err.Error()))
		}
	}
	if m.tracks.isArmed() {
		rec.AddTrackCompleted()
	}
	if t == source.RecordHLS {
		if l, ok := rec.(interface{ SetListener(source.MediaSourceEvent) }); ok {
			l.SetListener(m)
		}
	}
	*slot = rec
	return true
}

// IsRecording implements source.MediaSourceEvent.
func (m *MultiMuxer) IsRecording(_ source.Source, t source.RecordType) bool {
	hls, mp4 := m.recorders()
	if t == source.RecordHLS {
		return hls != nil
	}
	return mp4 != nil
}

// Tracks implements source.MediaSourceEvent.
func (m *MultiMuxer) Tracks(_ source.Source, readyOnly bool) []media.Track {
	return m.tracks.trackList(readyOnly)
}

// StartSendRtp implements source.MediaSourceEvent.
func (m *MultiMuxer) StartSendRtp(_ source.Source, args source.SendRtpArgs, cb func(uint16, error)) {
	rtpSinkFactoryMu.RLock()
	factory := rtpSinkFactory
	rtpSinkFactoryMu.RUnlock()
	if factory == nil {
		cb(0, fmt.Errorf("rtp sending not wired"))
		return
	}
	sender, err := factory(m.env, args, m.tracks.trackList(true), cb)
	if err != nil {
		return
	}
	m.senderMu.Lock()
	if old, ok := m.rtpSenders[args.SSRC]; ok {
		old.Close()
	}
	m.rtpSenders[args.SSRC] = sender
	m.senderMu.Unlock()
}

// StopSendRtp implements source.MediaSourceEvent. Empty ssrc removes all.
func (m *MultiMuxer) StopSendRtp(_ source.Source, ssrc string) bool {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	if ssrc == "" {
		for k, s := range m.rtpSenders {
			s.Close()
			delete(m.rtpSenders, k)
		}
		return true
	}
	s, ok := m.rtpSenders[ssrc]
	if !ok {
		return false
	}
	s.Close()
	delete(m.rtpSenders, ssrc)
	return true
}

// RtmpMuxer returns the owned RTMP muxer, or nil.
func (m *MultiMuxer) RtmpMuxer() *RtmpMuxer { return m.rtmp }

// RtspMuxer returns the owned RTSP muxer, or nil.
func (m *MultiMuxer) RtspMuxer() *RtspMuxer { return m.rtsp }

// TSMuxer returns the always-present TS muxer.
func (m *MultiMuxer) TSMuxer() *TSMuxer { return m.ts }

// FMP4Muxer returns the always-present fMP4 muxer.
func (m *MultiMuxer) FMP4Muxer() *FMP4Muxer { return m.fmp4 }

// Destroy tears down every owned muxer, recorder and sender.
func (m *MultiMuxer) Destroy() {
	m.StopSendRtp(nil, "")
	m.recMu.Lock()
	hls, mp4 := m.hls, m.mp4
	m.hls, m.mp4 = nil, nil
	m.recMu.Unlock()
	if hls != nil {
		hls.Close()
	}
	if mp4 != nil {
		mp4.Close()
	}
	if m.rtmp != nil {
		m.rtmp.Destroy()
	}
	if m.rtsp != nil {
		m.rtsp.Destroy()
	}
	m.ts.Destroy()
	m.fmp4.Destroy()
}
