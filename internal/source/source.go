package source

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/observability"
	"github.com/flyingrabbit881/medianode/internal/task"
)

// Env bundles the process-wide collaborators a source needs. One Env is
// shared by every source, muxer and recorder in the process.
type Env struct {
	Cfg     *config.Config
	Log     *slog.Logger
	Pool    *task.Pool
	Workers *task.WorkerPool
	Bus     *Bus
	Metrics *observability.Metrics

	registry *Registry
}

// NewEnv wires an environment around a fresh registry.
func NewEnv(cfg *config.Config, log *slog.Logger, pool *task.Pool, workers *task.WorkerPool) *Env {
	env := &Env{
		Cfg:     cfg,
		Log:     log,
		Pool:    pool,
		Workers: workers,
		Bus:     NewBus(),
		Metrics: observability.NewMetrics(),
	}
	env.registry = NewRegistry(env)
	return env
}

// Registry returns the environment's source registry.
func (e *Env) Registry() *Registry { return e.registry }

// Session identifies a waiting consumer for FindAsync. Callbacks are posted
// to the session's poller; a dead session's callback is dropped.
type Session interface {
	ID() string
	Poller() *task.Poller
	Alive() bool
}

// Source is the handle for a logical stream of one schema.
type Source interface {
	Key() StreamKey
	Env() *Env

	// ID is the unique instance id of this source registration.
	ID() string
	// CreateStamp is the wall-clock creation time, for display.
	CreateStamp() time.Time
	// UpTime is monotonic uptime, immune to wall-clock changes.
	UpTime() time.Duration

	// AddBytes feeds the per-type byte-rate estimator.
	AddBytes(t media.TrackType, n int)
	// Speed returns the estimated byte rate for a track type.
	Speed(t media.TrackType) int
	// TotalBytes is the lifetime ingested byte count.
	TotalBytes() int64

	// ReaderCount counts this source's own ring readers.
	ReaderCount() int
	// TotalReaderCount counts readers across all schemas of the logical
	// stream, via the listener chain.
	TotalReaderCount() int

	Listener() MediaSourceEvent
	SetListener(MediaSourceEvent)

	// Alive reports whether the source is still usable; the registry
	// purges dead entries on lookup.
	Alive() bool
	// Close requests teardown. force=true must succeed.
	Close(force bool) bool

	SeekTo(stampMS int64) bool
	OriginType() OriginType
	OriginURL() string
	OriginSock() string
	Tracks(readyOnly bool) []media.Track
	SetupRecord(t RecordType, start bool, customPath string) bool
	IsRecording(t RecordType) bool
	StartSendRtp(args SendRtpArgs, cb func(uint16, error))
	StopSendRtp(ssrc string) bool
}

// Base implements the Source behaviour shared by every schema. Embedding
// types supply their ring's reader count through the readerCount hook.
type Base struct {
	env *Env
	key StreamKey
	id  string

	createStamp time.Time
	startTick   time.Time

	mu       sync.Mutex
	listener MediaSourceEvent

	speeds [3]media.BytesSpeed
	total  atomic.Int64

	closed atomic.Bool

	// self is the outer Source handed to listener callbacks.
	self Source
	// readerCount supplies the embedding source's own reader count.
	readerCount func() int
}

// InitBase prepares an embedded Base. self is the embedding source;
// readerCount may be nil for sources without a ring.
func (b *Base) InitBase(env *Env, key StreamKey, self Source, readerCount func() int) {
	b.env = env
	b.key = key
	b.id = ulid.Make().String()
	b.createStamp = time.Now()
	b.startTick = time.Now()
	b.self = self
	b.readerCount = readerCount
}

// Key implements Source.
func (b *Base) Key() StreamKey { return b.key }

// Env implements Source.
func (b *Base) Env() *Env { return b.env }

// ID implements Source.
func (b *Base) ID() string { return b.id }

// CreateStamp implements Source.
func (b *Base) CreateStamp() time.Time { return b.createStamp }

// UpTime implements Source.
func (b *Base) UpTime() time.Duration { return time.Since(b.startTick) }

// AddBytes implements Source.
func (b *Base) AddBytes(t media.TrackType, n int) {
	b.speeds[t].Add(n)
	b.total.Add(int64(n))
	if b.env.Metrics != nil {
		b.env.Metrics.BytesIn.WithLabelValues(t.String()).Add(float64(n))
	}
}

// Speed implements Source.
func (b *Base) Speed(t media.TrackType) int { return b.speeds[t].Speed() }

// TotalBytes implements Source.
func (b *Base) TotalBytes() int64 { return b.total.Load() }

// ReaderCount implements Source.
func (b *Base) ReaderCount() int {
	if b.readerCount == nil {
		return 0
	}
	return b.readerCount()
}

// TotalReaderCount implements Source.
func (b *Base) TotalReaderCount() int {
	if l := b.Listener(); l != nil {
		return l.TotalReaderCount(b.self)
	}
	return b.ReaderCount()
}

// Listener implements Source.
func (b *Base) Listener() MediaSourceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

// SetListener implements Source.
func (b *Base) SetListener(l MediaSourceEvent) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Alive implements Source.
func (b *Base) Alive() bool { return !b.closed.Load() }

// MarkClosed flips the source dead; the registry purges it on next lookup.
func (b *Base) MarkClosed() { b.closed.Store(true) }

// Close implements Source. Without force, a source with readers refuses to
// close. The request is forwarded to the listener, which owns the producer.
func (b *Base) Close(force bool) bool {
	if !force && b.TotalReaderCount() > 0 {
		return false
	}
	l := b.Listener()
	if l == nil {
		return false
	}
	return l.Close(b.self, force)
}

// SeekTo implements Source.
func (b *Base) SeekTo(stampMS int64) bool {
	if l := b.Listener(); l != nil {
		return l.SeekTo(b.self, stampMS)
	}
	return false
}

// OriginType implements Source.
func (b *Base) OriginType() OriginType {
	if l := b.Listener(); l != nil {
		return l.OriginType(b.self)
	}
	return OriginUnknown
}

// OriginURL implements Source.
func (b *Base) OriginURL() string {
	if l := b.Listener(); l != nil {
		return l.OriginURL(b.self)
	}
	return ""
}

// OriginSock implements Source.
func (b *Base) OriginSock() string {
	if l := b.Listener(); l != nil {
		return l.OriginSock(b.self)
	}
	return ""
}

// Tracks implements Source.
func (b *Base) Tracks(readyOnly bool) []media.Track {
	if l := b.Listener(); l != nil {
		return l.Tracks(b.self, readyOnly)
	}
	return nil
}

// SetupRecord implements Source.
func (b *Base) SetupRecord(t RecordType, start bool, customPath string) bool {
	if l := b.Listener(); l != nil {
		return l.SetupRecord(b.self, t, start, customPath)
	}
	return false
}

// IsRecording implements Source.
func (b *Base) IsRecording(t RecordType) bool {
	if l := b.Listener(); l != nil {
		return l.IsRecording(b.self, t)
	}
	return false
}

// StartSendRtp implements Source.
func (b *Base) StartSendRtp(args SendRtpArgs, cb func(uint16, error)) {
	if l := b.Listener(); l != nil {
		l.StartSendRtp(b.self, args, cb)
		return
	}
	cb(0, ErrNoListener)
}

// StopSendRtp implements Source.
func (b *Base) StopSendRtp(ssrc string) bool {
	if l := b.Listener(); l != nil {
		return l.StopSendRtp(b.self, ssrc)
	}
	return false
}

// OnReaderChanged forwards a reader-count change to the listener; without a
// listener the default grace logic runs.
func (b *Base) OnReaderChanged(count int) {
	if l := b.Listener(); l != nil {
		l.OnReaderChanged(b.self, count)
		return
	}
	DefaultReaderChanged(b.self, count)
}

// DefaultReaderChanged implements the listener-less reader-count contract:
// once the count hits zero and stays zero for the configured grace, the
// stream-none-reader broadcast fires (a vod source closes itself instead).
func DefaultReaderChanged(s Source, count int) {
	if count > 0 || s.TotalReaderCount() > 0 {
		return
	}
	env := s.Env()
	delay := env.Cfg.General.StreamNoneReaderDelay
	poller := env.Pool.Next()
	poller.DoDelayTask(delay, func() {
		if !s.Alive() || s.TotalReaderCount() > 0 {
			return
		}
		if s.OriginType() == OriginMP4Vod {
			s.Close(true)
			return
		}
		env.Bus.Emit(EventStreamNoneReader, StreamNoneReaderEvent{Source: s})
	})
}
