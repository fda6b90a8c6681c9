package source

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/flyingrabbit881/medianode/internal/task"
)

// flowReportThresholdBytes suppresses flow reports for streams that never
// carried meaningful traffic.
const flowReportThresholdBytes = 1024

// findAnyOrder is the schema probe order of FindAny.
var findAnyOrder = []Schema{SchemaRTMP, SchemaRTSP, SchemaHLS}

// VodFallback loads an on-disk MP4 as a vod source for a missed lookup.
// It returns the registered source, or nil when no file matches.
type VodFallback func(info MediaInfo) Source

// Registry is the exclusive process-wide index of live sources:
// schema -> vhost -> app -> stream -> source. All mutations hold one mutex;
// user callbacks and broadcasts run after it is released, so handlers may
// re-enter the registry freely.
type Registry struct {
	env *Env

	mu      sync.Mutex
	sources map[Schema]map[string]map[string]map[string]Source

	vodFallback VodFallback
}

// NewRegistry creates an empty registry.
func NewRegistry(env *Env) *Registry {
	return &Registry{
		env:     env,
		sources: make(map[Schema]map[string]map[string]map[string]Source),
	}
}

// SetVodFallback installs the MP4 vod loader used by FindAsync misses.
func (r *Registry) SetVodFallback(fn VodFallback) {
	r.mu.Lock()
	r.vodFallback = fn
	r.mu.Unlock()
}

// Register inserts the source at its key. A live prior source on the same
// key wins: registration fails and the newcomer should shut down.
func (r *Registry) Register(s Source) bool {
	key := s.Key()

	r.mu.Lock()
	vhosts := r.sources[key.Schema]
	if vhosts == nil {
		vhosts = make(map[string]map[string]map[string]Source)
		r.sources[key.Schema] = vhosts
	}
	apps := vhosts[key.Vhost]
	if apps == nil {
		apps = make(map[string]map[string]Source)
		vhosts[key.Vhost] = apps
	}
	streams := apps[key.App]
	if streams == nil {
		streams = make(map[string]Source)
		apps[key.App] = streams
	}
	if prior, ok := streams[key.Stream]; ok && prior.Alive() && prior != s {
		r.mu.Unlock()
		r.env.Log.Warn("duplicate stream registration rejected",
			slog.String("stream", key.URL()))
		return false
	}
	streams[key.Stream] = s
	r.mu.Unlock()

	if r.env.Metrics != nil {
		r.env.Metrics.RegisteredSources.WithLabelValues(string(key.Schema)).Inc()
	}
	r.env.Log.Info("stream registered", slog.String("stream", key.URL()))

	r.env.Bus.Emit(EventMediaChanged, MediaChangedEvent{Registered: true, Source: s})
	if l := s.Listener(); l != nil {
		l.OnRegist(s, true)
	}
	return true
}

// Unregister removes the source if it is the one stored at its key, erasing
// emptied map levels upward.
func (r *Registry) Unregister(s Source) bool {
	key := s.Key()

	r.mu.Lock()
	removed := r.removeLocked(key, s)
	r.mu.Unlock()

	if !removed {
		return false
	}
	if r.env.Metrics != nil {
		r.env.Metrics.RegisteredSources.WithLabelValues(string(key.Schema)).Dec()
	}
	r.env.Log.Info("stream unregistered", slog.String("stream", key.URL()))

	if total := s.TotalBytes(); total > flowReportThresholdBytes {
		r.env.Bus.Emit(EventFlowReport, FlowReportEvent{
			Key:        key,
			TotalBytes: total,
			AliveSec:   int64(s.UpTime().Seconds()),
		})
	}

	r.env.Bus.Emit(EventMediaChanged, MediaChangedEvent{Registered: false, Source: s})
	if l := s.Listener(); l != nil {
		l.OnRegist(s, false)
	}
	return true
}

// removeLocked removes key when it maps to s (or to anything when s is nil).
func (r *Registry) removeLocked(key StreamKey, s Source) bool {
	vhosts := r.sources[key.Schema]
	apps := vhosts[key.Vhost]
	streams := apps[key.App]
	stored, ok := streams[key.Stream]
	if !ok || (s != nil && stored != s) {
		return false
	}
	delete(streams, key.Stream)
	if len(streams) == 0 {
		delete(apps, key.App)
		if len(apps) == 0 {
			delete(vhosts, key.Vhost)
			if len(vhosts) == 0 {
				delete(r.sources, key.Schema)
			}
		}
	}
	return true
}

// Find returns the live source at key, purging a dead entry.
func (r *Registry) Find(key StreamKey) Source {
	r.mu.Lock()
	s, ok := r.sources[key.Schema][key.Vhost][key.App][key.Stream]
	if ok && !s.Alive() {
		r.removeLocked(key, s)
		s, ok = nil, false
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s
}

// FindAny probes rtmp, then rtsp, then hls for the tuple; first hit wins.
func (r *Registry) FindAny(t Tuple) Source {
	for _, schema := range findAnyOrder {
		if s := r.Find(t.Key(schema)); s != nil {
			return s
		}
	}
	return nil
}

// ForEach snapshots the registry and invokes fn on each live source outside
// the lock.
func (r *Registry) ForEach(fn func(Source)) {
	r.mu.Lock()
	var snapshot []Source
	for _, vhosts := range r.sources {
		for _, apps := range vhosts {
			for _, streams := range apps {
				for _, s := range streams {
					snapshot = append(snapshot, s)
				}
			}
		}
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		if s.Alive() {
			fn(s)
		}
	}
}

// FindAsync waits for a stream matching info to register, up to the
// configured timeout. The callback runs exactly once, on the session's
// poller, with the source or nil. A registration and the timeout race; the
// winner cancels the loser.
func (r *Registry) FindAsync(info MediaInfo, sess Session, cb func(Source)) {
	r.findAsync(info, sess, true, cb)
}

func (r *Registry) findAsync(info MediaInfo, sess Session, retry bool, cb func(Source)) {
	deliver := func(s Source) {
		sess.Poller().Async(func() {
			if sess.Alive() {
				cb(s)
				return
			}
			cb(nil)
		})
	}

	if s := r.Find(info.Key()); s != nil {
		deliver(s)
		return
	}

	// Vod fallback: a recorded MP4 may satisfy the lookup.
	if info.Schema != SchemaHLS {
		r.mu.Lock()
		fallback := r.vodFallback
		r.mu.Unlock()
		if fallback != nil {
			if s := fallback(info); s != nil {
				deliver(s)
				return
			}
		}
	}

	if !retry {
		deliver(nil)
		return
	}

	tag := "findAsync-" + sess.ID() + "-" + ulid.Make().String()
	wantKey := info.Key()

	var once sync.Once
	var timeout *task.DelayTask

	settle := func(win func()) {
		once.Do(func() {
			r.env.Bus.Unsubscribe(EventMediaChanged, tag)
			timeout.Cancel()
			win()
		})
	}

	// The timer is armed before the listener so a registration racing in
	// from another goroutine always observes a fully-formed waiter.
	wait := r.env.Cfg.General.MaxStreamWait
	timeout = sess.Poller().DoDelayTask(wait, func() {
		settle(func() { deliver(nil) })
	})

	r.env.Bus.Subscribe(EventMediaChanged, tag, func(payload any) {
		ev, ok := payload.(MediaChangedEvent)
		if !ok || !ev.Registered || ev.Source.Key() != wantKey {
			return
		}
		settle(func() {
			// Re-run on the session's scheduler to pick up the
			// registered source without racing its teardown.
			sess.Poller().Async(func() {
				if !sess.Alive() {
					cb(nil)
					return
				}
				r.findAsync(info, sess, false, cb)
			})
		})
	})

	r.env.Bus.Emit(EventStreamNotFound, StreamNotFoundEvent{
		Info:    info,
		Session: sess,
		ClosePlayer: func() {
			settle(func() { deliver(nil) })
		},
	})
}
