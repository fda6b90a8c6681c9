package source

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/task"
)

func testEnv(t *testing.T, maxWait time.Duration) *Env {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.EnableVhost = true
	cfg.General.MaxStreamWait = maxWait
	cfg.General.StreamNoneReaderDelay = 50 * time.Millisecond
	cfg.Record.AppName = "record"
	cfg.Record.Path = t.TempDir()
	cfg.Record.FileSecond = time.Hour

	pool := task.NewPool(2)
	workers := task.NewWorkerPool(1)
	t.Cleanup(func() {
		workers.Shutdown()
		pool.Shutdown()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEnv(cfg, logger, pool, workers)
}

// fakeSource is a bare registered source.
type fakeSource struct {
	Base
}

func newFakeSource(env *Env, key StreamKey) *fakeSource {
	s := &fakeSource{}
	s.InitBase(env, key, s, nil)
	return s
}

// fakeSession pins FindAsync callbacks to one poller.
type fakeSession struct {
	id     string
	poller *task.Poller
	dead   bool
}

func (s *fakeSession) ID() string           { return s.id }
func (s *fakeSession) Poller() *task.Poller { return s.poller }
func (s *fakeSession) Alive() bool          { return !s.dead }

func liveKey(schema Schema) StreamKey {
	return StreamKey{Schema: schema, Vhost: DefaultVhost, App: "live", Stream: "cam"}
}

func TestRegistry_RegisterFindUnregister(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	s := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(s))

	assert.Equal(t, Source(s), reg.Find(liveKey(SchemaRTMP)))
	assert.Equal(t, Source(s), reg.FindAny(Tuple{Vhost: DefaultVhost, App: "live", Stream: "cam"}))

	require.True(t, reg.Unregister(s))
	assert.Nil(t, reg.Find(liveKey(SchemaRTMP)))
	assert.False(t, reg.Unregister(s), "second unregister is a no-op")
}

func TestRegistry_DuplicateRegistrationLoses(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	first := newFakeSource(env, liveKey(SchemaRTMP))
	second := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(first))
	assert.False(t, reg.Register(second), "a live prior source owns the key")
	assert.Equal(t, Source(first), reg.Find(liveKey(SchemaRTMP)))
}

func TestRegistry_PurgesDeadEntryOnFind(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	s := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(s))
	s.MarkClosed()

	assert.Nil(t, reg.Find(liveKey(SchemaRTMP)))

	// The slot is free for a newcomer now.
	fresh := newFakeSource(env, liveKey(SchemaRTMP))
	assert.True(t, reg.Register(fresh))
}

func TestRegistry_FindAnyProbeOrder(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	rtsp := newFakeSource(env, liveKey(SchemaRTSP))
	hls := newFakeSource(env, liveKey(SchemaHLS))
	require.True(t, reg.Register(rtsp))
	require.True(t, reg.Register(hls))

	// rtmp missing: rtsp wins over hls.
	assert.Equal(t, Source(rtsp), reg.FindAny(Tuple{Vhost: DefaultVhost, App: "live", Stream: "cam"}))
}

func TestRegistry_ForEachSnapshots(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	for _, schema := range []Schema{SchemaRTMP, SchemaRTSP, SchemaTS} {
		require.True(t, reg.Register(newFakeSource(env, liveKey(schema))))
	}

	seen := 0
	reg.ForEach(func(s Source) {
		seen++
		// Re-entrancy: mutating inside the callback must not deadlock.
		reg.Unregister(s)
	})
	assert.Equal(t, 3, seen)
	assert.Nil(t, reg.Find(liveKey(SchemaRTMP)))
}

func TestRegistry_MediaChangedBroadcast(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	var mu sync.Mutex
	var events []bool
	env.Bus.Subscribe(EventMediaChanged, "test", func(payload any) {
		ev := payload.(MediaChangedEvent)
		mu.Lock()
		events = append(events, ev.Registered)
		mu.Unlock()
	})

	s := newFakeSource(env, liveKey(SchemaRTMP))
	reg.Register(s)
	reg.Unregister(s)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, events)
	mu.Unlock()
}

func TestFindAsync_ImmediateHit(t *testing.T) {
	env := testEnv(t, time.Second)
	reg := env.Registry()

	s := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(s))

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next()}
	got := make(chan Source, 1)
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(src Source) { got <- src })

	select {
	case src := <-got:
		assert.Equal(t, Source(s), src)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestFindAsync_RegistrationWinsTheRace(t *testing.T) {
	env := testEnv(t, 100*time.Millisecond)
	reg := env.Registry()

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next()}
	got := make(chan Source, 2)
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(src Source) { got <- src })

	// Register within the wait window.
	time.Sleep(30 * time.Millisecond)
	s := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(s))

	select {
	case src := <-got:
		assert.Equal(t, Source(s), src)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	// Exactly once: the timeout must not fire a second delivery.
	select {
	case <-got:
		t.Fatal("callback invoked twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFindAsync_Timeout(t *testing.T) {
	env := testEnv(t, 100*time.Millisecond)
	reg := env.Registry()

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next()}
	got := make(chan Source, 2)
	start := time.Now()
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(src Source) { got <- src })

	select {
	case src := <-got:
		assert.Nil(t, src)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
		assert.Less(t, elapsed, 600*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestFindAsync_ZeroTimeoutDeliversNilNextTick(t *testing.T) {
	env := testEnv(t, 0)
	reg := env.Registry()

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next()}
	got := make(chan Source, 1)
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(src Source) { got <- src })

	select {
	case src := <-got:
		assert.Nil(t, src)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestFindAsync_EmitsStreamNotFound(t *testing.T) {
	env := testEnv(t, 50*time.Millisecond)
	reg := env.Registry()

	notFound := make(chan StreamNotFoundEvent, 1)
	env.Bus.Subscribe(EventStreamNotFound, "test", func(payload any) {
		notFound <- payload.(StreamNotFoundEvent)
	})

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next()}
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(Source) {})

	select {
	case ev := <-notFound:
		assert.Equal(t, "cam", ev.Info.Stream)
		assert.NotNil(t, ev.ClosePlayer)
	case <-time.After(time.Second):
		t.Fatal("stream-not-found not emitted")
	}
}

func TestFindAsync_DeadSessionGetsNil(t *testing.T) {
	env := testEnv(t, 100*time.Millisecond)
	reg := env.Registry()

	sess := &fakeSession{id: "sess1", poller: env.Pool.Next(), dead: true}
	got := make(chan Source, 1)

	s := newFakeSource(env, liveKey(SchemaRTMP))
	require.True(t, reg.Register(s))
	reg.FindAsync(MediaInfo{Schema: SchemaRTMP, Vhost: DefaultVhost, App: "live", Stream: "cam"},
		sess, func(src Source) { got <- src })

	select {
	case src := <-got:
		assert.Nil(t, src, "a dead session never receives a live source")
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}
