package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

func testEnv(t *testing.T) *source.Env {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.EnableVhost = true
	cfg.General.MaxStreamWait = time.Second
	cfg.General.StreamNoneReaderDelay = time.Second
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
	return source.NewEnv(cfg, logger, pool, workers)
}

type apiSource struct {
	source.Base
}

func registerSource(t *testing.T, env *source.Env, schema source.Schema, stream string) *apiSource {
	t.Helper()
	s := &apiSource{}
	s.InitBase(env, source.StreamKey{
		Schema: schema, Vhost: source.DefaultVhost, App: "live", Stream: stream,
	}, s, nil)
	require.True(t, env.Registry().Register(s))
	return s
}

func get(t *testing.T, handler http.Handler, url string) envelope {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env
}

func TestGetMediaList(t *testing.T) {
	env := testEnv(t)
	registerSource(t, env, source.SchemaRTMP, "cam1")
	registerSource(t, env, source.SchemaRTSP, "cam2")
	router := NewServer(env).Router()

	resp := get(t, router, "/index/api/getMediaList")
	assert.Equal(t, codeSuccess, resp.Code)
	assert.Len(t, resp.Data, 2)

	resp = get(t, router, "/index/api/getMediaList?schema=rtmp")
	assert.Len(t, resp.Data, 1)

	resp = get(t, router, "/index/api/getMediaList?stream=nope")
	assert.Empty(t, resp.Data)
}

func TestIsMediaOnline(t *testing.T) {
	env := testEnv(t)
	registerSource(t, env, source.SchemaRTMP, "cam")
	router := NewServer(env).Router()

	resp := get(t, router, "/index/api/isMediaOnline?schema=rtmp&app=live&stream=cam")
	assert.Equal(t, codeSuccess, resp.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["online"])

	resp = get(t, router, "/index/api/isMediaOnline?schema=rtmp&app=live&stream=gone")
	data = resp.Data.(map[string]any)
	assert.Equal(t, false, data["online"])

	resp = get(t, router, "/index/api/isMediaOnline?app=live")
	assert.Equal(t, codeBadRequest, resp.Code)
}

func TestGetMediaInfo_OfflineStream(t *testing.T) {
	env := testEnv(t)
	router := NewServer(env).Router()
	resp := get(t, router, "/index/api/getMediaInfo?schema=rtmp&app=live&stream=cam")
	assert.Equal(t, codeStreamOffline, resp.Code)
}

func TestCloseStreams(t *testing.T) {
	env := testEnv(t)
	s := registerSource(t, env, source.SchemaRTMP, "cam")
	router := NewServer(env).Router()

	// Without a listener nothing can actually close, but hits count.
	resp := get(t, router, "/index/api/close_streams?stream=cam&force=1")
	assert.Equal(t, codeSuccess, resp.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["count_hit"])
	_ = s
}

func TestStopSendRtp_NoStream(t *testing.T) {
	env := testEnv(t)
	router := NewServer(env).Router()
	resp := get(t, router, "/index/api/stopSendRtp?app=live&stream=cam")
	assert.Equal(t, codeStreamOffline, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := testEnv(t)
	router := NewServer(env).Router()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHLSUnknownStream(t *testing.T) {
	env := testEnv(t)
	router := NewServer(env).Router()

	req := httptest.NewRequest(http.MethodGet, "/hls/__defaultVhost__/live/cam/index.m3u8", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
