// Package api exposes the management HTTP API: stream listing, forced
// close, GB28181 egress control, HLS playback and prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// API answer codes, mirroring the management protocol.
const (
	codeSuccess       = 0
	codeBadRequest    = -400
	codeStreamOffline = -500
)

// Server is the management API handler set.
type Server struct {
	env *source.Env
	log *slog.Logger
}

// NewServer creates the API server.
func NewServer(env *source.Env) *Server {
	return &Server{env: env, log: env.Log.With(slog.String("component", "api"))}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/index/api/getMediaList", s.handleGetMediaList)
	r.Get("/index/api/isMediaOnline", s.handleIsMediaOnline)
	r.Get("/index/api/getMediaInfo", s.handleGetMediaInfo)
	r.Get("/index/api/close_streams", s.handleCloseStreams)
	r.Get("/index/api/startSendRtp", s.handleStartSendRtp)
	r.Get("/index/api/stopSendRtp", s.handleStopSendRtp)

	r.Handle("/metrics", promhttp.HandlerFor(s.env.Metrics.Registry, promhttp.HandlerOpts{}))

	// HLS playback: the playlist and segments of a registered hls source.
	r.Get("/hls/{vhost}/{app}/{stream}/*", s.handleHLS)
	return r
}

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// mediaItem is the wire shape of one source in getMediaList.
type mediaItem struct {
	Schema           string `json:"schema"`
	Vhost            string `json:"vhost"`
	App              string `json:"app"`
	Stream           string `json:"stream"`
	OriginType       string `json:"originType"`
	OriginURL        string `json:"originUrl,omitempty"`
	CreateStamp      int64  `json:"createStamp"`
	AliveSecond      int64  `json:"aliveSecond"`
	ReaderCount      int    `json:"readerCount"`
	TotalReaderCount int    `json:"totalReaderCount"`
	BytesSpeedVideo  int    `json:"bytesSpeedVideo"`
	BytesSpeedAudio  int    `json:"bytesSpeedAudio"`
}

func itemOf(src source.Source) mediaItem {
	k := src.Key()
	return mediaItem{
		Schema:           string(k.Schema),
		Vhost:            k.Vhost,
		App:              k.App,
		Stream:           k.Stream,
		OriginType:       src.OriginType().String(),
		OriginURL:        src.OriginURL(),
		CreateStamp:      src.CreateStamp().Unix(),
		AliveSecond:      int64(src.UpTime().Seconds()),
		ReaderCount:      src.ReaderCount(),
		TotalReaderCount: src.TotalReaderCount(),
		BytesSpeedVideo:  src.Speed(media.TrackVideo),
		BytesSpeedAudio:  src.Speed(media.TrackAudio),
	}
}

// filter matches query parameters against a source key; empty params match
// everything.
type filter struct {
	schema, vhost, app, stream string
}

func filterOf(r *http.Request) filter {
	q := r.URL.Query()
	return filter{
		schema: q.Get("schema"),
		vhost:  q.Get("vhost"),
		app:    q.Get("app"),
		stream: q.Get("stream"),
	}
}

func (f filter) matches(k source.StreamKey) bool {
	if f.schema != "" && f.schema != string(k.Schema) {
		return false
	}
	if f.vhost != "" && f.vhost != k.Vhost {
		return false
	}
	if f.app != "" && f.app != k.App {
		return false
	}
	return f.stream == "" || f.stream == k.Stream
}

func (s *Server) handleGetMediaList(w http.ResponseWriter, r *http.Request) {
	f := filterOf(r)
	items := []mediaItem{}
	s.env.Registry().ForEach(func(src source.Source) {
		if f.matches(src.Key()) {
			items = append(items, itemOf(src))
		}
	})
	writeJSON(w, envelope{Code: codeSuccess, Data: items})
}

// keyOf builds an exact lookup key from the request, or reports failure.
func keyOf(r *http.Request) (source.StreamKey, bool) {
	q := r.URL.Query()
	k := source.StreamKey{
		Schema: source.Schema(q.Get("schema")),
		Vhost:  q.Get("vhost"),
		App:    q.Get("app"),
		Stream: q.Get("stream"),
	}
	if k.Vhost == "" {
		k.Vhost = source.DefaultVhost
	}
	return k, k.Schema != "" && k.App != "" && k.Stream != ""
}

func (s *Server) handleIsMediaOnline(w http.ResponseWriter, r *http.Request) {
	k, ok := keyOf(r)
	if !ok {
		writeJSON(w, envelope{Code: codeBadRequest, Msg: "schema/app/stream required"})
		return
	}
	writeJSON(w, envelope{Code: codeSuccess, Data: map[string]bool{
		"online": s.env.Registry().Find(k) != nil,
	}})
}

func (s *Server) handleGetMediaInfo(w http.ResponseWriter, r *http.Request) {
	k, ok := keyOf(r)
	if !ok {
		writeJSON(w, envelope{Code: codeBadRequest, Msg: "schema/app/stream required"})
		return
	}
	src := s.env.Registry().Find(k)
	if src == nil {
		writeJSON(w, envelope{Code: codeStreamOffline, Msg: "can not find the stream"})
		return
	}
	type trackInfo struct {
		Codec string `json:"codec"`
		Type  string `json:"type"`
		Ready bool   `json:"ready"`
	}
	tracks := []trackInfo{}
	for _, t := range src.Tracks(false) {
		tracks = append(tracks, trackInfo{
			Codec: t.Codec().String(),
			Type:  t.Type().String(),
			Ready: t.Ready(),
		})
	}
	writeJSON(w, envelope{Code: codeSuccess, Data: map[string]any{
		"source": itemOf(src),
		"tracks": tracks,
	}})
}

func (s *Server) handleCloseStreams(w http.ResponseWriter, r *http.Request) {
	f := filterOf(r)
	force := r.URL.Query().Get("force") == "1"
	closed, hit := 0, 0
	s.env.Registry().ForEach(func(src source.Source) {
		if !f.matches(src.Key()) {
			return
		}
		hit++
		if src.Close(force) {
			closed++
		}
	})
	writeJSON(w, envelope{Code: codeSuccess, Data: map[string]int{
		"count_hit": hit, "count_closed": closed,
	}})
}

func (s *Server) handleStartSendRtp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tuple := source.Tuple{
		Vhost:  q.Get("vhost"),
		App:    q.Get("app"),
		Stream: q.Get("stream"),
	}
	if tuple.Vhost == "" {
		tuple.Vhost = source.DefaultVhost
	}
	src := s.env.Registry().FindAny(tuple)
	if src == nil {
		writeJSON(w, envelope{Code: codeStreamOffline, Msg: "can not find the stream"})
		return
	}
	dstPort, _ := strconv.Atoi(q.Get("dst_port"))
	srcPort, _ := strconv.Atoi(q.Get("src_port"))
	args := source.SendRtpArgs{
		DstURL:  q.Get("dst_url"),
		DstPort: uint16(dstPort),
		SSRC:    q.Get("ssrc"),
		IsUDP:   q.Get("is_udp") == "1",
		SrcPort: uint16(srcPort),
	}
	if args.DstURL == "" || args.DstPort == 0 || args.SSRC == "" {
		writeJSON(w, envelope{Code: codeBadRequest, Msg: "dst_url/dst_port/ssrc required"})
		return
	}

	done := make(chan envelope, 1)
	src.StartSendRtp(args, func(localPort uint16, err error) {
		if err != nil {
			done <- envelope{Code: codeBadRequest, Msg: err.Error()}
			return
		}
		done <- envelope{Code: codeSuccess, Data: map[string]uint16{"local_port": localPort}}
	})
	writeJSON(w, <-done)
}

func (s *Server) handleStopSendRtp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tuple := source.Tuple{
		Vhost:  q.Get("vhost"),
		App:    q.Get("app"),
		Stream: q.Get("stream"),
	}
	if tuple.Vhost == "" {
		tuple.Vhost = source.DefaultVhost
	}
	src := s.env.Registry().FindAny(tuple)
	if src == nil {
		writeJSON(w, envelope{Code: codeStreamOffline, Msg: "can not find the stream"})
		return
	}
	if !src.StopSendRtp(q.Get("ssrc")) {
		writeJSON(w, envelope{Code: codeBadRequest, Msg: "ssrc not found"})
		return
	}
	writeJSON(w, envelope{Code: codeSuccess})
}

// hlsHandler is implemented by HLS sources that can serve their playlist.
type hlsHandler interface {
	Handle(http.ResponseWriter, *http.Request)
	AddReader()
	RemoveReader()
}

func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	k := source.StreamKey{
		Schema: source.SchemaHLS,
		Vhost:  chi.URLParam(r, "vhost"),
		App:    chi.URLParam(r, "app"),
		Stream: chi.URLParam(r, "stream"),
	}
	src := s.env.Registry().Find(k)
	if src == nil {
		http.NotFound(w, r)
		return
	}
	h, ok := src.(hlsHandler)
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.AddReader()
	defer h.RemoveReader()
	h.Handle(w, r)
}
