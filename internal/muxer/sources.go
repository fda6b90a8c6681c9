package muxer

import (
	"sync"

	"github.com/pion/rtp"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

// PacketSource is a registered MediaSource whose payload is a ring of
// protocol packets of type T.
type PacketSource[T any] struct {
	source.Base
	ring *ring.Ring[T]
}

// NewPacketSource creates (but does not register) a packet source.
func NewPacketSource[T any](env *source.Env, key source.StreamKey) *PacketSource[T] {
	s := &PacketSource[T]{}
	s.ring = ring.New[T](s.readerChanged)
	s.InitBase(env, key, s, s.ring.ReaderCount)
	return s
}

// Ring exposes the source's packet ring.
func (s *PacketSource[T]) Ring() *ring.Ring[T] { return s.ring }

// Attach adds a ring reader pinned to poller.
func (s *PacketSource[T]) Attach(p *task.Poller, onRead func(ring.Unit[T]), onDetach func()) *ring.Reader[T] {
	return s.ring.Attach(p, onRead, onDetach)
}

// Write publishes one flush unit.
func (s *PacketSource[T]) Write(packets []T, key bool) {
	s.ring.Write(packets, key)
}

// Destroy unregisters the source and detaches every reader.
func (s *PacketSource[T]) Destroy() {
	s.MarkClosed()
	s.Env().Registry().Unregister(s)
	s.ring.Close()
}

func (s *PacketSource[T]) readerChanged(count int) {
	if m := s.Env().Metrics; m != nil {
		m.TotalReaders.WithLabelValues(string(s.Key().Schema)).Set(float64(s.ring.ReaderCount()))
	}
	s.OnReaderChanged(count)
}

// RtmpPacket is one FLV tag body published to the RTMP ring.
type RtmpPacket struct {
	Type     media.TrackType
	DTS      int64
	Data     []byte
	IsConfig bool
	IsKey    bool
}

// FMP4Segment is one fMP4 media segment published to the fMP4 ring. The
// init segment is cached on the source instead.
type FMP4Segment struct {
	DTS   int64
	IsKey bool
	Data  []byte
}

// RtmpSource carries FLV tag bodies plus the cached codec config packets,
// exposed through ConfigPackets for late-joining readers. Attach itself
// delivers only ring units (the GOP seed, then live units).
type RtmpSource struct {
	PacketSource[*RtmpPacket]

	cfgMu   sync.Mutex
	configs []*RtmpPacket
}

// RtspSource carries RTP packets.
type RtspSource = PacketSource[*rtp.Packet]

// TSSource carries MPEG-TS chunks (whole 188-byte packets).
type TSSource = PacketSource[[]byte]

// NewRtmpSource creates an RTMP packet source for the tuple.
func NewRtmpSource(env *source.Env, t source.Tuple) *RtmpSource {
	s := &RtmpSource{}
	s.ring = ring.New[*RtmpPacket](s.readerChanged)
	s.InitBase(env, t.Key(source.SchemaRTMP), s, s.ring.ReaderCount)
	return s
}

// SetConfigPackets caches the sequence-header packets for new readers.
func (s *RtmpSource) SetConfigPackets(pkts []*RtmpPacket) {
	s.cfgMu.Lock()
	s.configs = pkts
	s.cfgMu.Unlock()
}

// ConfigPackets returns the cached sequence headers.
func (s *RtmpSource) ConfigPackets() []*RtmpPacket {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.configs
}

// NewRtspSource creates an RTSP packet source for the tuple.
func NewRtspSource(env *source.Env, t source.Tuple) *RtspSource {
	return NewPacketSource[*rtp.Packet](env, t.Key(source.SchemaRTSP))
}

// NewTSSource creates an MPEG-TS packet source for the tuple.
func NewTSSource(env *source.Env, t source.Tuple) *TSSource {
	return NewPacketSource[[]byte](env, t.Key(source.SchemaTS))
}

// FMP4Source carries fMP4 segments plus the cached init segment served to
// every new reader.
type FMP4Source struct {
	PacketSource[*FMP4Segment]

	initSegment []byte
}

// NewFMP4Source creates an fMP4 source for the tuple.
func NewFMP4Source(env *source.Env, t source.Tuple) *FMP4Source {
	s := &FMP4Source{}
	s.ring = ring.New[*FMP4Segment](s.readerChanged)
	s.InitBase(env, t.Key(source.SchemaFMP4), s, s.ring.ReaderCount)
	return s
}

// SetInitSegment caches the init segment; it is computed once per track set.
func (s *FMP4Source) SetInitSegment(b []byte) { s.initSegment = b }

// InitSegment returns the cached init segment.
func (s *FMP4Source) InitSegment() []byte { return s.initSegment }
