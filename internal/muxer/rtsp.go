package muxer

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/pion/rtp"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// RTP payload type assignment. G.711 uses its static types; everything else
// is dynamic.
const (
	ptG711U = 0
	ptG711A = 8
	ptVideo = 96
	ptAudio = 98
)

// RtspMuxer packetizes frames into RTP and publishes them to an RtspSource
// ring, and renders the SDP description once its tracks are ready.
type RtspMuxer struct {
	env    *source.Env
	log    *slog.Logger
	source *RtspSource
	tracks *trackSink
	cache  *ring.PacketCache[*rtp.Packet]
	gate   demandGate

	durationSec float64

	videoEnc RtpEncoder
	audioEnc RtpEncoder

	sdp string
}

// NewRtspMuxer creates the muxer and its (unregistered) source. durationSec
// is non-zero for vod sources and lands in the SDP range attribute.
func NewRtspMuxer(env *source.Env, t source.Tuple, durationSec float64) *RtspMuxer {
	m := &RtspMuxer{
		env:         env,
		log:         env.Log.With(slog.String("component", "rtsp-muxer"), slog.String("stream", t.Key(source.SchemaRTSP).URL())),
		source:      NewRtspSource(env, t),
		durationSec: durationSec,
	}
	m.gate.init(env.Cfg.General.RTSPDemand, m.source.Ring())
	m.cache = ring.NewPacketCache[*rtp.Packet](int64(env.Cfg.General.MergeWrite.Milliseconds()), m.onFlush)
	m.tracks = newTrackSink(env.Pool.Next(), m.onArmed)
	return m
}

// Source returns the muxer's media source.
func (m *RtspMuxer) Source() *RtspSource { return m.source }

// AddTrack implements media.MediaSink. RTSP carries every supported codec,
// including L16.
func (m *RtspMuxer) AddTrack(t media.Track) error {
	return m.tracks.addTrack(t)
}

// AddTrackCompleted implements media.MediaSink.
func (m *RtspMuxer) AddTrackCompleted() { m.tracks.complete() }

// ResetTracks implements media.MediaSink.
func (m *RtspMuxer) ResetTracks() {
	m.tracks.reset()
	m.videoEnc = nil
	m.audioEnc = nil
	m.sdp = ""
}

func (m *RtspMuxer) onArmed([]media.Track) {
	m.env.Registry().Register(m.source)
}

// ReaderCount returns the source's ring reader count.
func (m *RtspMuxer) ReaderCount() int { return m.source.ReaderCount() }

// Enabled reports whether packetization work is currently wanted.
func (m *RtspMuxer) Enabled() bool { return m.gate.enabled() }

func (m *RtspMuxer) readerChanged(count int) { m.gate.readerChanged(count) }

// SDP renders (and caches) the session description from ready tracks.
func (m *RtspMuxer) SDP() string {
	if m.sdp != "" {
		return m.sdp
	}
	tracks := m.tracks.trackList(true)
	if len(tracks) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	sb.WriteString("o=- 0 0 IN IP4 0.0.0.0\r\n")
	sb.WriteString("s=Streamed by medianode\r\n")
	sb.WriteString("c=IN IP4 0.0.0.0\r\n")
	sb.WriteString("t=0 0\r\n")
	if m.durationSec > 0 {
		fmt.Fprintf(&sb, "a=range:npt=0-%.3f\r\n", m.durationSec)
	} else {
		sb.WriteString("a=range:npt=now-\r\n")
	}

	trackID := 0
	for _, t := range tracks {
		switch tr := t.(type) {
		case media.VideoTrack:
			writeVideoSDP(&sb, tr, trackID)
		case media.AudioTrack:
			writeAudioSDP(&sb, tr, trackID)
		}
		trackID++
	}

	m.sdp = sb.String()
	return m.sdp
}

func writeVideoSDP(sb *strings.Builder, t media.VideoTrack, trackID int) {
	fmt.Fprintf(sb, "m=video 0 RTP/AVP %d\r\n", ptVideo)
	switch t.Codec() {
	case media.CodecH265:
		fmt.Fprintf(sb, "a=rtpmap:%d H265/90000\r\n", ptVideo)
		fmt.Fprintf(sb, "a=fmtp:%d sprop-vps=%s; sprop-sps=%s; sprop-pps=%s\r\n", ptVideo,
			base64.StdEncoding.EncodeToString(t.VPS()),
			base64.StdEncoding.EncodeToString(t.SPS()),
			base64.StdEncoding.EncodeToString(t.PPS()))
	default:
		fmt.Fprintf(sb, "a=rtpmap:%d H264/90000\r\n", ptVideo)
		fmt.Fprintf(sb, "a=fmtp:%d packetization-mode=1; sprop-parameter-sets=%s,%s\r\n", ptVideo,
			base64.StdEncoding.EncodeToString(t.SPS()),
			base64.StdEncoding.EncodeToString(t.PPS()))
	}
	fmt.Fprintf(sb, "a=control:trackID=%d\r\n", trackID)
}

func writeAudioSDP(sb *strings.Builder, t media.AudioTrack, trackID int) {
	switch t.Codec() {
	case media.CodecAAC:
		fmt.Fprintf(sb, "m=audio 0 RTP/AVP %d\r\n", ptAudio)
		fmt.Fprintf(sb, "a=rtpmap:%d mpeg4-generic/%d/%d\r\n", ptAudio, t.SampleRate(), t.Channels())
		fmt.Fprintf(sb, "a=fmtp:%d streamtype=5;profile-level-id=1;mode=AAC-hbr;"+
			"sizelength=13;indexlength=3;indexdeltalength=3;config=%s\r\n",
			ptAudio, hex.EncodeToString(t.Config()))
	case media.CodecG711A:
		fmt.Fprintf(sb, "m=audio 0 RTP/AVP %d\r\n", ptG711A)
		fmt.Fprintf(sb, "a=rtpmap:%d PCMA/%d\r\n", ptG711A, t.SampleRate())
	case media.CodecG711U:
		fmt.Fprintf(sb, "m=audio 0 RTP/AVP %d\r\n", ptG711U)
		fmt.Fprintf(sb, "a=rtpmap:%d PCMU/%d\r\n", ptG711U, t.SampleRate())
	case media.CodecOpus:
		fmt.Fprintf(sb, "m=audio 0 RTP/AVP %d\r\n", ptAudio)
		fmt.Fprintf(sb, "a=rtpmap:%d opus/48000/2\r\n", ptAudio)
	case media.CodecL16:
		fmt.Fprintf(sb, "m=audio 0 RTP/AVP %d\r\n", ptAudio)
		fmt.Fprintf(sb, "a=rtpmap:%d L16/%d/%d\r\n", ptAudio, t.SampleRate(), t.Channels())
	}
	fmt.Fprintf(sb, "a=control:trackID=%d\r\n", trackID)
}

func audioPayloadType(c media.CodecID) uint8 {
	switch c {
	case media.CodecG711A:
		return ptG711A
	case media.CodecG711U:
		return ptG711U
	default:
		return ptAudio
	}
}

// InputFrame implements media.MediaSink.
func (m *RtspMuxer) InputFrame(f *media.Frame) error {
	if !m.tracks.isArmed() || !m.gate.enabled() {
		return nil
	}
	m.source.AddBytes(media.TypeOf(f.Codec), f.Size())

	cfg := m.env.Cfg.RTP
	isVideo := media.TypeOf(f.Codec) == media.TrackVideo

	enc := m.audioEnc
	if isVideo {
		enc = m.videoEnc
	}
	if enc == nil {
		track := m.tracks.track(media.TypeOf(f.Codec))
		if track == nil || !track.Ready() {
			return nil
		}
		mtu := cfg.AudioMtuSize
		pt := audioPayloadType(f.Codec)
		if isVideo {
			mtu = cfg.VideoMtuSize
			pt = ptVideo
		}
		built, err := NewRtpEncoder(track, rand.Uint32(), pt, mtu, cfg.CycleMS)
		if err != nil {
			return nil // no packetizer for this codec; frame dropped
		}
		if isVideo {
			m.videoEnc = built
		} else {
			m.audioEnc = built
		}
		enc = built
	}

	pkts := enc.Encode(f)
	key := isVideo && f.KeyFrame
	for i, pkt := range pkts {
		m.cache.Input(f.DTS, pkt, key && i == 0, key && i == 0)
	}
	return nil
}

// Flush drains the merge-write cache.
func (m *RtspMuxer) Flush() { m.cache.Flush() }

func (m *RtspMuxer) onFlush(packets []*rtp.Packet, keyPos bool) {
	m.source.Write(packets, keyPos)
}

// Destroy tears the source down.
func (m *RtspMuxer) Destroy() {
	m.Flush()
	m.source.Destroy()
}
