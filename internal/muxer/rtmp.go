package muxer

import (
	"encoding/binary"
	"log/slog"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/source"
)

// FLV codec ids.
const (
	flvVideoH264  = 7
	flvVideoH265  = 12
	flvAudioG711A = 7
	flvAudioG711U = 8
	flvAudioAAC   = 10
)

// flvVideoFlag builds the first FLV tag byte for video.
func flvVideoFlag(codecID int, key bool) byte {
	frameType := 2
	if key {
		frameType = 1
	}
	return byte(frameType<<4 | codecID)
}

// flvAudioFlag builds the first FLV tag byte for audio.
func flvAudioFlag(codecID, sampleRate, sampleBits, channels int) byte {
	rateIdx := 0
	switch {
	case sampleRate >= 44100:
		rateIdx = 3
	case sampleRate >= 22050:
		rateIdx = 2
	case sampleRate >= 11025:
		rateIdx = 1
	}
	if codecID == flvAudioAAC {
		// AAC is always signalled 44.1kHz stereo; the config carries truth.
		rateIdx = 3
	}
	flag := byte(codecID<<4 | rateIdx<<2)
	if sampleBits == 16 {
		flag |= 1 << 1
	}
	if channels == 2 || codecID == flvAudioAAC {
		flag |= 1
	}
	return flag
}

// RtmpMuxer packetizes frames into FLV tag bodies and publishes them to an
// RtmpSource ring. H.26x frames sharing a DTS are packed into one tag.
type RtmpMuxer struct {
	env    *source.Env
	log    *slog.Logger
	source *RtmpSource
	tracks *trackSink
	cache  *ring.PacketCache[*RtmpPacket]
	gate   demandGate

	videoCodec media.CodecID
	audioFlag  byte

	videoCfgSent bool
	audioCfgSent bool

	// pending same-DTS video NAL group
	pendingNALs [][]byte
	pendingDTS  int64
	pendingPTS  int64
	pendingKey  bool
}

// NewRtmpMuxer creates the muxer and its (unregistered) source.
func NewRtmpMuxer(env *source.Env, t source.Tuple) *RtmpMuxer {
	m := &RtmpMuxer{
		env:    env,
		log:    env.Log.With(slog.String("component", "rtmp-muxer"), slog.String("stream", t.Key(source.SchemaRTMP).URL())),
		source: NewRtmpSource(env, t),
	}
	m.gate.init(env.Cfg.General.RTMPDemand, m.source.Ring())
	m.cache = ring.NewPacketCache[*RtmpPacket](int64(env.Cfg.General.MergeWrite.Milliseconds()), m.onFlush)
	m.tracks = newTrackSink(env.Pool.Next(), m.onArmed)
	return m
}

// Source returns the muxer's media source.
func (m *RtmpMuxer) Source() *RtmpSource { return m.source }

// AddTrack implements media.MediaSink.
func (m *RtmpMuxer) AddTrack(t media.Track) error {
	switch t.Codec() {
	case media.CodecOpus, media.CodecL16:
		return errUnsupportedCodec(t.Codec(), "rtmp")
	}
	return m.tracks.addTrack(t)
}

// AddTrackCompleted implements media.MediaSink.
func (m *RtmpMuxer) AddTrackCompleted() { m.tracks.complete() }

// ResetTracks implements media.MediaSink.
func (m *RtmpMuxer) ResetTracks() {
	m.tracks.reset()
	m.videoCfgSent = false
	m.audioCfgSent = false
	m.pendingNALs = nil
}

func (m *RtmpMuxer) onArmed(tracks []media.Track) {
	for _, t := range tracks {
		switch tr := t.(type) {
		case media.VideoTrack:
			m.videoCodec = t.Codec()
		case media.AudioTrack:
			codecID := flvAudioAAC
			switch t.Codec() {
			case media.CodecG711A:
				codecID = flvAudioG711A
			case media.CodecG711U:
				codecID = flvAudioG711U
			}
			m.audioFlag = flvAudioFlag(codecID, tr.SampleRate(), tr.SampleBits(), tr.Channels())
		}
	}
	m.env.Registry().Register(m.source)
}

// ReaderCount returns the source's ring reader count.
func (m *RtmpMuxer) ReaderCount() int { return m.source.ReaderCount() }

// Enabled reports whether packetization work is currently wanted.
func (m *RtmpMuxer) Enabled() bool { return m.gate.enabled() }

func (m *RtmpMuxer) readerChanged(count int) { m.gate.readerChanged(count) }

// InputFrame implements media.MediaSink.
func (m *RtmpMuxer) InputFrame(f *media.Frame) error {
	if !m.tracks.isArmed() || !m.gate.enabled() {
		return nil
	}
	m.source.AddBytes(media.TypeOf(f.Codec), f.Size())

	switch f.Codec {
	case media.CodecH264, media.CodecH265:
		return m.inputVideo(f)
	case media.CodecAAC, media.CodecG711A, media.CodecG711U:
		return m.inputAudio(f)
	default:
		return nil
	}
}

func (m *RtmpMuxer) inputVideo(f *media.Frame) error {
	m.ensureVideoConfig()

	// Flush the pending group when the DTS moves on.
	if len(m.pendingNALs) > 0 && f.DTS != m.pendingDTS {
		m.flushVideoGroup()
	}
	for _, nal := range media.SplitNALUs(f.Data) {
		if len(nal) == 0 {
			continue
		}
		m.pendingNALs = append(m.pendingNALs, nal)
	}
	m.pendingDTS = f.DTS
	m.pendingPTS = f.PTS
	m.pendingKey = m.pendingKey || f.KeyFrame
	return nil
}

// flushVideoGroup emits one FLV video tag containing every pending NAL.
func (m *RtmpMuxer) flushVideoGroup() {
	if len(m.pendingNALs) == 0 {
		return
	}
	codecID := flvVideoH264
	if m.videoCodec == media.CodecH265 {
		codecID = flvVideoH265
	}
	cts := m.pendingPTS - m.pendingDTS
	if cts < 0 {
		cts = 0
	}

	size := 5
	for _, nal := range m.pendingNALs {
		size += 4 + len(nal)
	}
	body := make([]byte, 0, size)
	body = append(body, flvVideoFlag(codecID, m.pendingKey), 0x01,
		byte(cts>>16), byte(cts>>8), byte(cts))
	for _, nal := range m.pendingNALs {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(nal)))
		body = append(body, l[:]...)
		body = append(body, nal...)
	}

	pkt := &RtmpPacket{
		Type:  media.TrackVideo,
		DTS:   m.pendingDTS,
		Data:  body,
		IsKey: m.pendingKey,
	}
	m.cache.Input(pkt.DTS, pkt, pkt.IsKey, pkt.IsKey)

	m.pendingNALs = nil
	m.pendingKey = false
}

func (m *RtmpMuxer) inputAudio(f *media.Frame) error {
	if f.Codec == media.CodecAAC {
		m.ensureAudioConfig()
		if !m.audioCfgSent {
			// No AudioSpecificConfig yet: an AAC payload is undecodable.
			return nil
		}
	}
	payload := f.Payload()
	if len(payload) == 0 {
		return nil
	}
	body := make([]byte, 0, 2+len(payload))
	body = append(body, m.audioFlag)
	if f.Codec == media.CodecAAC {
		body = append(body, 0x01)
	}
	body = append(body, payload...)

	pkt := &RtmpPacket{Type: media.TrackAudio, DTS: f.DTS, Data: body}
	m.cache.Input(pkt.DTS, pkt, false, false)
	return nil
}

// ensureVideoConfig emits the sequence-header tag once SPS/PPS are known.
func (m *RtmpMuxer) ensureVideoConfig() {
	if m.videoCfgSent {
		return
	}
	t, _ := m.tracks.track(media.TrackVideo).(media.VideoTrack)
	if t == nil || !t.Ready() {
		return
	}
	var record []byte
	codecID := flvVideoH264
	if t.Codec() == media.CodecH265 {
		codecID = flvVideoH265
		record = buildHEVCDecoderConfig(t.VPS(), t.SPS(), t.PPS())
	} else {
		record = buildAVCDecoderConfig(t.SPS(), t.PPS())
	}
	if record == nil {
		return
	}
	body := append([]byte{flvVideoFlag(codecID, true), 0x00, 0, 0, 0}, record...)
	pkt := &RtmpPacket{Type: media.TrackVideo, Data: body, IsConfig: true}
	m.cache.Input(0, pkt, false, false)
	m.videoCfgSent = true
	m.publishConfigPackets()
}

// ensureAudioConfig emits the AAC sequence header once the config is known.
func (m *RtmpMuxer) ensureAudioConfig() {
	if m.audioCfgSent {
		return
	}
	t, _ := m.tracks.track(media.TrackAudio).(media.AudioTrack)
	if t == nil || !t.Ready() || len(t.Config()) == 0 {
		return
	}
	body := append([]byte{m.audioFlag, 0x00}, t.Config()...)
	pkt := &RtmpPacket{Type: media.TrackAudio, Data: body, IsConfig: true}
	m.cache.Input(0, pkt, false, false)
	m.audioCfgSent = true
	m.publishConfigPackets()
}

func (m *RtmpMuxer) publishConfigPackets() {
	var configs []*RtmpPacket
	if t, ok := m.tracks.track(media.TrackVideo).(media.VideoTrack); ok && t.Ready() {
		var record []byte
		codecID := flvVideoH264
		if t.Codec() == media.CodecH265 {
			codecID = flvVideoH265
			record = buildHEVCDecoderConfig(t.VPS(), t.SPS(), t.PPS())
		} else {
			record = buildAVCDecoderConfig(t.SPS(), t.PPS())
		}
		if record != nil {
			body := append([]byte{flvVideoFlag(codecID, true), 0x00, 0, 0, 0}, record...)
			configs = append(configs, &RtmpPacket{Type: media.TrackVideo, Data: body, IsConfig: true})
		}
	}
	if t, ok := m.tracks.track(media.TrackAudio).(media.AudioTrack); ok && t.Ready() && len(t.Config()) > 0 {
		body := append([]byte{m.audioFlag, 0x00}, t.Config()...)
		configs = append(configs, &RtmpPacket{Type: media.TrackAudio, Data: body, IsConfig: true})
	}
	m.source.SetConfigPackets(configs)
}

// Flush drains the pending video group and the merge-write cache.
func (m *RtmpMuxer) Flush() {
	m.flushVideoGroup()
	m.cache.Flush()
}

func (m *RtmpMuxer) onFlush(packets []*RtmpPacket, keyPos bool) {
	m.source.Write(packets, keyPos)
}

// Destroy tears the source down.
func (m *RtmpMuxer) Destroy() {
	m.Flush()
	m.source.Destroy()
}

// buildAVCDecoderConfig assembles an AVCDecoderConfigurationRecord.
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec, 0x01, sps[1], sps[2], sps[3], 0xFF, 0xE1,
		byte(len(sps)>>8), byte(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 0x01, byte(len(pps)>>8), byte(len(pps)))
	rec = append(rec, pps...)
	return rec
}

// buildHEVCDecoderConfig assembles an HEVCDecoderConfigurationRecord with
// one array per parameter-set type.
func buildHEVCDecoderConfig(vps, sps, pps []byte) []byte {
	if len(vps) == 0 || len(sps) < 15 || len(pps) == 0 {
		return nil
	}
	rec := make([]byte, 0, 23+3*5+len(vps)+len(sps)+len(pps))
	rec = append(rec, 0x01)
	// general_profile_space/tier/idc and compatibility flags from the SPS
	// profile-tier-level, which starts at byte 3 of the NAL payload.
	rec = append(rec, sps[3:15]...)
	rec = append(rec,
		0xF0|0x00, // min_spatial_segmentation_idc (4 reserved bits set)
		0x00,
		0xFC,       // parallelismType
		0xFD,       // chromaFormat 4:2:0
		0xF8,       // bitDepthLumaMinus8
		0xF8,       // bitDepthChromaMinus8
		0x00, 0x00, // avgFrameRate
		0x0F, // numTemporalLayers=1, temporalIdNested=1, lengthSizeMinusOne=3
		0x03, // numOfArrays
	)
	appendArray := func(nalType byte, nal []byte) {
		rec = append(rec, nalType, 0x00, 0x01,
			byte(len(nal)>>8), byte(len(nal)))
		rec = append(rec, nal...)
	}
	appendArray(32, vps)
	appendArray(33, sps)
	appendArray(34, pps)
	return rec
}
