package muxer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pion/rtp"

	"github.com/flyingrabbit881/medianode/internal/media"
)

// rtpHeaderReserve is the RTP header/extension allowance subtracted from the
// MTU when sizing payloads.
const rtpHeaderReserve = 20

// RtpEncoder packetizes one track's frames into RTP.
type RtpEncoder interface {
	Encode(f *media.Frame) []*rtp.Packet
}

// RtpEncoderFactory builds an encoder for a track. H.264/H.265 packetizers
// are provided by the RTSP protocol layer through RegisterRtpEncoder.
type RtpEncoderFactory func(track media.Track, ssrc uint32, payloadType uint8, mtu int, cycleMS uint32) RtpEncoder

var (
	encoderMu        sync.RWMutex
	encoderFactories = map[media.CodecID]RtpEncoderFactory{}
)

// RegisterRtpEncoder installs a packetizer factory for a codec, replacing
// any built-in.
func RegisterRtpEncoder(c media.CodecID, f RtpEncoderFactory) {
	encoderMu.Lock()
	encoderFactories[c] = f
	encoderMu.Unlock()
}

// NewRtpEncoder builds the packetizer for a track, preferring registered
// factories and falling back to the built-in AAC and generic ones.
func NewRtpEncoder(track media.Track, ssrc uint32, payloadType uint8, mtu int, cycleMS uint32) (RtpEncoder, error) {
	encoderMu.RLock()
	factory := encoderFactories[track.Codec()]
	encoderMu.RUnlock()
	if factory != nil {
		return factory(track, ssrc, payloadType, mtu, cycleMS), nil
	}
	switch track.Codec() {
	case media.CodecAAC:
		at, ok := track.(media.AudioTrack)
		if !ok || at.SampleRate() == 0 {
			return nil, errors.New("aac track not ready for rtp")
		}
		return newAACRtpEncoder(ssrc, payloadType, mtu, at.SampleRate(), cycleMS), nil
	case media.CodecG711A, media.CodecG711U, media.CodecOpus, media.CodecL16:
		at := track.(media.AudioTrack)
		return newCommonRtpEncoder(ssrc, payloadType, mtu, at.SampleRate(), cycleMS), nil
	default:
		return nil, fmt.Errorf("no rtp packetizer registered for %s", track.Codec())
	}
}

// rtpInfo is the shared sequencing state of the built-in encoders.
type rtpInfo struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sampleRate  int
	cycleMS     uint32
	seq         uint16
}

func (i *rtpInfo) makePacket(payload []byte, marker bool, stampMS int64) *rtp.Packet {
	if i.cycleMS > 0 {
		stampMS %= int64(i.cycleMS)
	}
	ts := uint32(stampMS * int64(i.sampleRate) / 1000)
	i.seq++
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    i.payloadType,
			SequenceNumber: i.seq,
			Timestamp:      ts,
			SSRC:           i.ssrc,
		},
		Payload: payload,
	}
}

// aacRtpEncoder emits MPEG4-GENERIC (hbr) packets: a 4-byte AU-header
// section per packet, one access unit per packet, fragmented when the unit
// exceeds the MTU.
type aacRtpEncoder struct {
	rtpInfo
}

func newAACRtpEncoder(ssrc uint32, pt uint8, mtu, sampleRate int, cycleMS uint32) *aacRtpEncoder {
	return &aacRtpEncoder{rtpInfo{ssrc: ssrc, payloadType: pt, mtu: mtu, sampleRate: sampleRate, cycleMS: cycleMS}}
}

func (e *aacRtpEncoder) Encode(f *media.Frame) []*rtp.Packet {
	payload := f.Payload()
	total := len(payload)
	if total == 0 {
		return nil
	}
	maxSize := e.mtu - rtpHeaderReserve
	var pkts []*rtp.Packet
	for len(payload) > 0 {
		n := len(payload)
		last := n <= maxSize
		if !last {
			n = maxSize
		}
		section := make([]byte, 0, 4+n)
		section = append(section,
			0x00, 0x10, // AU-headers-length: 16 bits
			byte(total>>5), byte((total&0x1F)<<3))
		section = append(section, payload[:n]...)
		pkts = append(pkts, e.makePacket(section, last, f.DTS))
		payload = payload[n:]
	}
	return pkts
}

// commonRtpEncoder covers G.711, Opus and L16: one packet per frame when it
// fits, equal-size fragments otherwise (the last may be a few bytes
// shorter), marker false on every piece.
type commonRtpEncoder struct {
	rtpInfo
}

func newCommonRtpEncoder(ssrc uint32, pt uint8, mtu, sampleRate int, cycleMS uint32) *commonRtpEncoder {
	return &commonRtpEncoder{rtpInfo{ssrc: ssrc, payloadType: pt, mtu: mtu, sampleRate: sampleRate, cycleMS: cycleMS}}
}

func (e *commonRtpEncoder) Encode(f *media.Frame) []*rtp.Packet {
	payload := f.Payload()
	if len(payload) == 0 {
		return nil
	}
	maxSize := e.mtu - rtpHeaderReserve
	// Fewest pieces that fit, spread evenly; only the last may run short.
	pieces := (len(payload) + maxSize - 1) / maxSize
	pieceSize := (len(payload) + pieces - 1) / pieces
	var pkts []*rtp.Packet
	for len(payload) > 0 {
		n := len(payload)
		if n > pieceSize {
			n = pieceSize
		}
		piece := make([]byte, n)
		copy(piece, payload[:n])
		pkts = append(pkts, e.makePacket(piece, false, f.DTS))
		payload = payload[n:]
	}
	return pkts
}

// AACRtpDecoder reassembles MPEG4-GENERIC packets back into ADTS-framed
// frames, interpolating timestamps across the packet's access units.
type AACRtpDecoder struct {
	cfg        *mpeg4audio.AudioSpecificConfig
	sampleRate int
	lastTS     uint32
	haveTS     bool
	sink       media.FrameSinkFunc
}

// NewAACRtpDecoder creates a decoder bound to the track's cached config.
func NewAACRtpDecoder(track *media.AACTrack, sink media.FrameSinkFunc) (*AACRtpDecoder, error) {
	if !track.Ready() {
		return nil, errors.New("aac track has no config")
	}
	return &AACRtpDecoder{
		cfg:        track.AudioSpecificConfig(),
		sampleRate: track.SampleRate(),
		sink:       sink,
	}, nil
}

// InputRtp parses one packet. Malformed packets are dropped with an error.
func (d *AACRtpDecoder) InputRtp(pkt *rtp.Packet) error {
	payload := pkt.Payload
	if len(payload) < 2 {
		return errors.New("aac rtp payload too short")
	}
	headerBits := int(payload[0])<<8 | int(payload[1])
	count := headerBits / 16
	if count == 0 {
		return errors.New("aac rtp without AU headers")
	}
	headers := payload[2:]
	if len(headers) < count*2 {
		return errors.New("aac rtp AU header section truncated")
	}
	data := headers[count*2:]

	var inc int64
	if d.haveTS {
		inc = int64(pkt.Timestamp-d.lastTS) / int64(count)
		if inc < 0 || inc > 100*int64(d.sampleRate)/1000 {
			inc = 0
		}
	}
	d.lastTS = pkt.Timestamp
	d.haveTS = true

	baseMS := int64(pkt.Timestamp) * 1000 / int64(d.sampleRate)
	incMS := inc * 1000 / int64(d.sampleRate)

	for i := 0; i < count; i++ {
		size := (int(headers[i*2])<<8 | int(headers[i*2+1])) >> 3
		if size > len(data) {
			return errors.New("aac rtp access unit truncated")
		}
		au := data[:size]
		data = data[size:]

		dts := baseMS + int64(i)*incMS
		framed := append(media.MakeADTS(d.cfg, len(au)), au...)
		frame := &media.Frame{
			Codec:      media.CodecAAC,
			DTS:        dts,
			PTS:        dts,
			Data:       framed,
			PrefixSize: media.ADTSHeaderLen,
			Cacheable:  true,
		}
		if err := d.sink(frame); err != nil {
			return err
		}
	}
	return nil
}

// CommonRtpDecoder reassembles generic audio packets: payloads sharing an
// RTP timestamp belong to one frame; a sequence gap discards the frame.
type CommonRtpDecoder struct {
	codec        media.CodecID
	sampleRate   int
	maxFrameSize int
	sink         media.FrameSinkFunc

	buf     []byte
	stampTS uint32
	started bool
	lastSeq uint16
	drop    bool
}

// NewCommonRtpDecoder creates a decoder for a config-less codec.
func NewCommonRtpDecoder(codec media.CodecID, sampleRate, maxFrameSize int, sink media.FrameSinkFunc) *CommonRtpDecoder {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if maxFrameSize <= 0 {
		maxFrameSize = 1024 * 1024
	}
	return &CommonRtpDecoder{codec: codec, sampleRate: sampleRate, maxFrameSize: maxFrameSize, sink: sink}
}

// InputRtp accumulates one packet.
func (d *CommonRtpDecoder) InputRtp(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}

	if !d.started || d.stampTS != pkt.Timestamp || len(d.buf) > d.maxFrameSize {
		if err := d.emit(); err != nil {
			return err
		}
		d.stampTS = pkt.Timestamp
		d.drop = false
	} else if d.lastSeq+1 != pkt.SequenceNumber {
		// Lost packets inside the frame: the whole frame is bad.
		d.drop = true
		d.buf = d.buf[:0]
	}
	d.started = true
	d.lastSeq = pkt.SequenceNumber

	if !d.drop {
		d.buf = append(d.buf, pkt.Payload...)
	}
	return nil
}

func (d *CommonRtpDecoder) emit() error {
	if len(d.buf) == 0 {
		return nil
	}
	dts := int64(d.stampTS) * 1000 / int64(d.sampleRate)
	frame := &media.Frame{
		Codec:     d.codec,
		DTS:       dts,
		PTS:       dts,
		Data:      append([]byte(nil), d.buf...),
		Cacheable: true,
	}
	d.buf = d.buf[:0]
	return d.sink(frame)
}
