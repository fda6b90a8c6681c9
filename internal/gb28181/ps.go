// Package gb28181 implements the optional GB28181 egress pipeline: an
// MPEG-PS muxer and an RTP sender fragmenting the PS stream.
package gb28181

import (
	"fmt"

	"github.com/flyingrabbit881/medianode/internal/media"
)

// PS stream ids and types.
const (
	psVideoStreamID = 0xE0
	psAudioStreamID = 0xC0

	psStreamTypeH264  = 0x1B
	psStreamTypeH265  = 0x24
	psStreamTypeAAC   = 0x0F
	psStreamTypeG711A = 0x90
	psStreamTypeG711U = 0x91
	psStreamTypeOpus  = 0xDD
)

// pesMaxPayload bounds one PES packet's payload.
const pesMaxPayload = 65400

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

type psTrack struct {
	codec      media.CodecID
	streamID   byte
	streamType byte
	stamp      *media.Stamp
}

// PSMuxer packs frames into an MPEG-PS stream at a 90 kHz timebase.
// Same-DTS H.26x frames are merged into one PES payload separated by
// Annex-B start codes. Each produced buffer is one PS pack.
type PSMuxer struct {
	onPack func(data []byte, dtsMS int64, key bool)

	tracks map[media.CodecID]*psTrack
	psm    []byte

	// pending same-DTS video merge
	pendingVideo []byte
	pendingDTS   int64
	pendingPTS   int64
	pendingKey   bool
	sentSystem   bool
}

// NewPSMuxer creates a muxer delivering packs to onPack.
func NewPSMuxer(onPack func(data []byte, dtsMS int64, key bool)) *PSMuxer {
	return &PSMuxer{
		onPack: onPack,
		tracks: make(map[media.CodecID]*psTrack),
	}
}

// AddTrack declares a track. Audio stamps sync to the video clock so the
// A/V offset survives revision.
func (m *PSMuxer) AddTrack(t media.Track) error {
	var st byte
	switch t.Codec() {
	case media.CodecH264:
		st = psStreamTypeH264
	case media.CodecH265:
		st = psStreamTypeH265
	case media.CodecAAC:
		st = psStreamTypeAAC
	case media.CodecG711A:
		st = psStreamTypeG711A
	case media.CodecG711U:
		st = psStreamTypeG711U
	case media.CodecOpus:
		st = psStreamTypeOpus
	default:
		return fmt.Errorf("mpeg-ps does not carry %s", t.Codec())
	}
	sid := byte(psAudioStreamID)
	if t.Type() == media.TrackVideo {
		sid = psVideoStreamID
	}
	m.tracks[t.Codec()] = &psTrack{
		codec:      t.Codec(),
		streamID:   sid,
		streamType: st,
		stamp:      &media.Stamp{},
	}
	m.psm = nil
	m.syncStamps()
	return nil
}

func (m *PSMuxer) syncStamps() {
	var audio, video *psTrack
	for _, t := range m.tracks {
		if media.TypeOf(t.codec) == media.TrackVideo {
			video = t
		} else {
			audio = t
		}
	}
	if audio != nil && video != nil {
		// Audio follows the video clock; shifting audio stamps is
		// inaudible while shifted video stutters.
		audio.stamp.SyncTo(video.stamp)
	}
}

// ResetTracks drops all tracks.
func (m *PSMuxer) ResetTracks() {
	m.flushVideo()
	m.tracks = make(map[media.CodecID]*psTrack)
	m.psm = nil
	m.sentSystem = false
}

// InputFrame packs one frame.
func (m *PSMuxer) InputFrame(f *media.Frame) error {
	track := m.tracks[f.Codec]
	if track == nil {
		return nil
	}
	dts, pts := track.stamp.Revise(f.DTS, f.PTS)

	if media.TypeOf(f.Codec) == media.TrackVideo {
		if len(m.pendingVideo) > 0 && dts != m.pendingDTS {
			m.flushVideo()
		}
		for _, nal := range media.SplitNALUs(f.Data) {
			if len(nal) == 0 {
				continue
			}
			m.pendingVideo = append(m.pendingVideo, startCode...)
			m.pendingVideo = append(m.pendingVideo, nal...)
		}
		m.pendingDTS = dts
		m.pendingPTS = pts
		m.pendingKey = m.pendingKey || f.KeyFrame
		return nil
	}

	m.emit(track, f.Payload(), dts, pts, false)
	return nil
}

// Flush drains the pending video merge.
func (m *PSMuxer) Flush() { m.flushVideo() }

func (m *PSMuxer) flushVideo() {
	if len(m.pendingVideo) == 0 {
		return
	}
	var video *psTrack
	for _, t := range m.tracks {
		if media.TypeOf(t.codec) == media.TrackVideo {
			video = t
		}
	}
	if video != nil {
		m.emit(video, m.pendingVideo, m.pendingDTS, m.pendingPTS, m.pendingKey)
	}
	m.pendingVideo = nil
	m.pendingKey = false
}

// emit builds one PS pack: pack header, system header + PSM on keyframes
// (and at start), then the payload split across PES packets.
func (m *PSMuxer) emit(track *psTrack, payload []byte, dtsMS, ptsMS int64, key bool) {
	if len(payload) == 0 {
		return
	}
	scr := dtsMS * 90

	pack := packHeader(scr)
	if key || !m.sentSystem {
		pack = append(pack, systemHeader()...)
		pack = append(pack, m.programStreamMap()...)
		m.sentSystem = true
	}
	first := true
	for len(payload) > 0 {
		n := len(payload)
		if n > pesMaxPayload {
			n = pesMaxPayload
		}
		pack = append(pack, pesPacket(track.streamID, payload[:n], dtsMS*90, ptsMS*90, first)...)
		payload = payload[n:]
		first = false
	}
	m.onPack(pack, dtsMS, key)
}

// packHeader renders the 14-byte MPEG-2 pack header carrying the SCR.
func packHeader(scr int64) []byte {
	scr &= (1 << 33) - 1
	b := make([]byte, 14)
	b[0], b[1], b[2], b[3] = 0x00, 0x00, 0x01, 0xBA
	b[4] = byte(0x40 | (scr>>27)&0x38 | 0x04 | (scr>>28)&0x03)
	b[5] = byte(scr >> 20)
	b[6] = byte((scr>>12)&0xF8 | 0x04 | (scr>>13)&0x03)
	b[7] = byte(scr >> 5)
	b[8] = byte((scr<<3)&0xF8 | 0x04)
	b[9] = 0x01 // SCR extension low bit + marker
	// program mux rate: fixed nominal value
	b[10], b[11], b[12] = 0x01, 0x89, 0xC3
	b[13] = 0xF8 // reserved + no stuffing
	return b
}

// systemHeader renders a minimal system header.
func systemHeader() []byte {
	return []byte{
		0x00, 0x00, 0x01, 0xBB,
		0x00, 0x0C, // header length
		0x80, 0x62, 0x4D, // rate bound
		0x04, 0x21, // audio bound, fixed, CSPS, system audio/video lock
		0x7F,       // video bound
		0xE0, 0xE0, // P-STD: video
		0x80, 0xC0, 0x20, 0x08, // (buffer bound entries)
	}
}

// programStreamMap renders (and caches) the PSM for the declared tracks.
func (m *PSMuxer) programStreamMap() []byte {
	if m.psm != nil {
		return m.psm
	}
	var es []byte
	for _, t := range m.tracks {
		es = append(es, t.streamType, t.streamID, 0x00, 0x00)
	}
	body := []byte{0xE0, 0xFF, 0x00, 0x00} // current_next=1, psm_version; no descriptors
	body = append(body, byte(len(es)>>8), byte(len(es)))
	body = append(body, es...)

	psm := []byte{0x00, 0x00, 0x01, 0xBC}
	length := len(body) + 4 // body + CRC32
	psm = append(psm, byte(length>>8), byte(length))
	psm = append(psm, body...)
	psm = append(psm, 0x00, 0x00, 0x00, 0x00) // CRC32 left zero; receivers ignore it
	m.psm = psm
	return psm
}

// pesPacket renders one PES packet. Timestamps ride only on the first
// fragment of a payload.
func pesPacket(streamID byte, payload []byte, dts90, pts90 int64, withStamps bool) []byte {
	var header []byte
	if withStamps {
		flags := byte(0x80) // PTS only
		stampLen := 5
		if dts90 != pts90 {
			flags = 0xC0
			stampLen = 10
		}
		header = make([]byte, 0, 3+stampLen)
		header = append(header, 0x80, flags, byte(stampLen))
		header = append(header, encodeStamp(pts90, flags>>6)...)
		if flags == 0xC0 {
			header = append(header, encodeStamp(dts90, 0x01)...)
		}
	} else {
		header = []byte{0x80, 0x00, 0x00}
	}

	total := len(header) + len(payload)
	pes := make([]byte, 0, 6+total)
	pes = append(pes, 0x00, 0x00, 0x01, streamID)
	pes = append(pes, byte(total>>8), byte(total))
	pes = append(pes, header...)
	pes = append(pes, payload...)
	return pes
}

// encodeStamp packs a 33-bit timestamp into the 5-byte PES layout.
func encodeStamp(ts int64, prefix byte) []byte {
	ts &= (1 << 33) - 1
	return []byte{
		byte(prefix<<4) | byte((ts>>29)&0x0E) | 0x01,
		byte(ts >> 22),
		byte((ts>>14)&0xFE) | 0x01,
		byte(ts >> 7),
		byte((ts<<1)&0xFE) | 0x01,
	}
}
