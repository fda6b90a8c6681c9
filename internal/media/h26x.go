package media

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// SplitNALUs converts frame bytes into a slice of raw NAL units. Annex-B
// start codes (3 or 4 bytes) are recognized; anything else is treated as a
// single bare NAL.
func SplitNALUs(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 &&
		(data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return [][]byte{data}
		}
		return au
	}
	return [][]byte{data}
}

// H264Track tracks SPS/PPS for an H.264 elementary stream. It becomes ready
// once both parameter sets have been seen.
type H264Track struct {
	baseTrack

	sps []byte
	pps []byte

	width  int
	height int
	fps    float64
}

// NewH264Track creates a track, optionally pre-seeded with parameter sets.
func NewH264Track(sps, pps []byte) *H264Track {
	t := &H264Track{}
	if len(sps) > 0 {
		t.setSPS(sps)
	}
	if len(pps) > 0 {
		t.pps = append([]byte(nil), pps...)
	}
	return t
}

// Codec implements Track.
func (t *H264Track) Codec() CodecID { return CodecH264 }

// Type implements Track.
func (t *H264Track) Type() TrackType { return TrackVideo }

// Ready implements Track.
func (t *H264Track) Ready() bool { return len(t.sps) > 0 && len(t.pps) > 0 }

// Width returns the coded width parsed from the SPS.
func (t *H264Track) Width() int { return t.width }

// Height returns the coded height parsed from the SPS.
func (t *H264Track) Height() int { return t.height }

// FPS returns the frame rate parsed from the SPS, or 0 when unknown.
func (t *H264Track) FPS() float64 { return t.fps }

// SPS returns the cached sequence parameter set.
func (t *H264Track) SPS() []byte { return t.sps }

// PPS returns the cached picture parameter set.
func (t *H264Track) PPS() []byte { return t.pps }

// VPS returns nil; H.264 has no video parameter set.
func (t *H264Track) VPS() []byte { return nil }

// Clone implements Track.
func (t *H264Track) Clone() Track {
	return NewH264Track(t.sps, t.pps)
}

func (t *H264Track) setSPS(sps []byte) {
	t.sps = append([]byte(nil), sps...)
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err == nil {
		t.width = parsed.Width()
		t.height = parsed.Height()
		t.fps = parsed.FPS()
	}
}

// InputFrame caches config NAL units and forwards the frame downstream.
func (t *H264Track) InputFrame(f *Frame) error {
	for _, nal := range SplitNALUs(f.Data) {
		if len(nal) == 0 {
			continue
		}
		switch h264.NALUType(nal[0] & 0x1F) {
		case h264.NALUTypeSPS:
			t.setSPS(nal)
		case h264.NALUTypePPS:
			t.pps = append([]byte(nil), nal...)
		}
	}
	return t.deliver(f)
}

// H265Track tracks VPS/SPS/PPS for an H.265 elementary stream.
type H265Track struct {
	baseTrack

	vps []byte
	sps []byte
	pps []byte

	width  int
	height int
	fps    float64
}

// NewH265Track creates a track, optionally pre-seeded with parameter sets.
func NewH265Track(vps, sps, pps []byte) *H265Track {
	t := &H265Track{}
	if len(vps) > 0 {
		t.vps = append([]byte(nil), vps...)
	}
	if len(sps) > 0 {
		t.setSPS(sps)
	}
	if len(pps) > 0 {
		t.pps = append([]byte(nil), pps...)
	}
	return t
}

// Codec implements Track.
func (t *H265Track) Codec() CodecID { return CodecH265 }

// Type implements Track.
func (t *H265Track) Type() TrackType { return TrackVideo }

// Ready implements Track.
func (t *H265Track) Ready() bool {
	return len(t.vps) > 0 && len(t.sps) > 0 && len(t.pps) > 0
}

// Width returns the coded width parsed from the SPS.
func (t *H265Track) Width() int { return t.width }

// Height returns the coded height parsed from the SPS.
func (t *H265Track) Height() int { return t.height }

// FPS returns the frame rate parsed from the SPS, or 0 when unknown.
func (t *H265Track) FPS() float64 { return t.fps }

// SPS returns the cached sequence parameter set.
func (t *H265Track) SPS() []byte { return t.sps }

// PPS returns the cached picture parameter set.
func (t *H265Track) PPS() []byte { return t.pps }

// VPS returns the cached video parameter set.
func (t *H265Track) VPS() []byte { return t.vps }

// Clone implements Track.
func (t *H265Track) Clone() Track {
	return NewH265Track(t.vps, t.sps, t.pps)
}

func (t *H265Track) setSPS(sps []byte) {
	t.sps = append([]byte(nil), sps...)
	var parsed h265.SPS
	if err := parsed.Unmarshal(sps); err == nil {
		t.width = parsed.Width()
		t.height = parsed.Height()
		t.fps = parsed.FPS()
	}
}

// InputFrame caches config NAL units and forwards the frame downstream.
func (t *H265Track) InputFrame(f *Frame) error {
	for _, nal := range SplitNALUs(f.Data) {
		if len(nal) == 0 {
			continue
		}
		switch h265.NALUType((nal[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT:
			t.vps = append([]byte(nil), nal...)
		case h265.NALUType_SPS_NUT:
			t.setSPS(nal)
		case h265.NALUType_PPS_NUT:
			t.pps = append([]byte(nil), nal...)
		}
	}
	return t.deliver(f)
}

// IsH264KeyNALU reports whether the NAL unit is an IDR slice.
func IsH264KeyNALU(nal []byte) bool {
	return len(nal) > 0 && h264.NALUType(nal[0]&0x1F) == h264.NALUTypeIDR
}

// IsH265KeyNALU reports whether the NAL unit is an IRAP slice.
func IsH265KeyNALU(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	typ := h265.NALUType((nal[0] >> 1) & 0x3F)
	return typ >= h265.NALUType_BLA_W_LP && typ <= h265.NALUType_CRA_NUT
}
