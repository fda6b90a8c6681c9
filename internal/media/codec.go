// Package media defines the codec-neutral frame and track model shared by
// every muxer, plus the timestamp revision and byte-rate primitives.
package media

// CodecID identifies an elementary stream codec.
type CodecID int

const (
	CodecInvalid CodecID = iota
	CodecH264
	CodecH265
	CodecAAC
	CodecG711A
	CodecG711U
	CodecOpus
	CodecL16
)

// String returns the canonical codec name.
func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecAAC:
		return "AAC"
	case CodecG711A:
		return "G711A"
	case CodecG711U:
		return "G711U"
	case CodecOpus:
		return "Opus"
	case CodecL16:
		return "L16"
	default:
		return "invalid"
	}
}

// TrackType distinguishes audio from video tracks.
type TrackType int

const (
	TrackInvalid TrackType = iota
	TrackVideo
	TrackAudio
)

// String returns the track type name.
func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "invalid"
	}
}

// TypeOf returns the track type a codec belongs to.
func TypeOf(c CodecID) TrackType {
	switch c {
	case CodecH264, CodecH265:
		return TrackVideo
	case CodecAAC, CodecG711A, CodecG711U, CodecOpus, CodecL16:
		return TrackAudio
	default:
		return TrackInvalid
	}
}
