package media

import "fmt"

// RawAudioTrack covers the config-less audio codecs (G.711, Opus, L16).
// It is ready from construction.
type RawAudioTrack struct {
	baseTrack

	codec      CodecID
	sampleRate int
	channels   int
	sampleBits int
}

// NewRawAudioTrack creates a track for a config-less codec.
func NewRawAudioTrack(codec CodecID, sampleRate, channels, sampleBits int) (*RawAudioTrack, error) {
	switch codec {
	case CodecG711A, CodecG711U:
		if sampleRate == 0 {
			sampleRate = 8000
		}
		if channels == 0 {
			channels = 1
		}
		if sampleBits == 0 {
			sampleBits = 16
		}
	case CodecOpus:
		if sampleRate == 0 {
			sampleRate = 48000
		}
		if channels == 0 {
			channels = 2
		}
		if sampleBits == 0 {
			sampleBits = 16
		}
	case CodecL16:
		if sampleRate == 0 || channels == 0 {
			return nil, fmt.Errorf("L16 requires explicit sample rate and channels")
		}
		sampleBits = 16
	default:
		return nil, fmt.Errorf("codec %s is not a raw audio codec", codec)
	}
	return &RawAudioTrack{
		codec:      codec,
		sampleRate: sampleRate,
		channels:   channels,
		sampleBits: sampleBits,
	}, nil
}

// Codec implements Track.
func (t *RawAudioTrack) Codec() CodecID { return t.codec }

// Type implements Track.
func (t *RawAudioTrack) Type() TrackType { return TrackAudio }

// Ready implements Track.
func (t *RawAudioTrack) Ready() bool { return true }

// SampleRate implements AudioTrack.
func (t *RawAudioTrack) SampleRate() int { return t.sampleRate }

// Channels implements AudioTrack.
func (t *RawAudioTrack) Channels() int { return t.channels }

// SampleBits implements AudioTrack.
func (t *RawAudioTrack) SampleBits() int { return t.sampleBits }

// Config implements AudioTrack.
func (t *RawAudioTrack) Config() []byte { return nil }

// Clone implements Track.
func (t *RawAudioTrack) Clone() Track {
	cp, _ := NewRawAudioTrack(t.codec, t.sampleRate, t.channels, t.sampleBits)
	return cp
}

// InputFrame implements Track.
func (t *RawAudioTrack) InputFrame(f *Frame) error {
	return t.deliver(f)
}
