package media

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// adtsSampleRates maps the ADTS sampling-frequency index to Hz.
var adtsSampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// ErrADTSTooShort is returned for an ADTS frame whose declared length does
// not cover its own header.
var ErrADTSTooShort = errors.New("adts frame length shorter than header")

// adtsHeader is the decoded fixed part of an ADTS header.
type adtsHeader struct {
	objectType   int // MPEG-4 audio object type (profile + 1)
	sampleRateID int
	channels     int
	frameLength  int // includes the header itself
}

func parseADTSHeader(b []byte) (adtsHeader, error) {
	var h adtsHeader
	if len(b) < ADTSHeaderLen {
		return h, fmt.Errorf("adts header needs %d bytes, got %d", ADTSHeaderLen, len(b))
	}
	if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return h, errors.New("adts sync word not found")
	}
	h.objectType = int(b[2]>>6) + 1
	h.sampleRateID = int(b[2] >> 2 & 0x0F)
	h.channels = int(b[2]&0x01)<<2 | int(b[3]>>6)
	h.frameLength = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	if h.frameLength < ADTSHeaderLen {
		return h, ErrADTSTooShort
	}
	return h, nil
}

// configFromADTS derives the AudioSpecificConfig from an ADTS header.
func configFromADTS(h adtsHeader) *mpeg4audio.AudioSpecificConfig {
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(h.objectType),
		SampleRate:   adtsSampleRates[h.sampleRateID],
		ChannelCount: h.channels,
	}
}

// MakeADTS synthesizes a 7-byte ADTS header for one access unit of
// payloadLen bytes.
func MakeADTS(cfg *mpeg4audio.AudioSpecificConfig, payloadLen int) []byte {
	rateID := 0
	for i, r := range adtsSampleRates {
		if r == cfg.SampleRate {
			rateID = i
			break
		}
	}
	frameLen := payloadLen + ADTSHeaderLen
	profile := int(cfg.Type) - 1
	return []byte{
		0xFF,
		0xF1, // MPEG-4, no CRC
		byte(profile<<6 | rateID<<2 | (cfg.ChannelCount>>2)&0x01),
		byte((cfg.ChannelCount&0x03)<<6 | (frameLen>>11)&0x03),
		byte(frameLen >> 3),
		byte((frameLen&0x07)<<5 | 0x1F),
		0xFC,
	}
}

// AACTrack is an AAC elementary stream. It accepts both ADTS-framed input
// (possibly multiple concatenated access units per frame) and raw access
// units, and becomes ready once the AudioSpecificConfig is known.
type AACTrack struct {
	baseTrack

	cfg      *mpeg4audio.AudioSpecificConfig
	cfgBytes []byte
}

// NewAACTrack creates a track. cfg may be nil; it is then derived from the
// first ADTS header seen.
func NewAACTrack(cfg *mpeg4audio.AudioSpecificConfig) *AACTrack {
	t := &AACTrack{}
	if cfg != nil {
		t.setConfig(cfg)
	}
	return t
}

// NewAACTrackFromConfig creates a track from raw AudioSpecificConfig bytes.
func NewAACTrackFromConfig(asc []byte) (*AACTrack, error) {
	var cfg mpeg4audio.AudioSpecificConfig
	if err := cfg.Unmarshal(asc); err != nil {
		return nil, fmt.Errorf("parsing AudioSpecificConfig: %w", err)
	}
	t := &AACTrack{}
	t.setConfig(&cfg)
	return t, nil
}

func (t *AACTrack) setConfig(cfg *mpeg4audio.AudioSpecificConfig) {
	t.cfg = cfg
	if b, err := cfg.Marshal(); err == nil {
		t.cfgBytes = b
	}
}

// Codec implements Track.
func (t *AACTrack) Codec() CodecID { return CodecAAC }

// Type implements Track.
func (t *AACTrack) Type() TrackType { return TrackAudio }

// Ready implements Track.
func (t *AACTrack) Ready() bool { return t.cfg != nil }

// SampleRate returns the configured sample rate, or 0 before ready.
func (t *AACTrack) SampleRate() int {
	if t.cfg == nil {
		return 0
	}
	return t.cfg.SampleRate
}

// Channels returns the configured channel count.
func (t *AACTrack) Channels() int {
	if t.cfg == nil {
		return 0
	}
	return t.cfg.ChannelCount
}

// SampleBits returns the PCM sample width AAC decodes to.
func (t *AACTrack) SampleBits() int { return 16 }

// Config returns the AudioSpecificConfig bytes.
func (t *AACTrack) Config() []byte { return t.cfgBytes }

// AudioSpecificConfig returns the parsed configuration, or nil.
func (t *AACTrack) AudioSpecificConfig() *mpeg4audio.AudioSpecificConfig { return t.cfg }

// Clone implements Track.
func (t *AACTrack) Clone() Track { return NewAACTrack(t.cfg) }

// InputFrame implements Track. ADTS-framed input is split into one sub-frame
// per access unit; sub-frames share the parent's timestamps.
func (t *AACTrack) InputFrame(f *Frame) error {
	if f.PrefixSize == 0 {
		return t.inputOne(f)
	}

	data := f.Data
	for len(data) > 0 {
		h, err := parseADTSHeader(data)
		if err != nil {
			return err
		}
		if h.frameLength > len(data) {
			return fmt.Errorf("adts frame truncated: declared %d, have %d", h.frameLength, len(data))
		}
		sub := &Frame{
			Codec:      CodecAAC,
			DTS:        f.DTS,
			PTS:        f.PTS,
			Data:       data[:h.frameLength],
			PrefixSize: ADTSHeaderLen,
			Cacheable:  f.Cacheable,
		}
		if err := t.inputOne(sub); err != nil {
			return err
		}
		data = data[h.frameLength:]
	}
	return nil
}

func (t *AACTrack) inputOne(f *Frame) error {
	if t.cfg == nil {
		if f.PrefixSize != ADTSHeaderLen {
			// Raw access unit before configuration: undecodable, drop.
			return errors.New("aac frame before AudioSpecificConfig")
		}
		h, err := parseADTSHeader(f.Data)
		if err != nil {
			return err
		}
		t.setConfig(configFromADTS(h))
	}
	if f.Size() <= f.PrefixSize {
		return nil
	}
	return t.deliver(f)
}
