package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Annex-B stream with a 4-byte and a 3-byte start code.
func annexBSample() []byte {
	return []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB,
		0x00, 0x00, 0x01, 0x68, 0xCC,
	}
}

func TestSplitNALUs(t *testing.T) {
	nals := SplitNALUs(annexBSample())
	require.Len(t, nals, 2)
	assert.Equal(t, []byte{0x67, 0xAA, 0xBB}, nals[0])
	assert.Equal(t, []byte{0x68, 0xCC}, nals[1])

	// Bare NAL passes through as a single unit.
	bare := []byte{0x65, 0x01, 0x02}
	nals = SplitNALUs(bare)
	require.Len(t, nals, 1)
	assert.Equal(t, bare, nals[0])

	assert.Nil(t, SplitNALUs(nil))
}

func TestH264Track_ReadyAfterSPSPPS(t *testing.T) {
	track := NewH264Track(nil, nil)
	assert.False(t, track.Ready())

	require.NoError(t, track.InputFrame(&Frame{Codec: CodecH264, Data: annexBSample(), PrefixSize: 4}))
	assert.True(t, track.Ready())
	assert.Equal(t, []byte{0x67, 0xAA, 0xBB}, track.SPS())
	assert.Equal(t, []byte{0x68, 0xCC}, track.PPS())
	assert.Nil(t, track.VPS())

	clone := track.Clone()
	assert.True(t, clone.Ready())
}

func TestH265Track_ReadyNeedsAllThree(t *testing.T) {
	track := NewH265Track(nil, nil, nil)

	vps := []byte{32 << 1, 0x01}
	sps := []byte{33 << 1, 0x01}
	pps := []byte{34 << 1, 0x01}

	require.NoError(t, track.InputFrame(&Frame{Codec: CodecH265, Data: vps}))
	assert.False(t, track.Ready())
	require.NoError(t, track.InputFrame(&Frame{Codec: CodecH265, Data: sps}))
	assert.False(t, track.Ready())
	require.NoError(t, track.InputFrame(&Frame{Codec: CodecH265, Data: pps}))
	assert.True(t, track.Ready())
}

func TestIsKeyNALU(t *testing.T) {
	assert.True(t, IsH264KeyNALU([]byte{0x65}))
	assert.False(t, IsH264KeyNALU([]byte{0x41}))
	assert.True(t, IsH265KeyNALU([]byte{19 << 1, 0x00}))
	assert.False(t, IsH265KeyNALU([]byte{1 << 1, 0x00}))
}

func TestTrack_ForwardsFrames(t *testing.T) {
	track := NewH264Track([]byte{0x67, 1}, []byte{0x68, 1})
	var got *Frame
	track.OnFrame(func(f *Frame) error {
		got = f
		return nil
	})
	frame := &Frame{Codec: CodecH264, DTS: 40, Data: []byte{0x65, 0x01}, KeyFrame: true}
	require.NoError(t, track.InputFrame(frame))
	assert.Same(t, frame, got)
}
