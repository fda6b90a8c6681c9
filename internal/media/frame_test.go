package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrame_Payload(t *testing.T) {
	f := &Frame{Data: []byte{0, 0, 0, 1, 0x65, 1, 2}, PrefixSize: 4}
	assert.Equal(t, []byte{0x65, 1, 2}, f.Payload())
	assert.Equal(t, 7, f.Size())

	empty := &Frame{Data: []byte{0, 0, 0, 1}, PrefixSize: 4}
	assert.Nil(t, empty.Payload())
}

func TestGetCacheable(t *testing.T) {
	data := []byte{1, 2, 3}
	f := &Frame{Data: data, Cacheable: false}

	cp := GetCacheable(f)
	assert.True(t, cp.Cacheable)
	data[0] = 9
	assert.Equal(t, byte(1), cp.Data[0], "copy must not alias the parse buffer")

	// Already-cacheable frames pass through.
	assert.Same(t, cp, GetCacheable(cp))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TrackVideo, TypeOf(CodecH264))
	assert.Equal(t, TrackVideo, TypeOf(CodecH265))
	assert.Equal(t, TrackAudio, TypeOf(CodecAAC))
	assert.Equal(t, TrackAudio, TypeOf(CodecL16))
	assert.Equal(t, TrackInvalid, TypeOf(CodecInvalid))
}
