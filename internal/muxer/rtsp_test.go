package muxer

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/task"
	"github.com/pion/rtp"
)

func TestRtspMuxer_SDP(t *testing.T) {
	env := newTestEnv(t, nil)
	m := NewRtspMuxer(env, testTuple(), 0)

	require.NoError(t, m.AddTrack(readyH264Track()))
	aac := media.NewAACTrack(testAACConfig())
	require.NoError(t, m.AddTrack(aac))
	m.AddTrackCompleted()

	sdp := m.SDP()
	require.NotEmpty(t, sdp)
	assert.Contains(t, sdp, "m=video 0 RTP/AVP 96")
	assert.Contains(t, sdp, "a=rtpmap:96 H264/90000")
	assert.Contains(t, sdp, "sprop-parameter-sets=")
	assert.Contains(t, sdp, "m=audio 0 RTP/AVP 98")
	assert.Contains(t, sdp, "a=rtpmap:98 mpeg4-generic/48000/2")
	assert.Contains(t, sdp, "config="+hex.EncodeToString(aac.Config()))
	assert.Contains(t, sdp, "a=range:npt=now-")
	assert.Contains(t, sdp, "a=control:trackID=0")
	assert.Contains(t, sdp, "a=control:trackID=1")

	// Cached once rendered.
	assert.Equal(t, sdp, m.SDP())
}

func TestRtspMuxer_VodRange(t *testing.T) {
	env := newTestEnv(t, nil)
	m := NewRtspMuxer(env, testTuple(), 42.5)
	require.NoError(t, m.AddTrack(readyH264Track()))
	m.AddTrackCompleted()

	assert.Contains(t, m.SDP(), "a=range:npt=0-42.500")
}

func TestRtspMuxer_L16OnlyHere(t *testing.T) {
	env := newTestEnv(t, nil)
	m := NewRtspMuxer(env, testTuple(), 0)

	l16, err := media.NewRawAudioTrack(media.CodecL16, 44100, 2, 0)
	require.NoError(t, err)
	assert.NoError(t, m.AddTrack(l16), "rtsp carries L16")
	m.AddTrackCompleted()
	assert.Contains(t, m.SDP(), "a=rtpmap:98 L16/44100/2")
}

func TestRtspMuxer_PublishesRtpPackets(t *testing.T) {
	env := newTestEnv(t, nil)
	m := NewRtspMuxer(env, testTuple(), 0)

	aac := media.NewAACTrack(testAACConfig())
	require.NoError(t, m.AddTrack(aac))
	m.AddTrackCompleted()

	poller := task.NewPoller("drain")
	t.Cleanup(poller.Shutdown)
	ch := make(chan *rtp.Packet, 64)
	m.Source().Attach(poller, func(u ring.Unit[*rtp.Packet]) {
		for _, p := range u.Packets {
			ch <- p
		}
	}, nil)

	frame := &media.Frame{
		Codec: media.CodecAAC, DTS: 100, PTS: 100,
		Data:       append(media.MakeADTS(testAACConfig(), 32), make([]byte, 32)...),
		PrefixSize: media.ADTSHeaderLen,
	}
	require.NoError(t, m.InputFrame(frame))
	require.NoError(t, m.InputFrame(&media.Frame{
		Codec: media.CodecAAC, DTS: 121, PTS: 121,
		Data:       append(media.MakeADTS(testAACConfig(), 32), make([]byte, 32)...),
		PrefixSize: media.ADTSHeaderLen,
	}))
	m.Flush()

	var got []*rtp.Packet
	deadline := make(chan struct{})
	go func() {
		for len(got) < 2 {
			got = append(got, <-ch)
		}
		close(deadline)
	}()
	<-deadline

	assert.Equal(t, uint8(ptAudio), got[0].PayloadType)
	assert.True(t, strings.HasPrefix(string(got[0].Payload[:2]), string([]byte{0x00, 0x10})))
}
