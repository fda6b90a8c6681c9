package muxer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/ring"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

func newArmedMultiMuxer(t *testing.T, mutate func(*config.Config)) (*source.Env, *MultiMuxer) {
	t.Helper()
	env := newTestEnv(t, mutate)
	m := NewMultiMuxer(env, testTuple(), MultiMuxerOptions{EnableRTMP: true, EnableRTSP: true})
	require.NoError(t, m.AddTrack(readyH264Track()))
	m.AddTrackCompleted()
	return env, m
}

func TestMultiMuxer_RegistersAllSchemas(t *testing.T) {
	env, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()

	tuple := testTuple()
	for _, schema := range []source.Schema{source.SchemaRTMP, source.SchemaRTSP, source.SchemaTS, source.SchemaFMP4} {
		assert.NotNil(t, env.Registry().Find(tuple.Key(schema)), schema)
	}
}

func TestMultiMuxer_DestroyUnregisters(t *testing.T) {
	env, m := newArmedMultiMuxer(t, nil)
	m.Destroy()

	tuple := testTuple()
	for _, schema := range []source.Schema{source.SchemaRTMP, source.SchemaRTSP, source.SchemaTS, source.SchemaFMP4} {
		assert.Nil(t, env.Registry().Find(tuple.Key(schema)), schema)
	}
}

func TestMultiMuxer_TotalReaderCountSums(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()

	assert.Equal(t, 0, m.TotalReaderCount(nil))

	poller := task.NewPoller("readers")
	t.Cleanup(poller.Shutdown)
	m.RtmpMuxer().Source().Attach(poller, func(ring.Unit[*RtmpPacket]) {}, nil)
	m.TSMuxer().Source().Attach(poller, func(ring.Unit[[]byte]) {}, nil)
	m.TSMuxer().Source().Attach(poller, func(ring.Unit[[]byte]) {}, nil)

	assert.Equal(t, 3, m.TotalReaderCount(nil))

	// The sum is also what every owned source reports.
	assert.Equal(t, 3, m.RtmpMuxer().Source().TotalReaderCount())
}

func TestMultiMuxer_FansOutToEveryMuxer(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()

	poller := task.NewPoller("readers")
	t.Cleanup(poller.Shutdown)

	rtmpCh := make(chan struct{}, 64)
	tsCh := make(chan struct{}, 64)
	m.RtmpMuxer().Source().Attach(poller, func(ring.Unit[*RtmpPacket]) { rtmpCh <- struct{}{} }, nil)
	m.TSMuxer().Source().Attach(poller, func(ring.Unit[[]byte]) { tsCh <- struct{}{} }, nil)

	require.NoError(t, m.InputFrame(h264KeyFrame(0)))
	require.NoError(t, m.InputFrame(h264InterFrame(40)))
	require.NoError(t, m.InputFrame(h264KeyFrame(80)))
	m.RtmpMuxer().Flush()
	m.TSMuxer().Flush()

	expect := func(ch chan struct{}, name string) {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never received a flush unit", name)
		}
	}
	expect(rtmpCh, "rtmp")
	expect(tsCh, "ts")
}

func TestMultiMuxer_DemandGatingTS(t *testing.T) {
	env, m := newArmedMultiMuxer(t, func(cfg *config.Config) {
		cfg.General.TSDemand = true
		cfg.General.FMP4Demand = true
	})
	defer m.Destroy()

	// All demand-gated muxers and no readers: TS/fMP4 are disabled, but
	// RTMP/RTSP (not gated here) keep the fan-out enabled.
	assert.False(t, m.TSMuxer().Enabled())
	assert.False(t, m.FMP4Muxer().Enabled())
	assert.True(t, m.IsEnabled())

	// First reader re-enables the TS muxer.
	poller := task.NewPoller("reader")
	t.Cleanup(poller.Shutdown)
	got := make(chan struct{}, 16)
	m.TSMuxer().Source().Attach(poller, func(ring.Unit[[]byte]) { got <- struct{}{} }, nil)
	assert.True(t, m.TSMuxer().Enabled())

	require.NoError(t, m.InputFrame(h264KeyFrame(0)))
	require.NoError(t, m.InputFrame(h264InterFrame(40)))
	m.TSMuxer().Flush()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("ts output did not resume after reader attach")
	}
	_ = env
}

func TestMultiMuxer_AllDemandedAndNoReadersDisables(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.General.TSDemand = true
		cfg.General.FMP4Demand = true
		cfg.General.RTMPDemand = true
		cfg.General.RTSPDemand = true
		cfg.General.StreamNoneReaderDelay = 10 * time.Millisecond
	})
	m := NewMultiMuxer(env, testTuple(), MultiMuxerOptions{EnableRTMP: true, EnableRTSP: true})
	require.NoError(t, m.AddTrack(readyH264Track()))
	m.AddTrackCompleted()
	defer m.Destroy()

	assert.False(t, m.IsEnabled(), "no readers anywhere and everything demand-gated")
}

func TestMultiMuxer_ModifyStampRebasesTimestamps(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.General.ModifyStamp = true
	})
	m := NewMultiMuxer(env, testTuple(), MultiMuxerOptions{EnableRTMP: true})
	require.NoError(t, m.AddTrack(readyH264Track()))
	m.AddTrackCompleted()
	defer m.Destroy()

	poller := task.NewPoller("reader")
	t.Cleanup(poller.Shutdown)
	pkts := make(chan *RtmpPacket, 64)
	m.RtmpMuxer().Source().Attach(poller, func(u ring.Unit[*RtmpPacket]) {
		for _, p := range u.Packets {
			pkts <- p
		}
	}, nil)

	// Producer timestamps start far from zero; revised output starts at 0.
	f := h264KeyFrame(500_000)
	require.NoError(t, m.InputFrame(f))
	require.NoError(t, m.InputFrame(h264InterFrame(500_040)))
	m.RtmpMuxer().Flush()

	var first *RtmpPacket
	deadline := time.After(2 * time.Second)
	for first == nil {
		select {
		case p := <-pkts:
			if !p.IsConfig {
				first = p
			}
		case <-deadline:
			t.Fatal("no media packet seen")
		}
	}
	assert.Equal(t, int64(0), first.DTS)
}

func TestMultiMuxer_IsRecordingDefaultsFalse(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()
	assert.False(t, m.IsRecording(nil, source.RecordHLS))
	assert.False(t, m.IsRecording(nil, source.RecordMP4))
}

func TestMultiMuxer_TracksEnumeration(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()

	tracks := m.Tracks(nil, true)
	require.Len(t, tracks, 1)
	assert.Equal(t, media.CodecH264, tracks[0].Codec())
}

func TestMultiMuxer_ResetTracksAllowsNewSet(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()

	m.ResetTracks()
	require.NoError(t, m.AddTrack(readyH264Track()))
	m.AddTrackCompleted()
	assert.Len(t, m.Tracks(nil, false), 1)
}

func TestMultiMuxer_StopSendRtpWithoutSenders(t *testing.T) {
	_, m := newArmedMultiMuxer(t, nil)
	defer m.Destroy()
	assert.False(t, m.StopSendRtp(nil, "12345"))
	assert.True(t, m.StopSendRtp(nil, ""), "removing all is always fine")
}
