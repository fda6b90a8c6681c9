package muxer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

// testH264SPS/PPS are a valid 352x288 High-profile pair used across the
// bluenviron test suites.
var testH264SPS = []byte{
	0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
	0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
	0x00, 0x03, 0x00, 0x3d, 0x08,
}

var testH264PPS = []byte{0x68, 0xee, 0x3c, 0x80}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *source.Env {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.EnableVhost = true
	cfg.General.MaxStreamWait = time.Second
	cfg.General.StreamNoneReaderDelay = 50 * time.Millisecond
	cfg.Record.AppName = "record"
	cfg.Record.Path = t.TempDir()
	cfg.Record.FileSecond = time.Hour
	cfg.RTP.CycleMS = 46800000
	cfg.RTP.VideoMtuSize = 1400
	cfg.RTP.AudioMtuSize = 600
	cfg.HLS.SegmentCount = 3
	cfg.HLS.SegmentDuration = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	pool := task.NewPool(2)
	workers := task.NewWorkerPool(1)
	t.Cleanup(func() {
		workers.Shutdown()
		pool.Shutdown()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return source.NewEnv(cfg, logger, pool, workers)
}

func testAACConfig() *mpeg4audio.AudioSpecificConfig {
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
}

func testTuple() source.Tuple {
	return source.Tuple{Vhost: source.DefaultVhost, App: "live", Stream: "cam"}
}

func readyH264Track() *media.H264Track {
	return media.NewH264Track(testH264SPS, testH264PPS)
}

func h264KeyFrame(dts int64) *media.Frame {
	data := append([]byte{0x00, 0x00, 0x00, 0x01}, testH264SPS...)
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, testH264PPS...)
	data = append(data, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00)
	return &media.Frame{
		Codec:      media.CodecH264,
		DTS:        dts,
		PTS:        dts,
		Data:       data,
		PrefixSize: 4,
		KeyFrame:   true,
		Cacheable:  true,
	}
}

func h264InterFrame(dts int64) *media.Frame {
	return &media.Frame{
		Codec:      media.CodecH264,
		DTS:        dts,
		PTS:        dts,
		Data:       []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x00},
		PrefixSize: 4,
		Cacheable:  true,
	}
}
