package record

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

var testH264SPS = []byte{
	0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
	0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
	0x00, 0x03, 0x00, 0x3d, 0x08,
}

var testH264PPS = []byte{0x68, 0xee, 0x3c, 0x80}

func testEnv(t *testing.T) *source.Env {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.EnableVhost = true
	cfg.General.MaxStreamWait = time.Second
	cfg.General.StreamNoneReaderDelay = 50 * time.Millisecond
	cfg.Record.AppName = "record"
	cfg.Record.Path = t.TempDir()
	cfg.Record.FileSecond = time.Hour
	cfg.HLS.SegmentCount = 3
	cfg.HLS.SegmentDuration = 2 * time.Second

	pool := task.NewPool(2)
	workers := task.NewWorkerPool(1)
	t.Cleanup(func() {
		workers.Shutdown()
		pool.Shutdown()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return source.NewEnv(cfg, logger, pool, workers)
}

func testTuple() source.Tuple {
	return source.Tuple{Vhost: source.DefaultVhost, App: "live", Stream: "cam"}
}

func keyFrame(dts int64) *media.Frame {
	data := append([]byte{0x00, 0x00, 0x00, 0x01}, testH264SPS...)
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, testH264PPS...)
	data = append(data, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00)
	return &media.Frame{
		Codec: media.CodecH264, DTS: dts, PTS: dts,
		Data: data, PrefixSize: 4, KeyFrame: true, Cacheable: true,
	}
}

func interFrame(dts int64) *media.Frame {
	return &media.Frame{
		Codec: media.CodecH264, DTS: dts, PTS: dts,
		Data: []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x00}, PrefixSize: 4, Cacheable: true,
	}
}

func TestAvccToAnnexB(t *testing.T) {
	avcc := []byte{
		0x00, 0x00, 0x00, 0x02, 0x65, 0x01,
		0x00, 0x00, 0x00, 0x01, 0x41,
	}
	annexb := avccToAnnexB(avcc)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x01, 0x65, 0x01,
		0x00, 0x00, 0x00, 0x01, 0x41,
	}, annexb)

	// Truncated length prefixes stop the rewrite.
	assert.Empty(t, avccToAnnexB([]byte{0x00, 0x00, 0x00, 0x09, 0x65}))
}

func TestVodPath(t *testing.T) {
	env := testEnv(t)
	info := source.MediaInfo{
		Schema: source.SchemaRTMP,
		Vhost:  source.DefaultVhost,
		App:    "record",
		Stream: "movie",
	}
	p := VodPath(env, info)
	assert.Equal(t, filepath.Join(env.Cfg.Record.Path, source.DefaultVhost, "record", "movie.mp4"), p)

	info.Stream = "movie.mp4"
	assert.Equal(t, p, VodPath(env, info))
}

func TestOpenVod_MissingFile(t *testing.T) {
	env := testEnv(t)
	info := source.MediaInfo{
		Schema: source.SchemaRTMP,
		Vhost:  source.DefaultVhost,
		App:    "record",
		Stream: "missing",
	}
	assert.Nil(t, OpenVod(env, info))

	// Streams outside the record app never hit the disk.
	info.App = "live"
	assert.Nil(t, OpenVod(env, info))
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func TestMP4Recorder_TempFilesUseDotPrefix(t *testing.T) {
	env := testEnv(t)
	rec := NewMP4Recorder(env, testTuple(), "")

	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()

	require.NoError(t, rec.InputFrame(keyFrame(0)))
	require.NoError(t, rec.InputFrame(interFrame(40)))

	// While open, the segment hides behind a leading dot.
	files := listFiles(t, env.Cfg.Record.Path)
	require.Len(t, files, 1)
	assert.True(t, len(filepath.Base(files[0])) > 0 && filepath.Base(files[0])[0] == '.')

	rec.Close()
	env.Workers.Shutdown()

	// After finalization no dot-prefixed temp remains: the file was
	// either renamed or, when under the keep threshold, deleted.
	for _, f := range listFiles(t, env.Cfg.Record.Path) {
		base := filepath.Base(f)
		assert.NotEqual(t, byte('.'), base[0], f)
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, info.Size(), int64(minKeepFileSize))
	}
}

func TestMP4Recorder_WritesAndFinalizes(t *testing.T) {
	env := testEnv(t)
	rec := NewMP4Recorder(env, testTuple(), "")

	done := make(chan source.RecordInfo, 1)
	env.Bus.Subscribe(source.EventRecordMP4, "test", func(payload any) {
		done <- payload.(source.RecordInfo)
	})

	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()

	// Enough payload to clear the keep threshold.
	big := keyFrame(0)
	big.Data = append(big.Data, make([]byte, 4096)...)
	require.NoError(t, rec.InputFrame(big))
	for dts := int64(40); dts <= 400; dts += 40 {
		f := interFrame(dts)
		f.Data = append(f.Data, make([]byte, 512)...)
		require.NoError(t, rec.InputFrame(f))
	}
	rec.Close()
	env.Workers.Shutdown()

	select {
	case info := <-done:
		assert.Equal(t, ".mp4", filepath.Ext(info.FileName))
		assert.NotEqual(t, byte('.'), filepath.Base(info.FilePath)[0], "dot prefix removed")
		assert.Greater(t, info.FileSize, int64(minKeepFileSize))
		assert.FileExists(t, info.FilePath)
	case <-time.After(2 * time.Second):
		t.Fatal("record-mp4 broadcast not emitted")
	}
}

func TestMP4Recorder_WaitsForKeyframe(t *testing.T) {
	env := testEnv(t)
	rec := NewMP4Recorder(env, testTuple(), "")
	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()

	// Inter frames before any keyframe never open a file.
	require.NoError(t, rec.InputFrame(interFrame(0)))
	require.NoError(t, rec.InputFrame(interFrame(40)))
	assert.Nil(t, rec.cur)
}

func TestMP4Recorder_RejectsLateTracks(t *testing.T) {
	env := testEnv(t)
	rec := NewMP4Recorder(env, testTuple(), "")
	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()

	aac := media.NewAACTrack(nil)
	assert.Error(t, rec.AddTrack(aac))
}

func TestVodReader_SeekClampsIntoTailWindow(t *testing.T) {
	env := testEnv(t)

	// Two AVCC samples on disk: a keyframe then an inter frame.
	keySample := []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x01}
	interSample := []byte{0x00, 0x00, 0x00, 0x02, 0x41, 0x01}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, append(append([]byte(nil), keySample...), interSample...), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	r := &VodReader{
		env:    env,
		log:    env.Log,
		path:   path,
		file:   f,
		poller: env.Pool.Next(),
		samples: []vodSample{
			{offset: 0, size: len(keySample), dtsMS: 0, ctsMS: 0, video: true},
			{offset: int64(len(keySample)), size: len(interSample), dtsMS: 40, ctsMS: 40, video: true},
		},
		// The mvhd duration includes the last frame's duration, so it
		// sits past the final sample's DTS.
		durationMS: 80,
		videoCodec: media.CodecH264,
		started:    time.Now(),
	}

	// A stamp in the (lastSampleDTS, duration] tail window must not
	// run off the sample table.
	require.True(t, r.SeekTo(nil, 80))
	assert.Equal(t, 0, r.pos, "rewound to the preceding keyframe")
	assert.Equal(t, int64(0), r.baseDTS)

	require.True(t, r.SeekTo(nil, 40))
	assert.Equal(t, 0, r.pos)

	assert.False(t, r.SeekTo(nil, 81), "past the duration is rejected")
	assert.False(t, r.SeekTo(nil, -1))
}

func TestHLSRecorder_RegistersOnFirstFrame(t *testing.T) {
	env := testEnv(t)
	rec := NewHLSRecorder(env, testTuple(), "")

	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()

	key := testTuple().Key(source.SchemaHLS)
	assert.Nil(t, env.Registry().Find(key), "not registered before media flows")

	require.NoError(t, rec.InputFrame(keyFrame(0)))
	assert.NotNil(t, env.Registry().Find(key))

	rec.Close()
	assert.Nil(t, env.Registry().Find(key))
}

func TestHLSRecorder_ReaderCounting(t *testing.T) {
	env := testEnv(t)
	rec := NewHLSRecorder(env, testTuple(), "")
	require.NoError(t, rec.AddTrack(media.NewH264Track(testH264SPS, testH264PPS)))
	rec.AddTrackCompleted()
	require.NoError(t, rec.InputFrame(keyFrame(0)))
	defer rec.Close()

	src := rec.Source()
	assert.Equal(t, 0, src.ReaderCount())
	src.AddReader()
	src.AddReader()
	assert.Equal(t, 2, src.ReaderCount())
	src.RemoveReader()
	assert.Equal(t, 1, src.ReaderCount())
}
