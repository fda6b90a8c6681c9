// Package config provides configuration management for medianode using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMergeWriteMS          = 0
	defaultStreamNoneReaderDelay = 20 * time.Second
	defaultMaxStreamWait         = 15 * time.Second
	defaultRecordFileSecond      = time.Hour
	defaultRecordAppName         = "record"
	defaultRecordPath            = "./record"
	defaultRtpCycleMS            = 46800000
	defaultVideoMtuSize          = 1400
	defaultAudioMtuSize          = 600
	defaultHLSSegmentDuration    = 2 * time.Second
	defaultHLSSegmentCount       = 3
	defaultServerHost            = "0.0.0.0"
	defaultServerPort            = 8080
	defaultPollerCount           = 0 // 0 means GOMAXPROCS
)

// DefaultVhost is the virtual host used when vhosts are disabled or the
// requested host does not resolve to a configured vhost.
const DefaultVhost = "__defaultVhost__"

// Config holds all configuration for the application.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Record  RecordConfig  `mapstructure:"record"`
	RTP     RTPConfig     `mapstructure:"rtp"`
	HLS     HLSConfig     `mapstructure:"hls"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"log"`
}

// GeneralConfig holds stream registry and fan-out behaviour.
type GeneralConfig struct {
	// EnableVhost collapses every stream onto DefaultVhost when false.
	EnableVhost bool `mapstructure:"enable_vhost"`
	// MergeWrite is the merge-write window. Zero disables merging and
	// flushes whenever the output timestamp changes.
	MergeWrite time.Duration `mapstructure:"merge_write_ms"`
	// StreamNoneReaderDelay is the idle grace before a stream with no
	// readers is reported (and before the enabled-state cache expires).
	StreamNoneReaderDelay time.Duration `mapstructure:"stream_none_reader_delay_ms"`
	// MaxStreamWait bounds how long FindAsync waits for registration.
	MaxStreamWait time.Duration `mapstructure:"max_stream_wait_ms"`
	// ModifyStamp overrides producer timestamps with revised ones.
	ModifyStamp bool `mapstructure:"modify_stamp"`
	// Per-protocol demand gating: the muxer only packetizes while its
	// ring has at least one reader.
	TSDemand   bool `mapstructure:"ts_demand"`
	FMP4Demand bool `mapstructure:"fmp4_demand"`
	HLSDemand  bool `mapstructure:"hls_demand"`
	RTSPDemand bool `mapstructure:"rtsp_demand"`
	RTMPDemand bool `mapstructure:"rtmp_demand"`
	// PollerCount is the number of event-loop goroutines. Zero selects
	// one per CPU.
	PollerCount int `mapstructure:"poller_count"`
}

// RecordConfig holds MP4/HLS recording configuration.
type RecordConfig struct {
	// AppName is the application name reserved for vod/record sources.
	AppName string `mapstructure:"app_name"`
	// FileSecond is the MP4 rotation duration.
	FileSecond time.Duration `mapstructure:"file_second"`
	// FastStart is accepted but not read: the MP4 recorder always writes
	// fragmented MP4, whose moov sits in the init segment at the file start.
	FastStart bool `mapstructure:"fast_start"`
	// Path is the root directory for recorded files.
	Path string `mapstructure:"path"`
}

// RTPConfig holds RTP packetization configuration.
type RTPConfig struct {
	// CycleMS is the RTP timestamp wrap modulus in milliseconds.
	CycleMS uint32 `mapstructure:"cycle_ms"`
	// VideoMtuSize is the RTP MTU for video payloads.
	VideoMtuSize int `mapstructure:"video_mtu_size"`
	// AudioMtuSize is the RTP MTU for audio payloads.
	AudioMtuSize int `mapstructure:"audio_mtu_size"`
}

// HLSConfig holds HLS recorder configuration.
type HLSConfig struct {
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	SegmentCount    int           `mapstructure:"segment_count"`
}

// ServerConfig holds the management HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SetDefaults registers default values on the provided viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("general.enable_vhost", true)
	v.SetDefault("general.merge_write_ms", defaultMergeWriteMS)
	v.SetDefault("general.stream_none_reader_delay_ms", defaultStreamNoneReaderDelay)
	v.SetDefault("general.max_stream_wait_ms", defaultMaxStreamWait)
	v.SetDefault("general.modify_stamp", false)
	v.SetDefault("general.ts_demand", false)
	v.SetDefault("general.fmp4_demand", false)
	v.SetDefault("general.hls_demand", false)
	v.SetDefault("general.rtsp_demand", false)
	v.SetDefault("general.rtmp_demand", false)
	v.SetDefault("general.poller_count", defaultPollerCount)

	v.SetDefault("record.app_name", defaultRecordAppName)
	v.SetDefault("record.file_second", defaultRecordFileSecond)
	v.SetDefault("record.fast_start", false)
	v.SetDefault("record.path", defaultRecordPath)

	v.SetDefault("rtp.cycle_ms", defaultRtpCycleMS)
	v.SetDefault("rtp.video_mtu_size", defaultVideoMtuSize)
	v.SetDefault("rtp.audio_mtu_size", defaultAudioMtuSize)

	v.SetDefault("hls.segment_duration", defaultHLSSegmentDuration)
	v.SetDefault("hls.segment_count", defaultHLSSegmentCount)

	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.port", defaultServerPort)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.add_source", false)
	v.SetDefault("log.time_format", time.RFC3339)
}

// Load unmarshals and validates configuration from the viper instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.General.MaxStreamWait < 0 {
		return fmt.Errorf("general.max_stream_wait_ms must not be negative")
	}
	if c.General.StreamNoneReaderDelay < 0 {
		return fmt.Errorf("general.stream_none_reader_delay_ms must not be negative")
	}
	if c.Record.FileSecond < time.Second {
		return fmt.Errorf("record.file_second must be at least one second")
	}
	if c.Record.AppName == "" {
		return fmt.Errorf("record.app_name must not be empty")
	}
	if c.RTP.VideoMtuSize < 64 || c.RTP.AudioMtuSize < 64 {
		return fmt.Errorf("rtp mtu sizes must be at least 64 bytes")
	}
	if c.HLS.SegmentCount < 1 {
		return fmt.Errorf("hls.segment_count must be at least 1")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
