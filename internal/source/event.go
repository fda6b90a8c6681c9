package source

import (
	"errors"
	"time"

	"github.com/flyingrabbit881/medianode/internal/media"
)

// OriginType identifies the kind of producer feeding a source.
type OriginType int

const (
	OriginUnknown OriginType = iota
	OriginRtmpPush
	OriginRtspPush
	OriginRtpPush
	OriginPull
	OriginFFmpegPull
	OriginMP4Vod
	OriginDeviceChannel
)

// String returns the origin type name.
func (o OriginType) String() string {
	switch o {
	case OriginRtmpPush:
		return "rtmp_push"
	case OriginRtspPush:
		return "rtsp_push"
	case OriginRtpPush:
		return "rtp_push"
	case OriginPull:
		return "pull"
	case OriginFFmpegPull:
		return "ffmpeg_pull"
	case OriginMP4Vod:
		return "mp4_vod"
	case OriginDeviceChannel:
		return "device_chn"
	default:
		return "unknown"
	}
}

// RecordType selects a recorder kind.
type RecordType int

const (
	RecordHLS RecordType = iota
	RecordMP4
)

// SendRtpArgs parameterizes a GB28181 RTP egress session.
type SendRtpArgs struct {
	DstURL  string
	DstPort uint16
	SSRC    string
	IsUDP   bool
	SrcPort uint16
}

// MediaSourceEvent answers lifecycle questions on behalf of a source. The
// source holds a non-owning reference: implementors detach themselves with
// SetListener(nil) before dying.
type MediaSourceEvent interface {
	// OriginType reports the kind of producer.
	OriginType(sender Source) OriginType
	// OriginURL reports the producer URL or file path.
	OriginURL(sender Source) string
	// OriginSock reports producer socket info for diagnostics.
	OriginSock(sender Source) string

	// SeekTo requests a timeline seek and reports success.
	SeekTo(sender Source, stampMS int64) bool
	// Close requests producer teardown. force=true must succeed.
	Close(sender Source, force bool) bool

	// TotalReaderCount sums readers across every schema of the logical
	// stream.
	TotalReaderCount(sender Source) int
	// OnReaderChanged is notified after a source's own reader count
	// changed.
	OnReaderChanged(sender Source, count int)
	// OnRegist is notified after the source was (un)registered.
	OnRegist(sender Source, registered bool)

	// SetupRecord toggles HLS/MP4 recording.
	SetupRecord(sender Source, t RecordType, start bool, customPath string) bool
	// IsRecording queries recorder state.
	IsRecording(sender Source, t RecordType) bool

	// Tracks enumerates the stream's tracks.
	Tracks(sender Source, readyOnly bool) []media.Track

	// StartSendRtp starts GB28181 egress; cb receives the local port or
	// the first send error.
	StartSendRtp(sender Source, args SendRtpArgs, cb func(localPort uint16, err error))
	// StopSendRtp removes the sender for ssrc; empty ssrc removes all.
	StopSendRtp(sender Source, ssrc string) bool
}

// ErrSelfDelegation is returned when an interceptor is asked to delegate to
// itself.
var ErrSelfDelegation = errors.New("interceptor cannot delegate to itself")

// ErrNoListener is returned for operations that need a producer-side
// listener when none is attached.
var ErrNoListener = errors.New("source has no listener")

// EventInterceptor is a delegating MediaSourceEvent: every operation
// forwards to the delegate unless the embedding type overrides it. The
// fan-out muxer embeds it to intercept reader counting while still
// forwarding close to the producer.
type EventInterceptor struct {
	delegate MediaSourceEvent
}

// SetDelegate installs the next listener in the chain.
func (i *EventInterceptor) SetDelegate(self MediaSourceEvent, delegate MediaSourceEvent) error {
	if self == delegate && delegate != nil {
		return ErrSelfDelegation
	}
	i.delegate = delegate
	return nil
}

// Delegate returns the next listener in the chain.
func (i *EventInterceptor) Delegate() MediaSourceEvent { return i.delegate }

// OriginType implements MediaSourceEvent.
func (i *EventInterceptor) OriginType(sender Source) OriginType {
	if i.delegate == nil {
		return OriginUnknown
	}
	return i.delegate.OriginType(sender)
}

// OriginURL implements MediaSourceEvent.
func (i *EventInterceptor) OriginURL(sender Source) string {
	if i.delegate == nil {
		return ""
	}
	return i.delegate.OriginURL(sender)
}

// OriginSock implements MediaSourceEvent.
func (i *EventInterceptor) OriginSock(sender Source) string {
	if i.delegate == nil {
		return ""
	}
	return i.delegate.OriginSock(sender)
}

// SeekTo implements MediaSourceEvent.
func (i *EventInterceptor) SeekTo(sender Source, stampMS int64) bool {
	if i.delegate == nil {
		return false
	}
	return i.delegate.SeekTo(sender, stampMS)
}

// Close implements MediaSourceEvent.
func (i *EventInterceptor) Close(sender Source, force bool) bool {
	if i.delegate == nil {
		return false
	}
	return i.delegate.Close(sender, force)
}

// TotalReaderCount implements MediaSourceEvent.
func (i *EventInterceptor) TotalReaderCount(sender Source) int {
	if i.delegate == nil {
		return sender.ReaderCount()
	}
	return i.delegate.TotalReaderCount(sender)
}

// OnReaderChanged implements MediaSourceEvent.
func (i *EventInterceptor) OnReaderChanged(sender Source, count int) {
	if i.delegate != nil {
		i.delegate.OnReaderChanged(sender, count)
	}
}

// OnRegist implements MediaSourceEvent.
func (i *EventInterceptor) OnRegist(sender Source, registered bool) {
	if i.delegate != nil {
		i.delegate.OnRegist(sender, registered)
	}
}

// SetupRecord implements MediaSourceEvent.
func (i *EventInterceptor) SetupRecord(sender Source, t RecordType, start bool, customPath string) bool {
	if i.delegate == nil {
		return false
	}
	return i.delegate.SetupRecord(sender, t, start, customPath)
}

// IsRecording implements MediaSourceEvent.
func (i *EventInterceptor) IsRecording(sender Source, t RecordType) bool {
	if i.delegate == nil {
		return false
	}
	return i.delegate.IsRecording(sender, t)
}

// Tracks implements MediaSourceEvent.
func (i *EventInterceptor) Tracks(sender Source, readyOnly bool) []media.Track {
	if i.delegate == nil {
		return nil
	}
	return i.delegate.Tracks(sender, readyOnly)
}

// StartSendRtp implements MediaSourceEvent.
func (i *EventInterceptor) StartSendRtp(sender Source, args SendRtpArgs, cb func(uint16, error)) {
	if i.delegate == nil {
		cb(0, errors.New("rtp sending unsupported by this source"))
		return
	}
	i.delegate.StartSendRtp(sender, args, cb)
}

// StopSendRtp implements MediaSourceEvent.
func (i *EventInterceptor) StopSendRtp(sender Source, ssrc string) bool {
	if i.delegate == nil {
		return false
	}
	return i.delegate.StopSendRtp(sender, ssrc)
}

// RecordInfo describes one finalized MP4 record file.
type RecordInfo struct {
	Key        StreamKey
	FileName   string
	FilePath   string
	FileSize   int64
	StartTime  time.Time
	TimeLenMS  int64
	VirtualURL string
}
