package source

import "sync"

// Broadcast event names published by the media core.
const (
	EventMediaChanged     = "media-changed"
	EventStreamNotFound   = "stream-not-found"
	EventStreamNoneReader = "stream-none-reader"
	EventRecordMP4        = "record-mp4"
	EventFlowReport       = "flow-report"
	EventReloadConfig     = "reload-config"
)

// MediaChangedEvent announces a registry mutation.
type MediaChangedEvent struct {
	Registered bool
	Source     Source
}

// StreamNotFoundEvent gives ingestion code a chance to pull a stream on
// demand. ClosePlayer tears the waiting session down when no producer will
// appear.
type StreamNotFoundEvent struct {
	Info        MediaInfo
	Session     Session
	ClosePlayer func()
}

// StreamNoneReaderEvent reports a source that has had no readers for the
// configured grace period.
type StreamNoneReaderEvent struct {
	Source Source
}

// FlowReportEvent summarizes a stream's traffic on unregister.
type FlowReportEvent struct {
	Key        StreamKey
	TotalBytes int64
	AliveSec   int64
	IsPlayer   bool
}

// Bus is the process-wide broadcast channel for the events above.
// Handlers are keyed by (event, tag) so a subscriber can be removed without
// holding a handle. Emission happens outside the bus lock; handlers may
// re-enter Subscribe/Unsubscribe/Emit freely.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]map[string]func(any)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[string]func(any))}
}

// Subscribe registers fn for event under tag, replacing any previous
// handler with the same tag.
func (b *Bus) Subscribe(event, tag string, fn func(any)) {
	b.mu.Lock()
	m := b.handlers[event]
	if m == nil {
		m = make(map[string]func(any))
		b.handlers[event] = m
	}
	m[tag] = fn
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under tag.
func (b *Bus) Unsubscribe(event, tag string) {
	b.mu.Lock()
	if m := b.handlers[event]; m != nil {
		delete(m, tag)
		if len(m) == 0 {
			delete(b.handlers, event)
		}
	}
	b.mu.Unlock()
}

// Emit delivers payload to every handler of event. Handlers run on the
// caller's goroutine, outside the bus lock.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	m := b.handlers[event]
	fns := make([]func(any), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}
