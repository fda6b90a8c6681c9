package ring

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flyingrabbit881/medianode/internal/task"
)

// maxGopUnits bounds retained flush units when a producer never sends a
// keyframe (or sends them too rarely). Oldest units are discarded first.
const maxGopUnits = 1024

// Unit is one atomically-published flush unit: packets sharing an output
// timestamp, or delimited by a keyframe.
type Unit[T any] struct {
	Packets []T
	// Key marks the unit opening a GOP.
	Key bool
}

// Reader consumes units from a ring in write order. A reader is pinned to
// one poller; its callbacks run there.
type Reader[T any] struct {
	id       uuid.UUID
	ring     *Ring[T]
	poller   *task.Poller
	onRead   func(Unit[T])
	onDetach func()
	detached atomic.Bool
}

// Detach removes the reader from its ring. The detach callback is invoked
// exactly once, whether detachment came from here, from writer backpressure,
// or from ring teardown.
func (r *Reader[T]) Detach() {
	r.ring.detach(r)
}

func (r *Reader[T]) fireDetach() {
	if r.detached.Swap(true) {
		return
	}
	if r.onDetach != nil {
		cb := r.onDetach
		r.poller.Async(cb)
	}
}

// Ring is a single-writer multi-reader FIFO of flush units with GOP-aware
// retention: at minimum the current GOP is retained so a late-joining reader
// is seeded from the last keyframe.
type Ring[T any] struct {
	mu      sync.Mutex
	gop     []Unit[T]
	readers map[uuid.UUID]*Reader[T]
	closed  bool

	// onReaderChanged observes reader-count transitions. Called outside
	// the ring lock.
	onReaderChanged func(count int)
}

// New creates a ring. onReaderChanged may be nil.
func New[T any](onReaderChanged func(count int)) *Ring[T] {
	return &Ring[T]{
		readers:         make(map[uuid.UUID]*Reader[T]),
		onReaderChanged: onReaderChanged,
	}
}

// Write publishes one flush unit. A keyed unit resets the retained GOP.
// The writer never blocks: a reader whose poller queue is full is detached.
func (r *Ring[T]) Write(packets []T, key bool) {
	unit := Unit[T]{Packets: packets, Key: key}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if key {
		r.gop = r.gop[:0]
	}
	if len(r.gop) >= maxGopUnits {
		r.gop = r.gop[1:]
	}
	r.gop = append(r.gop, unit)

	var slow []*Reader[T]
	for _, reader := range r.readers {
		reader := reader
		if err := reader.poller.Post(func() { reader.onRead(unit) }); err != nil {
			slow = append(slow, reader)
		}
	}
	for _, reader := range slow {
		delete(r.readers, reader.id)
	}
	count := len(r.readers)
	r.mu.Unlock()

	for _, reader := range slow {
		reader.fireDetach()
	}
	if len(slow) > 0 {
		r.notifyReaderChanged(count)
	}
}

// Attach adds a reader pinned to the given poller. Before any live unit, the
// reader is seeded with the retained GOP so playback starts at a keyframe
// (unless the ring has never seen one).
func (r *Ring[T]) Attach(poller *task.Poller, onRead func(Unit[T]), onDetach func()) *Reader[T] {
	reader := &Reader[T]{
		id:       uuid.New(),
		poller:   poller,
		onRead:   onRead,
		onDetach: onDetach,
	}
	reader.ring = r

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		reader.fireDetach()
		return reader
	}
	seed := make([]Unit[T], len(r.gop))
	copy(seed, r.gop)
	r.readers[reader.id] = reader
	count := len(r.readers)
	r.mu.Unlock()

	poller.Async(func() {
		for _, unit := range seed {
			onRead(unit)
		}
	})
	r.notifyReaderChanged(count)
	return reader
}

func (r *Ring[T]) detach(reader *Reader[T]) {
	r.mu.Lock()
	_, ok := r.readers[reader.id]
	if ok {
		delete(r.readers, reader.id)
	}
	count := len(r.readers)
	r.mu.Unlock()

	reader.fireDetach()
	if ok {
		r.notifyReaderChanged(count)
	}
}

// ReaderCount returns the number of attached readers.
func (r *Ring[T]) ReaderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readers)
}

// LastKeyUnit returns the retained GOP's opening unit, if any.
func (r *Ring[T]) LastKeyUnit() (Unit[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.gop) > 0 && r.gop[0].Key {
		return r.gop[0], true
	}
	return Unit[T]{}, false
}

// ClearCache drops the retained GOP. Used by demand-gated muxers entering
// the quiesced state.
func (r *Ring[T]) ClearCache() {
	r.mu.Lock()
	r.gop = nil
	r.mu.Unlock()
}

// Close detaches every reader and rejects further writes.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	readers := make([]*Reader[T], 0, len(r.readers))
	for _, reader := range r.readers {
		readers = append(readers, reader)
	}
	r.readers = map[uuid.UUID]*Reader[T]{}
	r.gop = nil
	r.mu.Unlock()

	for _, reader := range readers {
		reader.fireDetach()
	}
	if len(readers) > 0 {
		r.notifyReaderChanged(0)
	}
}

func (r *Ring[T]) notifyReaderChanged(count int) {
	if r.onReaderChanged != nil {
		r.onReaderChanged(count)
	}
}
