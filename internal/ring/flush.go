// Package ring implements the per-source fan-out primitives: the GOP-aware
// multi-reader ring buffer and the merge-write packet cache feeding it.
package ring

// Merge-write bounds.
const (
	// maxCachedPackets caps the cache both to bound memory under
	// timestamp anomalies and to fit one scatter-gather write (IOV_MAX).
	maxCachedPackets = 1024
	// regressionFlushMS is the stamp regression that always forces a
	// flush (seek or producer rebase).
	regressionFlushMS = 500
)

// FlushPolicy decides when the packet cache is handed to the ring as one
// flush unit. MergeMS <= 0 disables merging: every output-timestamp change
// flushes.
type FlushPolicy struct {
	MergeMS int64

	lastStamp int64
}

// FlushAble reports whether the cache must flush before appending a packet
// with the given stamp. A video keyframe always flushes what came before it
// so the new GOP begins at a ring boundary.
func (p *FlushPolicy) FlushAble(isVideoKey bool, newStamp int64, cacheSize int) bool {
	if cacheSize == 0 {
		p.lastStamp = newStamp
		return false
	}
	flush := false
	switch {
	case isVideoKey:
		flush = true
	case cacheSize >= maxCachedPackets:
		flush = true
	case newStamp+regressionFlushMS < p.lastStamp:
		flush = true
	case p.MergeMS <= 0:
		flush = newStamp != p.lastStamp
	default:
		flush = newStamp-p.lastStamp > p.MergeMS
	}
	if flush {
		p.lastStamp = newStamp
	}
	return flush
}

// PacketCache groups packets into flush units before they are published to
// a ring. The zero MergeMS policy flushes on every timestamp change.
type PacketCache[T any] struct {
	policy  FlushPolicy
	cache   []T
	keyPos  bool
	onFlush func(packets []T, keyPos bool)
}

// NewPacketCache creates a cache. onFlush receives each completed flush unit
// and whether it starts a new GOP.
func NewPacketCache[T any](mergeMS int64, onFlush func([]T, bool)) *PacketCache[T] {
	return &PacketCache[T]{
		policy:  FlushPolicy{MergeMS: mergeMS},
		onFlush: onFlush,
	}
}

// Input appends one packet. stamp is the packet's output timestamp, isVideoKey
// marks a video keyframe, keyPos marks the packet as a GOP start for ring
// retention.
func (c *PacketCache[T]) Input(stamp int64, pkt T, isVideoKey, keyPos bool) {
	if c.policy.FlushAble(isVideoKey, stamp, len(c.cache)) {
		c.Flush()
	}
	c.cache = append(c.cache, pkt)
	if keyPos {
		c.keyPos = true
	}
}

// Flush publishes the pending unit, if any.
func (c *PacketCache[T]) Flush() {
	if len(c.cache) == 0 {
		return
	}
	packets := c.cache
	keyPos := c.keyPos
	c.cache = nil
	c.keyPos = false
	c.onFlush(packets, keyPos)
}

// Size returns the number of pending packets.
func (c *PacketCache[T]) Size() int { return len(c.cache) }
