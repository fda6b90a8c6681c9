package muxer

import (
	"fmt"
)

func errUnsupportedCodec(c fmt.Stringer, proto string) error {
	return fmt.Errorf("codec %s unsupported by %s muxer", c, proto)
}

// ringCache is the slice of ring behaviour the gate needs.
type ringCache interface {
	ReaderCount() int
	ClearCache()
}

// demandGate implements on-demand muxing: while the protocol's demand flag
// is set and the ring has no readers, packetization is skipped and the ring
// cache is dropped. The first reader re-enables it.
type demandGate struct {
	demand bool
	ring   ringCache
}

func (g *demandGate) init(demand bool, ring ringCache) {
	g.demand = demand
	g.ring = ring
}

// enabled reports whether frames should be packetized.
func (g *demandGate) enabled() bool {
	if !g.demand {
		return true
	}
	return g.ring.ReaderCount() > 0
}

// readerChanged quiesces the muxer when the last reader leaves.
func (g *demandGate) readerChanged(count int) {
	if g.demand && count == 0 {
		g.ring.ClearCache()
	}
}
