package tracker

import (
	"slices"
	"sync/atomic"

	"stm-tracker/internal/bus"
)

// Tracked is what the discovery loop knows about a unit it is tracking.
type Tracked struct {
	Unit       bus.Unit
	Prediction bus.Prediction
}

// UnitTable is the set of units currently being tracked on a line.
//
// Membership is replaced wholesale once per discovery cycle by a single
// writer. Readers get a consistent snapshot without locking.
type UnitTable struct {
	units atomic.Pointer[map[bus.UnitKey]Tracked]
}

func NewUnitTable() *UnitTable {
	t := &UnitTable{}
	empty := make(map[bus.UnitKey]Tracked)
	t.units.Store(&empty)
	return t
}

func (t *UnitTable) Lookup(key bus.UnitKey) (Tracked, bool) {
	tr, ok := (*t.units.Load())[key]
	return tr, ok
}

func (t *UnitTable) Len() int { return len(*t.units.Load()) }

// Keys returns the tracked unit keys in ascending order.
func (t *UnitTable) Keys() []bus.UnitKey {
	return sortedKeys(*t.units.Load())
}

// Replace publishes next as the new membership and reports which keys
// left and which joined, both sorted. next must not be modified after the
// call. Only one goroutine may call Replace.
func (t *UnitTable) Replace(next map[bus.UnitKey]Tracked) (removed, added []bus.UnitKey) {
	prev := *t.units.Swap(&next)
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			added = append(added, k)
		}
	}
	slices.Sort(removed)
	slices.Sort(added)
	return removed, added
}

func sortedKeys(m map[bus.UnitKey]Tracked) []bus.UnitKey {
	keys := make([]bus.UnitKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
