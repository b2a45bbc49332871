package atomic_float

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// AtomicFloat64 is a float64 that can be read and accumulated without locks.
// The value lives in a uint64 as its IEEE-754 bits; every update is a
// compare-and-swap against the bits that were read.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

// NewAtomicFloat64 returns an accumulator starting at val.
func NewAtomicFloat64(val float64) *AtomicFloat64 {
	af := &AtomicFloat64{}
	af.bits.Store(math.Float64bits(val))
	return af
}

// AtomicRead loads the current value.
func (af *AtomicFloat64) AtomicRead() float64 {
	return math.Float64frombits(af.bits.Load())
}

// TryAdd attempts a single compare-and-swap. If another writer got in first it
// reports failure so the caller can decide whether to retry or drop the update.
func (af *AtomicFloat64) TryAdd(addend float64) (newVal float64, succeeded bool) {
	old := af.bits.Load()
	newVal = math.Float64frombits(old) + addend
	succeeded = af.bits.CompareAndSwap(old, math.Float64bits(newVal))
	return
}

// Add retries until the addend is applied.
func (af *AtomicFloat64) Add(addend float64) (newVal float64) {
	for {
		var ok bool
		if newVal, ok = af.TryAdd(addend); ok {
			return
		}
	}
}

// AtomicSet replaces the value.
func (af *AtomicFloat64) AtomicSet(val float64) {
	af.bits.Store(math.Float64bits(val))
}

// Scoreboard holds one rolling score per bot. Looking up a bot's accumulator
// takes a lock; accumulating into it does not.
type Scoreboard struct {
	mu     sync.RWMutex
	scores map[string]*AtomicFloat64
}

func NewScoreboard() *Scoreboard {
	return &Scoreboard{scores: map[string]*AtomicFloat64{}}
}

// For returns the bot's accumulator, creating it at zero.
func (sb *Scoreboard) For(bot string) *AtomicFloat64 {
	sb.mu.RLock()
	af, ok := sb.scores[bot]
	sb.mu.RUnlock()
	if ok {
		return af
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if af, ok = sb.scores[bot]; !ok {
		af = NewAtomicFloat64(0)
		sb.scores[bot] = af
	}
	return af
}

// Snapshot copies every score.
func (sb *Scoreboard) Snapshot() map[string]float64 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]float64, len(sb.scores))
	for bot, af := range sb.scores {
		out[bot] = af.AtomicRead()
	}
	return out
}

// Total sums every bot's score in name order, so repeated calls on an
// unchanged board agree exactly.
func (sb *Scoreboard) Total() (sum float64) {
	snap := sb.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sum += snap[name]
	}
	return
}
