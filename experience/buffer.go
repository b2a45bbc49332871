// Package experience holds the per-bot trajectory store that training drains.
package experience

import (
	"sync"

	"duelrl/models"
)

// Batch is an aligned view of the buffer: index i of every slice belongs to
// the same decision step.
type Batch struct {
	Observations [][]float64
	Actions      []models.Indices
	LogProbs     []float64
	Values       []float64
	Dones        []bool
	Rewards      []float64
	Breakdowns   []models.Breakdown
}

// Len is the number of aligned steps.
func (b Batch) Len() int {
	return len(b.Rewards)
}

// TotalReward sums the batch's rewards.
func (b Batch) TotalReward() (sum float64) {
	for _, r := range b.Rewards {
		sum += r
	}
	return
}

// Breakdown merges every step's breakdown.
func (b Batch) Breakdown() models.Breakdown {
	total := models.Breakdown{}
	for _, bd := range b.Breakdowns {
		total.Add(bd)
	}
	return total
}

// Buffer accumulates one bot's trajectory. Every prediction opens a record
// with zero reward; rewards reported afterwards accumulate onto the newest
// record, so events arriving between two decisions are credited to the action
// that preceded them.
//
// All access is serialized by one mutex: predict and reward handlers for the
// same bot run on different goroutines, and training snapshots concurrently.
type Buffer struct {
	mu           sync.Mutex
	observations [][]float64
	actions      []models.Indices
	logProbs     []float64
	values       []float64
	dones        []bool
	rewards      []float64
	breakdowns   []models.Breakdown
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// RecordPrediction opens a record for a decision step: zero reward, empty
// breakdown, not done.
func (buf *Buffer) RecordPrediction(obs []float64, act models.Indices, logProb, value float64) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.observations = append(buf.observations, obs)
	buf.actions = append(buf.actions, act)
	buf.logProbs = append(buf.logProbs, logProb)
	buf.values = append(buf.values, value)
	buf.dones = append(buf.dones, false)
	buf.rewards = append(buf.rewards, 0)
	buf.breakdowns = append(buf.breakdowns, models.Breakdown{})
}

// AddReward adds amount to the newest record and merges its breakdown. With
// no record to credit it does nothing and reports false.
func (buf *Buffer) AddReward(amount float64, breakdown models.Breakdown) bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	n := len(buf.observations)
	if n == 0 {
		return false
	}
	for len(buf.rewards) < n {
		buf.rewards = append(buf.rewards, 0)
		buf.breakdowns = append(buf.breakdowns, models.Breakdown{})
	}
	buf.rewards[n-1] += amount
	if buf.breakdowns[n-1] == nil {
		buf.breakdowns[n-1] = models.Breakdown{}
	}
	buf.breakdowns[n-1].Add(breakdown)
	return true
}

// MarkDone flags the newest record as the end of an episode. Ignored when empty.
func (buf *Buffer) MarkDone(done bool) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if n := len(buf.dones); n > 0 {
		buf.dones[n-1] = done
	}
}

// Len is the number of aligned records.
func (buf *Buffer) Len() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.alignedLen()
}

func (buf *Buffer) alignedLen() int {
	return min(
		len(buf.observations), len(buf.actions), len(buf.logProbs), len(buf.values),
		len(buf.dones), len(buf.rewards), len(buf.breakdowns),
	)
}

// trim cuts every container to the aligned length, discarding whatever ran
// ahead of the rest.
func (buf *Buffer) trim() int {
	n := buf.alignedLen()
	buf.observations = buf.observations[:n]
	buf.actions = buf.actions[:n]
	buf.logProbs = buf.logProbs[:n]
	buf.values = buf.values[:n]
	buf.dones = buf.dones[:n]
	buf.rewards = buf.rewards[:n]
	buf.breakdowns = buf.breakdowns[:n]
	return n
}

// Snapshot returns a copy of the aligned records without modifying the
// buffer. Records added after the snapshot are unaffected by a later
// ClearPrefix.
func (buf *Buffer) Snapshot() Batch {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	n := buf.alignedLen()
	return Batch{
		Observations: append([][]float64(nil), buf.observations[:n]...),
		Actions:      append([]models.Indices(nil), buf.actions[:n]...),
		LogProbs:     append([]float64(nil), buf.logProbs[:n]...),
		Values:       append([]float64(nil), buf.values[:n]...),
		Dones:        append([]bool(nil), buf.dones[:n]...),
		Rewards:      append([]float64(nil), buf.rewards[:n]...),
		Breakdowns:   cloneBreakdowns(buf.breakdowns[:n]),
	}
}

// Drain trims, returns everything and leaves the buffer empty.
func (buf *Buffer) Drain() Batch {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.trim()
	batch := Batch{
		Observations: buf.observations,
		Actions:      buf.actions,
		LogProbs:     buf.logProbs,
		Values:       buf.values,
		Dones:        buf.dones,
		Rewards:      buf.rewards,
		Breakdowns:   buf.breakdowns,
	}
	buf.reset()
	return batch
}

// ClearPrefix drops the first n aligned records, as after training on a
// Snapshot of length n. Anything recorded since the snapshot is kept.
func (buf *Buffer) ClearPrefix(n int) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	n = min(n, buf.alignedLen())
	buf.observations = buf.observations[n:]
	buf.actions = buf.actions[n:]
	buf.logProbs = buf.logProbs[n:]
	buf.values = buf.values[n:]
	buf.dones = buf.dones[n:]
	buf.rewards = buf.rewards[n:]
	buf.breakdowns = buf.breakdowns[n:]
}

// Clear empties every container.
func (buf *Buffer) Clear() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.reset()
}

func (buf *Buffer) reset() {
	buf.observations = nil
	buf.actions = nil
	buf.logProbs = nil
	buf.values = nil
	buf.dones = nil
	buf.rewards = nil
	buf.breakdowns = nil
}

// cloneBreakdowns deep-copies, since AddReward merges into the newest map in place.
func cloneBreakdowns(src []models.Breakdown) []models.Breakdown {
	out := make([]models.Breakdown, len(src))
	for i, bd := range src {
		out[i] = models.Breakdown{}
		out[i].Add(bd)
	}
	return out
}
