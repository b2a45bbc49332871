// Package trainlog keeps the recent history of training runs in memory, fans
// new entries out to live subscribers and optionally archives them to sqlite.
package trainlog

import (
	"sync"
	"time"

	"duelrl/arena"
	"duelrl/models"

	"github.com/google/uuid"
)

// Entry is one completed training run, with the system state around it.
type Entry struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Bot        string             `json:"bot"`
	Samples    int                `json:"samples"`
	Loss       float64            `json:"loss"`
	PolicyLoss float64            `json:"policy_loss"`
	ValueLoss  float64            `json:"value_loss"`
	Entropy    float64            `json:"entropy"`
	Reward     float64            `json:"reward"`
	Breakdown  models.Breakdown   `json:"breakdown,omitempty"`
	Scores     map[string]float64 `json:"scores"`
	Counts     arena.Counts       `json:"counts"`
	Resources  Resources          `json:"resources"`
}

// NewEntry stamps a fresh id and time.
func NewEntry(bot string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Bot:       bot,
	}
}

// Sink receives every appended entry, e.g. an Archive.
type Sink interface {
	Insert(Entry) error
}

// Log is a ring of the most recent entries. Subscribers get a signal per
// append; a subscriber that falls behind misses entries rather than blocking
// the trainer.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

// NewLog retains at most max entries.
func NewLog(max int) *Log {
	if max < 1 {
		max = 1
	}
	return &Log{
		entries: make([]Entry, max),
		subs:    map[chan Entry]struct{}{},
	}
}

// Append stores the entry, evicting the oldest when full, and notifies
// subscribers.
func (l *Log) Append(entry Entry) {
	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	l.subMu.Lock()
	defer l.subMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Len is the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Recent returns up to n entries, oldest first. n <= 0 means all.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ordered []Entry
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe returns a channel of new entries that is closed once done is.
func (l *Log) Subscribe(done <-chan struct{}) <-chan Entry {
	ch := make(chan Entry, 16)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	go func() {
		<-done
		l.subMu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.subMu.Unlock()
	}()
	return ch
}
