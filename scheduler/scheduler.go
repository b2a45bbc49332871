// Package scheduler counts inference ticks per bot, launches background
// training every fixed number of ticks, and estimates each bot's game tick
// rate from the spacing of its inference calls.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tickRatePercentile picks a slow-side interval so a few bursty calls don't
// inflate the estimate.
const tickRatePercentile = 0.9

// TrainFunc runs one training attempt for a bot.
type TrainFunc func(ctx context.Context, bot string)

type Config struct {
	Interval   int
	History    int
	Multiplier float64
}

// Scheduler is safe for concurrent use. Training runs on its own goroutines
// and never blocks Tick.
type Scheduler struct {
	cfg    Config
	train  TrainFunc
	ctx    context.Context
	logger zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
	stamps map[string][]time.Time

	wg sync.WaitGroup
}

// New returns a scheduler whose training runs inherit ctx.
func New(ctx context.Context, cfg Config, train TrainFunc, logger zerolog.Logger) *Scheduler {
	if cfg.History < 2 {
		cfg.History = 2
	}
	return &Scheduler{
		cfg:    cfg,
		train:  train,
		ctx:    ctx,
		logger: logger.With().Str("component", "scheduler").Logger(),
		counts: map[string]int{},
		stamps: map[string][]time.Time{},
	}
}

// Tick counts one inference call. On reaching the interval the counter resets
// and a training run is launched; the return value reports whether one was.
func (s *Scheduler) Tick(bot string) (fired bool) {
	s.mu.Lock()
	s.counts[bot]++
	if s.counts[bot] >= s.cfg.Interval {
		s.counts[bot] = 0
		fired = true
	}
	s.mu.Unlock()

	if fired {
		s.Trigger(bot)
	}
	return
}

// Count is the bot's ticks since its last scheduled run.
func (s *Scheduler) Count(bot string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[bot]
}

// Trigger launches a training run for bot without waiting for it.
func (s *Scheduler) Trigger(bot string) {
	s.logger.Debug().Str("bot", bot).Msg("training scheduled")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.train(s.ctx, bot)
	}()
}

// Observe records the time of an inference call, keeping the latest History.
func (s *Scheduler) Observe(bot string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamps := append(s.stamps[bot], at)
	if over := len(stamps) - s.cfg.History; over > 0 {
		stamps = stamps[over:]
	}
	s.stamps[bot] = stamps
}

// TickRate estimates the game's ticks per second for bot: the calls per
// second implied by the 90th-percentile gap between calls, times the
// configured multiplier. Zero until two calls have been observed.
func (s *Scheduler) TickRate(bot string) float64 {
	s.mu.Lock()
	stamps := append([]time.Time(nil), s.stamps[bot]...)
	s.mu.Unlock()

	if len(stamps) < 2 {
		return 0
	}
	intervals := make([]int64, 0, len(stamps)-1)
	for i := 1; i < len(stamps); i++ {
		intervals = append(intervals, stamps[i].Sub(stamps[i-1]).Milliseconds())
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	idx := int(float64(len(intervals)) * tickRatePercentile)
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}
	if intervals[idx] <= 0 {
		return 0
	}
	return 1000.0 / float64(intervals[idx]) * s.cfg.Multiplier
}

// Forget drops a bot's counters.
func (s *Scheduler) Forget(bot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, bot)
	delete(s.stamps, bot)
}

// Wait blocks until every launched training run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
