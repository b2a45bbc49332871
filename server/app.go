package server

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"duelrl/arena"
	"duelrl/atomic_float"
	"duelrl/features"
	"duelrl/models"
	"duelrl/policy"
	"duelrl/rcon"
	"duelrl/reinforcement"
	"duelrl/scheduler"
	"duelrl/trainlog"

	"github.com/rs/zerolog"
)

// actionTTL is how long a predicted action stays usable as a fallback.
const actionTTL = 2 * time.Second

// Archive is the persistent side of the training log.
type Archive interface {
	trainlog.Sink
	Recent(bot string, n int) ([]trainlog.Entry, error)
	Count(bot string) (int, error)
}

// Deps are the collaborators main constructs from flags and config.
type Deps struct {
	Config     *reinforcement.TrainingConfig
	Dispatcher rcon.Dispatcher
	// Archive may be nil.
	Archive Archive
	Logger  zerolog.Logger
}

// App owns all mutable serving state. Handlers receive it explicitly; there
// are no package-level registries.
type App struct {
	Config     *reinforcement.TrainingConfig
	Registry   *arena.Registry
	Agents     *reinforcement.Agents
	Scheduler  *scheduler.Scheduler
	Log        *trainlog.Log
	Archive    Archive
	Scores     *atomic_float.Scoreboard
	Dispatcher rcon.Dispatcher

	sampler *trainlog.Sampler
	actions *actionCache
	logger  zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewApp wires the engine together. Background training runs inherit ctx.
func NewApp(ctx context.Context, deps Deps) (*App, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("new app: nil config")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("new app: nil dispatcher")
	}
	cfg := deps.Config
	logger := deps.Logger

	scores := atomic_float.NewScoreboard()
	encoder := features.NewEncoder(cfg.Limits, 1024)
	app := &App{
		Config:     cfg,
		Registry:   arena.NewRegistry(cfg.Arenas, cfg.Kit, deps.Dispatcher, logger),
		Agents:     reinforcement.NewAgents(cfg, encoder, scores, logger),
		Log:        trainlog.NewLog(cfg.Schedule.LogWindow),
		Archive:    deps.Archive,
		Scores:     scores,
		Dispatcher: deps.Dispatcher,
		sampler:    trainlog.NewSampler(),
		actions:    newActionCache(),
		logger:     logger.With().Str("component", "app").Logger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	app.Scheduler = scheduler.New(ctx, scheduler.Config{
		Interval:   cfg.Schedule.TickInterval,
		History:    cfg.Schedule.TickHistory,
		Multiplier: cfg.Schedule.TickRateMultiplier,
	}, app.train, logger)

	return app, nil
}

// train is the scheduler's training func: one run for the bot's agent, with
// a log entry for every run that actually updated the network.
func (app *App) train(ctx context.Context, bot string) {
	agent, ok := app.Agents.Get(bot)
	if !ok {
		app.logger.Debug().Str("bot", bot).Msg("no agent to train")
		return
	}

	res, err := agent.Train(ctx)
	if err != nil || res.Status != reinforcement.StatusOK {
		return
	}

	entry := trainlog.NewEntry(bot)
	entry.Samples = res.Samples
	entry.Loss = res.Loss
	entry.PolicyLoss = res.PolicyLoss
	entry.ValueLoss = res.ValueLoss
	entry.Entropy = res.Entropy
	entry.Breakdown = res.Breakdown
	entry.Reward = res.Score
	entry.Scores = app.Scores.Snapshot()
	entry.Counts = app.Registry.Snapshot().Counts
	entry.Resources = app.sampler.Sample()

	app.Log.Append(entry)
	if app.Archive != nil {
		if err := app.Archive.Insert(entry); err != nil {
			app.logger.Warn().Err(err).Str("bot", bot).Msg("archive insert failed")
		}
	}
}

// Wait blocks until in-flight training runs finish.
func (app *App) Wait() {
	app.Scheduler.Wait()
}

// Shutdown waits for training and saves every agent's weights.
func (app *App) Shutdown() error {
	app.Wait()
	if err := app.Agents.SaveAll(); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	return nil
}

type cachedAction struct {
	action models.Action
	at     time.Time
}

// actionCache keeps each bot's last good action for prediction failures.
type actionCache struct {
	mu      sync.Mutex
	actions map[string]cachedAction
}

func newActionCache() *actionCache {
	return &actionCache{actions: map[string]cachedAction{}}
}

func (c *actionCache) store(bot string, action models.Action, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[bot] = cachedAction{action: action, at: at}
}

// recent returns the cached action if it is younger than ttl at now.
func (c *actionCache) recent(bot string, now time.Time, ttl time.Duration) (models.Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.actions[bot]
	if !ok || now.Sub(cached.at) > ttl {
		return models.Action{}, false
	}
	return cached.action, true
}

func (c *actionCache) forget(bot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actions, bot)
}

// fallbackAction is the recent cached action or the neutral no-op.
func (app *App) fallbackAction(bot string, now time.Time) models.Action {
	if action, ok := app.actions.recent(bot, now, actionTTL); ok {
		return action
	}
	return models.NoOp()
}

// missingAgentAction answers for a bot that has no agent: a uniformly random
// action valid for space, or the no-op when space itself is unusable.
func (app *App) missingAgentAction(space models.ActionSpace) models.Action {
	codec, err := policy.NewCodec(space)
	if err != nil {
		return models.NoOp()
	}
	app.rngMu.Lock()
	idx := codec.Random(app.rng)
	app.rngMu.Unlock()
	return codec.ToAction(idx)
}

// conformAction maps an action the agent decoded under its own space onto
// the space the client asked for. An unusable requested space gets the no-op.
func (app *App) conformAction(bot string, action models.Action, from, to models.ActionSpace) (models.Action, bool) {
	codec, err := policy.NewCodec(to)
	if err != nil {
		app.logger.Warn().Err(err).Str("bot", bot).Msg("requested action space is unusable")
		return models.NoOp(), true
	}
	app.logger.Warn().
		Str("bot", bot).
		Interface("agent_space", from).
		Interface("requested_space", to).
		Msg("action space changed since the agent was built, conforming action")
	return codec.Conform(action), false
}
