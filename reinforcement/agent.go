package reinforcement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"duelrl/atomic_float"
	"duelrl/experience"
	"duelrl/features"
	"duelrl/models"
	"duelrl/policy"
	"duelrl/reward"

	"github.com/rs/zerolog"
)

// Agent is everything one bot learns with: its network, trajectory buffer and
// trainer. Agents for different bots share the encoder and scoreboard but
// nothing mutable beyond those.
type Agent struct {
	name    string
	cfg     *TrainingConfig
	encoder *features.Encoder
	net     *policy.Network
	buf     *experience.Buffer
	shaper  reward.Shaper
	trainer *Trainer
	logger  zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// AgentMetrics is the per-bot view served to operators.
type AgentMetrics struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	BufferSize int     `json:"buffer_size"`
	Last       Result  `json:"last_training"`
}

func seedFor(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}

// NewAgent builds an agent whose network matches the encoder and space. If a
// weights artifact for the bot exists under the storage directory it is
// loaded instead of a fresh initialisation.
func NewAgent(
	name string,
	cfg *TrainingConfig,
	encoder *features.Encoder,
	space models.ActionSpace,
	score *atomic_float.AtomicFloat64,
	logger zerolog.Logger,
) (*Agent, error) {
	logger = logger.With().Str("component", "agent").Str("bot", name).Logger()
	seed := seedFor(name)

	var net *policy.Network
	var err error
	if path := weightsPath(cfg, name); path != "" {
		if net, err = policy.LoadWeights(path); err == nil {
			logger.Info().Str("path", path).Msg("loaded weights")
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("ignoring unreadable weights")
		}
	}
	if net != nil {
		if reason := incompatible(net.Config(), cfg, encoder, space); reason != "" {
			logger.Warn().Str("reason", reason).Msg("stored weights do not fit, reinitialising")
			net = nil
		}
	}
	if net == nil {
		net, err = policy.NewNetwork(policy.Config{
			InputSize: encoder.Len(),
			Hidden:    int(cfg.GetHyperParamOrDefault(ParamHidden, 128)),
			Scheme:    cfg.Scheme(),
			Space:     space,
			Critic:    cfg.Critic(),
			Seed:      seed,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}

	return &Agent{
		name:    name,
		cfg:     cfg,
		encoder: encoder,
		net:     net,
		buf:     experience.NewBuffer(),
		trainer: NewTrainer(cfg.Kind(), HyperFromConfig(cfg), net, score, seed),
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// incompatible names the first way a stored network disagrees with what the
// agent needs, or returns "" when it can be used as is.
func incompatible(have policy.Config, cfg *TrainingConfig, encoder *features.Encoder, space models.ActionSpace) string {
	switch {
	case have.InputSize != encoder.Len():
		return "input size"
	case have.Space.Bins() != space.Bins():
		return "action space"
	case have.Scheme != cfg.Scheme():
		return "head scheme"
	case have.Critic != cfg.Critic():
		return "critic"
	}
	return ""
}

func weightsPath(cfg *TrainingConfig, name string) string {
	if cfg.Storage.Weights == "" {
		return ""
	}
	return filepath.Join(cfg.Storage.Weights, name+".yaml")
}

func (a *Agent) Name() string {
	return a.name
}

// Space is the action space the network's heads were built for.
func (a *Agent) Space() models.ActionSpace {
	return a.net.Codec().Space
}

// Buffer exposes the agent's trajectory store.
func (a *Agent) Buffer() *experience.Buffer {
	return a.buf
}

// Predict encodes the snapshot, samples an action and records the step.
func (a *Agent) Predict(snap *models.WorldSnapshot, deterministic bool) (models.Action, error) {
	obs := a.encoder.Encode(snap)

	a.rngMu.Lock()
	sample, err := a.net.Act(obs, deterministic, a.rng)
	a.rngMu.Unlock()
	if err != nil {
		return models.NoOp(), fmt.Errorf("predict %s: %w", a.name, err)
	}

	a.buf.RecordPrediction(obs, sample.Indices, sample.LogProb, sample.Value)
	return a.net.Codec().ToAction(sample.Indices), nil
}

// Reward shapes reported events, plus auto-reward events derived from snap
// when one is given, and credits the result to the newest step. It returns
// the reward and whether there was a step to credit.
func (a *Agent) Reward(events []models.Event, snap *models.WorldSnapshot) (float64, bool) {
	all := append(reward.AutoEvents(snap), events...)
	total, breakdown := a.shaper.Shape(all)
	return total, a.buf.AddReward(total, breakdown)
}

// Done marks the latest step as the end of an episode.
func (a *Agent) Done(done bool) {
	a.buf.MarkDone(done)
}

// Train runs the trainer within the configured training deadline.
func (a *Agent) Train(ctx context.Context) (Result, error) {
	ctx, cancel, err := a.cfg.WithTrainingDeadline(ctx)
	if err != nil {
		return Result{}, err
	}
	defer cancel()

	res, err := a.trainer.Train(ctx, a.buf)
	if err != nil {
		a.logger.Error().Err(err).Msg("training failed")
		return res, err
	}
	switch res.Status {
	case StatusOK:
		heads := zerolog.Dict()
		for name, h := range res.HeadEntropy {
			heads.Float64(name, h)
		}
		a.logger.Info().
			Int("samples", res.Samples).
			Float64("loss", res.Loss).
			Float64("entropy", res.Entropy).
			Dict("head_entropy", heads).
			Float64("return_mean", res.Returns.Mean).
			Float64("score", res.Score).
			Msg("trained")
	default:
		a.logger.Debug().Str("status", string(res.Status)).Int("buffer_size", res.BufferSize).Msg("training skipped")
	}
	return res, nil
}

// Metrics snapshots the agent's score and buffer.
func (a *Agent) Metrics() AgentMetrics {
	return AgentMetrics{
		Name:       a.name,
		Score:      a.trainer.Score(),
		BufferSize: a.buf.Len(),
		Last:       a.trainer.Last(),
	}
}

// Save writes the agent's weights to the storage directory, if configured.
func (a *Agent) Save() error {
	path := weightsPath(a.cfg, a.name)
	if path == "" {
		return nil
	}
	return a.net.SaveWeights(path)
}

// Agents lazily creates and holds one Agent per bot.
type Agents struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	cfg     *TrainingConfig
	encoder *features.Encoder
	scores  *atomic_float.Scoreboard
	logger  zerolog.Logger
}

func NewAgents(cfg *TrainingConfig, encoder *features.Encoder, scores *atomic_float.Scoreboard, logger zerolog.Logger) *Agents {
	return &Agents{
		agents:  map[string]*Agent{},
		cfg:     cfg,
		encoder: encoder,
		scores:  scores,
		logger:  logger,
	}
}

// Get returns the bot's agent if one exists.
func (as *Agents) Get(name string) (*Agent, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	a, ok := as.agents[name]
	return a, ok
}

// GetOrCreate returns the bot's agent, building it for space on first use.
func (as *Agents) GetOrCreate(name string, space models.ActionSpace) (*Agent, error) {
	if a, ok := as.Get(name); ok {
		return a, nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if a, ok := as.agents[name]; ok {
		return a, nil
	}
	a, err := NewAgent(name, as.cfg, as.encoder, space, as.scores.For(name), as.logger)
	if err != nil {
		return nil, err
	}
	as.agents[name] = a
	return a, nil
}

// All returns the agents in no particular order.
func (as *Agents) All() []*Agent {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]*Agent, 0, len(as.agents))
	for _, a := range as.agents {
		out = append(out, a)
	}
	return out
}

// SaveAll writes every agent's weights, returning the first error.
func (as *Agents) SaveAll() (err error) {
	for _, a := range as.All() {
		if saveErr := a.Save(); saveErr != nil && err == nil {
			err = saveErr
		}
	}
	return
}
