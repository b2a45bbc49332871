package policy

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"duelrl/models"
)

// Scheme selects how the joint action is factored into output heads.
type Scheme string

const (
	// SchemeMulti has one independent categorical head per action dimension.
	SchemeMulti Scheme = "multi"
	// SchemeFlat has a single head over the mixed-radix joint index.
	SchemeFlat Scheme = "flat"
)

// ErrShapeMismatch is returned when an input does not match the network's layout.
var ErrShapeMismatch = errors.New("shape mismatch")

// Config describes a network's architecture.
type Config struct {
	InputSize int
	Hidden    int
	Scheme    Scheme
	Space     models.ActionSpace
	Critic    bool
	Seed      int64
}

// Output holds one forward pass: raw logits per head and the critic's value.
type Output struct {
	Logits [][]float64
	Value  float64
}

// Probs applies a softmax to every head.
func (out Output) Probs() [][]float64 {
	probs := make([][]float64, len(out.Logits))
	for k, z := range out.Logits {
		probs[k] = Softmax(z)
	}
	return probs
}

// Sample is the result of acting: the chosen bins, their joint
// log-probability and the critic's estimate (0 without a critic).
type Sample struct {
	Indices models.Indices
	LogProb float64
	Value   float64
}

// Network is a two-layer ReLU trunk feeding either five per-dimension heads or
// one flat head, plus an optional scalar value head. Inference and gradient
// computation share a read lock; only applying an optimizer step takes the
// write lock, so acting never observes a half-updated set of weights.
type Network struct {
	mu     sync.RWMutex
	cfg    Config
	codec  Codec
	params *Params
}

// NewNetwork builds and initialises a network.
func NewNetwork(cfg Config) (*Network, error) {
	codec, err := NewCodec(cfg.Space)
	if err != nil {
		return nil, fmt.Errorf("new network: %w", err)
	}
	if cfg.InputSize < 1 || cfg.Hidden < 1 {
		return nil, fmt.Errorf("new network: %w: input=%d hidden=%d", ErrShapeMismatch, cfg.InputSize, cfg.Hidden)
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeMulti
	}
	cfg.Space = codec.Space

	rng := rand.New(rand.NewSource(cfg.Seed))
	params := &Params{
		Trunk: []Linear{newLinear(cfg.InputSize, cfg.Hidden), newLinear(cfg.Hidden, cfg.Hidden)},
	}
	for i := range params.Trunk {
		params.Trunk[i].initUniform(rng, 2.449) // sqrt(6): He-uniform for ReLU
	}

	var headSizes []int
	switch cfg.Scheme {
	case SchemeMulti:
		headSizes = codec.Sizes()
	case SchemeFlat:
		headSizes = []int{codec.FlatSize()}
	default:
		return nil, fmt.Errorf("new network: unknown scheme %q", cfg.Scheme)
	}
	for _, size := range headSizes {
		head := newLinear(cfg.Hidden, size)
		head.initUniform(rng, 0.01)
		params.Heads = append(params.Heads, head)
	}

	if cfg.Critic {
		value := newLinear(cfg.Hidden, 1)
		value.initUniform(rng, 1)
		params.Value = &value
	}

	return &Network{cfg: cfg, codec: codec, params: params}, nil
}

// Config returns the architecture.
func (net *Network) Config() Config {
	return net.cfg
}

// Codec returns the action codec matching the heads.
func (net *Network) Codec() Codec {
	return net.codec
}

// HasCritic reports whether a value head exists.
func (net *Network) HasCritic() bool {
	return net.cfg.Critic
}

// NewGrads returns a zeroed accumulator shaped like the weights.
func (net *Network) NewGrads() *Params {
	net.mu.RLock()
	defer net.mu.RUnlock()
	return net.params.zerosLike()
}

type activations struct {
	x, h1, h2 []float64
}

func (net *Network) forward(x []float64) (Output, activations) {
	h1 := relu(net.params.Trunk[0].forward(x))
	h2 := relu(net.params.Trunk[1].forward(h1))
	out := Output{Logits: make([][]float64, len(net.params.Heads))}
	for k := range net.params.Heads {
		out.Logits[k] = net.params.Heads[k].forward(h2)
	}
	if net.params.Value != nil {
		out.Value = net.params.Value.forward(h2)[0]
	}
	return out, activations{x: x, h1: h1, h2: h2}
}

func (net *Network) checkInput(x []float64) error {
	if len(x) != net.cfg.InputSize {
		return fmt.Errorf("%w: observation length %d, network expects %d", ErrShapeMismatch, len(x), net.cfg.InputSize)
	}
	return nil
}

// Forward runs inference on a single observation.
func (net *Network) Forward(x []float64) (Output, error) {
	if err := net.checkInput(x); err != nil {
		return Output{}, err
	}
	net.mu.RLock()
	defer net.mu.RUnlock()
	out, _ := net.forward(x)
	return out, nil
}

// Act samples an action, or takes the per-head arg-max when deterministic.
// For the multi scheme the joint log-probability is the sum over heads.
func (net *Network) Act(x []float64, deterministic bool, rng *rand.Rand) (Sample, error) {
	out, err := net.Forward(x)
	if err != nil {
		return Sample{}, err
	}

	choices := make([]int, len(out.Logits))
	sample := Sample{Value: out.Value}
	for k, probs := range out.Probs() {
		if deterministic {
			choices[k] = ArgMax(probs)
		} else {
			choices[k] = SampleIndex(probs, rng)
		}
		sample.LogProb += LogProb(probs, choices[k])
	}

	if net.cfg.Scheme == SchemeFlat {
		sample.Indices = net.codec.DecodeFlat(choices[0])
	} else {
		copy(sample.Indices[:], choices)
	}
	return sample, nil
}

// HeadTargets maps stored action indices to the per-head targets: the indices
// themselves for multi, or the single flat index.
func (net *Network) HeadTargets(idx models.Indices) []int {
	if net.cfg.Scheme == SchemeFlat {
		return []int{net.codec.EncodeFlat(idx)}
	}
	return idx[:]
}

// LossGrad receives a forward pass and returns dL/dlogits per head and dL/dvalue.
type LossGrad func(out Output) (dLogits [][]float64, dValue float64)

// Accumulate runs a forward pass on x, asks lossGrad for the output
// gradients and backpropagates them into grads. It returns the forward output.
func (net *Network) Accumulate(x []float64, lossGrad LossGrad, grads *Params) (Output, error) {
	if err := net.checkInput(x); err != nil {
		return Output{}, err
	}
	net.mu.RLock()
	defer net.mu.RUnlock()

	out, act := net.forward(x)
	dLogits, dValue := lossGrad(out)
	if len(dLogits) != len(net.params.Heads) {
		return out, fmt.Errorf("%w: %d logit gradients for %d heads", ErrShapeMismatch, len(dLogits), len(net.params.Heads))
	}

	dh2 := make([]float64, net.cfg.Hidden)
	for k := range net.params.Heads {
		dk := net.params.Heads[k].backward(act.h2, dLogits[k], &grads.Heads[k])
		for i := range dh2 {
			dh2[i] += dk[i]
		}
	}
	if net.params.Value != nil && dValue != 0 {
		dv := net.params.Value.backward(act.h2, []float64{dValue}, grads.Value)
		for i := range dh2 {
			dh2[i] += dv[i]
		}
	}

	dh1 := net.params.Trunk[1].backward(act.h1, reluMask(dh2, act.h2), &grads.Trunk[1])
	net.params.Trunk[0].backward(act.x, reluMask(dh1, act.h1), &grads.Trunk[0])
	return out, nil
}

// Apply clips grads to maxNorm and takes one optimizer step under the write
// lock. It returns the gradient norm before clipping.
func (net *Network) Apply(opt *Adam, grads *Params, maxNorm float64) float64 {
	norm := grads.ClipGradNorm(maxNorm)
	net.mu.Lock()
	defer net.mu.Unlock()
	opt.Step(net.params, grads)
	return norm
}
