package reinforcement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"duelrl/atomic_float"
	"duelrl/experience"
	"duelrl/models"
	"duelrl/policy"

	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned when drained observations or actions do not fit
// the network. The buffer is left as it was so a later run can retry.
var ErrShapeMismatch = errors.New("training shape mismatch")

type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
	// StatusBusy means another run for the same agent was already in progress.
	StatusBusy Status = "busy"
)

// Result reports one training run. Only Status and BufferSize are set unless
// the run completed.
type Result struct {
	Status      Status           `json:"status"`
	BufferSize  int              `json:"buffer_size,omitempty"`
	Loss        float64          `json:"loss"`
	PolicyLoss  float64          `json:"policy_loss"`
	ValueLoss   float64          `json:"value_loss"`
	Entropy     float64          `json:"entropy"`
	Returns     Stats            `json:"returns"`
	Score       float64          `json:"score"`
	Samples     int              `json:"samples_trained"`
	Updates     int              `json:"updates"`
	GradNorm    float64          `json:"grad_norm"`
	Breakdown   models.Breakdown `json:"breakdown,omitempty"`
	HeadEntropy Entropies        `json:"head_entropy,omitempty"`
}

// Entropies is the mean entropy of each action head, keyed by head name.
type Entropies map[string]float64

// Hyper are the scalar training parameters.
type Hyper struct {
	Gamma       float64
	LR          float64
	Clip        float64
	EntropyCoef float64
	ValueCoef   float64
	MaxGradNorm float64
	BatchSize   int
	Epochs      int
}

// HyperFromConfig reads the hyperparameters with their defaults. The gradient
// norm bound is tighter for PPO, which takes many small steps per run.
func HyperFromConfig(cfg *TrainingConfig) Hyper {
	gradNorm := 1.0
	if cfg.Kind() == KindPPO {
		gradNorm = 0.5
	}
	return Hyper{
		Gamma:       cfg.GetHyperParamOrDefault(ParamGamma, 0.99),
		LR:          cfg.GetHyperParamOrDefault(ParamLearningRate, 3e-4),
		Clip:        cfg.GetHyperParamOrDefault(ParamClip, 0.2),
		EntropyCoef: cfg.GetHyperParamOrDefault(ParamEntropyCoef, 0.01),
		ValueCoef:   cfg.GetHyperParamOrDefault(ParamValueCoef, 0.5),
		MaxGradNorm: cfg.GetHyperParamOrDefault(ParamMaxGradNorm, gradNorm),
		BatchSize:   int(cfg.GetHyperParamOrDefault(ParamBatchSize, 64)),
		Epochs:      int(cfg.GetHyperParamOrDefault(ParamEpochs, 4)),
	}
}

// Trainer updates one agent's network from its experience buffer, with either
// vanilla policy gradient over reward-to-go or clipped PPO. Runs are
// single-flight: the scheduler may fire again while a run is still going, and
// that second trigger is turned away rather than queued.
type Trainer struct {
	kind    string
	hp      Hyper
	net     *policy.Network
	opt     *policy.Adam
	score   *atomic_float.AtomicFloat64
	running atomic.Bool

	// rng shuffles PPO mini-batches; only touched while running is held.
	rng *rand.Rand
	mu  sync.Mutex
	// last is the most recent completed result.
	last Result
}

// NewTrainer binds a trainer to a network. score accumulates the total reward
// of every completed run; it may be shared with a scoreboard.
func NewTrainer(kind string, hp Hyper, net *policy.Network, score *atomic_float.AtomicFloat64, seed int64) *Trainer {
	if score == nil {
		score = atomic_float.NewAtomicFloat64(0)
	}
	return &Trainer{
		kind:  kind,
		hp:    hp,
		net:   net,
		opt:   policy.NewAdam(hp.LR),
		score: score,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Score is the rolling sum of trained rewards.
func (tr *Trainer) Score() float64 {
	return tr.score.AtomicRead()
}

// Last returns the most recent completed result.
func (tr *Trainer) Last() Result {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.last
}

// Train runs one update over the buffer's aligned contents. The buffer is
// untouched unless the run completes, in which case only the trained steps are
// removed. ctx bounds PPO's epoch loop; a run past its deadline stops after the
// current epoch and still counts.
func (tr *Trainer) Train(ctx context.Context, buf *experience.Buffer) (Result, error) {
	if !tr.running.CompareAndSwap(false, true) {
		return Result{Status: StatusBusy, BufferSize: buf.Len()}, nil
	}
	defer tr.running.Store(false)

	batch := buf.Snapshot()
	if batch.Len() == 0 || batch.Len() < tr.hp.BatchSize {
		return Result{Status: StatusInsufficientData, BufferSize: batch.Len()}, nil
	}

	obs, err := tr.observationTensor(batch.Observations)
	if err != nil {
		return Result{}, err
	}
	targets, err := tr.targetTensor(batch.Actions)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if tr.kind == KindPPO {
		res, err = tr.trainPPO(ctx, obs, targets, batch)
	} else {
		res, err = tr.trainPolicyGradient(obs, targets, batch)
	}
	if err != nil {
		return Result{}, err
	}

	buf.ClearPrefix(batch.Len())
	res.Status = StatusOK
	res.Samples = batch.Len()
	res.Score = batch.TotalReward()
	res.Breakdown = batch.Breakdown()
	tr.score.Add(res.Score)

	tr.mu.Lock()
	tr.last = res
	tr.mu.Unlock()
	return res, nil
}

// observationTensor packs the observations into an [N, L] dense tensor,
// rejecting ragged rows or a width the network was not built for.
func (tr *Trainer) observationTensor(rows [][]float64) (*tensor.Dense, error) {
	width := tr.net.Config().InputSize
	backing := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: observation %d has %d features, want %d", ErrShapeMismatch, i, len(row), width)
		}
		backing = append(backing, row...)
	}
	return tensor.New(tensor.WithShape(len(rows), width), tensor.WithBacking(backing)), nil
}

// headNames labels the heads for logs: the action dimensions, or "flat".
func (tr *Trainer) headNames() []string {
	if tr.net.Config().Scheme == policy.SchemeFlat {
		return []string{string(policy.SchemeFlat)}
	}
	return models.DimNames[:]
}

// targetTensor packs each stored action's head targets into an [N, H] tensor,
// rejecting indices outside the network's bins, which no logit would match.
func (tr *Trainer) targetTensor(actions []models.Indices) (*tensor.Dense, error) {
	bins := tr.net.Codec().Sizes()
	heads := len(tr.headNames())
	backing := make([]int, 0, len(actions)*heads)
	for i, idx := range actions {
		for d, v := range idx {
			if v < 0 || v >= bins[d] {
				return nil, fmt.Errorf("%w: action %d %s index %d outside %d bins", ErrShapeMismatch, i, models.DimNames[d], v, bins[d])
			}
		}
		backing = append(backing, tr.net.HeadTargets(idx)...)
	}
	return tensor.New(tensor.WithShape(len(actions), heads), tensor.WithBacking(backing)), nil
}

func row(obs *tensor.Dense, i int) []float64 {
	width := obs.Shape()[1]
	return obs.Data().([]float64)[i*width : (i+1)*width]
}

func targetRow(targets *tensor.Dense, i int) []int {
	width := targets.Shape()[1]
	return targets.Data().([]int)[i*width : (i+1)*width]
}

func (tr *Trainer) labelHeads(entropies []float64) Entropies {
	names := tr.headNames()
	out := make(Entropies, len(entropies))
	for k, h := range entropies {
		out[names[k]] = h
	}
	return out
}

// headTerms computes, for one forward pass, the joint log-probability of the
// taken heads, each head's entropy and each head's probabilities.
func headTerms(out policy.Output, targets []int) (logProb float64, entropies []float64, probs [][]float64) {
	probs = out.Probs()
	entropies = make([]float64, len(probs))
	for k, p := range probs {
		logProb += policy.LogProb(p, targets[k])
		entropies[k] = policy.Entropy(p)
	}
	return
}

// addEntropies adds scale times each head entropy into sums and returns their
// scaled total.
func addEntropies(sums, entropies []float64, scale float64) (total float64) {
	for k, h := range entropies {
		sums[k] += h * scale
		total += h * scale
	}
	return
}

// logitGrads is dL/dz for L = -w·logp(a) - c·H, summed over heads.
func logitGrads(probs [][]float64, targets []int, w, entropyCoef float64) [][]float64 {
	d := make([][]float64, len(probs))
	for k, p := range probs {
		lg := policy.LogProbGrad(p, targets[k])
		eg := policy.EntropyGrad(p)
		d[k] = make([]float64, len(p))
		for i := range p {
			d[k][i] = -w*lg[i] - entropyCoef*eg[i]
		}
	}
	return d
}

// trainPolicyGradient: loss = -mean(logp·A) - c_H·mean(H) [+ c_V·mean((v-R̂)²)],
// where A is the normalized reward-to-go, or the advantage over the critic.
func (tr *Trainer) trainPolicyGradient(obs, targets *tensor.Dense, batch experience.Batch) (Result, error) {
	returns := RewardToGo(batch.Rewards, tr.hp.Gamma)
	norm := Normalize(returns)
	n := float64(len(norm))

	weights := norm
	if tr.net.HasCritic() {
		values := make([]float64, len(norm))
		for i := range norm {
			out, err := tr.net.Forward(row(obs, i))
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
			}
			values[i] = out.Value
		}
		weights = Advantages(returns, values)
	}

	res := Result{Returns: Describe(returns), Updates: 1}
	headEntropy := make([]float64, len(tr.headNames()))
	grads := tr.net.NewGrads()
	for i := range norm {
		heads := targetRow(targets, i)
		_, err := tr.net.Accumulate(row(obs, i), func(out policy.Output) ([][]float64, float64) {
			logProb, entropies, probs := headTerms(out, heads)
			res.PolicyLoss -= logProb * weights[i] / n
			res.Entropy += addEntropies(headEntropy, entropies, 1/n)
			dValue := 0.0
			if tr.net.HasCritic() {
				diff := out.Value - norm[i]
				res.ValueLoss += diff * diff / n
				dValue = tr.hp.ValueCoef * 2 * diff / n
			}
			return logitGrads(probs, heads, weights[i]/n, tr.hp.EntropyCoef/n), dValue
		}, grads)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
	}
	res.Loss = res.PolicyLoss - tr.hp.EntropyCoef*res.Entropy + tr.hp.ValueCoef*res.ValueLoss
	res.HeadEntropy = tr.labelHeads(headEntropy)
	res.GradNorm = tr.net.Apply(tr.opt, grads, tr.hp.MaxGradNorm)
	return res, nil
}

// trainPPO runs several epochs of clipped-surrogate updates over shuffled
// mini-batches. Returns reset at episode boundaries, advantages are taken
// against the values stored at prediction time, and reported losses are
// averaged over every mini-batch update.
func (tr *Trainer) trainPPO(ctx context.Context, obs, actions *tensor.Dense, batch experience.Batch) (Result, error) {
	returns := RewardToGoWithDones(batch.Rewards, batch.Dones, tr.hp.Gamma)
	targets := Normalize(returns)
	adv := Advantages(returns, batch.Values)

	size := len(adv)
	bs := max(1, min(tr.hp.BatchSize, size))
	epochs := max(1, tr.hp.Epochs)
	res := Result{Returns: Describe(returns)}

	var policyLoss, valueLoss, entropySum float64
	headEntropy := make([]float64, len(tr.headNames()))
	grads := tr.net.NewGrads()
	for epoch := 0; epoch < epochs; epoch++ {
		if epoch > 0 && ctx.Err() != nil {
			break
		}
		perm := tr.rng.Perm(size)
		for start := 0; start < size; start += bs {
			idx := perm[start:min(start+bs, size)]
			m := float64(len(idx))
			grads.Zero()
			for _, i := range idx {
				heads := targetRow(actions, i)
				oldLogProb := batch.LogProbs[i]
				_, err := tr.net.Accumulate(row(obs, i), func(out policy.Output) ([][]float64, float64) {
					logProb, entropies, probs := headTerms(out, heads)
					ratio := math.Exp(logProb - oldLogProb)
					unclipped := ratio * adv[i]
					clipped := math.Max(1-tr.hp.Clip, math.Min(1+tr.hp.Clip, ratio)) * adv[i]

					// d(-min)/dlogp is -A·r when the unclipped term is the minimum
					// and zero when the clipped constant is.
					w := 0.0
					if unclipped <= clipped {
						w = adv[i] * ratio
					}
					policyLoss -= math.Min(unclipped, clipped) / m
					entropySum += addEntropies(headEntropy, entropies, 1/m)
					diff := out.Value - targets[i]
					valueLoss += diff * diff / m
					return logitGrads(probs, heads, w/m, tr.hp.EntropyCoef/m), tr.hp.ValueCoef * 2 * diff / m
				}, grads)
				if err != nil {
					return Result{}, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
				}
			}
			res.GradNorm = tr.net.Apply(tr.opt, grads, tr.hp.MaxGradNorm)
			res.Updates++
		}
	}

	updates := float64(res.Updates)
	res.PolicyLoss = policyLoss / updates
	res.ValueLoss = valueLoss / updates
	res.Entropy = entropySum / updates
	for k := range headEntropy {
		headEntropy[k] /= updates
	}
	res.HeadEntropy = tr.labelHeads(headEntropy)
	res.Loss = res.PolicyLoss + tr.hp.ValueCoef*res.ValueLoss - tr.hp.EntropyCoef*res.Entropy
	return res, nil
}
