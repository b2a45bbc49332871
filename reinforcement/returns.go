package reinforcement

import "math"

// normEps keeps normalization finite for constant inputs.
const normEps = 1e-8

// RewardToGo computes discounted returns G_t = r_t + gamma * G_{t+1} with a
// single backward pass over the whole buffer.
func RewardToGo(rewards []float64, gamma float64) []float64 {
	returns := make([]float64, len(rewards))
	running := 0.0
	for t := len(rewards) - 1; t >= 0; t-- {
		running = rewards[t] + gamma*running
		returns[t] = running
	}
	return returns
}

// RewardToGoWithDones is RewardToGo where a done flag at t ends an episode, so
// no return flows back across it.
func RewardToGoWithDones(rewards []float64, dones []bool, gamma float64) []float64 {
	returns := make([]float64, len(rewards))
	running := 0.0
	for t := len(rewards) - 1; t >= 0; t-- {
		if t < len(dones) && dones[t] {
			running = 0
		}
		running = rewards[t] + gamma*running
		returns[t] = running
	}
	return returns
}

// Stats summarizes a sample.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Sum  float64 `json:"sum"`
}

// Describe computes population statistics; an empty sample is all zero.
func Describe(xs []float64) (s Stats) {
	if len(xs) == 0 {
		return
	}
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		s.Sum += x
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	s.Mean = s.Sum / float64(len(xs))
	for _, x := range xs {
		s.Std += (x - s.Mean) * (x - s.Mean)
	}
	s.Std = math.Sqrt(s.Std / float64(len(xs)))
	return
}

// Normalize shifts to zero mean and scales to unit variance. A single sample
// has no spread to divide by and is only mean-centred, which yields zero.
func Normalize(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	s := Describe(xs)
	for i, x := range xs {
		if len(xs) == 1 {
			out[i] = x - s.Mean
		} else {
			out[i] = (x - s.Mean) / (s.Std + normEps)
		}
	}
	return out
}

// Advantages are normalized returns minus the critic's values, normalized again.
func Advantages(returns, values []float64) []float64 {
	norm := Normalize(returns)
	adv := make([]float64, len(norm))
	for i := range norm {
		adv[i] = norm[i] - values[i]
	}
	return Normalize(adv)
}
