package policy

import (
	"math"
	"math/rand"
)

// logEps keeps log-probabilities finite when a probability underflows to zero.
const logEps = 1e-8

// Softmax returns the probabilities for a logit vector, shifted by the max
// logit for numerical stability.
func Softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}
	maxLogit := logits[0]
	for _, z := range logits[1:] {
		maxLogit = math.Max(maxLogit, z)
	}
	sum := 0.0
	for i, z := range logits {
		probs[i] = math.Exp(z - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// LogProb is the log-probability of index a under probs.
func LogProb(probs []float64, a int) float64 {
	return math.Log(probs[a] + logEps)
}

// Entropy of a categorical distribution, in nats.
func Entropy(probs []float64) (h float64) {
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return
}

// ArgMax returns the first index of the largest value.
func ArgMax(xs []float64) (best int) {
	for i := range xs {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return
}

// SampleIndex draws an index from probs by inverse-CDF.
func SampleIndex(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

// LogProbGrad is d log p(a) / d logits, which for a softmax is onehot(a) - p.
func LogProbGrad(probs []float64, a int) []float64 {
	grad := make([]float64, len(probs))
	for i, p := range probs {
		grad[i] = -p
	}
	grad[a] += 1
	return grad
}

// EntropyGrad is dH / d logits = -p_i (log p_i + H).
func EntropyGrad(probs []float64) []float64 {
	h := Entropy(probs)
	grad := make([]float64, len(probs))
	for i, p := range probs {
		if p > 0 {
			grad[i] = -p * (math.Log(p) + h)
		}
	}
	return grad
}
