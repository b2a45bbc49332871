package policy

import (
	"math"
	"math/rand"
)

// Linear is a dense layer y = Wx + b with W stored row-major as Out x In.
type Linear struct {
	In  int       `yaml:"in"`
	Out int       `yaml:"out"`
	W   []float64 `yaml:"w,flow"`
	B   []float64 `yaml:"b,flow"`
}

func newLinear(in, out int) Linear {
	return Linear{
		In:  in,
		Out: out,
		W:   make([]float64, in*out),
		B:   make([]float64, out),
	}
}

// initUniform fills W from U(-scale/sqrt(in), scale/sqrt(in)); biases start at zero.
func (l *Linear) initUniform(rng *rand.Rand, scale float64) {
	limit := scale / math.Sqrt(float64(l.In))
	for i := range l.W {
		l.W[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (l *Linear) forward(x []float64) []float64 {
	y := make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		row := l.W[o*l.In : (o+1)*l.In]
		sum := l.B[o]
		for i, xi := range x {
			sum += row[i] * xi
		}
		y[o] = sum
	}
	return y
}

// backward accumulates dW and dB into g and returns dL/dx.
func (l *Linear) backward(x, dy []float64, g *Linear) []float64 {
	dx := make([]float64, l.In)
	for o, d := range dy {
		if d == 0 {
			continue
		}
		g.B[o] += d
		row := l.W[o*l.In : (o+1)*l.In]
		grow := g.W[o*l.In : (o+1)*l.In]
		for i, xi := range x {
			grow[i] += d * xi
			dx[i] += d * row[i]
		}
	}
	return dx
}

func relu(xs []float64) []float64 {
	for i, x := range xs {
		if x < 0 {
			xs[i] = 0
		}
	}
	return xs
}

// reluMask zeroes gradient entries whose activation was clamped.
func reluMask(dy, activation []float64) []float64 {
	for i, a := range activation {
		if a <= 0 {
			dy[i] = 0
		}
	}
	return dy
}
