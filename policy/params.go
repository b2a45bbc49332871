package policy

import "math"

// Params is every trainable tensor of a network. The same shape doubles as a
// gradient accumulator and as Adam's moment estimates.
type Params struct {
	Trunk []Linear `yaml:"trunk"`
	Heads []Linear `yaml:"heads"`
	Value *Linear  `yaml:"value,omitempty"`
}

// zerosLike returns a zero-valued Params with the same layout as p.
func (p *Params) zerosLike() *Params {
	z := &Params{
		Trunk: make([]Linear, len(p.Trunk)),
		Heads: make([]Linear, len(p.Heads)),
	}
	for i, l := range p.Trunk {
		z.Trunk[i] = newLinear(l.In, l.Out)
	}
	for i, l := range p.Heads {
		z.Heads[i] = newLinear(l.In, l.Out)
	}
	if p.Value != nil {
		v := newLinear(p.Value.In, p.Value.Out)
		z.Value = &v
	}
	return z
}

// tensors flattens the layout into an ordered list of backing slices, stable
// across any two Params built by zerosLike from the same network.
func (p *Params) tensors() [][]float64 {
	var ts [][]float64
	for i := range p.Trunk {
		ts = append(ts, p.Trunk[i].W, p.Trunk[i].B)
	}
	for i := range p.Heads {
		ts = append(ts, p.Heads[i].W, p.Heads[i].B)
	}
	if p.Value != nil {
		ts = append(ts, p.Value.W, p.Value.B)
	}
	return ts
}

// Zero resets every entry, for reuse as an accumulator.
func (p *Params) Zero() {
	for _, t := range p.tensors() {
		for i := range t {
			t[i] = 0
		}
	}
}

// Scale multiplies every entry by s.
func (p *Params) Scale(s float64) {
	for _, t := range p.tensors() {
		for i := range t {
			t[i] *= s
		}
	}
}

// Norm is the global L2 norm over all tensors.
func (p *Params) Norm() float64 {
	sum := 0.0
	for _, t := range p.tensors() {
		for _, v := range t {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales p so its global norm is at most maxNorm, returning
// the norm before clipping. A non-positive maxNorm disables clipping.
func (p *Params) ClipGradNorm(maxNorm float64) float64 {
	norm := p.Norm()
	if maxNorm > 0 && norm > maxNorm {
		p.Scale(maxNorm / (norm + 1e-6))
	}
	return norm
}
