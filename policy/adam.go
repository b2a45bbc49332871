package policy

import "math"

// Adam is the standard Adam optimizer with bias-corrected moments.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m, v *Params
}

// NewAdam returns an optimizer with the usual betas; moments are allocated on
// the first step.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Step applies one descent update of grads to params.
func (opt *Adam) Step(params, grads *Params) {
	if opt.m == nil {
		opt.m = params.zerosLike()
		opt.v = params.zerosLike()
	}
	opt.step++
	c1 := 1 - math.Pow(opt.Beta1, float64(opt.step))
	c2 := 1 - math.Pow(opt.Beta2, float64(opt.step))

	ps, gs, ms, vs := params.tensors(), grads.tensors(), opt.m.tensors(), opt.v.tensors()
	for t := range ps {
		p, g, m, v := ps[t], gs[t], ms[t], vs[t]
		for i := range p {
			m[i] = opt.Beta1*m[i] + (1-opt.Beta1)*g[i]
			v[i] = opt.Beta2*v[i] + (1-opt.Beta2)*g[i]*g[i]
			p[i] -= opt.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + opt.Eps)
		}
	}
}

// Steps is the number of updates applied so far.
func (opt *Adam) Steps() int {
	return opt.step
}
