package policy

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"duelrl/models"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCodec(t *testing.T) {
	Convey("Given the default action space", t, func() {
		codec, err := NewCodec(models.ActionSpace{})
		So(err, ShouldBeNil)
		So(codec.Sizes(), ShouldResemble, []int{8, 2, 2, 16, 9})
		So(codec.FlatSize(), ShouldEqual, 8*2*2*16*9)

		Convey("Look bins map to relative angles", func() {
			var idx models.Indices
			act := codec.ToAction(idx)
			So(act.Yaw, ShouldEqual, -22.5)
			So(act.Pitch, ShouldEqual, -22.5)

			idx[models.DimYaw] = 8
			idx[models.DimPitch] = 8
			act = codec.ToAction(idx)
			So(act.Yaw, ShouldEqual, 0.0)
			So(act.Pitch, ShouldEqual, 22.5)

			idx[models.DimPitch] = 4
			So(codec.ToAction(idx).Pitch, ShouldEqual, 0.0)
		})

		Convey("Fixed schema fields are never emitted", func() {
			act := codec.ToAction(models.Indices{3, 1, 1, 0, 0})
			So(act.Movement, ShouldEqual, 3)
			So(act.Jump, ShouldBeTrue)
			So(act.Attack, ShouldBeTrue)
			So(act.Sneak, ShouldBeFalse)
			So(act.Sprint, ShouldBeFalse)
			So(act.UseItem, ShouldBeFalse)
			So(act.Hotbar, ShouldEqual, -1)
		})

		Convey("FromAction inverts ToAction and flat encoding is a bijection", func() {
			rng := rand.New(rand.NewSource(3))
			for i := 0; i < 500; i++ {
				idx := codec.Random(rng)
				So(codec.FromAction(codec.ToAction(idx)), ShouldResemble, idx)
				So(codec.DecodeFlat(codec.EncodeFlat(idx)), ShouldResemble, idx)
			}
			So(codec.EncodeFlat(models.Indices{7, 1, 1, 15, 8}), ShouldEqual, codec.FlatSize()-1)
			So(codec.EncodeFlat(models.Indices{1, 0, 0, 0, 0}), ShouldEqual, 1)
		})
	})

	Convey("Actions from a wider space conform to a narrower one", t, func() {
		wide, err := NewCodec(models.ActionSpace{})
		So(err, ShouldBeNil)
		narrow, err := NewCodec(models.ActionSpace{MovementBins: 4, YawBins: 4, PitchBins: 3})
		So(err, ShouldBeNil)

		act := narrow.Conform(wide.ToAction(models.Indices{7, 1, 0, 15, 8}))
		So(act.Movement, ShouldEqual, 3)
		So(act.Jump, ShouldBeTrue)
		So(act.Attack, ShouldBeFalse)
		idx := narrow.FromAction(act)
		So(idx[models.DimYaw], ShouldBeBetweenOrEqual, 0, 3)
		So(idx[models.DimPitch], ShouldBeBetweenOrEqual, 0, 2)
		So(narrow.Conform(act), ShouldResemble, act)
	})

	Convey("Degenerate bin counts are rejected", t, func() {
		_, err := NewCodec(models.ActionSpace{MovementBins: 8, YawBins: 16, PitchBins: 1})
		So(errors.Is(err, models.ErrInvalidActionSpace), ShouldBeTrue)
		_, err = NewCodec(models.ActionSpace{MovementBins: -1})
		So(errors.Is(err, models.ErrInvalidActionSpace), ShouldBeTrue)
	})
}

func TestCategorical(t *testing.T) {
	Convey("Softmax is stable and normalised", t, func() {
		probs := Softmax([]float64{1000, 1000})
		So(probs[0], ShouldAlmostEqual, 0.5)
		So(probs[1], ShouldAlmostEqual, 0.5)
		So(Entropy(probs), ShouldAlmostEqual, math.Log(2))
		So(ArgMax([]float64{0.1, 0.7, 0.7}), ShouldEqual, 1)
	})
}

func newTestNetwork(scheme Scheme, critic bool) *Network {
	net, err := NewNetwork(Config{
		InputSize: 6,
		Hidden:    8,
		Scheme:    scheme,
		Space:     models.ActionSpace{MovementBins: 3, YawBins: 4, PitchBins: 3},
		Critic:    critic,
		Seed:      7,
	})
	So(err, ShouldBeNil)
	return net
}

func zeroLogits(out Output) [][]float64 {
	d := make([][]float64, len(out.Logits))
	for k := range out.Logits {
		d[k] = make([]float64, len(out.Logits[k]))
	}
	return d
}

func TestNetwork(t *testing.T) {
	x := []float64{0.5, -0.3, 0.9, 0.1, -0.7, 0.2}

	Convey("Given a multi-head network with a critic", t, func() {
		net := newTestNetwork(SchemeMulti, true)

		Convey("It has one head per dimension", func() {
			out, err := net.Forward(x)
			So(err, ShouldBeNil)
			So(len(out.Logits), ShouldEqual, models.NumDims)
			So(len(out.Logits[models.DimYaw]), ShouldEqual, 4)
		})

		Convey("Wrong input widths are rejected", func() {
			_, err := net.Forward(x[:3])
			So(errors.Is(err, ErrShapeMismatch), ShouldBeTrue)
		})

		Convey("The joint log-probability is the sum over heads", func() {
			sample, err := net.Act(x, true, nil)
			So(err, ShouldBeNil)
			out, _ := net.Forward(x)
			sum := 0.0
			for k, probs := range out.Probs() {
				So(sample.Indices[k], ShouldEqual, ArgMax(probs))
				sum += LogProb(probs, sample.Indices[k])
			}
			So(sample.LogProb, ShouldAlmostEqual, sum)
			So(sample.Value, ShouldEqual, out.Value)
		})

		Convey("Backpropagated gradients match finite differences", func() {
			const target = 2
			loss := func() float64 {
				out, _ := net.Forward(x)
				return LogProb(Softmax(out.Logits[models.DimYaw]), target) + 0.5*out.Value
			}
			grads := net.NewGrads()
			_, err := net.Accumulate(x, func(out Output) ([][]float64, float64) {
				d := zeroLogits(out)
				d[models.DimYaw] = LogProbGrad(Softmax(out.Logits[models.DimYaw]), target)
				return d, 0.5
			}, grads)
			So(err, ShouldBeNil)

			const eps = 1e-6
			check := func(param *float64, analytic float64) {
				orig := *param
				*param = orig + eps
				up := loss()
				*param = orig - eps
				down := loss()
				*param = orig
				So((up-down)/(2*eps), ShouldAlmostEqual, analytic, 1e-4)
			}
			check(&net.params.Heads[models.DimYaw].B[1], grads.Heads[models.DimYaw].B[1])
			check(&net.params.Value.W[3], grads.Value.W[3])
			check(&net.params.Trunk[0].W[5], grads.Trunk[0].W[5])
			check(&net.params.Trunk[1].W[10], grads.Trunk[1].W[10])
		})

		Convey("Adam steps raise the probability of a rewarded action", func() {
			opt := NewAdam(0.01)
			before, _ := net.Forward(x)
			p0 := Softmax(before.Logits[models.DimMovement])[1]
			for i := 0; i < 50; i++ {
				grads := net.NewGrads()
				_, err := net.Accumulate(x, func(out Output) ([][]float64, float64) {
					d := zeroLogits(out)
					g := LogProbGrad(Softmax(out.Logits[models.DimMovement]), 1)
					for j := range g {
						d[models.DimMovement][j] = -g[j]
					}
					return d, 0
				}, grads)
				So(err, ShouldBeNil)
				net.Apply(opt, grads, 1.0)
			}
			after, _ := net.Forward(x)
			So(Softmax(after.Logits[models.DimMovement])[1], ShouldBeGreaterThan, p0)
			So(opt.Steps(), ShouldEqual, 50)
		})
	})

	Convey("Given a flat network without a critic", t, func() {
		net := newTestNetwork(SchemeFlat, false)
		out, err := net.Forward(x)
		So(err, ShouldBeNil)
		So(len(out.Logits), ShouldEqual, 1)
		So(len(out.Logits[0]), ShouldEqual, net.Codec().FlatSize())
		So(out.Value, ShouldEqual, 0.0)

		sample, err := net.Act(x, false, rand.New(rand.NewSource(1)))
		So(err, ShouldBeNil)
		So(net.HeadTargets(sample.Indices), ShouldResemble, []int{net.Codec().EncodeFlat(sample.Indices)})
	})

	Convey("Gradient clipping bounds the global norm", t, func() {
		net := newTestNetwork(SchemeMulti, false)
		grads := net.NewGrads()
		for _, ts := range grads.tensors() {
			for i := range ts {
				ts[i] = 1
			}
		}
		before := grads.ClipGradNorm(0.5)
		So(before, ShouldBeGreaterThan, 0.5)
		So(grads.Norm(), ShouldBeLessThanOrEqualTo, 0.5)

		grads.Zero()
		So(grads.Norm(), ShouldEqual, 0.0)
	})

	Convey("Saved weights load back into an identical network", t, func() {
		net := newTestNetwork(SchemeMulti, true)
		path := filepath.Join(t.TempDir(), "weights", "bot.yaml")
		So(net.SaveWeights(path), ShouldBeNil)

		loaded, err := LoadWeights(path)
		So(err, ShouldBeNil)
		a, _ := net.Forward(x)
		b, _ := loaded.Forward(x)
		So(b.Logits, ShouldResemble, a.Logits)
		So(b.Value, ShouldEqual, a.Value)
	})
}
