package policy

import (
	"math"
	"math/rand"

	"duelrl/models"
)

// lookSpan is the width in degrees of the relative look adjustment a single
// decision can make, centred on zero.
const lookSpan = 45.0

// Codec maps between per-dimension bin indices, the flat mixed-radix index and
// the game's Action schema.
type Codec struct {
	Space models.ActionSpace
}

// NewCodec validates the space at the boundary, after filling defaults.
func NewCodec(space models.ActionSpace) (Codec, error) {
	space = space.WithDefaults()
	if err := space.Validate(); err != nil {
		return Codec{}, err
	}
	return Codec{Space: space}, nil
}

// Sizes returns the bin count of each dimension in the fixed dimension order.
func (c Codec) Sizes() []int {
	return []int{c.Space.MovementBins, 2, 2, c.Space.YawBins, c.Space.PitchBins}
}

// FlatSize is the cardinality of the joint action space.
func (c Codec) FlatSize() int {
	n := 1
	for _, s := range c.Sizes() {
		n *= s
	}
	return n
}

// ToAction renders bin indices into the external schema. Sneak, sprint and
// use-item are never emitted and the hotbar is left unchanged.
func (c Codec) ToAction(idx models.Indices) models.Action {
	return models.Action{
		Movement: idx[models.DimMovement],
		Jump:     idx[models.DimJump] == 1,
		Attack:   idx[models.DimAttack] == 1,
		Hotbar:   -1,
		Yaw:      float64(idx[models.DimYaw])/float64(c.Space.YawBins)*lookSpan - lookSpan/2,
		Pitch:    float64(idx[models.DimPitch])/float64(c.Space.PitchBins-1)*lookSpan - lookSpan/2,
	}
}

// FromAction inverts ToAction; out-of-range angles clamp to the nearest bin.
func (c Codec) FromAction(a models.Action) models.Indices {
	var idx models.Indices
	idx[models.DimMovement] = clamp(a.Movement, c.Space.MovementBins)
	if a.Jump {
		idx[models.DimJump] = 1
	}
	if a.Attack {
		idx[models.DimAttack] = 1
	}
	yaw := math.Round((a.Yaw + lookSpan/2) / lookSpan * float64(c.Space.YawBins))
	idx[models.DimYaw] = clamp(int(yaw), c.Space.YawBins)
	pitch := math.Round((a.Pitch + lookSpan/2) / lookSpan * float64(c.Space.PitchBins-1))
	idx[models.DimPitch] = clamp(int(pitch), c.Space.PitchBins)
	return idx
}

// Conform re-expresses an action produced under another space in this one,
// snapping every dimension to the nearest bin this space has.
func (c Codec) Conform(a models.Action) models.Action {
	return c.ToAction(c.FromAction(a))
}

// EncodeFlat packs indices with movement as the least significant digit.
func (c Codec) EncodeFlat(idx models.Indices) int {
	sizes := c.Sizes()
	flat := 0
	for d := models.NumDims - 1; d >= 0; d-- {
		flat = flat*sizes[d] + idx[d]
	}
	return flat
}

// DecodeFlat unpacks a flat index by repeated mod/div in dimension order.
func (c Codec) DecodeFlat(flat int) (idx models.Indices) {
	for d, size := range c.Sizes() {
		idx[d] = flat % size
		flat /= size
	}
	return
}

// Random draws each dimension uniformly. It stands in for a policy when a bot
// has no agent yet.
func (c Codec) Random(rng *rand.Rand) (idx models.Indices) {
	for d, size := range c.Sizes() {
		idx[d] = rng.Intn(size)
	}
	return
}

func clamp(i, size int) int {
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}
