package models

import (
	"errors"
	"fmt"
)

// ActionSpace is the game side's description of the discrete action space.
// Zero-valued bin counts are replaced by defaults in WithDefaults.
type ActionSpace struct {
	EnableMovement bool `json:"enableMovement"`
	EnableJump     bool `json:"enableJump"`
	EnableSneak    bool `json:"enableSneak"`
	EnableSprint   bool `json:"enableSprint"`
	EnableAttack   bool `json:"enableAttack"`
	EnableUseItem  bool `json:"enableUseItem"`
	EnableHotbar   bool `json:"enableHotbar"`
	EnableLook     bool `json:"enableLook"`
	MovementBins   int  `json:"movementBins"`
	YawBins        int  `json:"yawBins"`
	PitchBins      int  `json:"pitchBins"`
}

// Default bin counts: 8 compass directions, 16 yaw buckets, 9 pitch buckets.
const (
	DefaultMovementBins = 8
	DefaultYawBins      = 16
	DefaultPitchBins    = 9
)

// DefaultActionSpace mirrors the game client's stock configuration.
func DefaultActionSpace() ActionSpace {
	return ActionSpace{
		EnableMovement: true,
		EnableJump:     true,
		EnableAttack:   true,
		EnableUseItem:  true,
		EnableHotbar:   true,
		EnableLook:     true,
		MovementBins:   DefaultMovementBins,
		YawBins:        DefaultYawBins,
		PitchBins:      DefaultPitchBins,
	}
}

// WithDefaults fills unset bin counts.
func (as ActionSpace) WithDefaults() ActionSpace {
	if as.MovementBins == 0 {
		as.MovementBins = DefaultMovementBins
	}
	if as.YawBins == 0 {
		as.YawBins = DefaultYawBins
	}
	if as.PitchBins == 0 {
		as.PitchBins = DefaultPitchBins
	}
	return as
}

// Bins returns the movement, yaw and pitch bin counts after defaults. Two
// spaces with equal bins decode identically.
func (as ActionSpace) Bins() [3]int {
	as = as.WithDefaults()
	return [3]int{as.MovementBins, as.YawBins, as.PitchBins}
}

// ErrInvalidActionSpace is returned for bin counts the codec cannot represent.
var ErrInvalidActionSpace = errors.New("invalid action space")

// Validate checks bin counts. Pitch needs two bins since its angle formula
// divides by pitchBins-1.
func (as ActionSpace) Validate() error {
	if as.MovementBins < 1 || as.YawBins < 1 {
		return fmt.Errorf("%w: movement=%d yaw=%d", ErrInvalidActionSpace, as.MovementBins, as.YawBins)
	}
	if as.PitchBins < 2 {
		return fmt.Errorf("%w: pitch bins %d < 2", ErrInvalidActionSpace, as.PitchBins)
	}
	return nil
}

// Action is the fixed external action schema consumed by the game client.
type Action struct {
	Movement int     `json:"movement"`
	Jump     bool    `json:"jump"`
	Sneak    bool    `json:"sneak"`
	Sprint   bool    `json:"sprint"`
	Attack   bool    `json:"attack"`
	UseItem  bool    `json:"useItem"`
	Hotbar   int     `json:"hotbar"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
}

// NoOp is the neutral action: stand still, look straight, keep the hotbar.
func NoOp() Action {
	return Action{Hotbar: -1}
}

// Action dimensions, in the fixed order used by both the multi-discrete heads
// and the flat mixed-radix encoding.
const (
	DimMovement = iota
	DimJump
	DimAttack
	DimYaw
	DimPitch
	NumDims
)

// DimNames labels the action dimensions for logs and metrics.
var DimNames = [NumDims]string{"movement", "jump", "attack", "yaw", "pitch"}

// Indices is one sampled index per action dimension.
type Indices [NumDims]int
