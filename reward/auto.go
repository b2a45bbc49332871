package reward

import (
	"math"

	"duelrl/models"
)

// Auto-reward tuning. Distances are in blocks, angles in degrees.
const (
	AimRange         = 50.0
	ProximityRange   = 5.0
	ProximityScale   = 0.1
	SurvivalReward   = 0.01
	ExplorationYaw   = -90.0
	ExplorationBand  = 45.0
	ExplorationScale = 0.05
)

// aimBands are checked in order; the first whose bound exceeds the worst-axis
// angle error wins.
var aimBands = []struct{ bound, score float64 }{
	{5, 1.0},
	{10, 0.8},
	{20, 0.5},
	{45, 0.2},
	{90, 0.05},
}

// AutoEvents derives dense reward events from a snapshot: aim quality toward
// the nearest living enemy player, closeness to it, staying alive and looking
// around the exploration band. A snapshot without a player yields nothing.
func AutoEvents(snap *models.WorldSnapshot) (events []models.Event) {
	if snap == nil || snap.Player == nil {
		return nil
	}
	p := snap.Player

	if enemy, dist, ok := nearestEnemy(snap.Entities); ok {
		if score := AimScore(p.Yaw, p.Pitch, enemy); score > 0 {
			events = append(events, models.NewEvent(models.EventGoodAim, score))
		}
		if dist < ProximityRange {
			events = append(events, models.NewEvent(models.EventProximity, ProximityScale*(1-dist/ProximityRange)))
		}
	}

	if snap.Alive() {
		events = append(events, models.NewEvent(models.EventSurvival, SurvivalReward))
	}

	if off := math.Abs(NormalizeYaw(p.Yaw - ExplorationYaw)); off < ExplorationBand {
		events = append(events, models.NewEvent(models.EventYawExploration, ExplorationScale*(1-off/ExplorationBand)))
	}
	return
}

func nearestEnemy(entities []models.EntityState) (best models.EntityState, bestDist float64, found bool) {
	bestDist = math.Inf(1)
	for _, e := range entities {
		if !e.IsPlayer || e.Health <= 0 {
			continue
		}
		d := math.Sqrt(e.RelativeX*e.RelativeX + e.RelativeY*e.RelativeY + e.RelativeZ*e.RelativeZ)
		if d < bestDist && d < AimRange {
			best, bestDist, found = e, d, true
		}
	}
	return
}

// AimScore grades how directly the player looks at the target, using the worse
// of the yaw and pitch errors.
func AimScore(yaw, pitch float64, target models.EntityState) float64 {
	dx, dy, dz := target.RelativeX, target.RelativeY, target.RelativeZ
	targetYaw := math.Atan2(dx, dz) * 180 / math.Pi
	targetPitch := -math.Atan2(dy, math.Hypot(dx, dz)) * 180 / math.Pi

	yawDiff := math.Abs(NormalizeYaw(NormalizeYaw(yaw) - NormalizeYaw(targetYaw)))
	pitchDiff := math.Abs(pitch - targetPitch)
	worst := math.Max(yawDiff, pitchDiff)

	for _, band := range aimBands {
		if worst < band.bound {
			return band.score
		}
	}
	return 0
}

// NormalizeYaw wraps an angle into [-180, 180).
func NormalizeYaw(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}
