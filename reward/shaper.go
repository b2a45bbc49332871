// Package reward turns typed game events into the scalar reward that drives
// training, and derives dense auto-reward events from snapshots.
package reward

import (
	"duelrl/models"
)

// Event weights. Damage dealt prefers the percentage of the target's health
// when the game reports it, since raw damage depends on armor.
const (
	DamagePercentWeight = 10.0
	DamageDealtWeight   = 1.0
	DamageTakenWeight   = -0.5
	DefaultAimAmount    = 0.1
	WonDuelReward       = 10.0
	DeathReward         = -1.0
)

// Shaper applies the fixed event weights.
type Shaper struct{}

// Shape sums the weighted events into one reward and attributes it per type.
// Events without a type are ignored entirely; unknown types are counted but
// contribute nothing, so they still show up in the breakdown.
func (Shaper) Shape(events []models.Event) (total float64, breakdown models.Breakdown) {
	breakdown = models.Breakdown{}
	for _, ev := range events {
		if ev.Type == "" {
			continue
		}
		amount := weigh(ev)
		tally := breakdown[ev.Type]
		tally.Count++
		tally.Amount += amount
		breakdown[ev.Type] = tally
		total += amount
	}
	return
}

func weigh(ev models.Event) float64 {
	switch ev.Type {
	case models.EventDamageDealt:
		if ev.DamagePercentage != nil {
			return *ev.DamagePercentage * DamagePercentWeight
		}
		return ev.AmountOr(0) * DamageDealtWeight
	case models.EventDamageTaken:
		return ev.AmountOr(0) * DamageTakenWeight
	case models.EventGoodAim:
		return ev.AmountOr(DefaultAimAmount)
	case models.EventProximity, models.EventSurvival, models.EventYawExploration, models.EventPitchControl:
		return ev.AmountOr(0)
	case models.EventWonDuel:
		return WonDuelReward
	case models.EventDeath:
		return DeathReward
	default:
		return 0
	}
}
