package models

// EventType names a kind of game event that carries reward.
type EventType string

const (
	EventDamageDealt    EventType = "damage_dealt"
	EventDamageTaken    EventType = "damage_taken"
	EventGoodAim        EventType = "good_aim"
	EventProximity      EventType = "proximity"
	EventSurvival       EventType = "survival"
	EventYawExploration EventType = "yaw_exploration"
	EventPitchControl   EventType = "pitch_control"
	EventWonDuel        EventType = "won_duel"
	EventDeath          EventType = "death"
)

// Event is a typed game event reported by the game side or derived from a
// snapshot. Amount and DamagePercentage are optional; nil means "not given",
// which matters because several event types fall back to a default weight.
type Event struct {
	Type             EventType `json:"type"`
	Amount           *float64  `json:"amount,omitempty"`
	DamagePercentage *float64  `json:"damage_percentage,omitempty"`
}

// NewEvent builds an event carrying an amount.
func NewEvent(t EventType, amount float64) Event {
	return Event{Type: t, Amount: &amount}
}

// AmountOr returns the event amount, or def when none was reported.
func (e Event) AmountOr(def float64) float64 {
	if e.Amount == nil {
		return def
	}
	return *e.Amount
}

// Tally is the per-type portion of a reward: how many events of that type
// occurred and how much reward they contributed.
type Tally struct {
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// Breakdown attributes a scalar reward to its event types.
type Breakdown map[EventType]Tally

// Add folds other into b.
func (b Breakdown) Add(other Breakdown) {
	for t, tally := range other {
		cur := b[t]
		cur.Count += tally.Count
		cur.Amount += tally.Amount
		b[t] = cur
	}
}
