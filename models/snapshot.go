// Package models holds the value types exchanged between the game side and the
// training engine: world snapshots, typed reward events, the action schema and
// the bot/arena records.
package models

// WorldSnapshot is one decision tick's view of the world from a single bot.
// Every section is optional; a nil Player or nil slice means the section was
// not reported, which the encoder treats the same as all-zero fields.
// Snapshots are never mutated after they are decoded.
type WorldSnapshot struct {
	Player    *PlayerState    `json:"player,omitempty" yaml:"player,omitempty"`
	Entities  []EntityState   `json:"entities,omitempty" yaml:"entities,omitempty"`
	Blocks    []BlockState    `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Inventory []InventorySlot `json:"inventory,omitempty" yaml:"inventory,omitempty"`
}

// PlayerState is the controlled bot itself. Yaw and pitch are in degrees.
type PlayerState struct {
	Health float64 `json:"health"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Yaw    float64 `json:"yaw"`
	Pitch  float64 `json:"pitch"`
	Armor  float64 `json:"armor"`
}

// EntityState is a nearby entity with its offset relative to the player.
type EntityState struct {
	IsPlayer     bool    `json:"isPlayer"`
	IsProjectile bool    `json:"isProjectile"`
	Health       float64 `json:"health"`
	RelativeX    float64 `json:"relativeX"`
	RelativeY    float64 `json:"relativeY"`
	RelativeZ    float64 `json:"relativeZ"`
}

// BlockState is a nearby block, in player-relative coordinates.
type BlockState struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Distance float64 `json:"distance"`
	Solid    bool    `json:"solid"`
}

// InventorySlot is one hotbar slot.
type InventorySlot struct {
	Count        float64 `json:"count"`
	IsWeapon     bool    `json:"isWeapon"`
	WeaponDamage float64 `json:"weaponDamage"`
}

// Alive reports whether the snapshot's player is present with positive health.
func (s *WorldSnapshot) Alive() bool {
	return s != nil && s.Player != nil && s.Player.Health > 0
}
