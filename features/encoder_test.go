package features

import (
	"testing"

	"duelrl/models"

	. "github.com/smartystreets/goconvey/convey"
)

func manyEntities(n int) []models.EntityState {
	ents := make([]models.EntityState, n)
	for i := range ents {
		ents[i] = models.EntityState{IsPlayer: true, Health: 20, RelativeX: float64(i)}
	}
	return ents
}

func TestEncoder(t *testing.T) {
	Convey("Given an encoder with the default limits", t, func() {
		enc := NewEncoder(DefaultLimits(), 8)

		Convey("The observation length is 194", func() {
			So(enc.Len(), ShouldEqual, 194)
		})

		Convey("A nil or empty snapshot encodes to all zeros", func() {
			for _, snap := range []*models.WorldSnapshot{nil, {}} {
				obs := enc.Encode(snap)
				So(len(obs), ShouldEqual, 194)
				for _, v := range obs {
					So(v, ShouldEqual, 0.0)
				}
			}
		})

		Convey("Player fields are scaled by their divisors", func() {
			obs := enc.Encode(&models.WorldSnapshot{
				Player: &models.PlayerState{Health: 10, X: 50, Y: 100, Z: -25, Yaw: 90, Pitch: -45, Armor: 5},
			})
			So(obs[:7], ShouldResemble, []float64{0.5, 0.5, 1, -0.25, 0.5, -0.5, 0.25})
		})

		Convey("Extra entities are truncated and the length holds", func() {
			obs := enc.Encode(&models.WorldSnapshot{Entities: manyEntities(25)})
			So(len(obs), ShouldEqual, 194)
			// the tenth entity is the last one encoded
			last := 7 + 9*EntityWidth
			So(obs[last+3], ShouldAlmostEqual, 0.9)
			// first block slot stays empty
			So(obs[7+10*EntityWidth], ShouldEqual, 0.0)
		})

		Convey("Sections land at fixed offsets", func() {
			obs := enc.Encode(&models.WorldSnapshot{
				Blocks:    []models.BlockState{{X: 20, Y: 0, Z: -20, Distance: 10, Solid: true}},
				Inventory: []models.InventorySlot{{Count: 32, IsWeapon: true, WeaponDamage: 7}},
			})
			blocks := 7 + 10*EntityWidth
			So(obs[blocks:blocks+5], ShouldResemble, []float64{1, 0, -1, 0.5, 1})
			inv := blocks + 20*BlockWidth
			So(obs[inv:inv+3], ShouldResemble, []float64{0.5, 1, 0.7})
		})

		Convey("Cached results are copies", func() {
			snap := &models.WorldSnapshot{Player: &models.PlayerState{Health: 20}}
			first := enc.Encode(snap)
			first[0] = 99
			second := enc.Encode(snap)
			So(second[0], ShouldEqual, 1.0)
		})

		Convey("Snapshots differing only past the limits share a cache entry", func() {
			a := enc.hash(&models.WorldSnapshot{Entities: manyEntities(11)})
			b := enc.hash(&models.WorldSnapshot{Entities: manyEntities(12)})
			So(a, ShouldEqual, b)
		})
	})

	Convey("Given small limits", t, func() {
		limits := Limits{MaxEntities: 1, MaxBlocks: 2, MaxInventory: 0}
		enc := NewEncoder(limits, 0)
		So(enc.Len(), ShouldEqual, 7+6+10)
		So(len(enc.Encode(&models.WorldSnapshot{Inventory: []models.InventorySlot{{Count: 1}}})), ShouldEqual, 23)
	})
}
