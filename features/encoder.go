package features

import (
	"encoding/binary"
	"math"
	"sync"

	"duelrl/models"

	"github.com/cespare/xxhash/v2"
)

// Per-record widths of each section of the observation vector.
const (
	PlayerWidth    = 7
	EntityWidth    = 6
	BlockWidth     = 5
	InventoryWidth = 3
)

// Limits caps how many records of each variable-length section are encoded.
type Limits struct {
	MaxEntities  int `yaml:"maxentities"`
	MaxBlocks    int `yaml:"maxblocks"`
	MaxInventory int `yaml:"maxinventory"`
}

// DefaultLimits yields a 194-wide observation.
func DefaultLimits() Limits {
	return Limits{MaxEntities: 10, MaxBlocks: 20, MaxInventory: 9}
}

// Len is the fixed observation length for these limits.
func (l Limits) Len() int {
	return PlayerWidth + l.MaxEntities*EntityWidth + l.MaxBlocks*BlockWidth + l.MaxInventory*InventoryWidth
}

// Encoder turns a WorldSnapshot into a fixed-length, roughly unit-scaled vector.
// Sections sit at fixed offsets: player, then entities, blocks and inventory.
// Missing records are zero-filled and extra records are dropped, so the output
// length depends only on the limits, never on the snapshot.
//
// The game client resends identical snapshots when nothing moves (a bot idling
// at spawn, for example), so the encoder keeps a small content-addressed cache.
// Callers always receive their own copy.
type Encoder struct {
	limits Limits

	mu        sync.Mutex
	cache     map[uint64][]float64
	order     []uint64
	cacheSize int
}

// NewEncoder returns an encoder. A cacheSize of zero disables caching.
func NewEncoder(limits Limits, cacheSize int) *Encoder {
	return &Encoder{
		limits:    limits,
		cache:     make(map[uint64][]float64, cacheSize),
		cacheSize: cacheSize,
	}
}

// Len returns the observation length L.
func (enc *Encoder) Len() int {
	return enc.limits.Len()
}

// Limits returns the encoder's section limits.
func (enc *Encoder) Limits() Limits {
	return enc.limits
}

// Encode maps the snapshot to a vector of exactly Len() values.
func (enc *Encoder) Encode(snap *models.WorldSnapshot) []float64 {
	if enc.cacheSize == 0 {
		return enc.encode(snap)
	}

	key := enc.hash(snap)
	enc.mu.Lock()
	if cached, ok := enc.cache[key]; ok {
		enc.mu.Unlock()
		return append([]float64(nil), cached...)
	}
	enc.mu.Unlock()

	obs := enc.encode(snap)

	enc.mu.Lock()
	defer enc.mu.Unlock()
	if _, ok := enc.cache[key]; !ok {
		if len(enc.order) >= enc.cacheSize {
			oldest := enc.order[0]
			enc.order = enc.order[1:]
			delete(enc.cache, oldest)
		}
		enc.cache[key] = obs
		enc.order = append(enc.order, key)
	}
	return append([]float64(nil), obs...)
}

func (enc *Encoder) encode(snap *models.WorldSnapshot) []float64 {
	obs := make([]float64, enc.Len())
	if snap == nil {
		return obs
	}

	if p := snap.Player; p != nil {
		copy(obs, []float64{
			p.Health / 20,
			p.X / 100,
			p.Y / 100,
			p.Z / 100,
			p.Yaw / 180,
			p.Pitch / 90,
			p.Armor / 20,
		})
	}

	offset := PlayerWidth
	for i := 0; i < enc.limits.MaxEntities && i < len(snap.Entities); i++ {
		e := snap.Entities[i]
		copy(obs[offset+i*EntityWidth:], []float64{
			boolToFloat(e.IsPlayer),
			boolToFloat(e.IsProjectile),
			e.Health / 20,
			e.RelativeX / 10,
			e.RelativeY / 10,
			e.RelativeZ / 10,
		})
	}

	offset += enc.limits.MaxEntities * EntityWidth
	for i := 0; i < enc.limits.MaxBlocks && i < len(snap.Blocks); i++ {
		b := snap.Blocks[i]
		copy(obs[offset+i*BlockWidth:], []float64{
			b.X / 20,
			b.Y / 20,
			b.Z / 20,
			b.Distance / 20,
			boolToFloat(b.Solid),
		})
	}

	offset += enc.limits.MaxBlocks * BlockWidth
	for i := 0; i < enc.limits.MaxInventory && i < len(snap.Inventory); i++ {
		s := snap.Inventory[i]
		copy(obs[offset+i*InventoryWidth:], []float64{
			s.Count / 64,
			boolToFloat(s.IsWeapon),
			s.WeaponDamage / 10,
		})
	}

	return obs
}

// hash digests only the fields that reach the vector, so records past the
// limits do not fragment the cache.
func (enc *Encoder) hash(snap *models.WorldSnapshot) uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(vals ...float64) {
		for _, v := range vals {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = d.Write(buf[:])
		}
	}
	if snap == nil {
		return d.Sum64()
	}
	if p := snap.Player; p != nil {
		put(1, p.Health, p.X, p.Y, p.Z, p.Yaw, p.Pitch, p.Armor)
	} else {
		put(0)
	}
	n := min(len(snap.Entities), enc.limits.MaxEntities)
	put(float64(n))
	for _, e := range snap.Entities[:n] {
		put(boolToFloat(e.IsPlayer), boolToFloat(e.IsProjectile), e.Health, e.RelativeX, e.RelativeY, e.RelativeZ)
	}
	n = min(len(snap.Blocks), enc.limits.MaxBlocks)
	put(float64(n))
	for _, b := range snap.Blocks[:n] {
		put(b.X, b.Y, b.Z, b.Distance, boolToFloat(b.Solid))
	}
	n = min(len(snap.Inventory), enc.limits.MaxInventory)
	put(float64(n))
	for _, s := range snap.Inventory[:n] {
		put(s.Count, boolToFloat(s.IsWeapon), s.WeaponDamage)
	}
	return d.Sum64()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
