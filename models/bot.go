package models

// BotStatus is a bot's lifecycle state.
type BotStatus string

const (
	StatusReady    BotStatus = "ready"
	StatusFighting BotStatus = "fighting"
	StatusDead     BotStatus = "dead"
)

// Bot is a registered agent. Pair and Arena are names resolved through the
// registry rather than pointers, so the mutual pair relation never forms a
// reference cycle.
type Bot struct {
	Name   string    `json:"name"`
	Status BotStatus `json:"status"`
	Kit    string    `json:"kit"`
	Pair   string    `json:"pair,omitempty"`
	Arena  string    `json:"arena,omitempty"`
}

// ArenaStatus is open when no duel occupies the arena.
type ArenaStatus string

const (
	ArenaOpen   ArenaStatus = "open"
	ArenaClosed ArenaStatus = "closed"
)

// Vec3 is a world coordinate.
type Vec3 struct {
	X float64 `json:"x" yaml:"x" mapstructure:"x"`
	Y float64 `json:"y" yaml:"y" mapstructure:"y"`
	Z float64 `json:"z" yaml:"z" mapstructure:"z"`
}

// Arena is a fighting area with two spawn points, one per duelist.
type Arena struct {
	Name   string      `json:"name" yaml:"name"`
	Status ArenaStatus `json:"status" yaml:"status"`
	Spawns [2]Vec3     `json:"spawns" yaml:"spawns"`
}

// Kit is the ordered list of setup commands run for a newly registered bot.
// Commands may contain the placeholder {bot}.
type Kit struct {
	Name     string   `json:"name" yaml:"name"`
	Commands []string `json:"commands" yaml:"commands"`
}
