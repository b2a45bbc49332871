// Package arena tracks registered bots, pairs them into duels and hands out
// arenas. All bot and arena state sits behind one lock; console commands for
// kits and teleports are issued only after the state change is committed.
package arena

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"duelrl/models"
	"duelrl/rcon"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownBot = errors.New("unknown bot")
	ErrEmptyName  = errors.New("bot name is empty")
)

// Pairing is the outcome of a pairing attempt. Started is set when an open
// arena was found and the duel began.
type Pairing struct {
	Bot     string `json:"bot"`
	Pair    string `json:"pair,omitempty"`
	Arena   string `json:"arena,omitempty"`
	Started bool   `json:"started"`
}

// Injection is a terminal reward the caller must record in a bot's buffer.
type Injection struct {
	Bot   string       `json:"bot"`
	Event models.Event `json:"event"`
	Done  bool         `json:"done"`
}

// DeathOutcome describes everything a death changed. The registry does not
// own experience buffers or trainers; callers apply Injections and launch
// training for Train.
type DeathOutcome struct {
	Dead       string      `json:"dead"`
	Winner     string      `json:"winner,omitempty"`
	Arena      string      `json:"arena,omitempty"`
	Injections []Injection `json:"injections"`
	Train      []string    `json:"train"`
	Repaired   Pairing     `json:"repaired"`
}

// Counts summarizes the registry for training logs.
type Counts struct {
	Active int `json:"active"`
	Ready  int `json:"ready"`
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// Snapshot is a consistent copy of the registry.
type Snapshot struct {
	Bots   []models.Bot   `json:"bots"`
	Arenas []models.Arena `json:"arenas"`
	Counts Counts         `json:"counts"`
}

// Registry is the pairing state machine. Bots move ready -> fighting -> dead
// and back to ready when re-paired. Pairs are stored by name in both
// directions and always resolved through the registry.
type Registry struct {
	mu     sync.Mutex
	bots   map[string]*models.Bot
	order  []string
	arenas []*models.Arena
	kit    models.Kit

	dispatcher rcon.Dispatcher
	logger     zerolog.Logger
}

func NewRegistry(arenas []models.Arena, kit models.Kit, dispatcher rcon.Dispatcher, logger zerolog.Logger) *Registry {
	reg := &Registry{
		bots:       map[string]*models.Bot{},
		kit:        kit,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "arena").Logger(),
	}
	for _, a := range arenas {
		a := a
		if a.Status == "" {
			a.Status = models.ArenaOpen
		}
		reg.arenas = append(reg.arenas, &a)
	}
	return reg
}

// Register adds a ready bot, or revives an existing one, applies the kit and
// tries to pair it.
func (reg *Registry) Register(ctx context.Context, name string) (models.Bot, Pairing, error) {
	if strings.TrimSpace(name) == "" {
		return models.Bot{}, Pairing{}, ErrEmptyName
	}

	reg.mu.Lock()
	bot, ok := reg.bots[name]
	if !ok {
		bot = &models.Bot{Name: name, Status: models.StatusReady, Kit: reg.kit.Name}
		reg.bots[name] = bot
		reg.order = append(reg.order, name)
		reg.logger.Info().Str("bot", name).Msg("registered")
	} else if bot.Status == models.StatusDead {
		// a dead bot registering again has respawned
		bot.Status = models.StatusReady
	}
	reg.mu.Unlock()

	rcon.ExecuteAll(ctx, reg.dispatcher, kitCommands(reg.kit, name))

	pairing, err := reg.PairBot(ctx, name)
	if err != nil {
		return models.Bot{}, Pairing{}, err
	}
	out, _ := reg.Bot(name)
	return out, pairing, nil
}

func kitCommands(kit models.Kit, bot string) []string {
	cmds := make([]string, len(kit.Commands))
	for i, cmd := range kit.Commands {
		cmds[i] = strings.ReplaceAll(cmd, "{bot}", bot)
	}
	return cmds
}

// PairBot pairs name with the first other unpaired, living bot in
// registration order. When an open arena exists both bots start fighting in
// it. A bot already paired keeps its partner and is only started if it is
// still waiting for an arena. A dead caller that finds a partner is ready again.
func (reg *Registry) PairBot(ctx context.Context, name string) (Pairing, error) {
	reg.mu.Lock()
	pairing, cmds, err := reg.pairLocked(name)
	reg.mu.Unlock()
	if err != nil {
		return Pairing{}, err
	}
	rcon.ExecuteAll(ctx, reg.dispatcher, cmds)
	return pairing, nil
}

func (reg *Registry) pairLocked(name string) (Pairing, []string, error) {
	bot, ok := reg.bots[name]
	if !ok {
		return Pairing{}, nil, fmt.Errorf("pair %s: %w", name, ErrUnknownBot)
	}
	if bot.Pair != "" {
		partner, ok := reg.bots[bot.Pair]
		if bot.Arena != "" || !ok {
			return Pairing{Bot: name, Pair: bot.Pair, Arena: bot.Arena, Started: bot.Arena != ""}, nil, nil
		}
		// paired earlier while every arena was taken
		pairing, cmds := reg.startLocked(bot, partner)
		return pairing, cmds, nil
	}

	var partner *models.Bot
	for _, other := range reg.order {
		if cand := reg.bots[other]; other != name && cand.Pair == "" && cand.Status != models.StatusDead {
			partner = cand
			break
		}
	}
	if partner == nil {
		return Pairing{Bot: name}, nil, nil
	}
	bot.Pair, partner.Pair = partner.Name, bot.Name
	bot.Status = models.StatusReady
	pairing, cmds := reg.startLocked(bot, partner)
	return pairing, cmds, nil
}

// startLocked puts a pair into the first open arena, if there is one, and
// returns the teleports to dispatch. Without an arena the pair waits ready.
func (reg *Registry) startLocked(bot, partner *models.Bot) (Pairing, []string) {
	pairing := Pairing{Bot: bot.Name, Pair: partner.Name}
	arena := reg.openArena()
	if arena == nil {
		reg.logger.Info().Str("bot", bot.Name).Str("pair", partner.Name).Msg("paired, no open arena")
		return pairing, nil
	}

	arena.Status = models.ArenaClosed
	for _, b := range []*models.Bot{bot, partner} {
		b.Status = models.StatusFighting
		b.Arena = arena.Name
	}
	pairing.Arena, pairing.Started = arena.Name, true
	reg.logger.Info().Str("bot", bot.Name).Str("pair", partner.Name).Str("arena", arena.Name).Msg("duel started")

	return pairing, []string{
		teleport(bot.Name, arena.Spawns[0]),
		teleport(partner.Name, arena.Spawns[1]),
	}
}

// fillArenasLocked starts waiting pairs, in registration order, while open
// arenas remain.
func (reg *Registry) fillArenasLocked() (cmds []string) {
	for _, name := range reg.order {
		if reg.openArena() == nil {
			return
		}
		bot := reg.bots[name]
		partner, ok := reg.bots[bot.Pair]
		if !ok || bot.Arena != "" || bot.Status == models.StatusDead || partner.Status == models.StatusDead {
			continue
		}
		_, started := reg.startLocked(bot, partner)
		cmds = append(cmds, started...)
	}
	return
}

func (reg *Registry) openArena() *models.Arena {
	for _, a := range reg.arenas {
		if a.Status == models.ArenaOpen {
			return a
		}
	}
	return nil
}

func (reg *Registry) arena(name string) *models.Arena {
	for _, a := range reg.arenas {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func teleport(bot string, at models.Vec3) string {
	return fmt.Sprintf("tp %s %g %g %g", bot, at.X, at.Y, at.Z)
}

// Death records a bot's death: it becomes dead, its arena reopens and both
// duelists get terminal rewards. The surviving pair goes back to ready and is
// re-paired at once; without a pair, the dead bot itself tries to re-pair.
func (reg *Registry) Death(ctx context.Context, name string) (DeathOutcome, error) {
	reg.mu.Lock()
	bot, ok := reg.bots[name]
	if !ok {
		reg.mu.Unlock()
		return DeathOutcome{}, fmt.Errorf("death %s: %w", name, ErrUnknownBot)
	}

	out := DeathOutcome{Dead: name, Arena: bot.Arena}
	bot.Status = models.StatusDead
	if a := reg.arena(bot.Arena); a != nil {
		a.Status = models.ArenaOpen
	}
	bot.Arena = ""
	out.Injections = append(out.Injections, Injection{Bot: name, Event: models.Event{Type: models.EventDeath}, Done: true})
	out.Train = append(out.Train, name)

	next := name
	if pair, ok := reg.bots[bot.Pair]; ok {
		out.Winner = pair.Name
		out.Injections = append(out.Injections, Injection{Bot: pair.Name, Event: models.Event{Type: models.EventWonDuel}, Done: true})
		out.Train = append(out.Train, pair.Name)

		bot.Pair, pair.Pair = "", ""
		pair.Status = models.StatusReady
		pair.Arena = ""
		next = pair.Name
	}
	bot.Pair = ""

	var cmds []string
	var err error
	out.Repaired, cmds, err = reg.pairLocked(next)
	cmds = append(cmds, reg.fillArenasLocked()...)
	reg.mu.Unlock()
	if err != nil {
		return out, err
	}

	reg.logger.Info().Str("bot", name).Str("winner", out.Winner).Str("arena", out.Arena).Msg("death")
	rcon.ExecuteAll(ctx, reg.dispatcher, cmds)
	return out, nil
}

// Leave removes a bot, reopening its arena and readying its pair. A waiting
// pair may take over the reopened arena.
func (reg *Registry) Leave(ctx context.Context, name string) error {
	reg.mu.Lock()
	bot, ok := reg.bots[name]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("leave %s: %w", name, ErrUnknownBot)
	}
	if a := reg.arena(bot.Arena); a != nil {
		a.Status = models.ArenaOpen
	}
	if pair, ok := reg.bots[bot.Pair]; ok {
		pair.Pair, pair.Arena = "", ""
		pair.Status = models.StatusReady
	}
	delete(reg.bots, name)
	for i, n := range reg.order {
		if n == name {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	cmds := reg.fillArenasLocked()
	reg.mu.Unlock()

	reg.logger.Info().Str("bot", name).Msg("left")
	rcon.ExecuteAll(ctx, reg.dispatcher, cmds)
	return nil
}

// Bot returns a copy of one bot.
func (reg *Registry) Bot(name string) (models.Bot, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	bot, ok := reg.bots[name]
	if !ok {
		return models.Bot{}, false
	}
	return *bot, true
}

// Snapshot copies every bot, in registration order, and every arena.
func (reg *Registry) Snapshot() Snapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	snap := Snapshot{}
	for _, name := range reg.order {
		bot := *reg.bots[name]
		snap.Bots = append(snap.Bots, bot)
		switch bot.Status {
		case models.StatusFighting:
			snap.Counts.Active++
		case models.StatusReady:
			snap.Counts.Ready++
		}
	}
	for _, a := range reg.arenas {
		snap.Arenas = append(snap.Arenas, *a)
		if a.Status == models.ArenaOpen {
			snap.Counts.Open++
		} else {
			snap.Counts.Closed++
		}
	}
	return snap
}
