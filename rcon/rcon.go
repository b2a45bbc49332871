// Package rcon sends console commands to the game server. Commands are
// fire-and-report: a failed command never surfaces as an error, its failure
// text becomes the response instead.
package rcon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorcon/rcon"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a whole dial-and-execute round trip.
const DefaultTimeout = 5 * time.Second

// Dispatcher runs one console command and returns its output or failure text.
type Dispatcher interface {
	Execute(ctx context.Context, command string) string
}

// conn is the subset of *rcon.Conn the client uses.
type conn interface {
	Execute(command string) (string, error)
	Close() error
}

type dialFunc func(addr, password string, timeout time.Duration) (conn, error)

func dialRcon(addr, password string, timeout time.Duration) (conn, error) {
	return rcon.Dial(addr, password, rcon.SetDialTimeout(timeout), rcon.SetDeadline(timeout))
}

// Client dials the server per command. Each command runs on its own goroutine
// so a hung server costs the caller at most the timeout; the goroutine itself
// is released by the connection deadline.
type Client struct {
	addr     string
	password string
	timeout  time.Duration
	dial     dialFunc
	logger   zerolog.Logger
}

func NewClient(addr, password string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		addr:     addr,
		password: password,
		timeout:  timeout,
		dial:     dialRcon,
		logger:   logger.With().Str("component", "rcon").Logger(),
	}
}

func (cli *Client) Execute(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, cli.timeout)
	defer cancel()

	result := make(chan string, 1)
	go func() {
		result <- cli.run(command)
	}()

	select {
	case out := <-result:
		return out
	case <-ctx.Done():
		cli.logger.Warn().Str("command", command).Dur("timeout", cli.timeout).Msg("command timed out")
		return ctx.Err().Error()
	}
}

func (cli *Client) run(command string) string {
	c, err := cli.dial(cli.addr, cli.password, cli.timeout)
	if err != nil {
		cli.logger.Warn().Err(err).Str("addr", cli.addr).Msg("dial failed")
		return err.Error()
	}
	defer c.Close()

	out, err := c.Execute(command)
	if err != nil {
		cli.logger.Warn().Err(err).Str("command", command).Msg("command failed")
		return err.Error()
	}
	cli.logger.Debug().Str("command", command).Str("response", out).Msg("command ok")
	return out
}

// ExecuteAll runs commands in order and returns each response.
func ExecuteAll(ctx context.Context, d Dispatcher, commands []string) []string {
	out := make([]string, len(commands))
	for i, cmd := range commands {
		out[i] = d.Execute(ctx, cmd)
	}
	return out
}

// Recorder is an in-memory Dispatcher that logs commands instead of sending
// them. It answers every command with Response.
type Recorder struct {
	Response string

	mu       sync.Mutex
	commands []string
}

func (rec *Recorder) Execute(_ context.Context, command string) string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.commands = append(rec.commands, command)
	return rec.Response
}

// Commands returns everything executed so far.
func (rec *Recorder) Commands() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.commands...)
}

// Matching returns the executed commands starting with prefix.
func (rec *Recorder) Matching(prefix string) (out []string) {
	for _, cmd := range rec.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return
}
