package server

import (
	"net/http"
	"time"

	"duelrl/arena"
	"duelrl/server/fastview"
	"duelrl/trainlog"

	channerics "github.com/niceyeti/channerics/channels"
)

const (
	// statusPeriod refreshes frames even when no training happens.
	statusPeriod = time.Second
	// frameWindow is the number of recent log entries carried per frame.
	frameWindow = 20
)

// Frame is one complete picture of training progress. Each frame supersedes
// the previous one, so the publisher may drop frames freely.
type Frame struct {
	Time   time.Time          `json:"time"`
	Reason string             `json:"reason"`
	Logs   []trainlog.Entry   `json:"logs"`
	Scores map[string]float64 `json:"scores"`
	Arena  arena.Snapshot     `json:"arena"`
}

func (app *App) frame(reason string) Frame {
	return Frame{
		Time:   time.Now().UTC(),
		Reason: reason,
		Logs:   nonNil(app.Log.Recent(frameWindow)),
		Scores: app.Scores.Snapshot(),
		Arena:  app.Registry.Snapshot(),
	}
}

// frames fans in log appends and the status ticker into a single frame
// stream, starting with an immediate frame so new clients aren't blank.
func (app *App) frames(done <-chan struct{}) <-chan Frame {
	entryFrames := channerics.Convert(done, app.Log.Subscribe(done), func(trainlog.Entry) Frame {
		return app.frame("training")
	})
	statusFrames := make(chan Frame)
	go func() {
		defer close(statusFrames)
		for range channerics.NewTicker(done, statusPeriod) {
			select {
			case statusFrames <- app.frame("status"):
			case <-done:
				return
			}
		}
	}()

	initial := make(chan Frame, 1)
	initial <- app.frame("initial")
	close(initial)

	inputs := []<-chan Frame{initial, entryFrames, statusFrames}
	return channerics.Merge(done, inputs...)
}

// streamTrainingLogs pushes frames to a websocket client until it leaves.
func (app *App) streamTrainingLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cli, err := fastview.NewClient(app.frames(ctx.Done()), w, r, app.logger)
	if err != nil {
		app.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer cli.Close()

	if err := cli.Sync(ctx); err != nil {
		app.logger.Info().Err(err).Msg("training log stream ended")
	}
}
