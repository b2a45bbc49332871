package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"duelrl/models"
	"duelrl/rcon"
	"duelrl/reinforcement"
	"duelrl/trainlog"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func testConfig(batchSize float64) *reinforcement.TrainingConfig {
	cfg := &reinforcement.TrainingConfig{
		HyperParams: []reinforcement.HyperParameter{
			{Key: reinforcement.ParamBatchSize, Val: batchSize},
			{Key: reinforcement.ParamHidden, Val: 16},
		},
		Arenas: []models.Arena{
			{Name: "pit-a", Spawns: [2]models.Vec3{{X: 0, Y: 64, Z: 0}, {X: 10, Y: 64, Z: 0}}},
		},
		Kit:      models.Kit{Name: "sword", Commands: []string{"give {bot} iron_sword"}},
		Schedule: reinforcement.ScheduleConfig{TickInterval: 100},
	}
	return cfg.Default()
}

func newTestServer(cfg *reinforcement.TrainingConfig, archive Archive) (*Server, *rcon.Recorder) {
	rec := &rcon.Recorder{Response: "ok"}
	deps := Deps{Config: cfg, Dispatcher: rec, Logger: zerolog.Nop()}
	if archive != nil {
		deps.Archive = archive
	}
	app, err := NewApp(context.Background(), deps)
	So(err, ShouldBeNil)
	return NewServer(":0", app), rec
}

func do(h http.Handler, method, path string, body interface{}, out interface{}) int {
	var buf bytes.Buffer
	if body != nil {
		So(json.NewEncoder(&buf).Encode(body), ShouldBeNil)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil {
		So(json.Unmarshal(w.Body.Bytes(), out), ShouldBeNil)
	}
	return w.Code
}

func predict(h http.Handler, bot string, space models.ActionSpace) predictResponse {
	var resp predictResponse
	code := do(h, http.MethodPost, "/predict-action/v1", predictRequest{
		BotName:     bot,
		Observation: models.WorldSnapshot{},
		ActionSpace: space,
	}, &resp)
	So(code, ShouldEqual, http.StatusOK)
	return resp
}

func TestDuelScenario(t *testing.T) {
	Convey("Given a server with one arena and immediate training", t, func() {
		srv, rec := newTestServer(testConfig(1), nil)
		h := srv.Handler()
		app := srv.app

		var reg registerResponse
		So(do(h, http.MethodPost, "/register/", botRequest{BotName: "Bot1"}, &reg), ShouldEqual, http.StatusOK)
		So(reg.Bot.Status, ShouldEqual, models.StatusReady)
		So(reg.Pairing.Pair, ShouldBeEmpty)

		So(do(h, http.MethodPost, "/register/", botRequest{BotName: "Bot2"}, &reg), ShouldEqual, http.StatusOK)
		So(reg.Pairing.Pair, ShouldEqual, "Bot1")
		So(reg.Bot.Status, ShouldEqual, models.StatusFighting)
		So(app.Registry.Snapshot().Counts.Closed, ShouldEqual, 1)
		So(rec.Matching("give "), ShouldResemble, []string{"give Bot1 iron_sword", "give Bot2 iron_sword"})

		predict(h, "Bot1", models.DefaultActionSpace())
		predict(h, "Bot2", models.DefaultActionSpace())

		var rew rewardResponse
		amount := 4.0
		So(do(h, http.MethodPost, "/add-reward/", rewardRequest{
			BotName: "Bot1",
			Events:  []models.Event{{Type: models.EventDamageDealt, Amount: &amount}},
		}, &rew), ShouldEqual, http.StatusOK)
		So(rew.Recorded, ShouldBeTrue)
		So(rew.Reward, ShouldEqual, 4.0)

		var death map[string]interface{}
		So(do(h, http.MethodPost, "/death/", botRequest{BotName: "Bot2"}, &death), ShouldEqual, http.StatusOK)
		So(death["winner"], ShouldEqual, "Bot1")
		app.Wait()

		bot2, _ := app.Registry.Bot("Bot2")
		So(bot2.Status, ShouldEqual, models.StatusDead)
		So(app.Registry.Snapshot().Arenas[0].Status, ShouldEqual, models.ArenaOpen)

		// Both duelists trained on their single step.
		var logs logsResponse
		So(do(h, http.MethodGet, "/training-logs/", nil, &logs), ShouldEqual, http.StatusOK)
		So(logs.Total, ShouldEqual, 2)
		var bot1Entry *trainlog.Entry
		for i := range logs.Logs {
			if logs.Logs[i].Bot == "Bot1" {
				bot1Entry = &logs.Logs[i]
			}
		}
		So(bot1Entry, ShouldNotBeNil)
		So(bot1Entry.Breakdown[models.EventWonDuel].Amount, ShouldEqual, 10.0)
		So(bot1Entry.Reward, ShouldEqual, 14.0)
		So(bot1Entry.Counts.Open, ShouldEqual, 1)

		agent, _ := app.Agents.Get("Bot1")
		So(agent.Buffer().Len(), ShouldEqual, 0)
	})
}

func TestPredictFallbacks(t *testing.T) {
	Convey("Given a server", t, func() {
		srv, _ := newTestServer(testConfig(64), nil)
		h := srv.Handler()

		Convey("A valid request yields an action and a tick count", func() {
			resp := predict(h, "alpha", models.DefaultActionSpace())
			So(resp.Fallback, ShouldBeFalse)
			So(resp.ProcessingTime, ShouldBeGreaterThanOrEqualTo, 0.0)
			So(resp.TickRate, ShouldEqual, 0.0)
			So(srv.app.Scheduler.Count("alpha"), ShouldEqual, 1)

			time.Sleep(5 * time.Millisecond)
			predict(h, "alpha", models.DefaultActionSpace())
			time.Sleep(5 * time.Millisecond)
			So(predict(h, "alpha", models.DefaultActionSpace()).TickRate, ShouldBeGreaterThan, 0.0)
		})

		Convey("An unusable action space falls back to a no-op", func() {
			space := models.DefaultActionSpace()
			space.PitchBins = 1
			resp := predict(h, "beta", space)
			So(resp.Fallback, ShouldBeTrue)
			So(resp.Action, ShouldResemble, models.NoOp())
		})

		Convey("A changed action space is honoured for an existing agent", func() {
			predict(h, "gamma", models.DefaultActionSpace())
			agent, ok := srv.app.Agents.Get("gamma")
			So(ok, ShouldBeTrue)

			narrow := models.ActionSpace{MovementBins: 4, YawBins: 4, PitchBins: 3}
			for i := 0; i < 20; i++ {
				resp := predict(h, "gamma", narrow)
				So(resp.Fallback, ShouldBeFalse)
				So(resp.Action.Movement, ShouldBeBetweenOrEqual, 0, 3)
			}
			So(agent.Space(), ShouldResemble, models.DefaultActionSpace())
		})

		Convey("A bot without an agent acts randomly within its space", func() {
			for i := 0; i < 20; i++ {
				action := srv.app.missingAgentAction(models.DefaultActionSpace())
				So(action.Movement, ShouldBeBetweenOrEqual, 0, models.DefaultMovementBins-1)
				So(action.Yaw, ShouldBeBetweenOrEqual, -22.5, 22.5)
				So(action.Pitch, ShouldBeBetweenOrEqual, -22.5, 22.5)
				So(action.Hotbar, ShouldEqual, -1)
			}
		})

		Convey("A malformed body still gets an action", func() {
			req := httptest.NewRequest(http.MethodPost, "/predict-action/v1", strings.NewReader("{"))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusOK)
			var resp predictResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Action, ShouldResemble, models.NoOp())
		})

		Convey("Rewards before any prediction are not recorded", func() {
			var rew rewardResponse
			do(h, http.MethodPost, "/add-reward/", rewardRequest{BotName: "nobody"}, &rew)
			So(rew.Recorded, ShouldBeFalse)
		})
	})
}

func TestActionCache(t *testing.T) {
	Convey("Given a cached action", t, func() {
		cache := newActionCache()
		now := time.Now()
		action := models.Action{Movement: 3, Attack: true}
		cache.store("alpha", action, now)

		Convey("It is returned while fresh", func() {
			got, ok := cache.recent("alpha", now.Add(time.Second), actionTTL)
			So(ok, ShouldBeTrue)
			So(got, ShouldResemble, action)
		})

		Convey("It expires after the ttl", func() {
			_, ok := cache.recent("alpha", now.Add(3*time.Second), actionTTL)
			So(ok, ShouldBeFalse)
		})

		Convey("Forgotten bots have nothing cached", func() {
			cache.forget("alpha")
			_, ok := cache.recent("alpha", now, actionTTL)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestOperatorEndpoints(t *testing.T) {
	Convey("Given a server with an archive", t, func() {
		archive, err := trainlog.OpenArchive(filepath.Join(t.TempDir(), "logs.db"))
		So(err, ShouldBeNil)
		defer archive.Close()
		srv, rec := newTestServer(testConfig(64), archive)
		h := srv.Handler()

		Convey("Commands pass through the dispatcher", func() {
			var resp commandResponse
			So(do(h, http.MethodPost, "/send-command/", commandRequest{Command: "time set day"}, &resp), ShouldEqual, http.StatusOK)
			So(resp.Response, ShouldEqual, "ok")
			So(rec.Commands(), ShouldResemble, []string{"time set day"})
			So(do(h, http.MethodPost, "/send-command/", commandRequest{}, nil), ShouldEqual, http.StatusBadRequest)
		})

		Convey("Bot metrics cover known agents", func() {
			predict(h, "alpha", models.DefaultActionSpace())
			var all metricsResponse
			So(do(h, http.MethodGet, "/bot-metrics/", nil, &all), ShouldEqual, http.StatusOK)
			So(len(all.Bots), ShouldEqual, 1)
			So(all.Bots[0].BufferSize, ShouldEqual, 1)

			var one reinforcement.AgentMetrics
			So(do(h, http.MethodGet, "/bot-metrics/alpha", nil, &one), ShouldEqual, http.StatusOK)
			So(one.Name, ShouldEqual, "alpha")
			So(do(h, http.MethodGet, "/bot-metrics/ghost", nil, nil), ShouldEqual, http.StatusNotFound)
		})

		Convey("Bot metrics total every score", func() {
			srv.app.Scores.For("alpha").Add(1.5)
			srv.app.Scores.For("beta").Add(2)
			var all metricsResponse
			So(do(h, http.MethodGet, "/bot-metrics/", nil, &all), ShouldEqual, http.StatusOK)
			So(all.TotalScore, ShouldEqual, 3.5)
		})

		Convey("Archived logs are queryable", func() {
			entry := trainlog.NewEntry("alpha")
			So(archive.Insert(entry), ShouldBeNil)
			newest := trainlog.NewEntry("alpha")
			newest.Timestamp = entry.Timestamp.Add(time.Second)
			So(archive.Insert(newest), ShouldBeNil)
			So(archive.Insert(trainlog.NewEntry("beta")), ShouldBeNil)
			var logs logsResponse
			So(do(h, http.MethodGet, "/training-logs/?source=archive&bot=alpha&limit=1", nil, &logs), ShouldEqual, http.StatusOK)
			So(len(logs.Logs), ShouldEqual, 1)
			So(logs.Total, ShouldEqual, 2)
			So(logs.Logs[0].ID, ShouldEqual, newest.ID)
			So(do(h, http.MethodGet, "/training-logs/?limit=zero", nil, nil), ShouldEqual, http.StatusBadRequest)
		})

		Convey("Unknown bots cannot die or leave", func() {
			So(do(h, http.MethodPost, "/death/", botRequest{BotName: "ghost"}, nil), ShouldEqual, http.StatusNotFound)
			So(do(h, http.MethodPost, "/leave/", botRequest{BotName: "ghost"}, nil), ShouldEqual, http.StatusNotFound)
		})

		Convey("Leaving forgets the bot", func() {
			do(h, http.MethodPost, "/register/", botRequest{BotName: "alpha"}, nil)
			So(do(h, http.MethodPost, "/leave/", botRequest{BotName: "alpha"}, nil), ShouldEqual, http.StatusOK)
			_, ok := srv.app.Registry.Bot("alpha")
			So(ok, ShouldBeFalse)
		})

		Convey("Leaving drops unscored experience", func() {
			do(h, http.MethodPost, "/register/", botRequest{BotName: "alpha"}, nil)
			predict(h, "alpha", models.DefaultActionSpace())
			agent, ok := srv.app.Agents.Get("alpha")
			So(ok, ShouldBeTrue)
			So(agent.Buffer().Len(), ShouldEqual, 1)
			So(do(h, http.MethodPost, "/leave/", botRequest{BotName: "alpha"}, nil), ShouldEqual, http.StatusOK)
			So(agent.Buffer().Len(), ShouldEqual, 0)
		})
	})
}

func TestTrainingLogStream(t *testing.T) {
	Convey("Given a running server", t, func() {
		srv, _ := newTestServer(testConfig(64), nil)
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/training-logs"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		Convey("The first frame describes the current state", func() {
			So(conn.SetReadDeadline(time.Now().Add(2*time.Second)), ShouldBeNil)
			var frame Frame
			So(conn.ReadJSON(&frame), ShouldBeNil)
			So(frame.Reason, ShouldEqual, "initial")
			So(frame.Logs, ShouldBeEmpty)
			So(len(frame.Arena.Arenas), ShouldEqual, 1)
		})
	})
}
