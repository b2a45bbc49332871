package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"duelrl/arena"
	"duelrl/models"
	"duelrl/reinforcement"
	"duelrl/trainlog"

	"github.com/gorilla/mux"
)

// defaultLogLimit bounds training log queries that don't pass a limit.
const defaultLogLimit = 100

type predictRequest struct {
	BotName     string               `json:"bot_name"`
	Observation models.WorldSnapshot `json:"observation"`
	ActionSpace models.ActionSpace   `json:"action_space"`
}

type predictResponse struct {
	Action         models.Action `json:"action"`
	TickRate       float64       `json:"tick_rate"`
	ProcessingTime float64       `json:"processing_time_ms"`
	Fallback       bool          `json:"fallback,omitempty"`
	Training       bool          `json:"training_triggered,omitempty"`
}

type rewardRequest struct {
	BotName      string                `json:"bot_name"`
	Events       []models.Event        `json:"events"`
	CurrentState *models.WorldSnapshot `json:"current_state,omitempty"`
}

type rewardResponse struct {
	Status   string  `json:"status"`
	Reward   float64 `json:"reward"`
	Recorded bool    `json:"recorded"`
}

type botRequest struct {
	BotName string `json:"bot_name"`
}

type registerResponse struct {
	Bot     models.Bot    `json:"bot"`
	Pairing arena.Pairing `json:"pairing"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	SentCommand string `json:"sent_command"`
	Response    string `json:"response"`
}

type logsResponse struct {
	Logs  []trainlog.Entry `json:"logs"`
	Total int              `json:"total"`
}

type metricsResponse struct {
	Bots   []reinforcement.AgentMetrics `json:"bots"`
	Arena  arena.Snapshot               `json:"arena"`
	Scores map[string]float64           `json:"scores"`
	// TotalScore sums Scores.
	TotalScore float64 `json:"total_score"`
}

// predictAction always answers with a well-formed action. Prediction
// failures fall back to the bot's recent action, then to a no-op.
func (app *App) predictAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req predictRequest
	if err := readJSON(r, &req); err != nil || req.BotName == "" {
		app.logger.Warn().Err(err).Msg("malformed predict request")
		writeJSON(w, http.StatusOK, predictResponse{Action: models.NoOp(), Fallback: true})
		return
	}
	bot := req.BotName
	deterministic, _ := strconv.ParseBool(r.URL.Query().Get("deterministic"))

	app.Scheduler.Observe(bot, start)
	resp := predictResponse{}
	space := req.ActionSpace.WithDefaults()
	if agent, err := app.Agents.GetOrCreate(bot, space); err != nil {
		app.logger.Warn().Err(err).Str("bot", bot).Msg("no agent, acting randomly")
		resp.Action = app.missingAgentAction(space)
		resp.Fallback = true
	} else if resp.Action, err = agent.Predict(&req.Observation, deterministic); err != nil {
		app.logger.Warn().Err(err).Str("bot", bot).Str("version", mux.Vars(r)["version"]).Msg("prediction failed")
		resp.Action = app.fallbackAction(bot, start)
		resp.Fallback = true
	} else {
		if agentSpace := agent.Space(); agentSpace.Bins() != space.Bins() {
			resp.Action, resp.Fallback = app.conformAction(bot, resp.Action, agentSpace, space)
		}
		app.actions.store(bot, resp.Action, start)
	}

	resp.Training = app.Scheduler.Tick(bot)
	resp.TickRate = app.Scheduler.TickRate(bot)
	resp.ProcessingTime = float64(time.Since(start).Microseconds()) / 1000
	writeJSON(w, http.StatusOK, resp)
}

// addReward credits reported and auto-derived events to the bot's newest step.
func (app *App) addReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agent, ok := app.Agents.Get(req.BotName)
	if !ok {
		writeJSON(w, http.StatusOK, rewardResponse{Status: "no_agent"})
		return
	}
	total, recorded := agent.Reward(req.Events, req.CurrentState)
	status := "ok"
	if !recorded {
		status = "no_step"
	}
	writeJSON(w, http.StatusOK, rewardResponse{Status: status, Reward: total, Recorded: recorded})
}

// death applies the registry's death transition, hands out the terminal
// rewards and schedules training for both duelists.
func (app *App) death(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := app.Registry.Death(r.Context(), req.BotName)
	if errors.Is(err, arena.ErrUnknownBot) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		app.logger.Warn().Err(err).Str("bot", req.BotName).Msg("re-pair after death failed")
	}

	for _, inj := range out.Injections {
		agent, ok := app.Agents.Get(inj.Bot)
		if !ok {
			continue
		}
		agent.Reward([]models.Event{inj.Event}, nil)
		if inj.Done {
			agent.Done(true)
		}
	}
	for _, bot := range out.Train {
		app.Scheduler.Trigger(bot)
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) register(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bot, pairing, err := app.Registry.Register(r.Context(), req.BotName)
	if errors.Is(err, arena.ErrEmptyName) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Bot: bot, Pairing: pairing})
}

func (app *App) leave(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := app.Registry.Leave(r.Context(), req.BotName); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	app.Scheduler.Forget(req.BotName)
	app.actions.forget(req.BotName)
	// unscored steps of a departed bot would train against no outcome
	if agent, ok := app.Agents.Get(req.BotName); ok {
		agent.Buffer().Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left", "bot": req.BotName})
}

// trainingLogs serves the in-memory window, or the archive with ?source=archive.
func (app *App) trainingLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultLogLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	if query.Get("source") == "archive" {
		if app.Archive == nil {
			writeError(w, http.StatusNotFound, errors.New("no archive configured"))
			return
		}
		bot := query.Get("bot")
		logs, err := app.Archive.Recent(bot, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		total, err := app.Archive.Count(bot)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, logsResponse{Logs: nonNil(logs), Total: total})
		return
	}

	writeJSON(w, http.StatusOK, logsResponse{Logs: nonNil(app.Log.Recent(limit)), Total: app.Log.Len()})
}

func nonNil(logs []trainlog.Entry) []trainlog.Entry {
	if logs == nil {
		return []trainlog.Entry{}
	}
	return logs
}

func (app *App) botMetrics(w http.ResponseWriter, r *http.Request) {
	if name, ok := mux.Vars(r)["bot"]; ok {
		agent, found := app.Agents.Get(name)
		if !found {
			writeError(w, http.StatusNotFound, errors.New("no agent for "+name))
			return
		}
		writeJSON(w, http.StatusOK, agent.Metrics())
		return
	}
	writeJSON(w, http.StatusOK, app.metrics())
}

func (app *App) metrics() metricsResponse {
	agents := app.Agents.All()
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name() < agents[j].Name() })
	out := metricsResponse{
		Bots:   make([]reinforcement.AgentMetrics, 0, len(agents)),
		Arena:  app.Registry.Snapshot(),
		Scores: app.Scores.Snapshot(),
	}
	out.TotalScore = app.Scores.Total()
	for _, a := range agents {
		out.Bots = append(out.Bots, a.Metrics())
	}
	return out
}

// sendCommand passes a console command through the dispatcher. Dispatcher
// failures come back as the response text.
func (app *App) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("empty command"))
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		SentCommand: req.Command,
		Response:    app.Dispatcher.Execute(r.Context(), req.Command),
	})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
