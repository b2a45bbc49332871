package reinforcement

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"duelrl/features"
	"duelrl/models"
	"duelrl/policy"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// TrainingConfig holds everything the engine reads from its config file:
// hyperparameters as a flat key/val list, the algorithm selector and the
// arena-side setup. Process-level settings (listen address, debug) stay on
// flags in main. Viper folds map keys to lower case before def is re-decoded,
// hence the lower-case yaml tags.
type TrainingConfig struct {
	// HyperParams is a key-val pair of param names and their value.
	HyperParams []HyperParameter `yaml:"hyperparams"`
	// Algorithm selects the trainer ("kind": pg|ppo), head layout ("scheme":
	// multi|flat) and whether a value head exists ("critic": true|false).
	Algorithm map[string]string `yaml:"algorithm"`
	// TrainingDeadline bounds a single background training run, e.g. {duration: 30s}.
	TrainingDeadline map[string]string `yaml:"trainingdeadline"`
	Limits           features.Limits   `yaml:"limits"`
	Schedule         ScheduleConfig    `yaml:"schedule"`
	Arenas           []models.Arena    `yaml:"arenas"`
	Kit              models.Kit        `yaml:"kit"`
	Rcon             RconConfig        `yaml:"rcon"`
	Storage          StorageConfig     `yaml:"storage"`
}

type HyperParameter struct {
	Key string  `yaml:"key"`
	Val float64 `yaml:"val"`
}

type ScheduleConfig struct {
	// TickInterval is the number of inference calls per bot between training runs.
	TickInterval int `yaml:"tickinterval"`
	// TickHistory is how many inference timestamps feed the tick-rate estimate.
	TickHistory int `yaml:"tickhistory"`
	// TickRateMultiplier scales the observed call rate up to the game's own tick
	// rate; the client calls predict once every few game ticks.
	TickRateMultiplier float64 `yaml:"tickratemultiplier"`
	// LogWindow is the number of training log entries retained in memory.
	LogWindow int `yaml:"logwindow"`
}

type RconConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
}

type StorageConfig struct {
	// Archive is an optional sqlite path receiving every training log entry.
	Archive string `yaml:"archive"`
	// Weights is a directory holding one weights artifact per bot.
	Weights string `yaml:"weights"`
}

// Hyperparameter keys.
const (
	ParamGamma        = "gamma"
	ParamLearningRate = "learningRate"
	ParamClip         = "clipEpsilon"
	ParamEntropyCoef  = "entropyCoef"
	ParamValueCoef    = "valueCoef"
	ParamMaxGradNorm  = "maxGradNorm"
	ParamBatchSize    = "batchSize"
	ParamEpochs       = "epochs"
	ParamHidden       = "hidden"
)

// Algorithm kinds.
const (
	KindPolicyGradient = "pg"
	KindPPO            = "ppo"
)

func (cfg *TrainingConfig) GetHyperParamOrDefault(param string, defaultVal float64) float64 {
	for _, kvp := range cfg.HyperParams {
		if kvp.Key == param {
			return kvp.Val
		}
	}
	return defaultVal
}

// WithTrainingDeadline returns a context extended by the training deadline, if one is specified.
func (cfg *TrainingConfig) WithTrainingDeadline(
	ctx context.Context,
) (context.Context, context.CancelFunc, error) {
	if val, ok := cfg.TrainingDeadline["duration"]; ok {
		if duration, err := time.ParseDuration(val); err != nil {
			return nil, nil, err
		} else {
			innerCtx, cancel := context.WithTimeout(ctx, duration)
			return innerCtx, cancel, nil
		}
	}
	defaultCtx, cancel := context.WithCancel(ctx)
	return defaultCtx, cancel, nil
}

// Kind returns the configured trainer kind, defaulting to policy gradient.
func (cfg *TrainingConfig) Kind() string {
	if kind := cfg.Algorithm["kind"]; kind != "" {
		return kind
	}
	return KindPolicyGradient
}

// Scheme returns the configured head layout, defaulting to multi-discrete.
func (cfg *TrainingConfig) Scheme() policy.Scheme {
	if scheme := cfg.Algorithm["scheme"]; scheme != "" {
		return policy.Scheme(scheme)
	}
	return policy.SchemeMulti
}

// Critic reports whether networks get a value head. PPO always has one.
func (cfg *TrainingConfig) Critic() bool {
	if cfg.Kind() == KindPPO {
		return true
	}
	critic, _ := strconv.ParseBool(cfg.Algorithm["critic"])
	return critic
}

// RconTimeout parses the dispatcher timeout, defaulting to five seconds.
func (cfg *TrainingConfig) RconTimeout() time.Duration {
	if d, err := time.ParseDuration(cfg.Rcon.Timeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

// Default fills every unset section with the engine defaults.
func (cfg *TrainingConfig) Default() *TrainingConfig {
	if cfg.Limits == (features.Limits{}) {
		cfg.Limits = features.DefaultLimits()
	}
	if cfg.Schedule.TickInterval <= 0 {
		cfg.Schedule.TickInterval = 100
	}
	if cfg.Schedule.TickHistory <= 1 {
		cfg.Schedule.TickHistory = 20
	}
	if cfg.Schedule.TickRateMultiplier <= 0 {
		cfg.Schedule.TickRateMultiplier = 20.0 / 3.0
	}
	if cfg.Schedule.LogWindow <= 0 {
		cfg.Schedule.LogWindow = 100
	}
	return cfg
}

func (cfg *TrainingConfig) validate() error {
	switch cfg.Kind() {
	case KindPolicyGradient, KindPPO:
	default:
		return fmt.Errorf("unknown algorithm kind %q", cfg.Kind())
	}
	switch cfg.Scheme() {
	case policy.SchemeMulti, policy.SchemeFlat:
	default:
		return fmt.Errorf("unknown action scheme %q", cfg.Scheme())
	}
	if _, _, err := cfg.WithTrainingDeadline(context.Background()); err != nil {
		return fmt.Errorf("training deadline: %w", err)
	}
	return nil
}

// FromYaml reads the kind/def envelope with viper and decodes def into a
// TrainingConfig. RCON_HOST, RCON_PORT and RCON_PASSWORD in the environment
// override the rcon section so the password need not live in the file.
func FromYaml(path string) (*TrainingConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(filepath.Base(path))
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	var err error
	if err = vp.ReadInConfig(); err != nil {
		return nil, err
	}

	outerConfig := &OuterConfig{}
	if err = vp.Unmarshal(outerConfig); err != nil {
		return nil, err
	}

	var spec []byte
	if spec, err = yaml.Marshal(outerConfig.Def); err != nil {
		return nil, err
	}

	innerConfig := &TrainingConfig{}
	if err = yaml.Unmarshal(spec, innerConfig); err != nil {
		return nil, err
	}

	applyEnv(vp, innerConfig)
	innerConfig.Default()
	if err = innerConfig.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return innerConfig, nil
}

func applyEnv(vp *viper.Viper, cfg *TrainingConfig) {
	_ = vp.BindEnv("rcon_host", "RCON_HOST")
	_ = vp.BindEnv("rcon_port", "RCON_PORT")
	_ = vp.BindEnv("rcon_password", "RCON_PASSWORD")

	if host, port := vp.GetString("rcon_host"), vp.GetString("rcon_port"); host != "" || port != "" {
		curHost, curPort, _ := net.SplitHostPort(cfg.Rcon.Addr)
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		cfg.Rcon.Addr = net.JoinHostPort(host, port)
	}
	if pw := vp.GetString("rcon_password"); pw != "" {
		cfg.Rcon.Password = pw
	}
}
