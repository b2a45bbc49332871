package reinforcement

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"duelrl/features"
	"duelrl/policy"

	. "github.com/smartystreets/goconvey/convey"
)

const testConfig = `
kind: duelrl
def:
  hyperParams:
    - key: learningRate
      val: 0.001
    - key: batchSize
      val: 16
  algorithm:
    kind: ppo
    scheme: flat
  trainingDeadline:
    duration: 2s
  arenas:
    - name: pit
      status: open
      spawns:
        - {x: 1, y: 64, z: 2}
        - {x: 9, y: 64, z: 2}
  kit:
    name: sword
    commands:
      - give {bot} iron_sword
  schedule:
    tickInterval: 50
  rcon:
    addr: mc.local:25575
    password: from-file
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFromYaml(t *testing.T) {
	Convey("Given a config file", t, func() {
		path := writeConfig(t, testConfig)

		Convey("The def block decodes with defaults filled", func() {
			cfg, err := FromYaml(path)
			So(err, ShouldBeNil)
			So(cfg.GetHyperParamOrDefault(ParamLearningRate, 0), ShouldEqual, 0.001)
			So(cfg.GetHyperParamOrDefault(ParamGamma, 0.99), ShouldEqual, 0.99)
			So(cfg.Kind(), ShouldEqual, KindPPO)
			So(cfg.Scheme(), ShouldEqual, policy.SchemeFlat)
			So(cfg.Critic(), ShouldBeTrue)
			So(cfg.Limits, ShouldResemble, features.DefaultLimits())
			So(cfg.Schedule.TickInterval, ShouldEqual, 50)
			So(cfg.Schedule.TickHistory, ShouldEqual, 20)
			So(cfg.Schedule.TickRateMultiplier, ShouldAlmostEqual, 20.0/3.0)
			So(len(cfg.Arenas), ShouldEqual, 1)
			So(cfg.Arenas[0].Spawns[1].X, ShouldEqual, 9.0)
			So(cfg.Kit.Commands, ShouldResemble, []string{"give {bot} iron_sword"})
			So(cfg.RconTimeout(), ShouldEqual, 5*time.Second)

			hp := HyperFromConfig(cfg)
			So(hp.BatchSize, ShouldEqual, 16)
			So(hp.MaxGradNorm, ShouldEqual, 0.5)
			So(hp.Epochs, ShouldEqual, 4)
		})

		Convey("The environment overrides rcon credentials", func() {
			t.Setenv("RCON_PASSWORD", "hunter2")
			t.Setenv("RCON_PORT", "27015")
			cfg, err := FromYaml(path)
			So(err, ShouldBeNil)
			So(cfg.Rcon.Password, ShouldEqual, "hunter2")
			So(cfg.Rcon.Addr, ShouldEqual, "mc.local:27015")
		})

		Convey("The training deadline bounds a context", func() {
			cfg, _ := FromYaml(path)
			ctx, cancel, err := cfg.WithTrainingDeadline(context.Background())
			So(err, ShouldBeNil)
			defer cancel()
			deadline, ok := ctx.Deadline()
			So(ok, ShouldBeTrue)
			So(time.Until(deadline), ShouldBeLessThanOrEqualTo, 2*time.Second)
		})
	})

	Convey("Unknown algorithms are rejected", t, func() {
		_, err := FromYaml(writeConfig(t, "kind: duelrl\ndef:\n  algorithm:\n    kind: dqn\n"))
		So(err, ShouldNotBeNil)
	})

	Convey("A missing file is an error", t, func() {
		_, err := FromYaml(filepath.Join(t.TempDir(), "nope.yaml"))
		So(err, ShouldNotBeNil)
	})
}
