package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"duelrl/models"

	"gopkg.in/yaml.v3"
)

// artifact is the on-disk layout of a saved network.
type artifact struct {
	Scheme    Scheme             `yaml:"scheme"`
	InputSize int                `yaml:"inputSize"`
	Hidden    int                `yaml:"hidden"`
	Critic    bool               `yaml:"critic"`
	Space     models.ActionSpace `yaml:"space"`
	Params    *Params            `yaml:"params"`
}

// SaveWeights writes the network as a YAML artifact. The file is written to a
// sibling temp file and renamed, so a reader never sees a partial artifact.
func (net *Network) SaveWeights(path string) (err error) {
	net.mu.RLock()
	data, err := yaml.Marshal(&artifact{
		Scheme:    net.cfg.Scheme,
		InputSize: net.cfg.InputSize,
		Hidden:    net.cfg.Hidden,
		Critic:    net.cfg.Critic,
		Space:     net.cfg.Space,
		Params:    net.params,
	})
	net.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("save weights: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	return nil
}

// LoadWeights restores a network saved by SaveWeights.
func LoadWeights(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	art := &artifact{}
	if err = yaml.Unmarshal(data, art); err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}

	net, err := NewNetwork(Config{
		InputSize: art.InputSize,
		Hidden:    art.Hidden,
		Scheme:    art.Scheme,
		Space:     art.Space,
		Critic:    art.Critic,
	})
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	if err = sameLayout(net.params, art.Params); err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	net.params = art.Params
	return net, nil
}

func sameLayout(want, got *Params) error {
	if got == nil {
		return fmt.Errorf("%w: artifact has no params", ErrShapeMismatch)
	}
	wt, gt := want.tensors(), got.tensors()
	if len(wt) != len(gt) {
		return fmt.Errorf("%w: %d tensors, want %d", ErrShapeMismatch, len(gt), len(wt))
	}
	for i := range wt {
		if len(wt[i]) != len(gt[i]) {
			return fmt.Errorf("%w: tensor %d has %d values, want %d", ErrShapeMismatch, i, len(gt[i]), len(wt[i]))
		}
	}
	return nil
}
