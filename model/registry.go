// Package model holds the detection networks, their hyperparameter Config and
// the builder registry that net description files refer to.
package model

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/b0tShaman/neuro-fsdet/data"
	"github.com/b0tShaman/neuro-fsdet/ml"
)

// Net is a detection network in training mode.
type Net interface {
	ml.Module
	fmt.Stringer
	Config() *Config
	// Forward computes the named losses of one mini-batch.
	Forward(mb *data.MiniBatch) (*ml.LossDict, error)
}

// Builder constructs a network family: first its config, then the network.
type Builder interface {
	NewConfig() *Config
	NewNet(cfg *Config) (Net, error)
}

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

// Register makes a builder available to net description files.
func Register(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[name]; dup {
		panic("model: Register called twice for net " + name)
	}
	builders[name] = b
}

func Lookup(name string) (Builder, error) {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	b, ok := builders[name]
	if !ok {
		names := make([]string, 0, len(builders))
		for n := range builders {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown net %q (registered: %v)", name, names)
	}
	return b, nil
}

// Description is the content of a net description file:
//
//	net: rcnn_fsdet
//	cfg:
//	  max_epoch: 4
//	  num_classes: 20
type Description struct {
	Net string    `yaml:"net"`
	Cfg yaml.Node `yaml:"cfg"`
}

// LoadDescription reads a net description file and returns the named builder
// and its config with the file's overrides applied.
func LoadDescription(path string) (Builder, *Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read net description")
	}
	var desc Description
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, nil, errors.Wrapf(err, "parse net description %s", path)
	}
	if desc.Net == "" {
		return nil, nil, errors.Errorf("net description %s does not name a net", path)
	}
	b, err := Lookup(desc.Net)
	if err != nil {
		return nil, nil, err
	}

	cfg := b.NewConfig()
	if !desc.Cfg.IsZero() {
		if err := desc.Cfg.Decode(cfg); err != nil {
			return nil, nil, errors.Wrapf(err, "apply cfg overrides from %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.WithMessagef(err, "invalid config in %s", path)
	}
	return b, cfg, nil
}
