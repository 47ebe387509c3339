package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/unixpickle/switchagg/aggswitch"
	"github.com/unixpickle/switchagg/worker"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of a --config file.
type fileConfig struct {
	Switch aggswitch.Config `yaml:"switch"`
	Worker worker.Config    `yaml:"worker"`

	Monitor struct {
		// Addr is the monitor's listen address; empty
		// disables the monitor.
		Addr string `yaml:"addr"`
	} `yaml:"monitor"`

	Trace struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"trace"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		Switch: aggswitch.DefaultConfig(),
		Worker: worker.DefaultConfig(),
	}
}

// loadConfig reads defaults, then the YAML file at path
// (if any), then the environment.
func loadConfig(path string) (*fileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.Worker.LoadEnv(); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(worker.EnvBasePort); ok && v != "" {
		cfg.Switch.BasePort = cfg.Worker.BasePort
	}
	return cfg, nil
}
