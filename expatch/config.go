package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type config struct {
	In       string      `yaml:"in"`
	Out      string      `yaml:"out"`
	Log      string      `yaml:"log"`
	Hooks    string      `yaml:"hooks"`
	Patches  string      `yaml:"patches"`
	Priority stringSlice `yaml:"priority"`
	Base     uint64      `yaml:"base"`
	Bits     int         `yaml:"bits"`
	Debug    bool        `yaml:"debug"`
}

// stringSlice is a list which can also be written as a single string.
type stringSlice []string

func (s *stringSlice) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var v string
		if err := n.Decode(&v); err != nil {
			return err
		}
		*s = stringSlice{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := n.Decode(&v); err != nil {
			return err
		}
		*s = v
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
	}
}

func readConfig(fn string) (*config, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	if cfg.In == "" || cfg.Out == "" || cfg.Patches == "" {
		return nil, errors.New("in, out, and patches are required")
	}
	if cfg.In == cfg.Out {
		return nil, errors.New("in and out must be different files")
	}
	return cfg, nil
}
