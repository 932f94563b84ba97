package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where sentinel operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto" (one worker per CPU).
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer and "auto" values.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.TrimSpace(node.Value)
	}
	switch strings.ToLower(text) {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", text)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// Count resolves the effective worker count.
func (s FanoutWorkerSetting) Count() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}
