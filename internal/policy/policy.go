// Package policy loads operator governance from a YAML file: the sandbox
// command allowlist and the default loop budget. Absent file or absent keys
// fall back to built-in defaults.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blugreen/forge/internal/tool"
)

// LoopBudget bounds an autonomous loop.
type LoopBudget struct {
	MaxIterations  int `yaml:"max_iterations"`
	MaxTimeSeconds int `yaml:"max_time_seconds"`
	MaxImpactScore int `yaml:"max_impact_score"`
	PauseEvery     int `yaml:"pause_every"`
	CycleImpact    int `yaml:"cycle_impact"`
}

// Policy is the loaded governance document.
type Policy struct {
	Tools struct {
		AllowedCommands []string `yaml:"allowed_commands"`
		TimeoutSeconds  int      `yaml:"timeout_seconds"`
	} `yaml:"tools"`
	Loop LoopBudget `yaml:"loop"`
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{}
	p.Tools.AllowedCommands = append([]string(nil), tool.DefaultAllowedCommands...)
	p.Tools.TimeoutSeconds = 30
	p.Loop = LoopBudget{
		MaxIterations:  10,
		MaxTimeSeconds: 300,
		MaxImpactScore: 10,
		PauseEvery:     5,
		CycleImpact:    1,
	}
	return p
}

// Load reads a policy file and overlays it on the defaults. An empty path
// returns the defaults.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var overlay Policy
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	if len(overlay.Tools.AllowedCommands) > 0 {
		p.Tools.AllowedCommands = overlay.Tools.AllowedCommands
	}
	if overlay.Tools.TimeoutSeconds > 0 {
		p.Tools.TimeoutSeconds = overlay.Tools.TimeoutSeconds
	}
	if overlay.Loop.MaxIterations > 0 {
		p.Loop.MaxIterations = overlay.Loop.MaxIterations
	}
	if overlay.Loop.MaxTimeSeconds > 0 {
		p.Loop.MaxTimeSeconds = overlay.Loop.MaxTimeSeconds
	}
	if overlay.Loop.MaxImpactScore > 0 {
		p.Loop.MaxImpactScore = overlay.Loop.MaxImpactScore
	}
	if overlay.Loop.PauseEvery > 0 {
		p.Loop.PauseEvery = overlay.Loop.PauseEvery
	}
	if overlay.Loop.CycleImpact > 0 {
		p.Loop.CycleImpact = overlay.Loop.CycleImpact
	}
	return p, nil
}

// ToolTimeout returns the sandbox timeout as a duration.
func (p *Policy) ToolTimeout() time.Duration {
	return time.Duration(p.Tools.TimeoutSeconds) * time.Second
}
