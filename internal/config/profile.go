package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunnerProfile overrides per-deployment runner settings. Loaded from the
// YAML file named by SCRIPTBOX_PROFILE; all fields are optional and only
// non-zero values override the env defaults.
type RunnerProfile struct {
	Image          string `yaml:"image"`
	CPULimit       string `yaml:"cpu_limit"`
	MemoryLimit    string `yaml:"memory_limit"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// LoadProfile reads a runner profile file. A missing path returns an empty
// profile, not an error.
func LoadProfile(path string) (*RunnerProfile, error) {
	if path == "" {
		return &RunnerProfile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p RunnerProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	return &p, nil
}

// Apply overlays the profile onto the package-level configuration.
// Zero values leave the existing setting untouched.
func (p *RunnerProfile) Apply() {
	if p.Image != "" {
		RunnerImage = p.Image
	}
	if p.CPULimit != "" {
		DefaultCPULimit = p.CPULimit
	}
	if p.MemoryLimit != "" {
		DefaultMemoryLimit = p.MemoryLimit
	}
	if p.TimeoutSeconds > 0 {
		ScriptTimeout = p.TimeoutSeconds
	}
	if p.MaxConcurrent > 0 {
		MaxConcurrent = p.MaxConcurrent
	}
}
