package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/core"
)

// The on-disk definition schema mirrors core.WorkflowDefinition but accepts
// human-readable duration strings ("30s", "5m") instead of nanosecond counts.

type definitionDoc struct {
	ID                 string    `yaml:"id"`
	Version            int       `yaml:"version"`
	Timeout            string    `yaml:"timeout"`
	DefaultStepTimeout string    `yaml:"default_step_timeout"`
	DefaultRetry       *retryDoc `yaml:"default_retry"`
	OnError            *onErrDoc `yaml:"on_error"`
	Steps              []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	ID           string       `yaml:"id"`
	Capability   string       `yaml:"capability"`
	DependsOn    []string     `yaml:"depends_on"`
	Guards       []core.Guard `yaml:"guards"`
	Parallel     bool         `yaml:"parallel"`
	Optional     bool         `yaml:"optional"`
	Timeout      string       `yaml:"timeout"`
	Retry        *retryDoc    `yaml:"retry"`
	InputSchema  string       `yaml:"input_schema"`
	OutputSchema string       `yaml:"output_schema"`
	Priority     int          `yaml:"priority"`
}

type retryDoc struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      bool    `yaml:"jitter"`
}

type onErrDoc struct {
	OnFailure        string `yaml:"on_failure"`
	CompensationStep string `yaml:"compensation_step"`
}

// loadDefinitionFile parses and validates a single workflow definition file.
func loadDefinitionFile(path string) (*core.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc definitionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def, err := doc.toDefinition()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// loadDefinitionDir loads every .yaml/.yml file in the directory, sorted by
// name for deterministic registration order.
func loadDefinitionDir(dir string) ([]*core.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]*core.WorkflowDefinition, 0, len(paths))
	for _, p := range paths {
		def, err := loadDefinitionFile(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d definitionDoc) toDefinition() (*core.WorkflowDefinition, error) {
	def := &core.WorkflowDefinition{
		ID:           d.ID,
		Version:      d.Version,
		DefaultRetry: core.DefaultRetryPolicy,
	}
	var err error
	if def.Timeout, err = parseDuration(d.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if def.DefaultStepTimeout, err = parseDuration(d.DefaultStepTimeout); err != nil {
		return nil, fmt.Errorf("default_step_timeout: %w", err)
	}
	if d.DefaultRetry != nil {
		if def.DefaultRetry, err = d.DefaultRetry.toPolicy(); err != nil {
			return nil, fmt.Errorf("default_retry: %w", err)
		}
	}
	if d.OnError != nil {
		switch action := core.FailureAction(d.OnError.OnFailure); action {
		case core.FailureAbort, core.FailureSkip, core.FailureCompensate:
			def.OnError = core.ErrorPolicy{OnFailure: action, CompensationStep: d.OnError.CompensationStep}
		default:
			return nil, fmt.Errorf("on_error.on_failure: unknown action %q", d.OnError.OnFailure)
		}
	}
	for _, s := range d.Steps {
		step := core.Step{
			ID:           s.ID,
			Capability:   s.Capability,
			DependsOn:    s.DependsOn,
			Guards:       s.Guards,
			Parallel:     s.Parallel,
			Optional:     s.Optional,
			InputSchema:  s.InputSchema,
			OutputSchema: s.OutputSchema,
			Priority:     s.Priority,
		}
		if step.Timeout, err = parseDuration(s.Timeout); err != nil {
			return nil, fmt.Errorf("step %s: timeout: %w", s.ID, err)
		}
		if s.Retry != nil {
			policy, err := s.Retry.toPolicy()
			if err != nil {
				return nil, fmt.Errorf("step %s: retry: %w", s.ID, err)
			}
			step.Retry = &policy
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (r retryDoc) toPolicy() (core.RetryPolicy, error) {
	policy := core.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
	var err error
	if policy.BaseDelay, err = parseDuration(r.BaseDelay); err != nil {
		return core.RetryPolicy{}, fmt.Errorf("base_delay: %w", err)
	}
	if policy.MaxDelay, err = parseDuration(r.MaxDelay); err != nil {
		return core.RetryPolicy{}, fmt.Errorf("max_delay: %w", err)
	}
	return policy, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
