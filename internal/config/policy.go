package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable constants of the decision pipeline.
type Policy struct {
	// ConfidenceThreshold is the minimum intent confidence before asking the
	// user to clarify.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// OverrideConfidence is the intent confidence at which a new task replaces
	// the session's current one.
	OverrideConfidence float64 `yaml:"override_confidence"`
	// RepeatedErrorThreshold is the number of consecutive same-class errors
	// that triggers a handoff offer.
	RepeatedErrorThreshold int `yaml:"repeated_error_threshold"`
	// PromoteAfter is the number of consecutive verified steps that raises
	// the skill level.
	PromoteAfter int `yaml:"promote_after"`
	// RetriesPerStage bounds provider retries within one run.
	RetriesPerStage int           `yaml:"retries_per_stage"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	// PatternLookupLimit bounds learned patterns consulted per run.
	PatternLookupLimit int `yaml:"pattern_lookup_limit"`
	// StoreFailureAlert is the number of consecutive session store failures
	// reported to the alert hook.
	StoreFailureAlert int `yaml:"store_failure_alert"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold:    0.5,
		OverrideConfidence:     0.8,
		RepeatedErrorThreshold: 3,
		PromoteAfter:           3,
		RetriesPerStage:        1,
		RetryBackoff:           200 * time.Millisecond,
		PatternLookupLimit:     5,
		StoreFailureAlert:      3,
	}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep their
// default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	return p, p.Validate()
}

// Validate checks that policy values are usable.
func (p Policy) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1]")
	}
	if p.OverrideConfidence < 0 || p.OverrideConfidence > 1 {
		return fmt.Errorf("override_confidence must be within [0,1]")
	}
	if p.RepeatedErrorThreshold <= 0 {
		return fmt.Errorf("repeated_error_threshold must be > 0")
	}
	if p.PromoteAfter <= 0 {
		return fmt.Errorf("promote_after must be > 0")
	}
	if p.RetriesPerStage < 0 || p.RetriesPerStage > 1 {
		return fmt.Errorf("retries_per_stage must be 0 or 1")
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be >= 0")
	}
	return nil
}
