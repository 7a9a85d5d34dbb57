// Package config reads the Peeklockfile: a block DSL declaring the store,
// background sweep intervals, observability and the read-only queue
// catalog.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Config struct {
	// Preamble holds the comment lines before the first block.
	Preamble []string

	Store         *StoreBlock
	Limits        *LimitsBlock
	Sweep         *SweepBlock
	Observability *ObservabilityBlock
	Queues        []QueueBlock
}

// Value is one directive argument as written: the raw text, whether it was
// quoted and whether the directive appeared at all.
type Value struct {
	Text   string
	Quoted bool
	Set    bool
}

type StoreBlock struct {
	Backend Value
	Path    Value
	DSN     Value
}

// LimitsBlock sets the defaults every queue starts from.
type LimitsBlock struct {
	MaxMessageSize   Value
	MaxDeliveryCount Value
	LockDuration     Value
}

type SweepBlock struct {
	LockInterval     Value
	ScheduleInterval Value
	IdleInterval     Value
	RecoverInterval  Value
}

type ObservabilityBlock struct {
	LogLevel      Value
	LogOutput     Value
	LogPath       Value
	MetricsListen Value
	Tracing       *TracingBlock
}

type TracingBlock struct {
	Enabled     Value
	Collector   Value
	URLPath     Value
	Compression Value
	Timeout     Value
	Insecure    Value
	ServiceName Value
	Headers     []TracingHeader

	// shorthand marks `tracing on` written without a block.
	shorthand bool
}

type TracingHeader struct {
	Name  Value
	Value Value
}

type QueueBlock struct {
	Name             Value
	MaxDeliveryCount Value
	LockDuration     Value
	ForwardTo        Value
	AutoDeleteOnIdle Value
	RequiresSession  Value
	MaxMessageSize   Value
}

func Parse(input []byte) (*Config, error) {
	norm := normalizeInput(input)
	p := newParser(string(norm))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// Format returns a deterministic representation of the parsed config. It
// does not expand defaults; only what is present in the input is written.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	out, err := format(cfg)
	if err != nil {
		return nil, err
	}
	return canonicalize(out), nil
}

// Validate checks whether the config can be compiled for runtime.
func Validate(cfg *Config) error {
	_, res := Compile(cfg)
	if res.OK {
		return nil
	}
	if len(res.Errors) == 0 {
		return errors.New("invalid config")
	}
	return errors.New(res.Errors[0])
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type ValidationOptions struct {
	// StorePreflight checks that the configured store location is usable:
	// the sqlite directory can be created, the postgres DSN parses.
	StorePreflight bool
}

func ValidateWithResult(cfg *Config) ValidationResult {
	return ValidateWithResultOptions(cfg, ValidationOptions{})
}

func ValidateWithResultOptions(cfg *Config, options ValidationOptions) ValidationResult {
	compiled, res := Compile(cfg)
	if !res.OK || !options.StorePreflight {
		return res
	}
	res.Errors = append(res.Errors, validateStorePreflight(compiled.Store)...)
	if len(res.Errors) > 0 {
		res.OK = false
	}
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
