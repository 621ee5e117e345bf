// Package wizard implements the multi-step wizard engine: step and wizard
// configuration, the progress calculator, session persistence, debounced
// auto-save and the Shell that drives navigation.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/definition"
)

// DefaultDebounce is used when a Config does not set DebounceMs.
const DefaultDebounce = time.Second

// validationFallback is reported when a validator panics with a value that
// carries no usable message.
const validationFallback = "Validation failed"

// ValidationResult is the outcome of a step validator.
type ValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message,omitempty"`
}

// Valid is the result of a passing validator.
var Valid = ValidationResult{IsValid: true}

// Invalid returns a failing result with the given message.
func Invalid(msg string) ValidationResult {
	return ValidationResult{Message: msg}
}

// Step describes one wizard step over data of type T.
type Step[T any] struct {
	ID          string
	Title       string
	Description string
	Required    bool
	IsOptional  bool
	IsSkippable bool
	// CanNavigateBack is nil when backward navigation is allowed.
	CanNavigateBack *bool
	Dependencies    []string
	Validator       func(T) ValidationResult
	// EstimatedTime is in minutes.
	EstimatedTime int
	Capabilities  []string
}

// AllowsBack reports whether the user may leave this step backwards.
func (s *Step[T]) AllowsBack() bool {
	return s.CanNavigateBack == nil || *s.CanNavigateBack
}

// BlocksCompletion reports whether the step must be satisfied before the
// wizard can complete.
func (s *Step[T]) BlocksCompletion() bool {
	return s.Required && !s.IsOptional
}

// Validate runs the step's validator against data. A step without a
// validator is always valid. A panicking validator yields an invalid result
// carrying the panic message.
func (s *Step[T]) Validate(data T) (res ValidationResult) {
	if s.Validator == nil {
		return Valid
	}
	defer func() {
		if r := recover(); r != nil {
			res = Invalid(panicMessage(r))
		}
	}()
	res = s.Validator(data)
	if !res.IsValid && res.Message == "" {
		res.Message = validationFallback
	}
	return res
}

func panicMessage(r any) string {
	var msg string
	switch v := r.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	case fmt.Stringer:
		msg = v.String()
	}
	if strings.TrimSpace(msg) == "" {
		return validationFallback
	}
	return msg
}

// Config is an ordered collection of steps plus completion callbacks and
// persistence options.
type Config[T any] struct {
	ID    string
	Steps []Step[T]

	OnComplete func(ctx context.Context, data T) error
	OnCancel   func(ctx context.Context)
	OnError    func(err error)

	AutoSave            bool
	PersistSession      bool
	AllowBackNavigation bool
	NonLinear           bool
	DebounceMs          int
}

// ErrDependencyCycle is returned by Config.Validate when step dependencies
// form a cycle.
var ErrDependencyCycle = errors.New("wizard: dependency cycle")

// StepIndex returns the index of the step with the given ID, or -1.
func (c *Config[T]) StepIndex(stepID string) int {
	for i := range c.Steps {
		if c.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Debounce returns the auto-save coalescing window.
func (c *Config[T]) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return DefaultDebounce
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Validate checks that the configuration is usable: a non-empty ID, at least
// one step, unique step IDs, known dependencies and no dependency cycles.
func (c *Config[T]) Validate() error {
	if c.ID == "" {
		return errors.New("wizard: config id is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("wizard %s: at least one step is required", c.ID)
	}

	order := make([]string, 0, len(c.Steps))
	deps := make(map[string][]string, len(c.Steps))
	for _, s := range c.Steps {
		if s.ID == "" {
			return fmt.Errorf("wizard %s: step id is required", c.ID)
		}
		if _, dup := deps[s.ID]; dup {
			return fmt.Errorf("wizard %s: duplicate step %q", c.ID, s.ID)
		}
		order = append(order, s.ID)
		deps[s.ID] = s.Dependencies
	}
	for _, s := range c.Steps {
		for _, d := range s.Dependencies {
			if _, ok := deps[d]; !ok {
				return fmt.Errorf("wizard %s: step %q depends on unknown step %q", c.ID, s.ID, d)
			}
		}
	}

	if cycle := definition.FindCycle(order, deps); cycle != nil {
		return fmt.Errorf("wizard %s: %w: %s", c.ID, ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// StepSet is a set of step IDs.
type StepSet map[string]bool

// NewStepSet returns a set containing ids.
func NewStepSet(ids ...string) StepSet {
	s := make(StepSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Has reports whether id is in the set.
func (s StepSet) Has(id string) bool {
	return s[id]
}

// Clone returns a copy of the set.
func (s StepSet) Clone() StepSet {
	out := make(StepSet, len(s))
	for id, ok := range s {
		if ok {
			out[id] = true
		}
	}
	return out
}

// Ordered returns the members of the set that are steps of cfg, in step
// order.
func Ordered[T any](cfg *Config[T], s StepSet) []string {
	out := make([]string, 0, len(s))
	for i := range cfg.Steps {
		if s.Has(cfg.Steps[i].ID) {
			out = append(out, cfg.Steps[i].ID)
		}
	}
	return out
}
