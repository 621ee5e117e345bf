package wizard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// rule checks one field and returns a failure message, or "" when it passes.
type rule func(Fields) string

// BuildConfig compiles a wizard definition into a Config over Fields. Each
// step's rules run in order and the first failure becomes the step's
// validation message. now is used by before_now rules; nil means time.Now.
// Callbacks are left for the caller to attach.
func BuildConfig(def model.WizardDefinition, now func() time.Time) (*Config[Fields], error) {
	if now == nil {
		now = time.Now
	}

	cfg := &Config[Fields]{
		ID:                  def.ID,
		AutoSave:            def.AutoSaveEnabled(),
		PersistSession:      def.PersistSessionEnabled(),
		AllowBackNavigation: def.BackNavigation(),
		NonLinear:           def.NonLinear,
		DebounceMs:          def.DebounceMs,
		Steps:               make([]Step[Fields], 0, len(def.Steps)),
	}

	for _, sd := range def.Steps {
		rules := make([]rule, 0, len(sd.Rules))
		for _, rd := range sd.Rules {
			r, err := compileRule(rd, now)
			if err != nil {
				return nil, fmt.Errorf("wizard %s: step %s: %w", def.ID, sd.ID, err)
			}
			rules = append(rules, r)
		}

		step := Step[Fields]{
			ID:              sd.ID,
			Title:           sd.Title,
			Description:     sd.Description,
			Required:        sd.Required,
			IsOptional:      sd.Optional,
			IsSkippable:     sd.Skippable,
			CanNavigateBack: sd.CanNavigateBack,
			Dependencies:    slices.Clone(sd.Dependencies),
			EstimatedTime:   sd.EstimatedTime,
			Capabilities:    slices.Clone(sd.Capabilities),
		}
		if len(rules) > 0 {
			step.Validator = func(f Fields) ValidationResult {
				for _, r := range rules {
					if msg := r(f); msg != "" {
						return Invalid(msg)
					}
				}
				return Valid
			}
		}
		cfg.Steps = append(cfg.Steps, step)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func compileRule(rd model.RuleDefinition, now func() time.Time) (rule, error) {
	field := rd.Field
	msg := func(def string) string {
		if rd.Message != "" {
			return rd.Message
		}
		return def
	}

	switch rd.Kind {
	case model.RuleRequired:
		m := msg(field + " is required")
		return func(f Fields) string {
			if !f.Present(field) {
				return m
			}
			return ""
		}, nil

	case model.RuleMinLength, model.RuleMaxLength:
		if rd.Length <= 0 {
			return nil, fmt.Errorf("rule %s on %s: length must be positive", rd.Kind, field)
		}
		atLeast := rd.Kind == model.RuleMinLength
		var m string
		if atLeast {
			m = msg(fmt.Sprintf("%s must be at least %d characters", field, rd.Length))
		} else {
			m = msg(fmt.Sprintf("%s must be at most %d characters", field, rd.Length))
		}
		return func(f Fields) string {
			n := length(f[field])
			if (atLeast && n < rd.Length) || (!atLeast && n > rd.Length) {
				return m
			}
			return ""
		}, nil

	case model.RulePattern:
		re, err := regexp.Compile(rd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule pattern on %s: %w", field, err)
		}
		m := msg(field + " has an invalid format")
		return func(f Fields) string {
			if !f.Present(field) {
				return ""
			}
			if !re.MatchString(f.String(field)) {
				return m
			}
			return ""
		}, nil

	case model.RuleOneOf:
		if len(rd.Values) == 0 {
			return nil, fmt.Errorf("rule one_of on %s: values are required", field)
		}
		values := slices.Clone(rd.Values)
		m := msg(fmt.Sprintf("%s must be one of %s", field, strings.Join(values, ", ")))
		return func(f Fields) string {
			if !slices.Contains(values, f.String(field)) {
				return m
			}
			return ""
		}, nil

	case model.RuleBeforeNow:
		m := msg(field + " must be a valid time in the past")
		return func(f Fields) string {
			if !f.Present(field) {
				return ""
			}
			t, err := time.Parse(time.RFC3339, f.String(field))
			if err != nil || t.After(now()) {
				return m
			}
			return ""
		}, nil
	}

	return nil, fmt.Errorf("unknown rule kind %q", rd.Kind)
}

// length returns the size of a string (in runes, ignoring surrounding
// space) or list value. Absent values have length zero.
func length(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(strings.TrimSpace(t))
	case []any:
		return len(t)
	default:
		return utf8.RuneCountInString(fmt.Sprint(t))
	}
}
