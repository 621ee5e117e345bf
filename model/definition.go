package model

import "time"

// DefinitionFile is the top-level structure of a wizard definition YAML file.
// A file may declare several wizards.
type DefinitionFile struct {
	Version    string             `yaml:"version" json:"version"`
	Wizards    []WizardDefinition `yaml:"wizards" json:"wizards"`
	Checksum   string             `yaml:"-" json:"-"`
	SourceFile string             `yaml:"-" json:"-"`
}

// WizardDefinition declares one multi-step wizard.
type WizardDefinition struct {
	ID                  string            `yaml:"id" json:"id"`
	Name                string            `yaml:"name" json:"name"`
	Description         string            `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities        []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	NonLinear           bool              `yaml:"non_linear,omitempty" json:"non_linear,omitempty"`
	AllowBackNavigation *bool             `yaml:"allow_back_navigation,omitempty" json:"allow_back_navigation,omitempty"`
	AutoSave            *bool             `yaml:"auto_save,omitempty" json:"auto_save,omitempty"`
	PersistSession      *bool             `yaml:"persist_session,omitempty" json:"persist_session,omitempty"`
	DebounceMs          int               `yaml:"debounce_ms,omitempty" json:"debounce_ms,omitempty"`
	ClearOnCancel       bool              `yaml:"clear_on_cancel,omitempty" json:"clear_on_cancel,omitempty"`
	Submit              *SubmitDefinition `yaml:"submit,omitempty" json:"submit,omitempty"`
	Steps               []StepDefinition  `yaml:"steps" json:"steps"`
}

// BackNavigation reports whether back navigation is allowed. Defaults to true.
func (w WizardDefinition) BackNavigation() bool {
	return w.AllowBackNavigation == nil || *w.AllowBackNavigation
}

// AutoSaveEnabled reports whether data changes are auto-saved. Defaults to true.
func (w WizardDefinition) AutoSaveEnabled() bool {
	return w.AutoSave == nil || *w.AutoSave
}

// PersistSessionEnabled reports whether progress is persisted. Defaults to true.
func (w WizardDefinition) PersistSessionEnabled() bool {
	return w.PersistSession == nil || *w.PersistSession
}

// SubmitDefinition names the backend endpoint that receives the accumulated
// data when the wizard completes.
type SubmitDefinition struct {
	Path           string        `yaml:"path" json:"path"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl,omitempty" json:"idempotency_ttl,omitempty"`
}

// StepDefinition declares a single wizard step.
type StepDefinition struct {
	ID              string           `yaml:"id" json:"id"`
	Title           string           `yaml:"title" json:"title"`
	Description     string           `yaml:"description,omitempty" json:"description,omitempty"`
	Required        bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Optional        bool             `yaml:"optional,omitempty" json:"optional,omitempty"`
	Skippable       bool             `yaml:"skippable,omitempty" json:"skippable,omitempty"`
	CanNavigateBack *bool            `yaml:"can_navigate_back,omitempty" json:"can_navigate_back,omitempty"`
	Dependencies    []string         `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	EstimatedTime   int              `yaml:"estimated_time,omitempty" json:"estimated_time,omitempty"`
	Capabilities    []string         `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Rules           []RuleDefinition `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Rule kinds understood by the wizard rule compiler.
const (
	RuleRequired  = "required"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RulePattern   = "pattern"
	RuleOneOf     = "one_of"
	RuleBeforeNow = "before_now"
)

// RuleDefinition is a declarative validation rule over one named field.
type RuleDefinition struct {
	Field   string   `yaml:"field" json:"field"`
	Kind    string   `yaml:"kind" json:"kind"`
	Length  int      `yaml:"length,omitempty" json:"length,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values  []string `yaml:"values,omitempty" json:"values,omitempty"`
	Message string   `yaml:"message,omitempty" json:"message,omitempty"`
}
