package definition

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	WizardID string `json:"wizard_id,omitempty"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates wizard definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if f.SourceFile != "" {
			prefix = f.SourceFile
		}
		if f.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		if len(f.Wizards) == 0 {
			errs = append(errs, VError{Path: prefix + ".wizards", Code: "REQUIRED", Message: "at least one wizard is required"})
		}

		for j, w := range f.Wizards {
			wp := fmt.Sprintf("%s.wizards[%d]", prefix, j)
			werrs := v.validateWizard(wp, w)

			if w.ID != "" {
				if first, dup := seen[w.ID]; dup {
					werrs = append(werrs, VError{
						Path:    wp + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("wizard %q already declared at %s", w.ID, first),
					})
				} else {
					seen[w.ID] = wp
				}
			}

			for k := range werrs {
				werrs[k].WizardID = w.ID
			}
			errs = append(errs, werrs...)
		}
	}
	return errs
}

func (v *Validator) validateWizard(prefix string, w model.WizardDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.DebounceMs < 0 {
		errs = append(errs, VError{Path: prefix + ".debounce_ms", Code: "RANGE", Message: "debounce_ms must not be negative"})
	}
	if w.Submit != nil && !strings.HasPrefix(w.Submit.Path, "/") {
		errs = append(errs, VError{Path: prefix + ".submit.path", Code: "INVALID", Message: "submit.path must be an absolute path"})
	}
	errs = append(errs, validateCapabilities(prefix+".capabilities", w.Capabilities)...)

	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step %q declared twice", s.ID)})
		}
		stepIDs[s.ID] = true
	}

	order := make([]string, 0, len(w.Steps))
	deps := make(map[string][]string, len(w.Steps))
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, stepIDs)...)
		order = append(order, s.ID)
		deps[s.ID] = s.Dependencies
	}

	if cycle := FindCycle(order, deps); cycle != nil {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    "DEPENDENCY_CYCLE",
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		})
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepDefinition, stepIDs map[string]bool) []VError {
	var errs []VError

	if s.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if s.EstimatedTime < 0 {
		errs = append(errs, VError{Path: prefix + ".estimated_time", Code: "RANGE", Message: "estimated_time must not be negative"})
	}
	for _, dep := range s.Dependencies {
		switch {
		case dep == s.ID:
			errs = append(errs, VError{Path: prefix + ".dependencies", Code: "DEPENDENCY_CYCLE", Message: "step depends on itself"})
		case !stepIDs[dep]:
			errs = append(errs, VError{Path: prefix + ".dependencies", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", dep)})
		}
	}
	errs = append(errs, validateCapabilities(prefix+".capabilities", s.Capabilities)...)

	for i, r := range s.Rules {
		errs = append(errs, validateRule(fmt.Sprintf("%s.rules[%d]", prefix, i), r)...)
	}
	return errs
}

var validRuleKinds = map[string]bool{
	model.RuleRequired: true, model.RuleMinLength: true, model.RuleMaxLength: true,
	model.RulePattern: true, model.RuleOneOf: true, model.RuleBeforeNow: true,
}

func validateRule(prefix string, r model.RuleDefinition) []VError {
	var errs []VError

	if r.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}
	if r.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "kind is required"})
		return errs
	}
	if !validRuleKinds[r.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown rule kind %q", r.Kind)})
		return errs
	}

	switch r.Kind {
	case model.RuleMinLength, model.RuleMaxLength:
		if r.Length <= 0 {
			errs = append(errs, VError{Path: prefix + ".length", Code: "RANGE", Message: "length must be positive"})
		}
	case model.RulePattern:
		if r.Pattern == "" {
			errs = append(errs, VError{Path: prefix + ".pattern", Code: "REQUIRED", Message: "pattern is required"})
		} else if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, VError{Path: prefix + ".pattern", Code: "INVALID", Message: fmt.Sprintf("invalid pattern: %v", err)})
		}
	case model.RuleOneOf:
		if len(r.Values) == 0 {
			errs = append(errs, VError{Path: prefix + ".values", Code: "REQUIRED", Message: "values are required for one_of"})
		}
	}
	return errs
}

func validateCapabilities(path string, caps []string) []VError {
	var errs []VError
	for _, c := range caps {
		if c != "*" && !strings.Contains(c, ":") {
			errs = append(errs, VError{Path: path, Code: "INVALID", Message: fmt.Sprintf("capability %q is not of the form resource:action", c)})
		}
	}
	return errs
}

// FindCycle returns the first dependency cycle found among the given nodes,
// as a path that starts and ends with the same ID, or nil if the graph is
// acyclic. Nodes are visited in the given order so the result is stable.
// Edges to unknown nodes are ignored.
func FindCycle(order []string, deps map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				start := slices.Index(stack, dep)
				cycle := append(slices.Clone(stack[start:]), dep)
				return cycle
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range order {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Exclude returns a copy of files without the wizards named in errs. Errors
// not attributable to a wizard are ignored.
func Exclude(files []model.DefinitionFile, errs []VError) []model.DefinitionFile {
	bad := make(map[string]bool)
	for _, e := range errs {
		if e.WizardID != "" {
			bad[e.WizardID] = true
		}
	}

	out := make([]model.DefinitionFile, 0, len(files))
	for _, f := range files {
		kept := f
		kept.Wizards = nil
		for _, w := range f.Wizards {
			if w.ID != "" && !bad[w.ID] {
				kept.Wizards = append(kept.Wizards, w)
			}
		}
		out = append(out, kept)
	}
	return out
}
