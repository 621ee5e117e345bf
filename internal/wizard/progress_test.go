package wizard

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type form struct {
	Name  string
	Notes string
}

func threeSteps() *Config[form] {
	return &Config[form]{
		ID: "incident-capture",
		Steps: []Step[form]{
			{ID: "a", Title: "Step 1", Required: true, EstimatedTime: 3},
			{ID: "b", Title: "Step 2", Required: true, EstimatedTime: 5},
			{ID: "c", Title: "Step 3", Required: false, IsOptional: true},
		},
	}
}

// stepsFromFlags builds one step per entry of required; every third step is
// marked optional.
func stepsFromFlags(required []bool) *Config[form] {
	cfg := &Config[form]{ID: "generated"}
	for i, r := range required {
		cfg.Steps = append(cfg.Steps, Step[form]{
			ID:            fmt.Sprintf("s%d", i),
			Title:         fmt.Sprintf("Step %d", i+1),
			Required:      r,
			IsOptional:    i%3 == 2,
			EstimatedTime: i,
		})
	}
	return cfg
}

func TestCalculateProgress(t *testing.T) {
	cfg := threeSteps()

	p := CalculateProgress(cfg, NewStepSet("a"))
	if p.TotalSteps != 3 || p.RequiredSteps != 2 || p.OptionalSteps != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", p.TotalSteps, p.RequiredSteps, p.OptionalSteps)
	}
	if p.CompletedSteps != 1 || p.CompletedRequired != 1 || p.CompletedOptional != 0 {
		t.Errorf("completed = %d/%d/%d, want 1/1/0", p.CompletedSteps, p.CompletedRequired, p.CompletedOptional)
	}
	completed, total := 1.0, 3.0
	if want := completed / total * 100; p.PercentageComplete != want {
		t.Errorf("PercentageComplete = %v, want %v", p.PercentageComplete, want)
	}
	if p.PercentageRequiredComplete != 50 {
		t.Errorf("PercentageRequiredComplete = %v, want 50", p.PercentageRequiredComplete)
	}
	if p.EstimatedTimeTotal != 8 || p.EstimatedTimeRemaining != 5 {
		t.Errorf("time = %d/%d, want 8/5", p.EstimatedTimeTotal, p.EstimatedTimeRemaining)
	}
}

func TestCalculateProgress_ignores_unknown_ids(t *testing.T) {
	p := CalculateProgress(threeSteps(), NewStepSet("zzz", "c"))
	if p.CompletedSteps != 1 || p.CompletedOptional != 1 {
		t.Errorf("completed = %d (optional %d), want 1 (1)", p.CompletedSteps, p.CompletedOptional)
	}
}

func TestCalculateProgress_empty(t *testing.T) {
	p := CalculateProgress(&Config[form]{ID: "empty"}, nil)
	if p.PercentageComplete != 0 {
		t.Errorf("PercentageComplete = %v, want 0", p.PercentageComplete)
	}
	if p.PercentageRequiredComplete != 100 {
		t.Errorf("PercentageRequiredComplete = %v, want 100", p.PercentageRequiredComplete)
	}
}

func TestCalculateProgress_monotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("completed A subset of B never lowers the percentage", prop.ForAll(
		func(required, inB, inA []bool) bool {
			cfg := stepsFromFlags(required)
			a, b := StepSet{}, StepSet{}
			for i := range cfg.Steps {
				id := cfg.Steps[i].ID
				if i < len(inB) && inB[i] {
					b[id] = true
					if i < len(inA) && inA[i] {
						a[id] = true
					}
				}
			}
			pa := CalculateProgress(cfg, a)
			pb := CalculateProgress(cfg, b)
			return pa.PercentageComplete <= pb.PercentageComplete &&
				pa.PercentageRequiredComplete <= pb.PercentageRequiredComplete &&
				pa.EstimatedTimeRemaining >= pb.EstimatedTimeRemaining
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestValidateCompletion(t *testing.T) {
	cfg := threeSteps()

	res := ValidateCompletion(cfg, NewStepSet("a"))
	if res.IsValid {
		t.Fatal("completion with only a should be invalid")
	}
	if res.Message != "Please complete the following required steps: Step 2" {
		t.Errorf("Message = %q", res.Message)
	}

	res = ValidateCompletion(cfg, nil)
	if res.Message != "Please complete the following required steps: Step 1, Step 2" {
		t.Errorf("Message = %q", res.Message)
	}

	if res := ValidateCompletion(cfg, NewStepSet("a", "b")); !res.IsValid {
		t.Errorf("completion with a and b should be valid: %q", res.Message)
	}
}

func TestValidateCompletion_superset_property(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("valid iff every blocking step is completed", prop.ForAll(
		func(required, done []bool) bool {
			cfg := stepsFromFlags(required)
			completed := StepSet{}
			superset := true
			for i := range cfg.Steps {
				s := &cfg.Steps[i]
				if i < len(done) && done[i] {
					completed[s.ID] = true
				} else if s.Required && !s.IsOptional {
					superset = false
				}
			}
			res := ValidateCompletion(cfg, completed)
			if res.IsValid != superset {
				return false
			}
			return res.IsValid || strings.HasPrefix(res.Message, missingStepsPrefix)
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestCheckStepDependencies(t *testing.T) {
	step := &Step[form]{ID: "c", Dependencies: []string{"a", "b"}}

	if CheckStepDependencies(step, NewStepSet("a")) {
		t.Error("missing b should fail")
	}
	if !CheckStepDependencies(step, NewStepSet("a", "b", "x")) {
		t.Error("a and b present should pass")
	}
}

func TestCheckStepDependencies_property(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("false iff some dependency is missing", prop.ForAll(
		func(deps, completed []string) bool {
			step := &Step[form]{ID: "x", Dependencies: deps}
			set := NewStepSet(completed...)
			missing := false
			for _, d := range deps {
				if !set.Has(d) {
					missing = true
				}
			}
			return CheckStepDependencies(step, set) == !missing
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("no dependencies is always satisfied", prop.ForAll(
		func(completed []string) bool {
			return CheckStepDependencies(&Step[form]{ID: "x"}, NewStepSet(completed...))
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestCanNavigateToStep(t *testing.T) {
	cfg := threeSteps()
	cfg.Steps[2].Dependencies = []string{"a", "b"}

	tests := []struct {
		name      string
		stepID    string
		completed StepSet
		nonLinear bool
		highest   int
		want      bool
	}{
		{"linear before highest", "a", nil, false, 1, true},
		{"linear at highest", "b", nil, false, 1, true},
		{"linear beyond highest", "c", nil, false, 1, false},
		{"linear completed beyond highest", "c", NewStepSet("c"), false, 0, true},
		{"non-linear deps met", "c", NewStepSet("a", "b"), true, 0, true},
		{"non-linear deps missing", "c", NewStepSet("a"), true, 2, false},
		{"non-linear no deps", "b", nil, true, 0, true},
		{"unknown step", "zzz", NewStepSet("zzz"), false, 5, false},
		{"unknown step non-linear", "zzz", nil, true, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanNavigateToStep(cfg, tt.stepID, tt.completed, tt.nonLinear, tt.highest)
			if got != tt.want {
				t.Errorf("CanNavigateToStep(%q) = %v, want %v", tt.stepID, got, tt.want)
			}
		})
	}
}

func TestGetNextAvailableStep(t *testing.T) {
	cfg := threeSteps()
	cfg.Steps[1].Dependencies = []string{"a"}
	cfg.Steps[2].Dependencies = []string{"b"}

	if idx, ok := GetNextAvailableStep(cfg, 0, nil); ok {
		t.Errorf("GetNextAvailableStep() = %d, want none", idx)
	}
	if idx, ok := GetNextAvailableStep(cfg, 0, NewStepSet("a")); !ok || idx != 1 {
		t.Errorf("GetNextAvailableStep() = %d, %v, want 1", idx, ok)
	}
	if idx, ok := GetNextAvailableStep(cfg, 0, NewStepSet("b")); !ok || idx != 2 {
		t.Errorf("GetNextAvailableStep() = %d, %v, want 2", idx, ok)
	}
	if idx, ok := GetNextAvailableStep(cfg, 2, NewStepSet("a", "b")); ok || idx != -1 {
		t.Errorf("GetNextAvailableStep() past end = %d, %v, want -1, false", idx, ok)
	}
	if idx, ok := GetNextAvailableStep(cfg, -5, nil); !ok || idx != 0 {
		t.Errorf("GetNextAvailableStep() from negative = %d, %v, want 0", idx, ok)
	}
}

func TestGetNextAvailableStep_cycle(t *testing.T) {
	cfg := &Config[form]{
		ID: "cyclic",
		Steps: []Step[form]{
			{ID: "start"},
			{ID: "x", Dependencies: []string{"y"}},
			{ID: "y", Dependencies: []string{"x"}},
		},
	}
	if idx, ok := GetNextAvailableStep(cfg, 0, NewStepSet("start")); ok {
		t.Errorf("GetNextAvailableStep() = %d, want none for mutually blocked steps", idx)
	}
}

func TestGetAllValidationErrors(t *testing.T) {
	cfg := &Config[form]{
		ID: "incident-capture",
		Steps: []Step[form]{
			{ID: "name", Validator: func(f form) ValidationResult {
				if f.Name == "" {
					return Invalid("Name is required")
				}
				return Valid
			}},
			{ID: "boom", Validator: func(form) ValidationResult { panic(errors.New("lookup table missing")) }},
			{ID: "silent", Validator: func(form) ValidationResult { panic(42) }},
			{ID: "blank", Validator: func(form) ValidationResult { return ValidationResult{} }},
			{ID: "notes", Validator: func(f form) ValidationResult {
				if len(f.Notes) < 3 {
					return Invalid("Notes are too short")
				}
				return Valid
			}},
			{ID: "free"},
		},
	}

	errs := GetAllValidationErrors(cfg, form{Notes: "ok"})
	want := map[string]string{
		"name":   "Name is required",
		"boom":   "lookup table missing",
		"silent": "Validation failed",
		"blank":  "Validation failed",
		"notes":  "Notes are too short",
	}
	if len(errs) != len(want) {
		t.Fatalf("GetAllValidationErrors() = %v, want %v", errs, want)
	}
	for id, msg := range want {
		if errs[id] != msg {
			t.Errorf("errs[%q] = %q, want %q", id, errs[id], msg)
		}
	}

	if errs := GetAllValidationErrors(cfg, form{Name: "Jo", Notes: "long enough"}); errs["name"] != "" || errs["notes"] != "" {
		t.Errorf("valid fields should not be reported: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config[form]
		wantErr string
	}{
		{"ok", threeSteps(), ""},
		{"no id", &Config[form]{Steps: []Step[form]{{ID: "a"}}}, "id is required"},
		{"no steps", &Config[form]{ID: "w"}, "at least one step"},
		{"duplicate", &Config[form]{ID: "w", Steps: []Step[form]{{ID: "a"}, {ID: "a"}}}, "duplicate step"},
		{"unknown dep", &Config[form]{ID: "w", Steps: []Step[form]{{ID: "a", Dependencies: []string{"b"}}}}, "unknown step"},
		{"cycle", &Config[form]{ID: "w", Steps: []Step[form]{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		}}, "a -> b -> a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	cyclic := &Config[form]{ID: "w", Steps: []Step[form]{{ID: "a", Dependencies: []string{"a"}}}}
	if err := cyclic.Validate(); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("Validate() error = %v, want ErrDependencyCycle", err)
	}
}

func TestStep_AllowsBack(t *testing.T) {
	no := false
	if !(&Step[form]{}).AllowsBack() {
		t.Error("nil CanNavigateBack should allow back")
	}
	if (&Step[form]{CanNavigateBack: &no}).AllowsBack() {
		t.Error("CanNavigateBack=false should forbid back")
	}
}

func TestConfig_Debounce(t *testing.T) {
	if d := (&Config[form]{}).Debounce(); d != DefaultDebounce {
		t.Errorf("Debounce() = %v, want default", d)
	}
	if d := (&Config[form]{DebounceMs: 250}).Debounce().Milliseconds(); d != 250 {
		t.Errorf("Debounce() = %dms, want 250ms", d)
	}
}
