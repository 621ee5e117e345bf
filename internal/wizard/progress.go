package wizard

import "strings"

const missingStepsPrefix = "Please complete the following required steps: "

// Progress summarises how far through a wizard the user is.
type Progress struct {
	TotalSteps                 int     `json:"total_steps"`
	RequiredSteps              int     `json:"required_steps"`
	OptionalSteps              int     `json:"optional_steps"`
	CompletedSteps             int     `json:"completed_steps"`
	CompletedRequired          int     `json:"completed_required"`
	CompletedOptional          int     `json:"completed_optional"`
	PercentageComplete         float64 `json:"percentage_complete"`
	PercentageRequiredComplete float64 `json:"percentage_required_complete"`
	EstimatedTimeTotal         int     `json:"estimated_time_total"`
	EstimatedTimeRemaining     int     `json:"estimated_time_remaining"`
}

// CalculateProgress computes step counts, completion percentages and time
// estimates. Completed IDs that are not steps of cfg are ignored. An empty
// wizard is 0% complete; a wizard with no required steps is 100% required
// complete.
func CalculateProgress[T any](cfg *Config[T], completed StepSet) Progress {
	var p Progress
	for i := range cfg.Steps {
		s := &cfg.Steps[i]
		done := completed.Has(s.ID)

		p.TotalSteps++
		p.EstimatedTimeTotal += s.EstimatedTime
		if s.BlocksCompletion() {
			p.RequiredSteps++
		} else {
			p.OptionalSteps++
		}

		if !done {
			p.EstimatedTimeRemaining += s.EstimatedTime
			continue
		}
		p.CompletedSteps++
		if s.BlocksCompletion() {
			p.CompletedRequired++
		} else {
			p.CompletedOptional++
		}
	}

	if p.TotalSteps > 0 {
		p.PercentageComplete = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	}
	p.PercentageRequiredComplete = 100
	if p.RequiredSteps > 0 {
		p.PercentageRequiredComplete = float64(p.CompletedRequired) / float64(p.RequiredSteps) * 100
	}
	return p
}

// ValidateCompletion reports whether every required, non-optional step is in
// completed. The failure message lists the missing step titles in step
// order.
func ValidateCompletion[T any](cfg *Config[T], completed StepSet) ValidationResult {
	var missing []string
	for i := range cfg.Steps {
		s := &cfg.Steps[i]
		if s.BlocksCompletion() && !completed.Has(s.ID) {
			missing = append(missing, s.Title)
		}
	}
	if len(missing) == 0 {
		return Valid
	}
	return Invalid(missingStepsPrefix + strings.Join(missing, ", "))
}

// CheckStepDependencies reports whether every dependency of step is in
// completed.
func CheckStepDependencies[T any](step *Step[T], completed StepSet) bool {
	for _, dep := range step.Dependencies {
		if !completed.Has(dep) {
			return false
		}
	}
	return true
}

// CanNavigateToStep reports whether stepID may be entered. In non-linear
// mode the step's dependencies must be satisfied; in linear mode the step
// must be at or before highestReached, or already completed. Unknown steps
// are never navigable.
func CanNavigateToStep[T any](cfg *Config[T], stepID string, completed StepSet, nonLinear bool, highestReached int) bool {
	idx := cfg.StepIndex(stepID)
	if idx < 0 {
		return false
	}
	if nonLinear {
		return CheckStepDependencies(&cfg.Steps[idx], completed)
	}
	return idx <= highestReached || completed.Has(stepID)
}

// GetNextAvailableStep scans forward from fromIndex+1 and returns the first
// step whose dependencies are satisfied. It returns -1, false when none is.
func GetNextAvailableStep[T any](cfg *Config[T], fromIndex int, completed StepSet) (int, bool) {
	start := max(fromIndex+1, 0)
	for i := start; i < len(cfg.Steps); i++ {
		if CheckStepDependencies(&cfg.Steps[i], completed) {
			return i, true
		}
	}
	return -1, false
}

// GetAllValidationErrors runs every step's validator against data and
// returns the messages of the steps that fail, keyed by step ID.
func GetAllValidationErrors[T any](cfg *Config[T], data T) map[string]string {
	errs := make(map[string]string)
	for i := range cfg.Steps {
		s := &cfg.Steps[i]
		if s.Validator == nil {
			continue
		}
		if res := s.Validate(data); !res.IsValid {
			errs[s.ID] = res.Message
		}
	}
	return errs
}
