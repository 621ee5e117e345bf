package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/wizard"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// stepView describes one step of a running wizard.
type stepView struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Required      bool     `json:"required"`
	Optional      bool     `json:"optional"`
	Skippable     bool     `json:"skippable"`
	Dependencies  []string `json:"dependencies,omitempty"`
	EstimatedTime int      `json:"estimated_time,omitempty"`
	Completed     bool     `json:"completed"`
	Skipped       bool     `json:"skipped"`
	Error         string   `json:"error,omitempty"`
}

// wizardView is the client's view of a running wizard.
type wizardView struct {
	WizardID          string            `json:"wizard_id"`
	Steps             []stepView        `json:"steps"`
	CurrentStep       int               `json:"current_step"`
	CurrentStepID     string            `json:"current_step_id"`
	Data              wizard.Fields     `json:"data"`
	ValidationErrors  map[string]string `json:"validation_errors"`
	HasUnsavedChanges bool              `json:"has_unsaved_changes"`
	IsCompleted       bool              `json:"is_completed"`
	StartedAt         time.Time         `json:"started_at"`
	Progress          wizard.Progress   `json:"progress"`
	Navigation        wizard.Navigation `json:"navigation"`
}

func viewOf(s *wizard.Shell[wizard.Fields]) wizardView {
	cfg := s.Config()
	st := s.State()

	steps := make([]stepView, len(cfg.Steps))
	for i, step := range cfg.Steps {
		steps[i] = stepView{
			ID:            step.ID,
			Title:         step.Title,
			Description:   step.Description,
			Required:      step.Required,
			Optional:      step.IsOptional,
			Skippable:     step.IsSkippable,
			Dependencies:  step.Dependencies,
			EstimatedTime: step.EstimatedTime,
			Completed:     st.CompletedSteps.Has(step.ID),
			Skipped:       st.SkippedSteps.Has(step.ID),
			Error:         st.ValidationErrors[step.ID],
		}
	}

	return wizardView{
		WizardID:          cfg.ID,
		Steps:             steps,
		CurrentStep:       st.CurrentStepIndex,
		CurrentStepID:     cfg.Steps[st.CurrentStepIndex].ID,
		Data:              st.Data,
		ValidationErrors:  st.ValidationErrors,
		HasUnsavedChanges: st.HasUnsavedChanges,
		IsCompleted:       st.IsCompleted,
		StartedAt:         st.StartedAt,
		Progress:          s.Progress(),
		Navigation:        s.Navigation(),
	}
}

// openShell opens the wizard named in the route for the signed-in user.
func openShell(host *wizard.Host, r *http.Request) (*wizard.Shell[wizard.Fields], error) {
	rctx := model.RequestContextFrom(r.Context())
	if !rctx.Authenticated() {
		return nil, model.NewUnauthorizedError("sign in to continue")
	}
	return host.Open(r.Context(), rctx, chi.URLParam(r, "wizardId"), CapabilitiesFrom(r.Context()))
}

func handleWizardGet(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

func handleWizardData(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			WriteError(w, err)
			return
		}
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := s.ChangeData(r.Context(), func(f *wizard.Fields) { f.Merge(patch) }); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

// handleWizardTransition runs one shell transition and answers with the
// resulting view. Next on the last step completes the wizard, and a completed
// shell is released like in handleWizardComplete.
func handleWizardTransition(host *wizard.Host, op func(context.Context, *wizard.Shell[wizard.Fields], *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := op(r.Context(), s, r); err != nil {
			WriteError(w, err)
			return
		}
		view := viewOf(s)
		if view.IsCompleted {
			host.Release(model.RequestContextFrom(r.Context()).ClientID, view.WizardID)
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func completeStep(ctx context.Context, s *wizard.Shell[wizard.Fields], _ *http.Request) error {
	return s.CompleteStep(ctx)
}

func goNext(ctx context.Context, s *wizard.Shell[wizard.Fields], _ *http.Request) error {
	return s.GoNext(ctx)
}

func goPrevious(ctx context.Context, s *wizard.Shell[wizard.Fields], _ *http.Request) error {
	return s.GoPrevious(ctx)
}

func skipStep(ctx context.Context, s *wizard.Shell[wizard.Fields], _ *http.Request) error {
	return s.SkipStep(ctx)
}

func jumpToStep(ctx context.Context, s *wizard.Shell[wizard.Fields], r *http.Request) error {
	return s.JumpToStep(ctx, chi.URLParam(r, "stepId"))
}

func saveWizard(ctx context.Context, s *wizard.Shell[wizard.Fields], _ *http.Request) error {
	if err := s.Save(ctx); err != nil {
		return model.NewBackendUnavailableError()
	}
	return nil
}

// handleWizardComplete completes the wizard. The completed shell is released
// so the next visit starts a new run.
func handleWizardComplete(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := s.CompleteWizard(r.Context()); err != nil {
			WriteError(w, err)
			return
		}
		view := viewOf(s)
		host.Release(model.RequestContextFrom(r.Context()).ClientID, view.WizardID)
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleWizardCancel(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if !rctx.Authenticated() {
			WriteError(w, model.NewUnauthorizedError("sign in to continue"))
			return
		}
		host.Cancel(r.Context(), rctx.ClientID, chi.URLParam(r, "wizardId"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleWizardProgress(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.Progress())
	}
}

func handleWizardErrors(host *wizard.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := openShell(host, r)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"errors": s.AllValidationErrors()})
	}
}
