package wizard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Transition names used in logs and metrics.
const (
	TransitionCompleteStep = "complete_step"
	TransitionNext         = "next"
	TransitionPrevious     = "previous"
	TransitionSkip         = "skip"
	TransitionJump         = "jump"
	TransitionComplete     = "complete"
	TransitionCancel       = "cancel"
	TransitionData         = "data"
)

var errSessionNotSaved = errors.New("wizard: session not saved")

// State is the in-memory state of a running wizard.
type State[T any] struct {
	CurrentStepIndex  int
	Data              T
	CompletedSteps    StepSet
	SkippedSteps      StepSet
	ValidationErrors  map[string]string
	IsLoading         bool
	HasUnsavedChanges bool
	HighestReached    int
	IsCompleted       bool
	StartedAt         time.Time
}

// Navigation describes which transitions the current state permits.
type Navigation struct {
	CanGoBack     bool     `json:"can_go_back"`
	CanGoNext     bool     `json:"can_go_next"`
	CanSkip       bool     `json:"can_skip"`
	CanComplete   bool     `json:"can_complete"`
	NextAvailable int      `json:"next_available"`
	Navigable     []string `json:"navigable"`
}

// ShellOptions carries the collaborators of a Shell.
type ShellOptions[T any] struct {
	// Store backs session persistence; nil disables it.
	Store storage.Store
	// Capabilities gates steps that declare capabilities; nil means ungated.
	Capabilities model.CapabilitySet
	// NewData returns the initial data; the zero value of T is used if nil.
	NewData func() T
	// Clone deep-copies data; the identity function is used if nil.
	Clone   func(T) T
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Shell drives one wizard: it holds the current step, data and validation
// state, enforces the navigation rules, and saves progress through the
// persistence adapter. All methods are safe for concurrent use; operations
// are serialized.
type Shell[T any] struct {
	cfg         *Config[T]
	persistence *Persistence[T]
	autosave    *AutoSaver
	caps        model.CapabilitySet
	clone       func(T) T
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu        sync.Mutex
	state     State[T]
	version   uint64
	cancelled bool
	closed    bool

	// snapMu guards the state snapshot that saves read, so a save never
	// needs mu.
	snapMu       sync.Mutex
	snapshot     State[T]
	snapVersion  uint64
	discarded    bool
	session      *Session[T]
	savedVersion atomic.Uint64
}

// NewShell validates cfg and creates a Shell positioned on the first step.
func NewShell[T any](cfg *Config[T], opts ShellOptions[T]) (*Shell[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clone := opts.Clone
	if clone == nil {
		clone = func(v T) T { return v }
	}

	s := &Shell[T]{
		cfg:     cfg,
		caps:    opts.Capabilities,
		clone:   clone,
		logger:  logger.With(zap.String("wizard_id", cfg.ID)),
		metrics: opts.Metrics,
	}

	var data T
	if opts.NewData != nil {
		data = opts.NewData()
	}
	s.state = State[T]{
		Data:             data,
		CompletedSteps:   StepSet{},
		SkippedSteps:     StepSet{},
		ValidationErrors: map[string]string{},
		StartedAt:        time.Now().UTC(),
	}

	if cfg.PersistSession {
		s.persistence = NewPersistence[T](cfg.ID, len(cfg.Steps), opts.Store, logger, opts.Metrics)
		if cfg.AutoSave {
			s.autosave = NewAutoSaver(s.persist, cfg.Debounce(), s.logger)
		}
	}

	s.publishLocked()
	s.metrics.ShellOpened(cfg.ID)
	return s, nil
}

// Config returns the wizard configuration.
func (s *Shell[T]) Config() *Config[T] {
	return s.cfg
}

// SetCapabilities replaces the capability set that gates steps.
func (s *Shell[T]) SetCapabilities(caps model.CapabilitySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
}

// Restore seeds the state from a persisted session, if one exists and is
// valid. It reports whether a session was restored.
func (s *Shell[T]) Restore(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persistence == nil {
		return false
	}
	s.state.IsLoading = true
	defer func() { s.state.IsLoading = false }()

	sess, ok := s.persistence.RestoreSession(ctx)
	if !ok {
		return false
	}

	highest := sess.CurrentStep
	for _, id := range slices.Concat(sess.CompletedSteps, sess.SkippedSteps) {
		highest = max(highest, s.cfg.StepIndex(id))
	}

	s.state.CurrentStepIndex = sess.CurrentStep
	s.state.Data = s.clone(sess.StepData)
	s.state.CompletedSteps = NewStepSet(sess.CompletedSteps...)
	s.state.SkippedSteps = NewStepSet(sess.SkippedSteps...)
	s.state.ValidationErrors = maps.Clone(sess.ValidationState)
	if s.state.ValidationErrors == nil {
		s.state.ValidationErrors = map[string]string{}
	}
	s.state.HighestReached = highest
	s.state.StartedAt = sess.Metadata.StartedAt
	s.version++
	s.publishLocked()

	s.snapMu.Lock()
	s.session = &sess
	s.savedVersion.Store(s.version)
	s.snapMu.Unlock()

	s.logger.Info("wizard session restored",
		zap.Int("current_step", sess.CurrentStep),
		zap.Int("completed_steps", len(sess.CompletedSteps)),
	)
	return true
}

// State returns a copy of the current state.
func (s *Shell[T]) State() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.copyStateLocked()
	st.HasUnsavedChanges = s.version != s.savedVersion.Load()
	return st
}

// Progress returns the progress of the wizard.
func (s *Shell[T]) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CalculateProgress(s.cfg, s.state.CompletedSteps)
}

// AllValidationErrors runs every step validator against the current data.
func (s *Shell[T]) AllValidationErrors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GetAllValidationErrors(s.cfg, s.state.Data)
}

// Navigation reports which transitions are currently permitted.
func (s *Shell[T]) Navigation() Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.state
	cur := &s.cfg.Steps[st.CurrentStepIndex]
	last := len(s.cfg.Steps) - 1
	open := !st.IsCompleted

	nav := Navigation{
		CanGoBack:   open && s.cfg.AllowBackNavigation && cur.AllowsBack() && st.CurrentStepIndex > 0,
		CanGoNext:   open && st.CurrentStepIndex < last && st.CompletedSteps.Has(cur.ID),
		CanSkip:     open && cur.IsSkippable,
		CanComplete: open && st.CurrentStepIndex == last && ValidateCompletion(s.cfg, s.completionSetLocked()).IsValid,
		Navigable:   []string{},
	}
	nav.NextAvailable, _ = GetNextAvailableStep(s.cfg, st.CurrentStepIndex, st.CompletedSteps)
	if open {
		for i := range s.cfg.Steps {
			step := &s.cfg.Steps[i]
			if s.allowed(step) && CanNavigateToStep(s.cfg, step.ID, st.CompletedSteps, s.cfg.NonLinear, st.HighestReached) {
				nav.Navigable = append(nav.Navigable, step.ID)
			}
		}
	}
	return nav
}

// ChangeData applies fn to the data, re-runs the current step's validator
// and schedules an auto-save.
func (s *Shell[T]) ChangeData(ctx context.Context, fn func(*T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := s.actionableLocked(TransitionData)
	if err != nil {
		return err
	}

	fn(&s.state.Data)
	if res := step.Validate(s.state.Data); res.IsValid {
		delete(s.state.ValidationErrors, step.ID)
	} else {
		s.state.ValidationErrors[step.ID] = res.Message
	}
	s.changedLocked()

	if s.autosave != nil {
		s.autosave.Trigger()
	}
	return nil
}

// CompleteStep marks the current step completed if its validator passes.
func (s *Shell[T]) CompleteStep(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.startSpanLocked(ctx, TransitionCompleteStep)
	defer func() { observability.EndSpanWithError(span, err) }()

	step, err := s.actionableLocked(TransitionCompleteStep)
	if err != nil {
		return err
	}

	if res := step.Validate(s.state.Data); !res.IsValid {
		s.state.ValidationErrors[step.ID] = res.Message
		s.publishLocked()
		s.metrics.RecordValidationFailure(s.cfg.ID, step.ID)
		return s.reject(TransitionCompleteStep, model.NewStepValidationError(step.ID, res.Message))
	}

	delete(s.state.ValidationErrors, step.ID)
	s.state.CompletedSteps[step.ID] = true
	delete(s.state.SkippedSteps, step.ID)
	s.changedLocked()
	s.accept(TransitionCompleteStep, step.ID)

	if s.autosave != nil {
		_ = s.autosave.Flush(ctx)
	}
	return nil
}

// GoNext advances from a completed step. On the last step it completes the
// wizard instead.
func (s *Shell[T]) GoNext(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.startSpanLocked(ctx, TransitionNext)
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.state.IsCompleted {
		return s.reject(TransitionNext, model.NewWizardCompletedError(s.cfg.ID))
	}
	idx := s.state.CurrentStepIndex
	if idx == len(s.cfg.Steps)-1 {
		return s.completeLocked(ctx)
	}

	cur := &s.cfg.Steps[idx]
	if !s.state.CompletedSteps.Has(cur.ID) {
		return s.reject(TransitionNext, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q must be completed before moving on", cur.ID)))
	}

	target := &s.cfg.Steps[idx+1]
	if s.cfg.NonLinear && !CanNavigateToStep(s.cfg, target.ID, s.state.CompletedSteps, true, s.state.HighestReached) {
		return s.reject(TransitionNext, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q has unmet dependencies", target.ID)))
	}
	if !s.allowed(target) {
		return s.reject(TransitionNext, model.NewStepForbiddenError(target.ID))
	}

	s.moveLocked(idx + 1)
	s.accept(TransitionNext, target.ID)
	return nil
}

// GoPrevious moves back one step when both the wizard and the current step
// allow it.
func (s *Shell[T]) GoPrevious(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, span := s.startSpanLocked(ctx, TransitionPrevious)
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.state.IsCompleted {
		return s.reject(TransitionPrevious, model.NewWizardCompletedError(s.cfg.ID))
	}
	idx := s.state.CurrentStepIndex
	cur := &s.cfg.Steps[idx]
	switch {
	case idx == 0:
		return s.reject(TransitionPrevious, model.NewInvalidTransitionError("already on the first step"))
	case !s.cfg.AllowBackNavigation:
		return s.reject(TransitionPrevious, model.NewInvalidTransitionError("back navigation is disabled for this wizard"))
	case !cur.AllowsBack():
		return s.reject(TransitionPrevious, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q does not allow going back", cur.ID)))
	}

	s.moveLocked(idx - 1)
	s.accept(TransitionPrevious, s.cfg.Steps[idx-1].ID)
	return nil
}

// SkipStep bypasses a skippable step without completing it.
func (s *Shell[T]) SkipStep(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, span := s.startSpanLocked(ctx, TransitionSkip)
	defer func() { observability.EndSpanWithError(span, err) }()

	step, err := s.actionableLocked(TransitionSkip)
	if err != nil {
		return err
	}
	if !step.IsSkippable {
		return s.reject(TransitionSkip, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q cannot be skipped", step.ID)))
	}

	if !s.state.CompletedSteps.Has(step.ID) {
		s.state.SkippedSteps[step.ID] = true
	}
	delete(s.state.ValidationErrors, step.ID)

	if idx := s.state.CurrentStepIndex; idx < len(s.cfg.Steps)-1 {
		s.moveLocked(idx + 1)
	} else {
		s.changedLocked()
		if s.autosave != nil {
			s.autosave.Trigger()
		}
	}
	s.accept(TransitionSkip, step.ID)
	return nil
}

// JumpToStep moves to stepID if it is navigable.
func (s *Shell[T]) JumpToStep(ctx context.Context, stepID string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, span := s.startSpanLocked(ctx, TransitionJump)
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.state.IsCompleted {
		return s.reject(TransitionJump, model.NewWizardCompletedError(s.cfg.ID))
	}
	idx := s.cfg.StepIndex(stepID)
	if idx < 0 {
		return s.reject(TransitionJump, model.NewStepNotFoundError(stepID))
	}
	if !CanNavigateToStep(s.cfg, stepID, s.state.CompletedSteps, s.cfg.NonLinear, s.state.HighestReached) {
		return s.reject(TransitionJump, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is not reachable yet", stepID)))
	}
	if !s.allowed(&s.cfg.Steps[idx]) {
		return s.reject(TransitionJump, model.NewStepForbiddenError(stepID))
	}

	s.moveLocked(idx)
	s.accept(TransitionJump, stepID)
	return nil
}

// CompleteWizard runs the completion callback. It succeeds at most once:
// after a successful completion further calls return nil without invoking
// the callback again.
func (s *Shell[T]) CompleteWizard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(ctx)
}

func (s *Shell[T]) completeLocked(ctx context.Context) (err error) {
	if s.state.IsCompleted {
		s.metrics.RecordWizardCompletion(s.cfg.ID, "duplicate")
		return nil
	}
	if s.state.CurrentStepIndex != len(s.cfg.Steps)-1 {
		return s.reject(TransitionComplete, model.NewInvalidTransitionError("the wizard can only be completed from the last step"))
	}
	if res := ValidateCompletion(s.cfg, s.completionSetLocked()); !res.IsValid {
		return s.reject(TransitionComplete, model.NewInvalidTransitionError(res.Message))
	}

	ctx, span := s.startSpanLocked(ctx, TransitionComplete)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx = WithRun(ctx, Run{WizardID: s.cfg.ID, StartedAt: s.state.StartedAt})
	if err = s.invokeComplete(ctx); err != nil {
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
		s.metrics.RecordWizardCompletion(s.cfg.ID, "failed")
		s.logger.Warn("wizard completion failed", zap.Error(err))
		return err
	}

	s.state.IsCompleted = true
	s.changedLocked()
	if s.autosave != nil {
		s.autosave.Destroy()
	}
	s.ClearSession(ctx)
	s.savedVersion.Store(s.version)

	s.metrics.RecordWizardCompletion(s.cfg.ID, "completed")
	s.accept(TransitionComplete, s.cfg.Steps[s.state.CurrentStepIndex].ID)
	return nil
}

func (s *Shell[T]) invokeComplete(ctx context.Context) (err error) {
	if s.cfg.OnComplete == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wizard %s: completion panicked: %v", s.cfg.ID, r)
		}
	}()
	return s.cfg.OnComplete(ctx, s.clone(s.state.Data))
}

// Cancel drops any pending auto-save and invokes the cancel callback. It
// does not clear the persisted session itself.
func (s *Shell[T]) Cancel(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.startSpanLocked(ctx, TransitionCancel)
	defer span.End()

	if s.autosave != nil {
		s.autosave.Cancel()
	}
	s.cancelled = true
	s.snapMu.Lock()
	s.discarded = true
	s.snapMu.Unlock()
	if s.cfg.OnCancel != nil {
		s.cfg.OnCancel(ctx)
	}
	s.accept(TransitionCancel, s.cfg.Steps[s.state.CurrentStepIndex].ID)
}

// Save persists the current state immediately.
func (s *Shell[T]) Save(ctx context.Context) error {
	if s.autosave != nil {
		return s.autosave.Flush(ctx)
	}
	return s.persist(ctx)
}

// ClearSession removes the persisted session.
func (s *Shell[T]) ClearSession(ctx context.Context) bool {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.session = nil
	if s.persistence == nil {
		return false
	}
	return s.persistence.ClearSession(ctx)
}

// Close flushes unsaved changes and releases the auto-saver. A cancelled
// or completed wizard is not saved.
func (s *Shell[T]) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	flush := !s.cancelled && !s.state.IsCompleted && s.version != s.savedVersion.Load()
	s.mu.Unlock()

	if s.autosave != nil {
		if flush {
			_ = s.autosave.Flush(ctx)
		}
		s.autosave.Destroy()
	}
	s.metrics.ShellClosed(s.cfg.ID)
}

// persist saves the latest published snapshot. It is the auto-saver's save
// function and never takes mu. A cancelled or completed wizard is not saved.
func (s *Shell[T]) persist(ctx context.Context) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if s.persistence == nil || s.discarded || s.snapshot.IsCompleted {
		return nil
	}

	var sess Session[T]
	if s.session != nil {
		sess = s.persistence.UpdateSession(s.cfg, *s.session, s.snapshot)
		sess.ValidationState = maps.Clone(s.snapshot.ValidationErrors)
	} else {
		sess = s.persistence.CreateSession(s.cfg, s.snapshot)
		sess.Metadata.StartedAt = s.snapshot.StartedAt
	}

	if !s.persistence.SaveSession(ctx, sess) {
		s.metrics.RecordAutoSave(s.cfg.ID, "error")
		return errSessionNotSaved
	}
	s.session = &sess
	s.savedVersion.Store(s.snapVersion)
	s.metrics.RecordAutoSave(s.cfg.ID, "ok")
	return nil
}

// actionableLocked returns the current step if the wizard is open and the
// caller may act on it.
func (s *Shell[T]) actionableLocked(transition string) (*Step[T], error) {
	if s.state.IsCompleted {
		return nil, s.reject(transition, model.NewWizardCompletedError(s.cfg.ID))
	}
	step := &s.cfg.Steps[s.state.CurrentStepIndex]
	if !s.allowed(step) {
		return nil, s.reject(transition, model.NewStepForbiddenError(step.ID))
	}
	return step, nil
}

func (s *Shell[T]) allowed(step *Step[T]) bool {
	return s.caps == nil || s.caps.HasAll(step.Capabilities...)
}

// completionSetLocked returns the completed steps plus the skipped steps
// that were allowed to be skipped.
func (s *Shell[T]) completionSetLocked() StepSet {
	set := s.state.CompletedSteps.Clone()
	for i := range s.cfg.Steps {
		step := &s.cfg.Steps[i]
		if step.IsSkippable && s.state.SkippedSteps.Has(step.ID) {
			set[step.ID] = true
		}
	}
	return set
}

func (s *Shell[T]) moveLocked(idx int) {
	s.state.CurrentStepIndex = idx
	s.state.HighestReached = max(s.state.HighestReached, idx)
	s.changedLocked()
	if s.autosave != nil {
		s.autosave.Trigger()
	}
}

func (s *Shell[T]) changedLocked() {
	s.version++
	s.publishLocked()
}

func (s *Shell[T]) publishLocked() {
	snap := s.copyStateLocked()
	s.snapMu.Lock()
	s.snapshot = snap
	s.snapVersion = s.version
	s.snapMu.Unlock()
}

func (s *Shell[T]) copyStateLocked() State[T] {
	st := s.state
	st.Data = s.clone(s.state.Data)
	st.CompletedSteps = s.state.CompletedSteps.Clone()
	st.SkippedSteps = s.state.SkippedSteps.Clone()
	st.ValidationErrors = maps.Clone(s.state.ValidationErrors)
	return st
}

func (s *Shell[T]) startSpanLocked(ctx context.Context, transition string) (context.Context, trace.Span) {
	return observability.StartTransitionSpan(ctx, s.cfg.ID, transition, s.cfg.Steps[s.state.CurrentStepIndex].ID)
}

func (s *Shell[T]) accept(transition, stepID string) {
	s.metrics.RecordWizardTransition(s.cfg.ID, transition)
	s.logger.Info("wizard transition",
		zap.String("transition", transition),
		zap.String("step_id", stepID),
		zap.Int("current_step", s.state.CurrentStepIndex),
	)
}

func (s *Shell[T]) reject(transition string, err error) error {
	s.metrics.RecordWizardRejected(s.cfg.ID, transition)
	s.logger.Debug("wizard transition rejected",
		zap.String("transition", transition),
		zap.Error(err),
	)
	return err
}

// Run identifies one run of a wizard, from its first save to completion.
type Run struct {
	WizardID  string
	StartedAt time.Time
}

type runKey struct{}

// WithRun returns a context carrying r.
func WithRun(ctx context.Context, r Run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

// RunFrom returns the wizard run carried by ctx, as seen by completion
// callbacks.
func RunFrom(ctx context.Context) (Run, bool) {
	r, ok := ctx.Value(runKey{}).(Run)
	return r, ok
}
