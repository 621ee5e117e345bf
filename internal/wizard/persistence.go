package wizard

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
)

// SessionVersion is the schema version stamped on every saved session.
// Sessions with any other version are discarded on restore.
const SessionVersion = "1.0.0"

const sessionKeyPrefix = "wizard_session_"

// Discard reasons reported to metrics.
const (
	discardParse     = "parse"
	discardStructure = "structure"
	discardVersion   = "version"
	discardRange     = "range"
)

// Session is the persisted form of a wizard's progress.
type Session[T any] struct {
	WizardID        string            `json:"wizardId"`
	CurrentStep     int               `json:"currentStep"`
	StepData        T                 `json:"stepData"`
	CompletedSteps  []string          `json:"completedSteps"`
	SkippedSteps    []string          `json:"skippedSteps,omitempty"`
	ValidationState map[string]string `json:"validationState,omitempty"`
	LastSaved       time.Time         `json:"lastSaved"`
	Metadata        SessionMetadata   `json:"metadata"`
}

// SessionMetadata carries session timestamps and the schema version.
type SessionMetadata struct {
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   string    `json:"version"`
}

// Persistence saves and restores the session of one wizard in a
// storage.Store. A nil or unavailable store turns every operation into a
// no-op reporting failure or absence. Storage errors are logged, never
// returned.
type Persistence[T any] struct {
	wizardID  string
	stepCount int
	store     storage.Store
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewPersistence creates a Persistence for wizardID. stepCount bounds the
// restored current step; zero disables the range check.
func NewPersistence[T any](wizardID string, stepCount int, store storage.Store, logger *zap.Logger, metrics *observability.Metrics) *Persistence[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistence[T]{
		wizardID:  wizardID,
		stepCount: stepCount,
		store:     store,
		logger:    logger.With(zap.String("wizard_id", wizardID)),
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the storage key of this wizard's session.
func (p *Persistence[T]) Key() string {
	return sessionKeyPrefix + p.wizardID
}

// Available reports whether sessions can be stored at all.
func (p *Persistence[T]) Available() bool {
	return storage.Available(p.store)
}

// SaveSession writes s and reports whether it was stored.
func (p *Persistence[T]) SaveSession(ctx context.Context, s Session[T]) bool {
	if !p.Available() {
		return false
	}
	data, err := json.Marshal(s)
	if err != nil {
		p.logger.Warn("encoding wizard session", zap.Error(err))
		return false
	}
	if err := p.store.Set(ctx, p.Key(), string(data)); err != nil {
		p.logger.Warn("saving wizard session", zap.Error(err))
		return false
	}
	p.logger.Debug("wizard session saved", zap.Int("current_step", s.CurrentStep))
	return true
}

// RestoreSession reads the stored session. Entries that cannot be parsed,
// lack required fields, carry another version or point outside the wizard
// are removed and reported as absent.
func (p *Persistence[T]) RestoreSession(ctx context.Context) (Session[T], bool) {
	var zero Session[T]
	if !p.Available() {
		return zero, false
	}

	raw, ok, err := p.store.Get(ctx, p.Key())
	if err != nil {
		p.logger.Warn("reading wizard session", zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &shape); err != nil {
		p.discard(ctx, discardParse, err)
		return zero, false
	}
	if !hasSessionShape(shape) {
		p.discard(ctx, discardStructure, nil)
		return zero, false
	}

	var s Session[T]
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		p.discard(ctx, discardStructure, err)
		return zero, false
	}
	if s.Metadata.Version != SessionVersion {
		p.discard(ctx, discardVersion, nil)
		return zero, false
	}
	if s.WizardID != p.wizardID || s.CurrentStep < 0 || (p.stepCount > 0 && s.CurrentStep >= p.stepCount) {
		p.discard(ctx, discardRange, nil)
		return zero, false
	}
	return s, true
}

// hasSessionShape reports whether the decoded object carries every field a
// session needs.
func hasSessionShape(shape map[string]json.RawMessage) bool {
	for _, k := range []string{"wizardId", "currentStep", "stepData", "completedSteps", "metadata"} {
		if _, ok := shape[k]; !ok {
			return false
		}
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(shape["metadata"], &meta); err != nil {
		return false
	}
	_, hasVersion := meta["version"]
	_, hasStarted := meta["startedAt"]
	return hasVersion && hasStarted
}

func (p *Persistence[T]) discard(ctx context.Context, reason string, cause error) {
	fields := []zap.Field{zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	p.logger.Warn("discarding stored wizard session", fields...)
	p.metrics.RecordSessionDiscard(p.wizardID, reason)
	p.ClearSession(ctx)
}

// ClearSession removes the stored session and reports whether it succeeded.
func (p *Persistence[T]) ClearSession(ctx context.Context) bool {
	if !p.Available() {
		return false
	}
	if err := p.store.Delete(ctx, p.Key()); err != nil {
		p.logger.Warn("clearing wizard session", zap.Error(err))
		return false
	}
	return true
}

// HasSession reports whether a session entry exists, without decoding it.
func (p *Persistence[T]) HasSession(ctx context.Context) bool {
	if !p.Available() {
		return false
	}
	_, ok, err := p.store.Get(ctx, p.Key())
	if err != nil {
		p.logger.Warn("checking wizard session", zap.Error(err))
		return false
	}
	return ok
}

// CreateSession builds a new session from state, stamped with the current
// time and SessionVersion.
func (p *Persistence[T]) CreateSession(cfg *Config[T], state State[T]) Session[T] {
	now := p.now()
	return Session[T]{
		WizardID:        p.wizardID,
		CurrentStep:     state.CurrentStepIndex,
		StepData:        state.Data,
		CompletedSteps:  Ordered(cfg, state.CompletedSteps),
		SkippedSteps:    Ordered(cfg, state.SkippedSteps),
		ValidationState: maps.Clone(state.ValidationErrors),
		LastSaved:       now,
		Metadata: SessionMetadata{
			StartedAt: now,
			UpdatedAt: now,
			Version:   SessionVersion,
		},
	}
}

// UpdateSession returns a copy of existing with the step position, data and
// completed and skipped steps taken from state and the save timestamps
// refreshed. existing is not modified.
func (p *Persistence[T]) UpdateSession(cfg *Config[T], existing Session[T], state State[T]) Session[T] {
	now := p.now()
	updated := existing
	updated.CurrentStep = state.CurrentStepIndex
	updated.StepData = state.Data
	updated.CompletedSteps = Ordered(cfg, state.CompletedSteps)
	updated.SkippedSteps = Ordered(cfg, state.SkippedSteps)
	updated.ValidationState = maps.Clone(existing.ValidationState)
	updated.LastSaved = now
	updated.Metadata.UpdatedAt = now
	return updated
}
