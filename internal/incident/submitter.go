// Package incident submits completed incident wizards to the backend.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/invoker"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/wizard"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// IdempotencyKeyHeader carries the run key to the backend.
const IdempotencyKeyHeader = "Idempotency-Key"

// Submission is the body POSTed to a wizard's submit path.
type Submission struct {
	WizardID  string        `json:"wizard_id"`
	StartedAt time.Time     `json:"started_at"`
	Data      wizard.Fields `json:"data"`
}

// SubmitterOptions configures a Submitter.
type SubmitterOptions struct {
	Client *invoker.Client
	Store  IdempotencyStore
	// DefaultTTL applies when a definition sets no idempotency_ttl.
	DefaultTTL time.Duration
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	now        func() time.Time
}

// Submitter POSTs the data of completed wizards to the backend. A run is
// submitted at most once: repeats are answered from the idempotency store.
type Submitter struct {
	client  *invoker.Client
	store   IdempotencyStore
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	group   singleflight.Group
}

// NewSubmitter creates a Submitter. A nil store keeps receipts in memory.
func NewSubmitter(opts SubmitterOptions) *Submitter {
	s := &Submitter{
		client:  opts.Client,
		store:   opts.Store,
		ttl:     opts.DefaultTTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.now,
	}
	if s.store == nil {
		s.store = NewMemoryIdempotencyStore()
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Complete submits data for the run carried by ctx. The caller's session
// token is forwarded to the backend.
func (s *Submitter) Complete(ctx context.Context, def model.WizardDefinition, data wizard.Fields) error {
	_, err := s.Submit(ctx, def, data)
	return err
}

// Submit submits data and returns the backend's receipt. Concurrent and
// repeated submissions of one run share a single backend call.
func (s *Submitter) Submit(ctx context.Context, def model.WizardDefinition, data wizard.Fields) (*Receipt, error) {
	if def.Submit == nil {
		return nil, fmt.Errorf("wizard %s has no submit endpoint", def.ID)
	}
	run, ok := wizard.RunFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("submitting wizard %s: no run in context", def.ID)
	}
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.SessionToken == "" {
		return nil, model.NewUnauthorizedError("sign in to submit an incident")
	}

	key := FormatIdempotencyKey(def.ID, rctx.ClientID, run.StartedAt)
	hash, err := HashInput(data)
	if err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.submitOnce(ctx, def, run, rctx.SessionToken, key, hash, data)
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*Receipt)
	return &r, nil
}

func (s *Submitter) submitOnce(ctx context.Context, def model.WizardDefinition, run wizard.Run, token, key, hash string, data wizard.Fields) (_ *Receipt, err error) {
	ctx, span := observability.StartSpan(ctx, "incident.submit",
		observability.AttrWizardID.String(def.ID),
		observability.AttrIdempotencyKey.String(key),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := s.logger.With(zap.String("wizard_id", def.ID), zap.String("idempotency_key", key))

	cached, found, err := s.store.Check(ctx, key, hash)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return nil, err
		}
		logger.Warn("idempotency check failed", zap.Error(err))
	} else if found {
		s.metrics.RecordIdempotencyReplay()
		logger.Debug("incident submission replayed")
		return cached, nil
	}

	start := time.Now()
	resp, err := s.client.Do(ctx, invoker.Request{
		Method: http.MethodPost,
		Path:   def.Submit.Path,
		Token:  token,
		Header: http.Header{IdempotencyKeyHeader: []string{key}},
		Body:   Submission{WizardID: def.ID, StartedAt: run.StartedAt, Data: data},
	})
	if err != nil {
		s.metrics.RecordIncidentSubmission(def.ID, 0, time.Since(start))
		logger.Error("incident submission failed", zap.Error(err))
		return nil, err
	}
	s.metrics.RecordIncidentSubmission(def.ID, resp.StatusCode, time.Since(start))

	if !resp.OK() {
		logger.Warn("incident submission rejected", zap.Int("status", resp.StatusCode))
		return nil, rejection(resp)
	}

	receipt := Receipt{
		Status:      resp.StatusCode,
		Body:        rawBody(resp.Body),
		SubmittedAt: s.now().UTC(),
	}
	var ack struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(resp.Body, &ack) == nil {
		receipt.IncidentID = ack.ID
	}

	ttl := s.ttl
	if def.Submit.IdempotencyTTL > 0 {
		ttl = def.Submit.IdempotencyTTL
	}
	if err := s.store.Store(ctx, key, hash, receipt, ttl); err != nil {
		logger.Warn("storing idempotency receipt failed", zap.Error(err))
	}

	logger.Info("incident submitted",
		zap.Int("status", resp.StatusCode),
		zap.String("incident_id", receipt.IncidentID),
	)
	return &receipt, nil
}

// rejection converts a non-2xx backend reply into an error envelope,
// preferring the backend's own envelope when it sent one.
func rejection(resp *invoker.Response) error {
	var env model.ErrorEnvelope
	if json.Unmarshal(resp.Body, &env) == nil && env.Code != "" {
		return &env
	}
	switch {
	case resp.StatusCode >= 500:
		return model.NewBackendUnavailableError()
	case resp.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError("the incident service rejected the session")
	case resp.StatusCode == http.StatusForbidden:
		return model.NewForbiddenError("not allowed to submit incidents")
	case resp.StatusCode == http.StatusConflict:
		return model.NewConflictError("the incident was already submitted with different data")
	default:
		return model.NewBadRequestError(fmt.Sprintf("the incident service rejected the submission (status %d)", resp.StatusCode))
	}
}

func rawBody(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
