package wizard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/definition"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

type recordingCompleter struct {
	mu    sync.Mutex
	calls []Fields
	runs  []Run
	err   error
}

func (c *recordingCompleter) Complete(ctx context.Context, _ model.WizardDefinition, data Fields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, _ := RunFrom(ctx)
	c.calls = append(c.calls, data)
	c.runs = append(c.runs, run)
	return c.err
}

func hostDefinitions() []model.DefinitionFile {
	no := false
	return []model.DefinitionFile{{
		Version: "1",
		Wizards: []model.WizardDefinition{
			{
				ID:            "incident-capture",
				Name:          "Capture Incident",
				Capabilities:  []string{"incidents:capture"},
				DebounceMs:    10_000,
				ClearOnCancel: true,
				Submit:        &model.SubmitDefinition{Path: "/api/incidents"},
				Steps: []model.StepDefinition{
					{ID: "metadata", Title: "Incident Details", Required: true, Rules: []model.RuleDefinition{
						{Field: "reporter_name", Kind: model.RuleRequired},
					}},
					{ID: "review", Title: "Review", Required: true},
				},
			},
			{
				ID:           "incident-analysis",
				Name:         "Analyse Incident",
				Capabilities: []string{"incidents:analysis"},
				AutoSave:     &no,
				Steps: []model.StepDefinition{
					{ID: "classification", Title: "Classification", Required: true},
				},
			},
		},
	}}
}

type hostFixture struct {
	host      *Host
	local     map[string]*storage.Memory
	completer *recordingCompleter
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	f := &hostFixture{local: map[string]*storage.Memory{}, completer: &recordingCompleter{}}
	var mu sync.Mutex
	f.host = NewHost(HostOptions{
		Registry: definition.NewRegistry(hostDefinitions()),
		LocalStore: func(clientID string) storage.Store {
			mu.Lock()
			defer mu.Unlock()
			if f.local[clientID] == nil {
				f.local[clientID] = storage.NewMemory(0)
			}
			return f.local[clientID]
		},
		Completer:   f.completer,
		IdleTimeout: time.Minute,
	})
	t.Cleanup(f.host.Close)
	return f
}

var captureCaps = model.CapabilitySet{"incidents:capture": true}

func worker(clientID, userID string) *model.RequestContext {
	return &model.RequestContext{ClientID: clientID, UserID: userID, SessionToken: "tok-" + userID}
}

func TestHost_Open(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	_, err := f.host.Open(ctx, worker("c1", "u1"), "nope", captureCaps)
	wantCode(t, err, model.ErrWizardNotFound)

	_, err = f.host.Open(ctx, worker("c1", "u1"), "incident-analysis", captureCaps)
	wantCode(t, err, model.ErrForbidden)

	a, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	b, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	if a != b {
		t.Error("Open() should reuse the running shell for the same client and user")
	}

	c, err := f.host.Open(ctx, worker("c2", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	if c == a {
		t.Error("different clients must not share a shell")
	}
	if f.host.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.host.Len())
	}
}

func TestHost_Open_user_switch_keeps_drafts_per_user(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	a, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, a.ChangeData(ctx, set("reporter_name", "Sam")))

	b, err := f.host.Open(ctx, worker("c1", "u2"), "incident-capture", captureCaps)
	mustOK(t, err)
	if a == b {
		t.Fatal("a different user must get a new shell")
	}
	if got := b.State().Data.String("reporter_name"); got != "" {
		t.Errorf("second user sees reporter_name = %q, want an empty draft", got)
	}
	if f.local["c1"].Len() != 1 {
		t.Errorf("store holds %d entries, want the first user's flushed draft", f.local["c1"].Len())
	}

	again, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	if got := again.State().Data.String("reporter_name"); got != "Sam" {
		t.Errorf("first user restored reporter_name = %q, want Sam", got)
	}
}

func TestHost_complete_invokes_completer(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, s.ChangeData(ctx, set("reporter_name", "Sam")))
	mustOK(t, s.CompleteStep(ctx))
	mustOK(t, s.GoNext(ctx))
	mustOK(t, s.CompleteStep(ctx))
	mustOK(t, s.CompleteWizard(ctx))

	if len(f.completer.calls) != 1 || f.completer.calls[0].String("reporter_name") != "Sam" {
		t.Fatalf("completer calls = %v", f.completer.calls)
	}
	if run := f.completer.runs[0]; run.WizardID != "incident-capture" || run.StartedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}

	f.host.Release("c1", "incident-capture")
	next, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	if next == s || next.State().IsCompleted {
		t.Error("Open() after Release() should start a new run")
	}
}

func TestHost_complete_without_submit(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-analysis", model.CapabilitySet{"incidents:*": true})
	mustOK(t, err)
	mustOK(t, s.CompleteStep(ctx))
	mustOK(t, s.CompleteWizard(ctx))
	if len(f.completer.calls) != 0 {
		t.Errorf("completer called for a wizard without a submit endpoint")
	}
}

func TestHost_complete_failure(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)
	f.completer.err = errors.New("backend unavailable")

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, s.ChangeData(ctx, set("reporter_name", "Sam")))
	mustOK(t, s.CompleteStep(ctx))
	mustOK(t, s.GoNext(ctx))
	mustOK(t, s.CompleteStep(ctx))

	if err := s.CompleteWizard(ctx); !errors.Is(err, f.completer.err) {
		t.Fatalf("CompleteWizard() error = %v", err)
	}
	if s.State().IsCompleted {
		t.Error("a failed submission must leave the wizard open")
	}
}

func TestHost_Cancel_clears_session(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, s.ChangeData(ctx, set("reporter_name", "Sam")))
	mustOK(t, s.Save(ctx))

	store := f.local["c1"]
	if store.Len() != 1 {
		t.Fatalf("store holds %d entries, want 1", store.Len())
	}

	f.host.Cancel(ctx, "c1", "incident-capture")
	if store.Len() != 0 {
		t.Errorf("store holds %d entries after cancel, want 0", store.Len())
	}
	if f.host.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", f.host.Len())
	}
	f.host.Cancel(ctx, "c1", "incident-capture")
}

func TestHost_Close_flushes_shells(t *testing.T) {
	ctx := context.Background()
	f := newHostFixture(t)

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, s.ChangeData(ctx, set("reporter_name", "Sam")))

	f.host.Close()
	if f.host.Len() != 0 {
		t.Errorf("Len() = %d after Close(), want 0", f.host.Len())
	}
	if f.local["c1"].Len() != 1 {
		t.Error("Close() should flush unsaved changes")
	}
}

func TestHost_Open_span(t *testing.T) {
	exporter := recordSpans(t)
	ctx := context.Background()
	f := newHostFixture(t)

	s, err := f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	mustOK(t, s.ChangeData(ctx, set("reporter_name", "Sam")))
	mustOK(t, s.Save(ctx))
	f.host.Release("c1", "incident-capture")

	_, err = f.host.Open(ctx, worker("c1", "u1"), "incident-capture", captureCaps)
	mustOK(t, err)
	if _, attrs := findSpan(t, exporter, "wizard.open"); attrs["wizard.client_id"] != "c1" || attrs["wizard.restored"] != "true" {
		t.Errorf("open attributes = %v", attrs)
	}

	_, err = f.host.Open(ctx, worker("c1", "u1"), "incident-analysis", captureCaps)
	wantCode(t, err, model.ErrForbidden)
	if span, _ := findSpan(t, exporter, "wizard.open"); span.Status.Code != codes.Error {
		t.Errorf("forbidden open status = %v, want Error", span.Status.Code)
	}
}
