package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/definition"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Completer receives the data of a completed wizard whose definition names
// a submit endpoint.
type Completer interface {
	Complete(ctx context.Context, def model.WizardDefinition, data Fields) error
}

// HostOptions configures a Host.
type HostOptions struct {
	Registry *definition.Registry
	// LocalStore returns the long-lived store of a client. Wizard sessions
	// are kept under a per-user namespace inside it.
	LocalStore  func(clientID string) storage.Store
	Completer   Completer
	IdleTimeout time.Duration
	// Debounce applies to wizards whose definition sets no debounce_ms.
	Debounce time.Duration
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

type hostEntry struct {
	shell  *Shell[Fields]
	userID string
}

// Host keeps one running Shell per client and wizard. Shells idle for longer
// than the idle timeout are evicted, which flushes their pending saves.
type Host struct {
	registry   *definition.Registry
	localStore func(clientID string) storage.Store
	completer  Completer
	debounce   time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	shells *cache.Cache
}

// NewHost creates a Host.
func NewHost(opts HostOptions) *Host {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Host{
		registry:   opts.Registry,
		localStore: opts.LocalStore,
		completer:  opts.Completer,
		debounce:   opts.Debounce,
		logger:     logger,
		metrics:    opts.Metrics,
		shells:     cache.New(idle, max(idle/2, time.Second)),
	}
	h.shells.OnEvicted(func(_ string, v any) {
		v.(*hostEntry).shell.Close(context.Background())
	})
	return h
}

func hostKey(clientID, wizardID string) string {
	return clientID + "|" + wizardID
}

// Open returns the running shell of wizardID for the request's client,
// creating it and restoring its persisted session when needed. The caller
// must hold every capability the wizard declares. A shell opened for a
// different user of the same client is closed and replaced; each user only
// restores their own drafts.
func (h *Host) Open(ctx context.Context, rctx *model.RequestContext, wizardID string, caps model.CapabilitySet) (_ *Shell[Fields], err error) {
	ctx, span := observability.StartSpan(ctx, "wizard.open",
		observability.AttrWizardID.String(wizardID),
		observability.AttrClientID.String(rctx.ClientID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	def, ok := h.registry.GetWizard(wizardID)
	if !ok {
		return nil, model.NewWizardNotFoundError(wizardID)
	}
	if !caps.HasAll(def.Capabilities...) {
		return nil, model.NewForbiddenError(fmt.Sprintf("wizard %q is not available to this user", wizardID))
	}

	key := hostKey(rctx.ClientID, wizardID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.shells.Get(key); ok {
		e := v.(*hostEntry)
		if e.userID == rctx.UserID {
			e.shell.SetCapabilities(caps)
			h.shells.SetDefault(key, e)
			return e.shell, nil
		}
		h.shells.Delete(key)
	}

	shell, err := h.build(def, rctx.ClientID, rctx.UserID, caps)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrRestored.Bool(shell.Restore(ctx)))
	h.shells.SetDefault(key, &hostEntry{shell: shell, userID: rctx.UserID})
	return shell, nil
}

func (h *Host) build(def model.WizardDefinition, clientID, userID string, caps model.CapabilitySet) (*Shell[Fields], error) {
	cfg, err := BuildConfig(def, nil)
	if err != nil {
		return nil, fmt.Errorf("building wizard %s: %w", def.ID, err)
	}
	if cfg.DebounceMs <= 0 && h.debounce > 0 {
		cfg.DebounceMs = int(h.debounce.Milliseconds())
	}

	logger := h.logger.With(zap.String("client_id", clientID))
	var shell *Shell[Fields]

	cfg.OnComplete = func(ctx context.Context, data Fields) error {
		if def.Submit == nil || h.completer == nil {
			return nil
		}
		return h.completer.Complete(ctx, def, data)
	}
	cfg.OnError = func(err error) {
		logger.Warn("wizard completion error", zap.String("wizard_id", def.ID), zap.Error(err))
	}
	if def.ClearOnCancel {
		cfg.OnCancel = func(ctx context.Context) {
			shell.ClearSession(ctx)
		}
	}

	var store storage.Store
	if h.localStore != nil {
		store = storage.Namespace(h.localStore(clientID), "user", userID)
	}

	shell, err = NewShell(cfg, ShellOptions[Fields]{
		Store:        store,
		Capabilities: caps,
		NewData:      NewFields,
		Clone:        Fields.Clone,
		Logger:       logger,
		Metrics:      h.metrics,
	})
	if err != nil {
		return nil, err
	}
	return shell, nil
}

// Cancel cancels the running wizard of a client and drops its shell. The
// persisted session is removed only when the definition asks for it.
func (h *Host) Cancel(ctx context.Context, clientID, wizardID string) {
	key := hostKey(clientID, wizardID)

	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.shells.Get(key)
	if !ok {
		return
	}
	v.(*hostEntry).shell.Cancel(ctx)
	h.shells.Delete(key)
}

// Release drops the shell of a completed wizard so the next Open starts a
// new run.
func (h *Host) Release(clientID, wizardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shells.Delete(hostKey(clientID, wizardID))
}

// Len returns the number of running shells.
func (h *Host) Len() int {
	return h.shells.ItemCount()
}

// Close closes every running shell, flushing unsaved changes.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.shells.Items() {
		h.shells.Delete(key)
	}
}
