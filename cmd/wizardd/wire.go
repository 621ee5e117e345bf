package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/auth"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/capability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/definition"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/incident"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/invoker"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/transport"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/wizard"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

type app struct {
	handler  http.Handler
	registry *definition.Registry
	host     *wizard.Host
	stores   *storage.Stores
}

func (a *app) close() {
	a.host.Close()
	a.stores.Close()
}

// loadDefinitions reads every definition file and validates it. The returned
// errors describe invalid wizards; err is set only when files cannot be read.
func loadDefinitions(cfg config.DefinitionsConfig) ([]model.DefinitionFile, []definition.VError, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, nil, fmt.Errorf("loading definitions: %w", err)
	}
	return files, definition.NewValidator().Validate(files), nil
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*app, error) {
	signingKey := cfg.Client.SigningKey()
	clients, err := transport.NewClientCookies(cfg.Client, signingKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Client.SigningKeyEnv, err)
	}

	files, verrs, err := loadDefinitions(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	for _, ve := range verrs {
		logger.Error("definition validation error", zap.String("error", ve.Error()))
	}
	if len(verrs) > 0 {
		if cfg.Definitions.Strict {
			return nil, fmt.Errorf("definition validation failed with %d errors", len(verrs))
		}
		files = definition.Exclude(files, verrs)
	}
	registry := definition.NewRegistry(files)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("capability policy: %w", err)
	}
	resolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, metrics)

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	identityClient := invoker.NewClient(invoker.Options{
		Name:           "identity",
		BaseURL:        cfg.Identity.BaseURL,
		Timeout:        cfg.Identity.Timeout,
		CircuitBreaker: cfg.Identity.CircuitBreaker,
		Retry:          cfg.Identity.Retry,
		Logger:         logger,
	})
	sessions := auth.NewSessions(auth.SessionsOptions{
		Identity:     auth.NewHTTPIdentity(identityClient),
		SessionStore: stores.ClientSession,
		LocalStore:   stores.ClientLocal,
		IdleTimeout:  cfg.Wizard.IdleTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})

	incidentURL := cfg.Incident.BaseURL
	if incidentURL == "" {
		incidentURL = cfg.Identity.BaseURL
	}
	incidentClient := invoker.NewClient(invoker.Options{
		Name:           "incident",
		BaseURL:        incidentURL,
		Timeout:        cfg.Incident.Timeout,
		CircuitBreaker: cfg.Incident.CircuitBreaker,
		Retry:          cfg.Incident.Retry,
		Logger:         logger,
	})

	var receipts incident.IdempotencyStore
	switch cfg.Incident.Idempotency.Driver {
	case "redis":
		receipts = incident.NewRedisIdempotencyStore(stores.Redis)
	default:
		receipts = incident.NewMemoryIdempotencyStore()
	}
	submitter := incident.NewSubmitter(incident.SubmitterOptions{
		Client:     incidentClient,
		Store:      receipts,
		DefaultTTL: cfg.Incident.Idempotency.DefaultTTL,
		Logger:     logger,
		Metrics:    metrics,
	})

	host := wizard.NewHost(wizard.HostOptions{
		Registry:    registry,
		LocalStore:  stores.ClientLocal,
		Completer:   submitter,
		IdleTimeout: cfg.Wizard.IdleTimeout,
		Debounce:    cfg.Wizard.DefaultDebounce,
		Logger:      logger,
		Metrics:     metrics,
	})

	deps := stores.HealthChecks()
	deps["identity_backend"] = identityClient
	deps["incident_backend"] = incidentClient
	if hc, ok := receipts.(observability.HealthChecker); ok {
		deps["idempotency_store"] = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Clients:            clients,
		Sessions:           sessions,
		Host:               host,
		CapabilityResolver: resolver,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Dependencies:      deps,
		},
	})

	return &app{handler: router, registry: registry, host: host, stores: stores}, nil
}
