package container

import (
	"fmt"

	"github.com/odorie/api-gestion-poc/cmd/registry/auth"
	registry "github.com/odorie/api-gestion-poc/cmd/registry/models"
	"github.com/odorie/api-gestion-poc/cmd/registry/service"
	"github.com/odorie/api-gestion-poc/common/anomaly"
	"github.com/odorie/api-gestion-poc/common/bootstrap"
	"github.com/odorie/api-gestion-poc/common/events"
	"github.com/odorie/api-gestion-poc/common/ratelimit"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Versioning core
	Kinds      *versioning.Registry
	Store      versioning.Store
	Controller *versioning.Controller
	Detector   *anomaly.Detector
	Publisher  versioning.Publisher

	// Services
	Issuer        *auth.Issuer
	EntityService *service.EntityService

	// Limiter is nil when write rate limiting is off
	Limiter   *ratelimit.Limiter
	WriteRule ratelimit.Rule
}

// NewContainer initializes all services once over store
func NewContainer(components *bootstrap.Components, store versioning.Store) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	kinds, err := registry.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to register kinds: %w", err)
	}

	rules, err := anomaly.LoadRules(cfg.Versioning.AnomalyRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load anomaly rules: %w", err)
	}
	detector, err := anomaly.NewDetector(rules, log, components.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to compile anomaly rules: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	opts := []versioning.Option{
		versioning.WithDiffs(cfg.Versioning.DiffEnabled),
		versioning.WithMetrics(components.Metrics),
		versioning.WithDiffHook(detector.Hook()),
	}

	publisher := newPublisher(components)
	if publisher != nil {
		opts = append(opts, versioning.WithPublisher(publisher))
	}

	controller := versioning.NewController(store, kinds, log, opts...)

	log.Info("versioning controller ready",
		"kinds", len(kinds.Kinds()),
		"diffs", controller.DiffsEnabled(),
		"anomaly_rules", len(rules),
		"events", cfg.Events.Backend,
	)

	writeRule := ratelimit.WriteRule(cfg.RateLimit.Writes, cfg.RateLimit.Window)
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled && components.Redis != nil {
		if err := writeRule.Validate(); err != nil {
			return nil, err
		}
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), log)
		log.Info("write rate limit enabled", "writes", writeRule.Limit, "window", writeRule.Window)
	}

	return &Container{
		Components:    components,
		Kinds:         kinds,
		Store:         store,
		Controller:    controller,
		Detector:      detector,
		Publisher:     publisher,
		Issuer:        issuer,
		EntityService: service.NewEntityService(controller, components.Cache, cfg.Cache.DefaultTTL, log),
		Limiter:       limiter,
		WriteRule:     writeRule,
	}, nil
}

// newPublisher picks where committed diffs are announced. Nil disables publishing.
func newPublisher(components *bootstrap.Components) versioning.Publisher {
	cfg := components.Config.Events

	switch {
	case cfg.Backend == "redis" && components.Redis != nil:
		return events.NewRedisPublisher(components.Redis, cfg.Topic, cfg.Stream)
	case components.Queue != nil:
		return events.NewQueuePublisher(components.Queue, cfg.Topic)
	}
	return nil
}
