package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/catalogue"
	"github.com/antoniostano/delegator/internal/compaction"
	"github.com/antoniostano/delegator/internal/config"
	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/httpapi"
	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
	"github.com/antoniostano/delegator/internal/policy"
	"github.com/antoniostano/delegator/internal/reasoning"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
	"github.com/antoniostano/delegator/internal/transport"
)

const (
	janitorInterval = time.Minute
	janitorIdle     = 10 * time.Minute
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Delegator *delegator.Delegator
	Router    *router.Router
	Registry  *registry.Registry
	Memory    *memory.Manager
	Metrics   *observability.Metrics
	Scheduler *compaction.Scheduler
	Watcher   *catalogue.Watcher
	Telegram  *transport.TelegramChannel
	Outbound  *transport.Fanout

	StoreMode     string
	ReasoningMode string

	logger zerolog.Logger

	// Cleanup should be called on shutdown to release external resources (DB, pollers, watchers).
	Cleanup func() error
}

// Build wires every component from cfg. Nothing runs in the background until
// Start is called.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	memPolicy := memory.DefaultPolicy()
	memPolicy.Reserve = cfg.ContextReserve
	memPolicy.MaxVerbatim = cfg.ContextMaxVerbatim
	mem := memory.NewManager(store, memPolicy, cfg.ContextBudget, logger)

	adapter, err := reasoning.NewAdapter(reasoning.Config{
		Mode:            cfg.ReasoningMode,
		HTTPURL:         cfg.ReasoningHTTPURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		AnthropicModel:  cfg.AnthropicModel,
	})
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("reasoning adapter init failed: %w", err)
	}

	reg := registry.New()
	rules := append(router.DefaultRules(), router.HotelRules()...)
	var classifier router.Classifier = router.NewRuleClassifier(rules).ServedBy(reg)
	if cfg.RouterClassifier == config.ClassifierReasoning {
		classifier = router.NewReasoningClassifier(reg, classifier, cfg.StepTimeout)
	}
	rt := router.New(reg, classifier, router.DefaultSettings(), logger)

	factory := &catalogue.Factory{
		Gazetteer:         agents.NewGazetteer(nil),
		Reasoning:         adapter,
		Persona:           cfg.ReasoningPersona,
		NominatimURL:      cfg.NominatimURL,
		OpenMeteoURL:      cfg.OpenMeteoURL,
		LanguageThreshold: agents.DefaultLanguageThreshold,
	}
	apply := func(c catalogue.Catalogue) error {
		if len(cfg.AlwaysRunTags) > 0 {
			c.Router.AlwaysRun = append([]string(nil), cfg.AlwaysRunTags...)
		}
		return catalogue.Apply(reg, rt, c, factory)
	}

	cat := catalogue.Default(cfg.Geocoder, cfg.RoomTablePath)
	if cfg.CataloguePath != "" {
		cat, err = catalogue.Load(cfg.CataloguePath)
		if err != nil {
			_ = mem.Close()
			return nil, err
		}
	}
	if err := apply(cat); err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("capability catalogue rejected: %w", err)
	}

	inv := invoker.New(reg, invoker.Config{
		Timeout:     cfg.StepTimeout,
		MaxAttempts: cfg.StepMaxAttempts,
		RetryBase:   cfg.StepRetryBase,
		RetryCap:    cfg.StepRetryCap,
	}, logger)

	hub := httpapi.NewHub(metrics)
	outbound := transport.NewFanout(metrics, logger, hub)

	d := delegator.New(mem, rt, inv, outbound, metrics, delegator.Config{
		TurnDeadline:  cfg.TurnDeadline,
		LockWait:      cfg.LockWait,
		ContextBudget: cfg.ContextBudget,
		MaxAttempts:   cfg.StepMaxAttempts,
		FactRules:     policy.DefaultFactRules,
	}, logger)

	var telegram *transport.TelegramChannel
	if cfg.TelegramToken != "" {
		telegram, err = transport.NewTelegramChannel(transport.TelegramConfig{
			Token:        cfg.TelegramToken,
			AllowFrom:    cfg.TelegramAllowFrom,
			GroupBatches: cfg.TelegramGroupBatches,
		}, logger)
		if err != nil {
			_ = mem.Close()
			return nil, fmt.Errorf("telegram init failed: %w", err)
		}
		telegram.SetHandler(d)
		outbound.Add(telegram)
	}

	scheduler, err := compaction.NewScheduler(mem, cfg.CompactionSchedule, metrics, logger)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	var watcher *catalogue.Watcher
	if cfg.CataloguePath != "" && cfg.CatalogueWatch {
		watcher = catalogue.NewWatcher(cfg.CataloguePath, apply, logger)
	}

	api := httpapi.New(cfg, d, rt, mem, reg, hub, metrics, logger)

	res := &BuildResult{
		Config:        cfg,
		API:           api,
		Delegator:     d,
		Router:        rt,
		Registry:      reg,
		Memory:        mem,
		Metrics:       metrics,
		Scheduler:     scheduler,
		Watcher:       watcher,
		Telegram:      telegram,
		Outbound:      outbound,
		StoreMode:     memory.StoreMode(cfg.DatabaseURL, cfg.SQLitePath),
		ReasoningMode: reasoning.ModeName(adapter),
		logger:        logger,
	}
	res.Cleanup = res.cleanup
	return res, nil
}

// Start launches the background pieces: the compaction schedule, the
// catalogue watcher, the Telegram poller and the lock janitor. They stop
// when ctx ends or Cleanup runs.
func (b *BuildResult) Start(ctx context.Context) error {
	b.Memory.StartJanitor(ctx, janitorInterval, janitorIdle)
	if b.Scheduler.Enabled() {
		if err := b.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("compaction scheduler: %w", err)
		}
	}
	if b.Watcher != nil {
		if err := b.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("catalogue watcher: %w", err)
		}
	}
	if b.Telegram != nil {
		if err := b.Telegram.Start(ctx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	b.logger.Info().
		Str("store_mode", b.StoreMode).
		Str("reasoning_mode", b.ReasoningMode).
		Int("agents", len(b.Registry.Descriptors())).
		Bool("compaction", b.Scheduler.Enabled()).
		Bool("catalogue_watch", b.Watcher != nil).
		Bool("telegram", b.Telegram != nil).
		Msg("delegator started")
	return nil
}

func (b *BuildResult) cleanup() error {
	var errs []error
	b.Scheduler.Stop()
	if b.Watcher != nil {
		if err := b.Watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Telegram != nil {
		if err := b.Telegram.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.Memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
