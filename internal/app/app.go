package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"TrialStreamer/internal/config"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/infrastructure/ml"
	"TrialStreamer/internal/infrastructure/remote"
	"TrialStreamer/internal/infrastructure/scheduler"
	"TrialStreamer/internal/infrastructure/storage"
	"TrialStreamer/internal/logging"
	"TrialStreamer/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg          config.Config
	logger       *slog.Logger
	store        *storage.Store
	fetcher      *remote.Fetcher
	orchestrator *usecase.Orchestrator
	annotator    *usecase.Annotator
	scheduler    *usecase.Scheduler
}

// New opens the store, loads the classifier thresholds and builds every
// adapter. Close releases the store.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	thresholds, err := ml.LoadThresholds(cfg.Classifier.ThresholdsPath)
	if err != nil {
		return nil, fmt.Errorf("load classifier thresholds: %w", err)
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, baseLogger.With("component", "storage"))
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.PubMed.RequestTimeout}
	lister := remote.NewLister(httpClient, cfg.PubMed, baseLogger.With("component", "remote.lister"))
	fetcher := remote.NewFetcher(httpClient, cfg.PubMed, baseLogger.With("component", "remote.fetcher"))
	classifier := ml.NewClient(cfg.Classifier, thresholds, baseLogger.With("component", "classifier"))

	annotator := usecase.NewAnnotator(usecase.AnnotatorDeps{
		Classifier: classifier,
		Store:      store,
		Ledger:     store,
		LimitTo:    cfg.Annotation.LimitTo,
		BatchSize:  cfg.Annotation.BatchSize,
		Logger:     baseLogger.With("component", "annotator"),
	})

	orchestrator := usecase.NewOrchestrator(usecase.PipelineDeps{
		Lister:          lister,
		Fetcher:         fetcher,
		Classifier:      classifier,
		Store:           store,
		Ledger:          store,
		Annotator:       annotator,
		BatchSize:       cfg.Pipeline.BatchSize,
		SafetyTestParse: cfg.PubMed.SafetyTestParse,
		Logger:          baseLogger.With("component", "orchestrator"),
	})

	ticker := scheduler.NewTicker(cfg.Scheduler.Interval, cfg.Scheduler.Location())

	return &Application{
		cfg:          cfg,
		logger:       baseLogger,
		store:        store,
		fetcher:      fetcher,
		orchestrator: orchestrator,
		annotator:    annotator,
		scheduler:    usecase.NewScheduler(ticker, orchestrator, baseLogger.With("component", "scheduler")),
	}, nil
}

// Close releases the database connection.
func (a *Application) Close() error {
	return a.store.Close()
}

// Migrate creates or upgrades the schema.
func (a *Application) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Baseline loads the PubMed baseline.
func (a *Application) Baseline(ctx context.Context, force bool) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return a.orchestrator.Baseline(ctx, force)
}

// Incremental applies pending update files.
func (a *Application) Incremental(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return a.orchestrator.Incremental(ctx)
}

// Update runs one complete update.
func (a *Application) Update(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return a.orchestrator.Update(ctx)
}

// Annotate runs the PICO annotation pass.
func (a *Application) Annotate(ctx context.Context, force bool, limitTo string) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return a.annotator.Run(ctx, force, limitTo)
}

// Validate checks every cached archive against its digest and reports the
// corrupt ones. Nothing is deleted.
func (a *Application) Validate(ctx context.Context) (map[domain.Collection][]string, error) {
	out := map[domain.Collection][]string{}
	for _, collection := range []domain.Collection{domain.CollectionBaseline, domain.CollectionUpdates} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bad, err := a.fetcher.SpotCheck(collection)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", collection, err)
		}
		for _, name := range bad {
			a.logger.Warn("cached archive failed validation", "collection", collection, "file", name)
		}
		out[collection] = bad
	}
	return out, nil
}

// Schedule runs the update periodically until ctx is cancelled.
func (a *Application) Schedule(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval, "timezone", a.cfg.Scheduler.Location().String())

	<-ctx.Done()

	// the running update observes ctx; stop waits for it to unwind
	if err := a.scheduler.Stop(context.Background()); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
