package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/logging"
	"TrialStreamer/internal/ports"
)

// DefaultAnnotationBatch bounds the citations sent per annotation report.
const DefaultAnnotationBatch = 100

// AnnotatorDeps wires the annotation pass.
type AnnotatorDeps struct {
	Classifier ports.Classifier
	Store      ports.AnnotationStore
	Ledger     ports.Ledger
	LimitTo    string
	BatchSize  int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Annotator extracts PICO spans, sample sizes, bias and punchlines for
// included citations.
type Annotator struct {
	classifier ports.Classifier
	store      ports.AnnotationStore
	ledger     ports.Ledger
	limitTo    string
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewAnnotator constructs the annotation pass.
func NewAnnotator(deps AnnotatorDeps) *Annotator {
	a := &Annotator{
		classifier: deps.Classifier,
		store:      deps.Store,
		ledger:     deps.Ledger,
		limitTo:    deps.LimitTo,
		batchSize:  deps.BatchSize,
		logger:     deps.Logger,
		now:        deps.Now,
	}
	if a.limitTo == "" {
		a.limitTo = domain.ColumnBalanced
	}
	if a.batchSize <= 0 {
		a.batchSize = DefaultAnnotationBatch
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Run annotates every citation flagged at limitTo that has no annotation.
// With force, stored annotations are cleared first and everything is redone.
// An empty limitTo selects the configured tier.
func (a *Annotator) Run(ctx context.Context, force bool, limitTo string) error {
	if limitTo == "" {
		limitTo = a.limitTo
	}
	if !domain.ValidTierColumn(limitTo) {
		return fmt.Errorf("annotate: unknown tier %q", limitTo)
	}

	kind := domain.KindPicoPartial
	if force {
		kind = domain.KindPicoFull
	}
	logger := logging.WithRun(a.logger, string(kind))

	if force {
		logger.Warn("force annotation: deleting every stored annotation")
		if err := a.store.ClearAnnotations(ctx); err != nil {
			return err
		}
	}

	candidates, err := a.store.AnnotationCandidates(ctx, limitTo)
	if err != nil {
		return fmt.Errorf("load annotation candidates: %w", err)
	}
	annotated, err := a.store.AnnotatedPMIDs(ctx)
	if err != nil {
		return fmt.Errorf("load annotated pmids: %w", err)
	}

	todo := make([]domain.AnnotationInput, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := annotated[c.PMID]; !ok {
			todo = append(todo, c)
		}
	}
	logger.Info("annotating", "tier", limitTo, "candidates", len(candidates), "pending", len(todo))

	saved := 0
	for start := 0; start < len(todo); start += a.batchSize {
		end := min(start+a.batchSize, len(todo))
		annotations, err := a.classifier.Annotate(ctx, todo[start:end])
		if err != nil {
			return fmt.Errorf("annotate batch at %d: %w", start, err)
		}
		if err := a.store.SaveAnnotations(ctx, annotations); err != nil {
			return err
		}
		saved += len(annotations)
		logger.Debug("annotation batch saved", "saved", saved, "pending", len(todo)-saved)
	}

	if err := a.ledger.AppendLedger(ctx, domain.LedgerEntry{Kind: kind, CompletedAt: a.now()}); err != nil {
		return fmt.Errorf("record annotation: %w", err)
	}
	logger.Info("annotation complete", "saved", saved)
	return nil
}
