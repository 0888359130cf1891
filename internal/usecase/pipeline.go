package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"TrialStreamer/internal/batch"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/infrastructure/parser"
	"TrialStreamer/internal/logging"
	"TrialStreamer/internal/ports"
)

// PipelineDeps wires all driven adapters into the update orchestrator.
type PipelineDeps struct {
	Lister          ports.FileLister
	Fetcher         ports.Fetcher
	Classifier      ports.Classifier
	Store           ports.CitationStore
	Ledger          ports.Ledger
	Annotator       *Annotator
	BatchSize       int
	SafetyTestParse bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// Orchestrator runs baseline and incremental ingestion. Files are applied one
// at a time and every batch commits before the next one is read.
type Orchestrator struct {
	lister          ports.FileLister
	fetcher         ports.Fetcher
	classifier      ports.Classifier
	store           ports.CitationStore
	ledger          ports.Ledger
	annotator       *Annotator
	batchSize       int
	safetyTestParse bool
	logger          *slog.Logger
	now             func() time.Time
}

// RunStats summarizes one orchestrator run.
type RunStats struct {
	Files     int
	Batches   int
	Citations int
	Included  int
	Excluded  int
	Deleted   int
	Dropped   int
}

func (s RunStats) attrs() []interface{} {
	return []interface{}{
		"files", s.Files,
		"batches", s.Batches,
		"citations", s.Citations,
		"included", s.Included,
		"excluded", s.Excluded,
		"deleted", s.Deleted,
		"dropped", s.Dropped,
	}
}

// NewOrchestrator constructs the orchestration component.
func NewOrchestrator(deps PipelineDeps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		lister:          deps.Lister,
		fetcher:         deps.Fetcher,
		classifier:      deps.Classifier,
		store:           deps.Store,
		ledger:          deps.Ledger,
		annotator:       deps.Annotator,
		batchSize:       deps.BatchSize,
		safetyTestParse: deps.SafetyTestParse,
		logger:          logger,
		now:             now,
	}
}

// Baseline loads the full baseline distribution. It refuses to run when a
// baseline is already recorded unless force is set, in which case existing
// citations are purged first. Any failure aborts the run without touching
// the ledger.
func (o *Orchestrator) Baseline(ctx context.Context, force bool) error {
	logger := logging.WithRun(o.logger, string(domain.KindBaseline))

	done, err := o.ledger.HasCompleted(ctx, domain.KindBaseline)
	if err != nil {
		return fmt.Errorf("check baseline ledger: %w", err)
	}
	if done && !force {
		return fmt.Errorf("%w: baseline already loaded; rerun with force to reload", domain.ErrPrecondition)
	}

	files, err := o.lister.ListBaseline(ctx)
	if err != nil {
		return fmt.Errorf("list baseline: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: baseline listing is empty", domain.ErrTransient)
	}
	entry, err := baselineEntry(files[0].Name)
	if err != nil {
		return err
	}

	fetched, err := o.fetcher.FetchAll(ctx, files)
	if err != nil {
		return fmt.Errorf("fetch baseline: %w", err)
	}

	if o.safetyTestParse {
		if err := o.preflight(fetched, logger); err != nil {
			return err
		}
	}

	opts := parser.Options{}
	if force {
		logger.Warn("force baseline: deleting every stored citation and exclusion")
		if err := o.store.PurgeCitations(ctx); err != nil {
			return fmt.Errorf("purge citations: %w", err)
		}
	} else {
		existing, err := o.store.ExistingPMIDs(ctx)
		if err != nil {
			return fmt.Errorf("load existing pmids: %w", err)
		}
		logger.Info("resuming baseline", "existing", len(existing))
		opts.Skip = func(pmid string) bool {
			_, ok := existing[pmid]
			return ok
		}
	}

	var stats RunStats
	for _, file := range fetched {
		if err := o.processFile(ctx, file, opts, &stats, logger); err != nil {
			logger.Error("baseline aborted", append(stats.attrs(), "file", file.Name, "error", err)...)
			return err
		}
	}

	entry.CompletedAt = o.now()
	if err := o.ledger.AppendLedger(ctx, entry); err != nil {
		return fmt.Errorf("record baseline: %w", err)
	}
	logger.Info("baseline complete", stats.attrs()...)
	return nil
}

// Incremental applies every update file not yet recorded in the ledger, in
// lexicographic order. Unlike a download pass, it does not continue past a
// file that failed to fetch or apply: later files may delete or revise the
// same citations, so they are held back until the failed file is applied.
// The remaining downloads still complete and a later invocation resumes from
// the ledger.
func (o *Orchestrator) Incremental(ctx context.Context) error {
	logger := logging.WithRun(o.logger, string(domain.KindUpdate))

	done, err := o.ledger.HasCompleted(ctx, domain.KindBaseline)
	if err != nil {
		return fmt.Errorf("check baseline ledger: %w", err)
	}
	if !done {
		return fmt.Errorf("%w: no baseline recorded; run the baseline first", domain.ErrPrecondition)
	}

	files, err := o.lister.ListUpdates(ctx)
	if err != nil {
		return fmt.Errorf("list updates: %w", err)
	}
	completed, err := o.ledger.CompletedFiles(ctx, domain.KindUpdate)
	if err != nil {
		return fmt.Errorf("load update ledger: %w", err)
	}

	var pending []domain.SourceFile
	for _, file := range files {
		if _, ok := completed[file.Name]; !ok {
			pending = append(pending, file)
		}
	}
	if len(pending) == 0 {
		logger.Info("updates already applied", "listed", len(files))
		return nil
	}
	logger.Info("applying updates", "listed", len(files), "pending", len(pending))

	fetched, fetchErr := o.fetcher.FetchAll(ctx, pending)
	if len(fetched) != len(pending) {
		return fmt.Errorf("fetch updates: %w", fetchErr)
	}

	var stats RunStats
	for _, file := range fetched {
		if !file.Verified {
			logger.Error("update stopped", append(stats.attrs(), "file", file.Name, "error", fetchErr)...)
			return fmt.Errorf("update file %s unavailable: %w", file.Name, fetchErr)
		}
		if err := o.processFile(ctx, file, parser.Options{Incremental: true}, &stats, logger); err != nil {
			logger.Error("update stopped", append(stats.attrs(), "file", file.Name, "error", err)...)
			return err
		}
		err := o.ledger.AppendLedger(ctx, domain.LedgerEntry{
			Kind:           domain.KindUpdate,
			SourceFilename: file.Name,
			SourceDate:     file.ModifiedAt,
			CompletedAt:    o.now(),
		})
		if err != nil {
			return fmt.Errorf("record update %s: %w", file.Name, err)
		}
	}

	logger.Info("updates complete", stats.attrs()...)
	return nil
}

// Update brings the store fully up to date: the baseline if none is recorded,
// then pending update files, new annotations and the count view.
func (o *Orchestrator) Update(ctx context.Context) error {
	done, err := o.ledger.HasCompleted(ctx, domain.KindBaseline)
	if err != nil {
		return fmt.Errorf("check baseline ledger: %w", err)
	}
	if !done {
		if err := o.Baseline(ctx, false); err != nil {
			return err
		}
	}

	if err := o.Incremental(ctx); err != nil {
		return err
	}

	if o.annotator != nil {
		if err := o.annotator.Run(ctx, false, ""); err != nil {
			return err
		}
	}

	if err := o.store.RefreshCounts(ctx); err != nil {
		return fmt.Errorf("refresh counts: %w", err)
	}

	summary, err := o.store.Summary(ctx)
	if err != nil {
		return fmt.Errorf("summarize store: %w", err)
	}
	o.logger.Info("store up to date",
		"included", summary.Included,
		"excluded", summary.Excluded,
		"annotated", summary.Annotated,
		"ledger_entries", summary.LedgerEntries)
	return nil
}

// preflight parses every archive end to end before anything is written.
func (o *Orchestrator) preflight(files []domain.SourceFile, logger *slog.Logger) error {
	for _, file := range files {
		counts, err := parser.Check(file.LocalPath)
		if err != nil {
			return fmt.Errorf("%w: safety test parse of %s: %w", domain.ErrIntegrity, file.Name, err)
		}
		logger.Debug("safety test parse passed", "file", file.Name, "citations", counts.Citations)
	}
	return nil
}

func (o *Orchestrator) processFile(ctx context.Context, file domain.SourceFile, opts parser.Options, stats *RunStats, logger *slog.Logger) error {
	stream, err := parser.Open(file.LocalPath, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer stream.Close()

	logger.Info("processing file", "file", file.Name)
	batches := batch.New(stream, o.batchSize)
	for {
		b, err := batches.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", file.Name, err)
		}
		if err := o.apply(ctx, file, b, stats); err != nil {
			return fmt.Errorf("apply batch of %s: %w", file.Name, err)
		}
		logger.Debug("batch applied", stats.attrs()...)
	}
	stats.Files++
	return nil
}

// apply classifies one batch and commits it, splitting citations on the
// loosest tier.
func (o *Orchestrator) apply(ctx context.Context, file domain.SourceFile, b domain.Batch, stats *RunStats) error {
	var results []domain.Classification
	if len(b.Citations) > 0 {
		var err error
		results, err = o.classifier.Classify(ctx, b.Citations)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		if len(results) != len(b.Citations) {
			return fmt.Errorf("%w: %d classifications for %d citations", domain.ErrProtocol, len(results), len(b.Citations))
		}
	}

	updatedAt := o.now()
	commit := domain.CommitBatch{Deletes: b.Deletes}
	for i, citation := range b.Citations {
		row := domain.ClassifiedCitation{
			Citation:       citation,
			Classification: results[i],
			SourceFile:     file.Name,
			UpdatedAt:      updatedAt,
		}
		if results[i].IsSensitive {
			commit.Included = append(commit.Included, row)
		} else {
			commit.Excluded = append(commit.Excluded, row)
		}
	}

	if err := o.store.CommitBatch(ctx, commit); err != nil {
		return err
	}

	stats.Batches++
	stats.Citations += len(b.Citations)
	stats.Included += len(commit.Included)
	stats.Excluded += len(commit.Excluded)
	stats.Deleted += len(b.Deletes)
	stats.Dropped += b.Dropped
	return nil
}

// baselineEntry derives the ledger entry of a baseline from its first file,
// e.g. pubmed25n0001.xml.gz covers citations up to 2024-12-31.
func baselineEntry(firstFile string) (domain.LedgerEntry, error) {
	if len(firstFile) < 8 {
		return domain.LedgerEntry{}, fmt.Errorf("%w: unexpected baseline file name %q", domain.ErrProtocol, firstFile)
	}
	yy, err := strconv.Atoi(firstFile[6:8])
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("%w: unexpected baseline file name %q", domain.ErrProtocol, firstFile)
	}
	return domain.LedgerEntry{
		Kind:           domain.KindBaseline,
		SourceFilename: firstFile[:8],
		SourceDate:     time.Date(2000+yy-1, time.December, 31, 0, 0, 0, 0, time.UTC),
	}, nil
}
