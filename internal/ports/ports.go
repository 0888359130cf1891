package ports

import (
	"context"
	"time"

	"TrialStreamer/internal/domain"
)

// FileLister enumerates the remote PubMed distribution.
type FileLister interface {
	ListBaseline(ctx context.Context) ([]domain.SourceFile, error)
	ListUpdates(ctx context.Context) ([]domain.SourceFile, error)
}

// Fetcher materializes remote files into the local cache and validates them.
// Files that could not be fetched come back with Verified unset; the error
// joins every per-file failure.
type Fetcher interface {
	FetchAll(ctx context.Context, files []domain.SourceFile) ([]domain.SourceFile, error)
}

// Classifier submits citations to the external prediction service.
type Classifier interface {
	Classify(ctx context.Context, citations []domain.Citation) ([]domain.Classification, error)
	Annotate(ctx context.Context, inputs []domain.AnnotationInput) ([]domain.Annotation, error)
}

// CitationStore is the write path of the citation relations.
type CitationStore interface {
	ExistingPMIDs(ctx context.Context) (map[string]struct{}, error)
	PurgeCitations(ctx context.Context) error
	CommitBatch(ctx context.Context, batch domain.CommitBatch) error
	RefreshCounts(ctx context.Context) error
	Summary(ctx context.Context) (domain.StoreSummary, error)
}

// AnnotationStore persists PICO annotations of included citations.
type AnnotationStore interface {
	AnnotationCandidates(ctx context.Context, tierColumn string) ([]domain.AnnotationInput, error)
	AnnotatedPMIDs(ctx context.Context) (map[string]struct{}, error)
	ClearAnnotations(ctx context.Context) error
	SaveAnnotations(ctx context.Context, annotations []domain.Annotation) error
}

// Ledger is the append-only progress log used for resumption.
type Ledger interface {
	HasCompleted(ctx context.Context, kind domain.UpdateKind) (bool, error)
	CompletedFiles(ctx context.Context, kind domain.UpdateKind) (map[string]struct{}, error)
	AppendLedger(ctx context.Context, entry domain.LedgerEntry) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
