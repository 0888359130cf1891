package domain

import "time"

// UpdateKind labels progress ledger entries.
type UpdateKind string

const (
	KindBaseline    UpdateKind = "pubmed_baseline"
	KindUpdate      UpdateKind = "pubmed_update"
	KindPicoFull    UpdateKind = "picospan_full"
	KindPicoPartial UpdateKind = "picospan_partial"
)

// LedgerEntry records that a unit of work was durably applied.
type LedgerEntry struct {
	Kind           UpdateKind
	SourceFilename string
	SourceDate     time.Time
	CompletedAt    time.Time
}

// StoreSummary counts the rows of each relation.
type StoreSummary struct {
	Included      int
	Excluded      int
	Annotated     int
	LedgerEntries int
}
