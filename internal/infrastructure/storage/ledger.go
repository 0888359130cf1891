package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

var _ ports.Ledger = (*Store)(nil)

// AppendLedger records a durably applied unit of work. Entries are never
// updated or removed.
func (s *Store) AppendLedger(ctx context.Context, entry domain.LedgerEntry) error {
	completed := entry.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	var filename, sourceDate interface{}
	if entry.SourceFilename != "" {
		filename = entry.SourceFilename
	}
	if !entry.SourceDate.IsZero() {
		sourceDate = entry.SourceDate.UTC()
	}

	query, args, err := s.sb.Insert(tableLedger).
		Columns("update_type", "source_filename", "source_date", "download_date").
		Values(string(entry.Kind), filename, sourceDate, completed.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build ledger insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: append ledger %s: %w", domain.ErrPersistence, entry.Kind, err)
	}
	s.debug("ledger appended", "kind", entry.Kind, "file", entry.SourceFilename)
	return nil
}

// HasCompleted reports whether any entry of kind exists.
func (s *Store) HasCompleted(ctx context.Context, kind domain.UpdateKind) (bool, error) {
	query, args, err := s.sb.Select("COUNT(*)").
		From(tableLedger).
		Where(sq.Eq{"update_type": string(kind)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build ledger query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("query ledger %s: %w", kind, err)
	}
	return n > 0, nil
}

// CompletedFiles returns the source file names recorded under kind.
func (s *Store) CompletedFiles(ctx context.Context, kind domain.UpdateKind) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	builder := s.sb.Select("source_filename").
		From(tableLedger).
		Where(sq.And{
			sq.Eq{"update_type": string(kind)},
			sq.NotEq{"source_filename": nil},
		})
	if err := s.pmidSet(ctx, builder, out); err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", kind, err)
	}
	return out, nil
}
