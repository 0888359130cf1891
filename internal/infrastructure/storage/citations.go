package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

const (
	upsertChunk = 500
	deleteChunk = 1000
)

var _ ports.CitationStore = (*Store)(nil)

// classification columns shared by both citation relations
var scoreColumns = []string{
	"source_filename", "clf_type", "clf_score", "clf_date", "ptyp_rct",
	"is_rct_precise", "is_rct_balanced", "is_rct_sensitive", "indexing_method",
	"score_svm", "score_cnn", "score_svm_cnn", "score_svm_ptyp", "score_cnn_ptyp",
	"score_svm_cnn_ptyp", "rct_probability", "is_human", "update_date",
}

var (
	includeColumns = append([]string{"pmid", "pm_status", "year", "ti", "ab", "pm_data"}, scoreColumns...)
	excludeColumns = append([]string{"pmid", "pm_status", "year"}, scoreColumns...)
)

// ExistingPMIDs returns every identifier already present in either the
// citation or the exclusion relation.
func (s *Store) ExistingPMIDs(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, table := range []string{tableCitations, tableExcludes} {
		if err := s.pmidSet(ctx, s.sb.Select("pmid").From(table), out); err != nil {
			return nil, fmt.Errorf("load %s pmids: %w", table, err)
		}
	}
	return out, nil
}

// PurgeCitations empties both citation relations ahead of a forced baseline.
func (s *Store) PurgeCitations(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{tableCitations, tableExcludes} {
			if err := s.exec(ctx, tx, s.sb.Delete(table)); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}

// CommitBatch applies deletions and then upserts in a single transaction.
// Deletions cascade to annotations; a citation that changes side is removed
// from the relation it no longer belongs to.
func (s *Store) CommitBatch(ctx context.Context, batch domain.CommitBatch) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{tableCitations, tableExcludes, tableAnnotations} {
			if err := s.deleteIn(ctx, tx, table, batch.Deletes); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}

		if err := s.deleteIn(ctx, tx, tableExcludes, pmids(batch.Included)); err != nil {
			return fmt.Errorf("move to %s: %w", tableCitations, err)
		}
		if err := s.deleteIn(ctx, tx, tableCitations, pmids(batch.Excluded)); err != nil {
			return fmt.Errorf("move to %s: %w", tableExcludes, err)
		}

		if err := s.upsert(ctx, tx, tableCitations, includeColumns, batch.Included, includeRow); err != nil {
			return err
		}
		return s.upsert(ctx, tx, tableExcludes, excludeColumns, batch.Excluded, excludeRow)
	})
	if err != nil {
		return fmt.Errorf("%w: commit batch: %w", domain.ErrPersistence, err)
	}

	s.debug("batch committed",
		"included", len(batch.Included),
		"excluded", len(batch.Excluded),
		"deleted", len(batch.Deletes))
	return nil
}

// RefreshCounts rebuilds the per-year RCT count view. SQLite has no
// materialized views, so it is a no-op there.
func (s *Store) RefreshCounts(ctx context.Context) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+viewRCTCount); err != nil {
		return fmt.Errorf("refresh %s: %w", viewRCTCount, err)
	}
	return nil
}

// Summary counts rows per relation.
func (s *Store) Summary(ctx context.Context) (domain.StoreSummary, error) {
	var out domain.StoreSummary
	targets := []struct {
		table string
		dst   *int
	}{
		{tableCitations, &out.Included},
		{tableExcludes, &out.Excluded},
		{tableAnnotations, &out.Annotated},
		{tableLedger, &out.LedgerEntries},
	}
	for _, t := range targets {
		n, err := s.count(ctx, t.table)
		if err != nil {
			return domain.StoreSummary{}, err
		}
		*t.dst = n
	}
	return out, nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows []domain.ClassifiedCitation, row func(domain.ClassifiedCitation) []interface{}) error {
	suffix := onConflict(columns)
	for start := 0; start < len(rows); start += upsertChunk {
		end := min(start+upsertChunk, len(rows))

		insert := s.sb.Insert(table).Columns(columns...)
		for _, r := range rows[start:end] {
			insert = insert.Values(row(r)...)
		}
		if err := s.exec(ctx, tx, insert.Suffix(suffix)); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) deleteIn(ctx context.Context, tx *sql.Tx, table string, ids []string) error {
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		if err := s.exec(ctx, tx, s.sb.Delete(table).Where(sq.Eq{"pmid": ids[start:end]})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, stmt sq.Sqlizer) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// onConflict overwrites every non-key column with the incoming row.
func onConflict(columns []string) string {
	set := make([]string, 0, len(columns)-1)
	for _, col := range columns {
		if col == "pmid" {
			continue
		}
		set = append(set, col+" = excluded."+col)
	}
	return "ON CONFLICT (pmid) DO UPDATE SET " + strings.Join(set, ", ")
}

func pmids(rows []domain.ClassifiedCitation) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Citation.PMID
	}
	return out
}

func includeRow(r domain.ClassifiedCitation) []interface{} {
	c := r.Citation
	return append([]interface{}{c.PMID, c.Status, c.Year, c.Title, c.Abstract, jsonArg(c.Payload)}, scoreValues(r)...)
}

func excludeRow(r domain.ClassifiedCitation) []interface{} {
	c := r.Citation
	return append([]interface{}{c.PMID, c.Status, c.Year}, scoreValues(r)...)
}

func scoreValues(r domain.ClassifiedCitation) []interface{} {
	cl := r.Classification
	sc := cl.Scores
	return []interface{}{
		r.SourceFile, cl.Model, cl.Score, cl.ClassifiedAt.UTC(), cl.PtypRCT,
		cl.IsPrecise, cl.IsBalanced, cl.IsSensitive, r.Citation.IndexingMethod,
		sc.SVM, sc.CNN, sc.SVMCNN, sc.SVMPtyp, sc.CNNPtyp,
		sc.SVMCNNPtyp, sc.Probability, cl.IsHuman, r.UpdatedAt.UTC(),
	}
}

// jsonArg passes JSON as text so both jsonb and TEXT columns accept it.
func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
