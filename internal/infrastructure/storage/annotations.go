package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

var _ ports.AnnotationStore = (*Store)(nil)

var annotationColumns = []string{
	"pmid", "population", "interventions", "outcomes",
	"population_mesh", "interventions_mesh", "outcomes_mesh",
	"population_berts", "interventions_berts", "outcomes_berts",
	"num_randomized", "prob_low_rob", "punchline_text", "effect",
}

// AnnotationCandidates returns included citations flagged at the given tier.
func (s *Store) AnnotationCandidates(ctx context.Context, tierColumn string) ([]domain.AnnotationInput, error) {
	if !domain.ValidTierColumn(tierColumn) {
		return nil, fmt.Errorf("annotation candidates: unknown tier column %q", tierColumn)
	}

	query, args, err := s.sb.Select("p.pmid", "p.ti", "p.ab").
		From(tableCitations + " p").
		Where(sq.Eq{"p." + tierColumn: true}).
		OrderBy("p.pmid").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build annotation candidates: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query annotation candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.AnnotationInput
	for rows.Next() {
		var (
			in       domain.AnnotationInput
			title    sql.NullString
			abstract sql.NullString
		)
		if err := rows.Scan(&in.PMID, &title, &abstract); err != nil {
			return nil, fmt.Errorf("scan annotation candidate: %w", err)
		}
		in.Title = title.String
		in.Abstract = abstract.String
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// AnnotatedPMIDs returns every identifier with a stored annotation.
func (s *Store) AnnotatedPMIDs(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if err := s.pmidSet(ctx, s.sb.Select("pmid").From(tableAnnotations), out); err != nil {
		return nil, fmt.Errorf("load annotated pmids: %w", err)
	}
	return out, nil
}

// ClearAnnotations removes every annotation ahead of a full re-annotation.
func (s *Store) ClearAnnotations(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, s.sb.Delete(tableAnnotations)); err != nil {
			return fmt.Errorf("%w: clear annotations: %w", domain.ErrPersistence, err)
		}
		return nil
	})
}

// SaveAnnotations upserts one batch of annotations in a transaction.
func (s *Store) SaveAnnotations(ctx context.Context, annotations []domain.Annotation) error {
	if len(annotations) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		suffix := onConflict(annotationColumns)
		for start := 0; start < len(annotations); start += upsertChunk {
			end := min(start+upsertChunk, len(annotations))
			insert := s.sb.Insert(tableAnnotations).Columns(annotationColumns...)
			for _, a := range annotations[start:end] {
				insert = insert.Values(
					a.PMID,
					jsonArg(a.Population), jsonArg(a.Interventions), jsonArg(a.Outcomes),
					jsonArg(a.PopulationMesh), jsonArg(a.InterventionsMesh), jsonArg(a.OutcomesMesh),
					jsonArg(a.PopulationBerts), jsonArg(a.InterventionsBerts), jsonArg(a.OutcomesBerts),
					a.NumRandomized, a.ProbLowRoB, a.PunchlineText, a.Effect,
				)
			}
			if err := s.exec(ctx, tx, insert.Suffix(suffix)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save annotations: %w", domain.ErrPersistence, err)
	}
	return nil
}
