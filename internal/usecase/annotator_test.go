package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrialStreamer/internal/domain"
)

func seedIncluded(t *testing.T, h *harness, pmids ...string) {
	t.Helper()
	var rows []domain.ClassifiedCitation
	for _, id := range pmids {
		rows = append(rows, domain.ClassifiedCitation{
			Citation:       domain.Citation{PMID: id, Title: "Trial " + id},
			Classification: domain.Classification{IsBalanced: true, IsSensitive: true},
		})
	}
	require.NoError(t, h.store.CommitBatch(context.Background(), domain.CommitBatch{Included: rows}))
}

func newTestAnnotator(h *harness, batchSize int) *Annotator {
	return NewAnnotator(AnnotatorDeps{
		Classifier: h.classifier,
		Store:      h.store,
		Ledger:     h.ledger,
		BatchSize:  batchSize,
		Now:        func() time.Time { return fixedNow },
	})
}

func TestAnnotatorAnnotatesOnlyPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	seedIncluded(t, h, "100", "101", "102")
	annotator := newTestAnnotator(h, 2)

	require.NoError(t, annotator.Run(ctx, false, ""))
	assert.Equal(t, []string{"100", "101", "102"}, h.classifier.annotated)

	seedIncluded(t, h, "103")
	require.NoError(t, annotator.Run(ctx, false, domain.ColumnBalanced))
	assert.Equal(t, []string{"100", "101", "102", "103"}, h.classifier.annotated)

	entries := h.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.KindPicoPartial, entries[1].Kind)
	assert.Equal(t, fixedNow, entries[1].CompletedAt)
}

func TestAnnotatorForceRedoesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	seedIncluded(t, h, "100", "101")
	annotator := newTestAnnotator(h, 0)

	require.NoError(t, annotator.Run(ctx, false, ""))
	require.NoError(t, annotator.Run(ctx, true, ""))

	assert.Equal(t, []string{"100", "101", "100", "101"}, h.classifier.annotated)
	entries := h.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.KindPicoFull, entries[1].Kind)
}

func TestAnnotatorRejectsUnknownTier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := newTestAnnotator(h, 0).Run(context.Background(), false, "is_rct_maybe")
	require.Error(t, err)
	assert.Empty(t, h.entries())
}

func TestAnnotatorFailureLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedIncluded(t, h, "100")
	h.classifier.err = fmt.Errorf("%w: report failed", domain.ErrProtocol)

	err := newTestAnnotator(h, 0).Run(context.Background(), false, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Empty(t, h.entries())
}
