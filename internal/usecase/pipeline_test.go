package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/infrastructure/storage"
	"TrialStreamer/internal/ports"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func citationXML(pmid, title, abstract string) string {
	ab := ""
	if abstract != "" {
		ab = "<Abstract><AbstractText>" + abstract + "</AbstractText></Abstract>"
	}
	return `<PubmedArticle><MedlineCitation Status="MEDLINE" IndexingMethod="Curated">` +
		`<PMID Version="1">` + pmid + `</PMID>` +
		`<Article><Journal><JournalIssue><PubDate><Year>2020</Year></PubDate></JournalIssue></Journal>` +
		`<ArticleTitle>` + title + `</ArticleTitle>` + ab + `</Article>` +
		`</MedlineCitation></PubmedArticle>`
}

func deleteXML(pmids ...string) string {
	var b strings.Builder
	b.WriteString("<DeleteCitation>")
	for _, id := range pmids {
		b.WriteString(`<PMID Version="1">` + id + `</PMID>`)
	}
	b.WriteString("</DeleteCitation>")
	return b.String()
}

// archives writes gzip PubMed documents into a temp dir keyed by file name.
type archives struct {
	t     *testing.T
	dir   string
	paths map[string]string
}

func newArchives(t *testing.T) *archives {
	return &archives{t: t, dir: t.TempDir(), paths: map[string]string{}}
}

func (a *archives) add(name string, parts ...string) domain.SourceFile {
	a.t.Helper()
	path := filepath.Join(a.dir, name)
	f, err := os.Create(path)
	require.NoError(a.t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(`<?xml version="1.0"?><PubmedArticleSet>` + strings.Join(parts, "") + `</PubmedArticleSet>`))
	require.NoError(a.t, err)
	require.NoError(a.t, gz.Close())
	require.NoError(a.t, f.Close())
	a.paths[name] = path
	return domain.SourceFile{Name: name, RemotePath: "remote/" + name}
}

type fakeLister struct {
	baseline []domain.SourceFile
	updates  []domain.SourceFile
	err      error
}

func (f *fakeLister) ListBaseline(context.Context) ([]domain.SourceFile, error) {
	return f.baseline, f.err
}

func (f *fakeLister) ListUpdates(context.Context) ([]domain.SourceFile, error) {
	return f.updates, f.err
}

type fakeFetcher struct {
	mu      sync.Mutex
	paths   map[string]string
	failing map[string]bool
	fetched []string
}

func (f *fakeFetcher) FetchAll(_ context.Context, files []domain.SourceFile) ([]domain.SourceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.SourceFile, len(files))
	var errs []error
	for i, file := range files {
		f.fetched = append(f.fetched, file.Name)
		if f.failing[file.Name] {
			out[i] = file
			errs = append(errs, fmt.Errorf("fetch %s: %w", file.Name, domain.ErrTransient))
			continue
		}
		file.LocalPath = f.paths[file.Name]
		file.Verified = true
		out[i] = file
	}
	return out, errors.Join(errs...)
}

type fakeClassifier struct {
	mu         sync.Mutex
	sensitive  map[string]bool
	classified []string
	annotated  []string
	err        error
}

func (f *fakeClassifier) Classify(_ context.Context, citations []domain.Citation) ([]domain.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Classification, len(citations))
	for i, c := range citations {
		f.classified = append(f.classified, c.PMID)
		hit := f.sensitive[c.PMID]
		out[i] = domain.Classification{
			Model:        "svm_cnn",
			Score:        0.5,
			IsBalanced:   hit,
			IsSensitive:  hit,
			ClassifiedAt: fixedNow,
		}
	}
	return out, nil
}

func (f *fakeClassifier) Annotate(_ context.Context, inputs []domain.AnnotationInput) ([]domain.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Annotation, len(inputs))
	for i, in := range inputs {
		f.annotated = append(f.annotated, in.PMID)
		out[i] = domain.Annotation{PMID: in.PMID, PunchlineText: "summary of " + in.Title}
	}
	return out, nil
}

func (f *fakeClassifier) classifiedPMIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.classified...)
}

type recordingLedger struct {
	ports.Ledger
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func (r *recordingLedger) AppendLedger(ctx context.Context, entry domain.LedgerEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return r.Ledger.AppendLedger(ctx, entry)
}

type harness struct {
	store      *storage.Store
	ledger     *recordingLedger
	lister     *fakeLister
	fetcher    *fakeFetcher
	classifier *fakeClassifier
	files      *archives
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(storage.DialectSQLite, filepath.Join(t.TempDir(), "pipeline.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	h := &harness{
		store:      store,
		ledger:     &recordingLedger{Ledger: store},
		lister:     &fakeLister{},
		classifier: &fakeClassifier{sensitive: map[string]bool{}},
		files:      newArchives(t),
	}
	h.fetcher = &fakeFetcher{paths: h.files.paths, failing: map[string]bool{}}

	annotator := NewAnnotator(AnnotatorDeps{
		Classifier: h.classifier,
		Store:      store,
		Ledger:     h.ledger,
		Now:        func() time.Time { return fixedNow },
	})
	h.orch = NewOrchestrator(PipelineDeps{
		Lister:     h.lister,
		Fetcher:    h.fetcher,
		Classifier: h.classifier,
		Store:      store,
		Ledger:     h.ledger,
		Annotator:  annotator,
		BatchSize:  2,
		Now:        func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) markBaseline(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.AppendLedger(context.Background(), domain.LedgerEntry{
		Kind:           domain.KindBaseline,
		SourceFilename: "pubmed25",
		SourceDate:     time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	}))
}

func (h *harness) included(t *testing.T) []string {
	t.Helper()
	rows, err := h.store.AnnotationCandidates(context.Background(), domain.ColumnSensitive)
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.PMID
	}
	return out
}

func (h *harness) excluded(t *testing.T) []string {
	t.Helper()
	all, err := h.store.ExistingPMIDs(context.Background())
	require.NoError(t, err)
	for _, id := range h.included(t) {
		delete(all, id)
	}
	out := make([]string, 0, len(all))
	for id := range all {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *harness) entries() []domain.LedgerEntry {
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	return append([]domain.LedgerEntry(nil), h.ledger.entries...)
}

func TestBaselineSplitsCitationsAndRecordsLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz",
			citationXML("100", "Aspirin trial", "We randomised adults."),
			citationXML("200", "A note", "")),
	}
	h.classifier.sensitive["100"] = true

	require.NoError(t, h.orch.Baseline(context.Background(), false))

	assert.Equal(t, []string{"100"}, h.included(t))
	assert.Equal(t, []string{"200"}, h.excluded(t))

	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.KindBaseline, entries[0].Kind)
	assert.Equal(t, "pubmed25", entries[0].SourceFilename)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), entries[0].SourceDate)
	assert.Equal(t, fixedNow, entries[0].CompletedAt)
}

func TestBaselineRefusesSecondRunWithoutForce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
	}
	require.NoError(t, h.orch.Baseline(context.Background(), false))

	err := h.orch.Baseline(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Len(t, h.entries(), 1)
}

func TestBaselineForcePurgesAndReloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.markBaseline(t)
	require.NoError(t, h.store.CommitBatch(ctx, domain.CommitBatch{
		Excluded: []domain.ClassifiedCitation{{Citation: domain.Citation{PMID: "999"}}},
	}))

	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
	}
	h.classifier.sensitive["100"] = true

	require.NoError(t, h.orch.Baseline(ctx, true))

	assert.Equal(t, []string{"100"}, h.included(t))
	assert.Empty(t, h.excluded(t))
}

func TestBaselineResumeSkipsExistingCitations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.CommitBatch(ctx, domain.CommitBatch{
		Excluded: []domain.ClassifiedCitation{{Citation: domain.Citation{PMID: "100"}}},
	}))

	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz",
			citationXML("100", "Seen", "Abstract."),
			citationXML("200", "New", "Abstract.")),
		h.files.add("pubmed25n0002.xml.gz", citationXML("300", "Later", "Abstract.")),
	}

	require.NoError(t, h.orch.Baseline(ctx, false))
	assert.Equal(t, []string{"200", "300"}, h.classifier.classifiedPMIDs())
}

func TestBaselineAbortsOnFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
		h.files.add("pubmed25n0002.xml.gz", citationXML("200", "Trial", "Abstract.")),
	}
	h.fetcher.failing["pubmed25n0002.xml.gz"] = true

	err := h.orch.Baseline(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Empty(t, h.entries())
	assert.Empty(t, h.classifier.classifiedPMIDs())
}

func TestBaselineSafetyTestParseRejectsMalformedArchive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.safetyTestParse = true
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
		h.files.add("pubmed25n0002.xml.gz", "<PubmedArticle><MedlineCitation>"),
	}

	err := h.orch.Baseline(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Empty(t, h.classifier.classifiedPMIDs())
}

func TestIncrementalRequiresBaseline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.orch.Incremental(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Empty(t, h.fetcher.fetched)
}

func TestIncrementalIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.markBaseline(t)

	modified := time.Date(2025, 1, 2, 14, 5, 0, 0, time.UTC)
	second := h.files.add("pubmed25n1275.xml.gz", citationXML("100", "Trial", "Abstract."), citationXML("101", "Other", "Abstract."))
	second.ModifiedAt = modified
	third := h.files.add("pubmed25n1276.xml.gz", citationXML("102", "Third", "Abstract."))
	h.lister.updates = []domain.SourceFile{second, third}
	h.classifier.sensitive["100"] = true

	require.NoError(t, h.orch.Incremental(ctx))

	entries := h.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "pubmed25n1275.xml.gz", entries[0].SourceFilename)
	assert.Equal(t, modified, entries[0].SourceDate)
	assert.Equal(t, domain.KindUpdate, entries[1].Kind)

	classified := len(h.classifier.classifiedPMIDs())
	before, err := h.store.Summary(ctx)
	require.NoError(t, err)

	require.NoError(t, h.orch.Incremental(ctx))

	after, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.entries(), 2)
	assert.Len(t, h.classifier.classifiedPMIDs(), classified)
	assert.Len(t, h.fetcher.fetched, 2)
}

func TestIncrementalDeletionPrecedenceAcrossFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.markBaseline(t)
	h.classifier.sensitive["100"] = true
	h.classifier.sensitive["200"] = true

	h.lister.updates = []domain.SourceFile{
		h.files.add("pubmed25n1275.xml.gz", citationXML("100", "Trial", "Abstract."), deleteXML("200")),
		h.files.add("pubmed25n1276.xml.gz", deleteXML("100"), citationXML("200", "Revised", "Abstract.")),
	}

	require.NoError(t, h.orch.Incremental(context.Background()))
	assert.Equal(t, []string{"200"}, h.included(t))
}

func TestIncrementalDeletesOnlyFileIsApplied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.markBaseline(t)
	require.NoError(t, h.store.CommitBatch(ctx, domain.CommitBatch{
		Excluded: []domain.ClassifiedCitation{{Citation: domain.Citation{PMID: "100"}}},
	}))

	h.lister.updates = []domain.SourceFile{
		h.files.add("pubmed25n1275.xml.gz", deleteXML("100")),
	}

	require.NoError(t, h.orch.Incremental(ctx))
	assert.Empty(t, h.excluded(t))
	assert.Len(t, h.entries(), 1)
}

func TestIncrementalStopsAtFirstFailedFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.markBaseline(t)
	h.lister.updates = []domain.SourceFile{
		h.files.add("pubmed25n1275.xml.gz", citationXML("100", "Trial", "Abstract.")),
		h.files.add("pubmed25n1276.xml.gz", citationXML("200", "Trial", "Abstract.")),
		h.files.add("pubmed25n1277.xml.gz", citationXML("300", "Trial", "Abstract.")),
	}
	h.fetcher.failing["pubmed25n1276.xml.gz"] = true

	err := h.orch.Incremental(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)

	done, err := h.store.CompletedFiles(ctx, domain.KindUpdate)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"pubmed25n1275.xml.gz": {}}, done)
	assert.Equal(t, []string{"100"}, h.classifier.classifiedPMIDs())

	delete(h.fetcher.failing, "pubmed25n1276.xml.gz")
	require.NoError(t, h.orch.Incremental(ctx))
	assert.Equal(t, []string{"100", "200", "300"}, h.classifier.classifiedPMIDs())
}

func TestIncrementalClassifierFailureLeavesFileUnrecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.markBaseline(t)
	h.lister.updates = []domain.SourceFile{
		h.files.add("pubmed25n1275.xml.gz", citationXML("100", "Trial", "Abstract.")),
	}
	h.classifier.err = fmt.Errorf("%w: no report id", domain.ErrProtocol)

	err := h.orch.Incremental(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Empty(t, h.entries())
}

func TestUpdateRunsEveryStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
	}
	h.lister.updates = []domain.SourceFile{
		h.files.add("pubmed25n1275.xml.gz", citationXML("101", "Update", "Abstract.")),
	}
	h.classifier.sensitive["100"] = true
	h.classifier.sensitive["101"] = true

	require.NoError(t, h.orch.Update(ctx))

	var kinds []domain.UpdateKind
	for _, e := range h.entries() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.UpdateKind{domain.KindBaseline, domain.KindUpdate, domain.KindPicoPartial}, kinds)

	summary, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Included)
	assert.Equal(t, 2, summary.Annotated)
}

func TestBaselineEntry(t *testing.T) {
	t.Parallel()

	entry, err := baselineEntry("pubmed23n0001.xml.gz")
	require.NoError(t, err)
	assert.Equal(t, "pubmed23", entry.SourceFilename)
	assert.Equal(t, time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC), entry.SourceDate)

	_, err = baselineEntry("short")
	require.Error(t, err)
	_, err = baselineEntry("pubmedXXn0001.xml.gz")
	require.Error(t, err)
}
