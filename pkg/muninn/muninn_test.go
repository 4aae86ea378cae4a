package muninn

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := config.LoadDefaults()
	cfg.Store.InMemory = true
	cfg.Dreamer.Schedule = "" // manual triggers only
	cfg.Mirror.Enabled = false
	db, err := Open("", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// proseDoc is a ~900 character paragraph that atomizes to a single atom.
var proseDoc = strings.TrimSpace(strings.Repeat(
	"The deploy window opened at nine and the rollout proceeded without incident across every region. ", 9))

func TestIngestSingleProseDocument(t *testing.T) {
	db := openTestDB(t)

	result, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewAtoms)
	assert.Equal(t, 0, result.Deduplicated)
	require.Len(t, result.AtomIDs, 1)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Atoms)

	atom, err := db.store.GetAtom(result.AtomIDs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, atom.Buckets, "at least the ingestion year is bucketed")
	assert.False(t, atom.HasTag("#Archive"), "current paths never get the archive tag")
	assert.Equal(t, storage.ProvenanceInternal, atom.Provenance)
}

func TestIngestIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	first, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	require.Equal(t, 1, first.NewAtoms)

	second, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewAtoms)
	assert.Equal(t, 1, second.Deduplicated)
	assert.Equal(t, first.AtomIDs, second.AtomIDs, "dedup reports the existing atom")

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Atoms, "atom count unchanged after re-ingestion")
}

func TestIngestSameContentDifferentSourceIsNew(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	result, err := db.Ingest(context.Background(), proseDoc, "notes/copy.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewAtoms, "dedup is per source, not global")
}

// stubEmbedCapability layers a constant embedding over the capability the
// DB opened with.
type stubEmbedCapability struct {
	nlp.Capability
}

func (stubEmbedCapability) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestIngestEmbedsWhenCapabilitySupportsIt(t *testing.T) {
	db := openTestDB(t)
	db.capability = stubEmbedCapability{db.capability}

	result, err := db.Ingest(context.Background(), proseDoc, "notes/embed.md", "")
	require.NoError(t, err)
	require.Len(t, result.AtomIDs, 1)

	atom, err := db.store.GetAtom(result.AtomIDs[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, atom.Embedding)
}

func TestIngestWithoutEmbeddingModelLeavesAtomBare(t *testing.T) {
	db := openTestDB(t)

	result, err := db.Ingest(context.Background(), proseDoc, "notes/plain.md", "")
	require.NoError(t, err)
	require.Len(t, result.AtomIDs, 1)

	atom, err := db.store.GetAtom(result.AtomIDs[0])
	require.NoError(t, err)
	assert.Nil(t, atom.Embedding)
}

func TestIngestRejectsMalformedInput(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Ingest(context.Background(), "   \n\t  ", "notes/today.md", storage.ProvenanceInternal)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedInput)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Atoms, "nothing persisted on rejection")
}

func TestSearchExactSubstring(t *testing.T) {
	db := openTestDB(t)

	result, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	_, err = db.Ingest(context.Background(), "an unrelated grocery list", "notes/other.md", storage.ProvenanceInternal)
	require.NoError(t, err)

	resp, err := db.Search(context.Background(), search.Request{Query: "rollout proceeded without incident", Deep: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, result.AtomIDs[0], resp.Results[0].Atom.ID)
	assert.False(t, resp.Results[0].Associative)
}

func TestSearchAppliesDefaultBudget(t *testing.T) {
	db := openTestDB(t)
	db.config.Search.DefaultCharBudget = 100

	_, err := db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)

	resp, err := db.Search(context.Background(), search.Request{Query: "rollout"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(resp.Context), 100)
}

func TestDreamBuildsEpisodes(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		doc := "work burst note number " + string(rune('1'+i)) + " on the ingestion pipeline"
		_, err := db.Ingest(context.Background(), doc, "notes/burst.md", storage.ProvenanceInternal)
		require.NoError(t, err)
	}

	report, err := db.Dream(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.StepErrors)
	assert.Equal(t, 1, report.Episodes, "three atoms ingested back to back cluster into one episode")

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Summaries)
	assert.Equal(t, int64(3), stats.Edges)
	require.NotNil(t, stats.LastCycle)
	assert.Equal(t, report.Episodes, stats.LastCycle.Episodes)
}

func TestSynonymExpansionThroughFacade(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Ingest(context.Background(), "the k8s upgrade finished early", "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	require.NoError(t, db.AddSynonyms("kubernetes", []string{"k8s"}))

	resp, err := db.Search(context.Background(), search.Request{Query: "kubernetes"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestClosedDBRejectsOperations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())

	_, err := db.Ingest(context.Background(), "content", "notes/today.md", storage.ProvenanceInternal)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Search(context.Background(), search.Request{Query: "anything"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Dream(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, db.Close(), "double close is fine")
}

func TestOpenPersistentRoundTrip(t *testing.T) {
	cfg := config.LoadDefaults()
	cfg.Dreamer.Schedule = ""
	cfg.Mirror.Enabled = false
	dir := t.TempDir()

	db, err := Open(dir, cfg)
	require.NoError(t, err)
	_, err = db.Ingest(context.Background(), proseDoc, "notes/today.md", storage.ProvenanceInternal)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(dir, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	stats, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Atoms, "atoms survive reopen")
}
