package dreamer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/tags"
)

func createTestDreamer(t *testing.T, exporter Exporter) (*Dreamer, *storage.MemoryEngine) {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	capability := nlp.NewHeuristic()
	tagEngine := tags.NewEngine(store, capability, tags.DefaultConfig())
	return New(store, tagEngine, capability, exporter, DefaultConfig()), store
}

func storedAtom(t *testing.T, store *storage.MemoryEngine, id, content string, ts time.Time, opts func(*storage.Atom)) *storage.Atom {
	t.Helper()
	atom := &storage.Atom{
		ID:         storage.AtomID(id),
		Timestamp:  ts.UnixMilli(),
		Content:    content,
		Source:     "notes/" + id + ".md",
		Hash:       "hash-" + id,
		Buckets:    []string{"2026"},
		Provenance: storage.ProvenanceInternal,
	}
	if opts != nil {
		opts(atom)
	}
	require.NoError(t, store.PutAtom(atom))
	return atom
}

var base = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

// ============================================================================
// Reconciliation
// ============================================================================

func TestDreamReconcilesBucketsAndTemporalTags(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	storedAtom(t, store, "a1", "bucketless note", base, func(a *storage.Atom) {
		a.Buckets = nil
	})
	storedAtom(t, store, "a2", "generic note", base, func(a *storage.Atom) {
		a.Buckets = []string{"misc"}
	})

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.StepErrors)

	for _, id := range []storage.AtomID{"a1", "a2"} {
		got, err := store.GetAtom(id)
		require.NoError(t, err)
		assert.True(t, got.HasBucket("2026"), "%s gains the year bucket", id)
		assert.False(t, got.HasBucket("misc"), "%s drops generic buckets", id)
		assert.True(t, got.HasTag("March"), "%s gains temporal tags", id)
		assert.True(t, got.HasTag("Saturday"), id)
		assert.True(t, got.HasTag("morning"), id)
	}
}

func TestDreamReconciliationIsIdempotent(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	storedAtom(t, store, "a1", "stable note", base, nil)

	_, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	first, err := store.GetAtom("a1")
	require.NoError(t, err)

	_, err = dreamer.Dream(context.Background())
	require.NoError(t, err)
	second, err := store.GetAtom("a1")
	require.NoError(t, err)

	assert.Equal(t, first.Buckets, second.Buckets)
	assert.Equal(t, first.Tags, second.Tags)
}

// unitEmbedCapability layers a constant embedding over the heuristic
// capability.
type unitEmbedCapability struct {
	nlp.Capability
}

func (unitEmbedCapability) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.5, 0.5, 0.5}, nil
}

func TestDreamBackfillsEmbeddings(t *testing.T) {
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	capability := unitEmbedCapability{nlp.NewHeuristic()}
	tagEngine := tags.NewEngine(store, capability, tags.DefaultConfig())
	dreamer := New(store, tagEngine, capability, nil, DefaultConfig())

	ids := []string{"a1", "a2", "a3"}
	for i, id := range ids {
		storedAtom(t, store, id, "burst of work on the parser", base.Add(time.Duration(2*i)*time.Minute), nil)
	}

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.StepErrors)

	for _, id := range ids {
		atom, err := store.GetAtom(storage.AtomID(id))
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 0.5, 0.5}, atom.Embedding)
	}

	summaries, err := store.Summaries()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, summaries[0].Embedding)
}

func TestDreamWithoutEmbeddingModelLeavesAtomsBare(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	storedAtom(t, store, "a1", "stable note", base, nil)

	_, err := dreamer.Dream(context.Background())
	require.NoError(t, err)

	atom, err := store.GetAtom("a1")
	require.NoError(t, err)
	assert.Nil(t, atom.Embedding)
}

// ============================================================================
// Episode clustering
// ============================================================================

func TestDreamSkipsClustersBelowMinimumSize(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	storedAtom(t, store, "a1", "first thought", base, nil)
	storedAtom(t, store, "a2", "second thought", base.Add(20*time.Minute), nil)

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Episodes)

	count, err := store.SummaryCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	unbound, err := store.UnboundAtoms(10)
	require.NoError(t, err)
	assert.Len(t, unbound, 2, "small clusters stay unbound for a future cycle")
}

func TestDreamMintsEpisodeFromDenseCluster(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for i, id := range ids {
		storedAtom(t, store, id, "burst of work on the parser", base.Add(time.Duration(2*i)*time.Minute), nil)
	}

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Episodes)

	summaries, err := store.Summaries()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	episode := summaries[0]
	assert.Equal(t, storage.SummaryEpisode, episode.Type)
	assert.Equal(t, 5, episode.MemberCount)
	assert.Equal(t, base.UnixMilli(), episode.SpanStart)
	assert.Equal(t, base.Add(8*time.Minute).UnixMilli(), episode.SpanEnd)

	children, err := store.ChildrenOf(episode.ID)
	require.NoError(t, err)
	assert.Len(t, children, 5)

	unbound, err := store.UnboundAtoms(10)
	require.NoError(t, err)
	assert.Empty(t, unbound, "bound atoms leave the unbound set")
}

func TestDreamSplitsTimelineOnGaps(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	// One dense morning run and one dense evening run.
	for i := 0; i < 3; i++ {
		storedAtom(t, store, "m"+string(rune('1'+i)), "morning work", base.Add(time.Duration(i)*time.Minute), nil)
	}
	for i := 0; i < 3; i++ {
		storedAtom(t, store, "e"+string(rune('1'+i)), "evening work", base.Add(10*time.Hour+time.Duration(i)*time.Minute), nil)
	}

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Episodes)
}

func TestDreamPreservesForestInvariant(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	for i := 0; i < 5; i++ {
		storedAtom(t, store, "a"+string(rune('1'+i)), "clustered work", base.Add(time.Duration(i)*time.Minute), nil)
	}

	_, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	_, err = dreamer.Dream(context.Background())
	require.NoError(t, err)

	summaries, err := store.Summaries()
	require.NoError(t, err)
	require.Len(t, summaries, 1, "a second cycle never re-binds already-bound atoms")

	seen := make(map[string]storage.SummaryID)
	for _, summary := range summaries {
		children, err := store.ChildrenOf(summary.ID)
		require.NoError(t, err)
		for _, edge := range children {
			_, dup := seen[edge.ChildID]
			assert.False(t, dup, "atom %s has two parents", edge.ChildID)
			seen[edge.ChildID] = summary.ID
		}
	}
}

// ============================================================================
// Single-flight and fault tolerance
// ============================================================================

// gateExporter blocks Export until released, to hold a cycle open.
type gateExporter struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateExporter) Export() (int, error) {
	g.entered <- struct{}{}
	<-g.release
	return 0, nil
}

func TestDreamSingleFlight(t *testing.T) {
	gate := &gateExporter{entered: make(chan struct{}), release: make(chan struct{})}
	dreamer, store := createTestDreamer(t, gate)

	storedAtom(t, store, "a1", "some note", base, nil)

	done := make(chan error, 1)
	go func() {
		_, err := dreamer.Dream(context.Background())
		done <- err
	}()

	<-gate.entered
	assert.True(t, dreamer.Running())

	countBefore, err := store.AtomCount()
	require.NoError(t, err)

	_, err = dreamer.Dream(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)

	countAfter, err := store.AtomCount()
	require.NoError(t, err)
	assert.Equal(t, countBefore, countAfter, "a skipped trigger causes no writes")

	close(gate.release)
	require.NoError(t, <-done)
	assert.False(t, dreamer.Running())
}

type failingExporter struct{}

func (failingExporter) Export() (int, error) {
	return 0, errors.New("disk full")
}

func TestDreamMirrorFailureIsNonFatal(t *testing.T) {
	dreamer, store := createTestDreamer(t, failingExporter{})

	storedAtom(t, store, "a1", "some note", base, nil)

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err, "mirror failure never fails the cycle")
	require.Len(t, report.StepErrors, 1)
	assert.Contains(t, report.StepErrors[0], "mirror")
}

func TestDreamReportCounts(t *testing.T) {
	dreamer, store := createTestDreamer(t, nil)

	storedAtom(t, store, "a1", "lone note", base, nil)

	report, err := dreamer.Dream(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Analyzed, 1)
	assert.GreaterOrEqual(t, report.Updated, 1, "reconciliation rewrote the atom")
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}
