package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/storage"
)

func createTestEngine(t *testing.T) (*Engine, *storage.MemoryEngine) {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	engine := NewEngine(store, nil, DefaultConfig())
	engine.now = func() time.Time { return time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC) }
	return engine, store
}

func storedAtom(t *testing.T, store *storage.MemoryEngine, id, content string, minutesAfterBase int, opts func(*storage.Atom)) *storage.Atom {
	t.Helper()
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	atom := &storage.Atom{
		ID:         storage.AtomID(id),
		Timestamp:  base.Add(time.Duration(minutesAfterBase) * time.Minute).UnixMilli(),
		Content:    content,
		Source:     "notes/" + id + ".md",
		Hash:       "hash-" + id,
		Buckets:    []string{"2026"},
		Provenance: storage.ProvenanceExternal,
	}
	if opts != nil {
		opts(atom)
	}
	require.NoError(t, store.PutAtom(atom))
	return atom
}

// ============================================================================
// Literal matching and filtering
// ============================================================================

func TestSearchSingleLiteralHit(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "the midnight deploy rolled back cleanly", 0, nil)
	storedAtom(t, store, "a2", "lunch menu for the offsite", 1, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "midnight deploy", Deep: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, storage.AtomID("a1"), resp.Results[0].Atom.ID)
	assert.False(t, resp.Results[0].Associative)
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	engine, _ := createTestEngine(t)

	_, err := engine.Search(context.Background(), Request{Query: "   "})
	assert.Error(t, err)
}

func TestSearchNoMatchesIsNotAnError(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "unrelated content", 0, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "zanzibar"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Context)
}

func TestSearchStoreUnavailable(t *testing.T) {
	engine, store := createTestEngine(t)
	require.NoError(t, store.Close())

	_, err := engine.Search(context.Background(), Request{Query: "anything"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSearchBucketFilter(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "postgres notes from this year", 0, nil)
	storedAtom(t, store, "a2", "postgres notes from long ago", 1, func(a *storage.Atom) {
		a.Buckets = []string{"2019"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "postgres", Buckets: []string{"2026"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, storage.AtomID("a1"), resp.Results[0].Atom.ID)
}

func TestSearchProvenanceFilter(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "postgres is internal knowledge", 0, func(a *storage.Atom) {
		a.Provenance = storage.ProvenanceInternal
	})
	storedAtom(t, store, "a2", "postgres from an imported dump", 1, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "postgres", Provenance: storage.ProvenanceInternal})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, storage.AtomID("a1"), resp.Results[0].Atom.ID)
}

func TestSearchSynonymExpansion(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "the k8s cluster upgrade went smoothly", 0, nil)
	require.NoError(t, store.PutSynonymRing(&storage.SynonymRing{
		Canonical: "kubernetes",
		Terms:     []string{"k8s", "kube"},
	}))

	resp, err := engine.Search(context.Background(), Request{Query: "kubernetes"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, storage.AtomID("a1"), resp.Results[0].Atom.ID)
	assert.False(t, resp.Results[0].Associative, "synonym matches count as literal hits")
}

func TestSearchTagMatchCountsAsLiteral(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "the cluster fell over at noon", 0, func(a *storage.Atom) {
		a.Tags = []string{"kubernetes"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "kubernetes"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Associative)
}

// ============================================================================
// Ranking
// ============================================================================

func TestSearchRecencyBreaksTies(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "old", "redis eviction happened", 0, nil)
	storedAtom(t, store, "new", "redis eviction happened", 60, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "redis eviction"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, storage.AtomID("new"), resp.Results[0].Atom.ID)
}

func TestSearchArchivedMaterialRanksLower(t *testing.T) {
	engine, store := createTestEngine(t)

	old := time.Date(2020, time.March, 14, 9, 0, 0, 0, time.UTC)
	storedAtom(t, store, "archived", "redis eviction happened", 0, func(a *storage.Atom) {
		a.Timestamp = old.UnixMilli()
		a.Tags = []string{"#Archive"}
	})
	storedAtom(t, store, "current", "redis eviction happened", 0, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "redis eviction"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, storage.AtomID("current"), resp.Results[0].Atom.ID)
}

// embedCapability serves canned embeddings keyed by exact text.
type embedCapability struct {
	vectors map[string][]float32
}

func (c *embedCapability) Entities(context.Context, string) ([]nlp.Entity, error) {
	return nil, nlp.ErrUnavailable
}

func (c *embedCapability) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := c.vectors[text]; ok {
		return vec, nil
	}
	return nil, nlp.ErrUnavailable
}

func (c *embedCapability) Acquire(context.Context) error { return nil }
func (c *embedCapability) Release()                      {}
func (c *embedCapability) LastUsed() time.Time           { return time.Time{} }

func TestSearchEmbeddingSimilarityBreaksTies(t *testing.T) {
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	capability := &embedCapability{vectors: map[string][]float32{
		"deploy": {1, 0, 0},
	}}
	engine := NewEngine(store, capability, DefaultConfig())
	engine.now = func() time.Time { return time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC) }

	storedAtom(t, store, "close", "the deploy rolled forward", 0, func(a *storage.Atom) {
		a.Embedding = []float32{1, 0, 0}
	})
	storedAtom(t, store, "far", "the deploy rolled back", 5, func(a *storage.Atom) {
		a.Embedding = []float32{0, 1, 0}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "deploy"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// Identical term, bucket, and tag scores; "far" is more recent, but
	// embedding similarity separates the tie before recency can.
	assert.Equal(t, storage.AtomID("close"), resp.Results[0].Atom.ID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

// ============================================================================
// Tag walker
// ============================================================================

func TestSearchDeepSurfacesTagConnectedAtoms(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "seed", "the ingress controller rejected traffic", 0, func(a *storage.Atom) {
		a.Tags = []string{"networking"}
	})
	storedAtom(t, store, "neighbor", "calico felt flaky during the upgrade", 1, func(a *storage.Atom) {
		a.Tags = []string{"networking"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "ingress controller", Deep: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, storage.AtomID("seed"), resp.Results[0].Atom.ID)
	associative := resp.Results[1]
	assert.Equal(t, storage.AtomID("neighbor"), associative.Atom.ID)
	assert.True(t, associative.Associative)
	assert.Equal(t, []string{"networking"}, associative.Path)
	assert.Less(t, associative.Score, resp.Results[0].Score, "associative never outranks literal")
}

func TestSearchShallowSkipsWalker(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "seed", "the ingress controller rejected traffic", 0, func(a *storage.Atom) {
		a.Tags = []string{"networking"}
	})
	storedAtom(t, store, "neighbor", "calico felt flaky during the upgrade", 1, func(a *storage.Atom) {
		a.Tags = []string{"networking"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "ingress controller", Deep: false})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Associative)
}

func TestWalkerDoesNotTraverseOrganizationalTags(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "seed", "the ingress controller rejected traffic", 0, func(a *storage.Atom) {
		a.Tags = []string{"2026", "march"}
	})
	storedAtom(t, store, "stranger", "grocery list for the weekend", 1, func(a *storage.Atom) {
		a.Tags = []string{"2026", "march"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "ingress controller", Deep: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "calendar tags must not connect unrelated atoms")
}

func TestWalkerMultiHopCarriesPath(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "seed", "the ingress controller rejected traffic", 0, func(a *storage.Atom) {
		a.Tags = []string{"networking"}
	})
	storedAtom(t, store, "bridge", "calico runs on the edge nodes", 1, func(a *storage.Atom) {
		a.Tags = []string{"networking", "hardware"}
	})
	storedAtom(t, store, "far", "rack four needs new power supplies", 2, func(a *storage.Atom) {
		a.Tags = []string{"hardware"}
	})

	resp, err := engine.Search(context.Background(), Request{Query: "ingress controller", Deep: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	var farHit *Hit
	for _, hit := range resp.Results {
		if hit.Atom.ID == "far" {
			farHit = hit
		}
	}
	require.NotNil(t, farHit)
	assert.True(t, farHit.Associative)
	assert.Equal(t, []string{"networking", "hardware"}, farHit.Path)
}

// ============================================================================
// Budget assembly
// ============================================================================

func TestSearchBudgetNeverExceeded(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", strings.Repeat("alpha ", 20), 2, nil) // 120 chars
	storedAtom(t, store, "a2", strings.Repeat("alpha ", 20), 1, nil)
	storedAtom(t, store, "a3", strings.Repeat("alpha ", 20), 0, nil)

	for _, budget := range []int{0, 50, 120, 121, 200, 242, 1000} {
		resp, err := engine.Search(context.Background(), Request{Query: "alpha", CharBudget: budget})
		require.NoError(t, err)
		if budget > 0 {
			assert.LessOrEqual(t, len(resp.Context), budget, "budget %d", budget)
		}
		for _, hit := range resp.Results {
			assert.Contains(t, resp.Context, hit.Atom.Content, "included atoms appear whole")
		}
	}
}

func TestSearchBudgetIncludesWholeAtomsOnly(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", strings.Repeat("alpha ", 20), 1, nil) // 120 chars
	storedAtom(t, store, "a2", strings.Repeat("alpha ", 20), 0, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "alpha", CharBudget: 150})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "second atom would overflow, so it is excluded whole")
	assert.Equal(t, 120, len(resp.Context))
}

func TestSearchUnboundedBudget(t *testing.T) {
	engine, store := createTestEngine(t)

	storedAtom(t, store, "a1", "alpha one", 0, nil)
	storedAtom(t, store, "a2", "alpha two", 1, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "alpha"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}
