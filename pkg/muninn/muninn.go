// Package muninn is the high-level entry point: a self-organizing memory
// substrate. Content goes in once through Ingest; the store keeps it
// deduplicated, temporally bucketed, and increasingly well-tagged as the
// background dreamer reorganizes it; Search answers literal and associative
// queries against the result.
//
// Example:
//
//	db, err := muninn.Open("./data", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	result, _ := db.Ingest(ctx, content, "notes/today.md", storage.ProvenanceInternal)
//	resp, _ := db.Search(ctx, search.Request{Query: "midnight deploy"})
//
// Thread Safety:
//
//	All methods are safe for concurrent use. A running dreamer cycle never
//	blocks Ingest or Search beyond ordinary store contention.
package muninn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/atomizer"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/dreamer"
	"github.com/orneryd/muninn/pkg/idle"
	"github.com/orneryd/muninn/pkg/mirror"
	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/tags"
)

// Error classes surfaced by the facade. Callers branch on these with
// errors.Is.
var (
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("muninn: closed")

	// ErrMalformedInput rejects empty or unparseable ingestion content.
	ErrMalformedInput = atomizer.ErrMalformedInput

	// ErrStoreUnavailable means the persistence layer cannot be reached.
	// It is never conflated with an empty result set.
	ErrStoreUnavailable = search.ErrStoreUnavailable

	// ErrCycleRunning reports a dream trigger dropped because a cycle is
	// already in flight. A status, not a failure.
	ErrCycleRunning = dreamer.ErrCycleRunning
)

// DB is one open Muninn instance.
type DB struct {
	config     *config.Config
	store      storage.Engine
	capability nlp.Capability
	atomizer   *atomizer.Atomizer
	tagEngine  *tags.Engine
	searcher   *search.Engine
	dreamer    *dreamer.Dreamer
	monitor    *idle.Monitor
	logger     *log.Logger

	mu         sync.RWMutex
	closed     bool
	lastReport *dreamer.CycleReport
}

// Open opens or creates a Muninn database. A nil config uses defaults; the
// dataDir argument, when non-empty, overrides the configured data
// directory.
func Open(dataDir string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("muninn: open store: %w", err)
	}

	capability := openCapability(cfg)

	tagEngine := tags.NewEngine(store, capability, tags.Config{
		ConfidenceThreshold: cfg.Tags.ConfidenceThreshold,
		SampleSize:          cfg.Tags.SampleSize,
		MinSupport:          cfg.Tags.MinSupport,
		BatchSize:           cfg.Dreamer.BatchSize,
	})

	var exporter dreamer.Exporter
	if cfg.Mirror.Enabled && cfg.Mirror.Root != "" {
		exporter = mirror.NewExporter(store, cfg.Mirror.Root)
	}

	db := &DB{
		config:     cfg,
		store:      store,
		capability: capability,
		atomizer:   atomizer.New(),
		tagEngine:  tagEngine,
		searcher: search.NewEngine(store, capability, search.Config{
			WalkerSeeds:      cfg.Search.WalkerSeeds,
			WalkerMaxHops:    cfg.Search.WalkerMaxHops,
			WalkerMaxResults: cfg.Search.WalkerMaxResults,
		}),
		dreamer: dreamer.New(store, tagEngine, capability, exporter, dreamer.Config{
			BatchSize:             cfg.Dreamer.BatchSize,
			EpisodeGapThreshold:   cfg.Dreamer.EpisodeGap,
			EpisodeMinClusterSize: cfg.Dreamer.EpisodeMinSize,
			EpisodeWindow:         cfg.Dreamer.EpisodeWindow,
		}),
		monitor: idle.NewMonitor(capability, cfg.NLP.IdleWindow),
		logger:  log.WithPrefix("muninn"),
	}

	db.monitor.Start()
	if cfg.Dreamer.Schedule != "" {
		if err := db.dreamer.StartSchedule(cfg.Dreamer.Schedule); err != nil {
			db.monitor.Stop()
			store.Close()
			return nil, err
		}
	}
	db.logger.Info("opened", "dataDir", cfg.Store.DataDir, "inMemory", cfg.Store.InMemory)
	return db, nil
}

func openStore(cfg *config.Config) (storage.Engine, error) {
	if cfg.Store.InMemory {
		return storage.NewMemoryEngine(), nil
	}
	return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:    cfg.Store.DataDir,
		SyncWrites: cfg.Store.SyncWrites,
	})
}

func openCapability(cfg *config.Config) nlp.Capability {
	if cfg.NLP.Provider == "ollama" {
		return nlp.NewOllama(nlp.OllamaConfig{
			Host:       cfg.NLP.OllamaHost,
			Model:      cfg.NLP.OllamaModel,
			EmbedModel: cfg.NLP.OllamaEmbedModel,
		})
	}
	return nlp.NewHeuristic()
}

// Close stops background work and releases the store.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.dreamer.StopSchedule()
	db.monitor.Stop()
	db.capability.Release()
	return db.store.Close()
}

// IngestResult reports what one Ingest call did.
type IngestResult struct {
	// NewAtoms were created by this call.
	NewAtoms int

	// Deduplicated atoms already existed for this source+hash and were
	// left untouched.
	Deduplicated int

	// AtomIDs lists every atom of the document, existing or new, in
	// sequence order.
	AtomIDs []storage.AtomID
}

// Ingest atomizes content and persists the new atoms. Re-ingesting
// identical content at the same source is a no-op: matching atoms are
// reported as deduplicated and nothing is written for them. Semantic
// tagging and embedding degrade to none when the NLP capability is
// unavailable; ingestion itself never fails for that reason.
func (db *DB) Ingest(ctx context.Context, content, sourcePath string, provenance storage.Provenance) (*IngestResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	db.monitor.Touch()

	if provenance == "" {
		provenance = storage.ProvenanceInternal
	}

	parsed, err := db.atomizer.Atomize(content, sourcePath, provenance)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{AtomIDs: make([]storage.AtomID, 0, len(parsed.Atoms))}
	fresh := make([]*storage.Atom, 0, len(parsed.Atoms))
	for _, atom := range parsed.Atoms {
		existing, err := db.store.AtomBySourceHash(atom.Source, atom.Hash)
		if err == nil {
			result.Deduplicated++
			result.AtomIDs = append(result.AtomIDs, existing.ID)
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, storeErr(err)
		}
		if semantic, err := db.tagEngine.AssignTags(ctx, atom); err == nil {
			atom.Tags = append(atom.Tags, semantic...)
		}
		if embedding, err := db.capability.Embed(ctx, atom.Content); err == nil {
			atom.Embedding = embedding
		}
		fresh = append(fresh, atom)
		result.AtomIDs = append(result.AtomIDs, atom.ID)
	}

	if len(fresh) > 0 {
		if err := db.store.BulkUpsertAtoms(fresh); err != nil {
			return nil, storeErr(err)
		}
	}
	result.NewAtoms = len(fresh)
	db.logger.Debug("ingested", "source", sourcePath, "new", result.NewAtoms, "deduplicated", result.Deduplicated)
	return result, nil
}

// Search answers a query. A zero CharBudget falls back to the configured
// default.
func (db *DB) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	db.monitor.Touch()

	if req.CharBudget == 0 {
		req.CharBudget = db.config.Search.DefaultCharBudget
	}
	return db.searcher.Search(ctx, req)
}

// Dream triggers one reorganization cycle and blocks until it completes.
// Returns ErrCycleRunning if one is already in flight.
func (db *DB) Dream(ctx context.Context) (*dreamer.CycleReport, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	db.mu.RUnlock()

	report, err := db.dreamer.Dream(ctx)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	db.lastReport = report
	db.mu.Unlock()
	return report, nil
}

// DreamAsync triggers a cycle without blocking the caller. The skipped
// status and any cycle outcome are observable through logs and Stats.
func (db *DB) DreamAsync() {
	go func() {
		if _, err := db.Dream(context.Background()); err != nil && !errors.Is(err, ErrCycleRunning) {
			db.logger.Error("background cycle failed", "err", err)
		}
	}()
}

// AddSynonyms registers a synonym ring used for query expansion.
func (db *DB) AddSynonyms(canonical string, terms []string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.tagEngine.AddSynonyms(canonical, terms)
}

// Stats is a point-in-time snapshot of store sizes.
type Stats struct {
	Atoms     int64
	Summaries int64
	Edges     int64
	Dreaming  bool

	// LastCycle is the most recent completed cycle report, nil before the
	// first cycle.
	LastCycle *dreamer.CycleReport
}

// Stats reports store sizes and whether a cycle is running.
func (db *DB) Stats() (*Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	atoms, err := db.store.AtomCount()
	if err != nil {
		return nil, storeErr(err)
	}
	summaries, err := db.store.SummaryCount()
	if err != nil {
		return nil, storeErr(err)
	}
	edges, err := db.store.EdgeCount()
	if err != nil {
		return nil, storeErr(err)
	}
	return &Stats{
		Atoms:     atoms,
		Summaries: summaries,
		Edges:     edges,
		Dreaming:  db.dreamer.Running(),
		LastCycle: db.lastReport,
	}, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
