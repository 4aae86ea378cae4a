// Package dreamer runs the background reorganization cycle: bucket and tag
// reconciliation, corpus-wide tag infection, temporal clustering of unbound
// atoms into episode summaries, and a mirror export.
//
// Cycles are single-flight. A trigger while one is running returns
// ErrCycleRunning immediately with no side effects; triggers are dropped,
// never queued. Within a cycle the steps run strictly in order and each is
// independently fault-tolerant: a failed step is logged and recorded on the
// report, and the cycle continues, because every step's effects are
// idempotent and safe to retry on the next cycle.
package dreamer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/tags"
	"github.com/orneryd/muninn/pkg/temporal"
)

// ErrCycleRunning is returned by Dream when a cycle is already in flight.
// It is a status, not a failure.
var ErrCycleRunning = errors.New("dreamer: cycle already running")

// Config tunes the dreamer.
type Config struct {
	// BatchSize bounds reconciliation read/write batches.
	BatchSize int

	// EpisodeGapThreshold splits the unbound timeline into clusters
	// wherever consecutive atoms are further apart than this.
	EpisodeGapThreshold time.Duration

	// EpisodeMinClusterSize leaves smaller clusters unbound for a future
	// cycle instead of minting tiny episodes.
	EpisodeMinClusterSize int

	// EpisodeWindow bounds how many unbound atoms one cycle considers.
	EpisodeWindow int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:             256,
		EpisodeGapThreshold:   30 * time.Minute,
		EpisodeMinClusterSize: 3,
		EpisodeWindow:         1024,
	}
}

// CycleReport summarizes one completed cycle.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Analyzed counts atoms examined across all steps.
	Analyzed int

	// Updated counts atoms rewritten plus summaries created.
	Updated int

	// Episodes counts summary nodes created this cycle.
	Episodes int

	// StepErrors records per-step failures. A non-empty list still means
	// the cycle completed; failed work is retried next cycle.
	StepErrors []string
}

// Dreamer owns the cycle.
type Dreamer struct {
	store      storage.Engine
	tagEngine  *tags.Engine
	capability nlp.Capability
	exporter   Exporter
	config     Config
	logger     *log.Logger

	running   atomic.Bool
	scheduler *cron.Cron
	now       func() time.Time
}

// Exporter is the downstream mirror hook. Its failure never fails a cycle.
type Exporter interface {
	Export() (int, error)
}

// New creates a dreamer. The exporter may be nil to disable mirroring.
func New(store storage.Engine, tagEngine *tags.Engine, capability nlp.Capability, exporter Exporter, config Config) *Dreamer {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.EpisodeGapThreshold <= 0 {
		config.EpisodeGapThreshold = defaults.EpisodeGapThreshold
	}
	if config.EpisodeMinClusterSize <= 0 {
		config.EpisodeMinClusterSize = defaults.EpisodeMinClusterSize
	}
	if config.EpisodeWindow <= 0 {
		config.EpisodeWindow = defaults.EpisodeWindow
	}
	return &Dreamer{
		store:      store,
		tagEngine:  tagEngine,
		capability: capability,
		exporter:   exporter,
		config:     config,
		logger:     log.WithPrefix("dreamer"),
		now:        time.Now,
	}
}

// Dream runs one full cycle. Returns ErrCycleRunning if one is already in
// flight.
func (d *Dreamer) Dream(ctx context.Context) (*CycleReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer d.running.Store(false)

	report := &CycleReport{StartedAt: d.now()}
	d.logger.Info("cycle starting")

	if analyzed, updated, err := d.reconcile(ctx); err != nil {
		d.stepFailed(report, "reconcile", err)
	} else {
		report.Analyzed += analyzed
		report.Updated += updated
	}

	if analyzed, updated, err := d.tagEngine.RunInfectionCycle(ctx); err != nil {
		d.stepFailed(report, "infection", err)
	} else {
		report.Analyzed += analyzed
		report.Updated += updated
	}

	if analyzed, episodes, err := d.clusterEpisodes(ctx); err != nil {
		d.stepFailed(report, "episodes", err)
	} else {
		report.Analyzed += analyzed
		report.Updated += episodes
		report.Episodes = episodes
	}

	if d.exporter != nil {
		if _, err := d.exporter.Export(); err != nil {
			d.stepFailed(report, "mirror", err)
		}
	}

	report.FinishedAt = d.now()
	d.logger.Info("cycle finished",
		"analyzed", report.Analyzed,
		"updated", report.Updated,
		"episodes", report.Episodes,
		"stepErrors", len(report.StepErrors),
		"took", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// Running reports whether a cycle is currently in flight.
func (d *Dreamer) Running() bool {
	return d.running.Load()
}

func (d *Dreamer) stepFailed(report *CycleReport, step string, err error) {
	d.logger.Error("step failed, continuing cycle", "step", step, "err", err)
	report.StepErrors = append(report.StepErrors, fmt.Sprintf("%s: %v", step, err))
}

// ============================================================================
// Step 1: bucket/tag reconciliation
// ============================================================================

var genericBuckets = map[string]struct{}{
	storage.GeneralBucket: {},
	"core":                {},
	"misc":                {},
}

// reconcile recomputes temporal buckets and tags for atoms whose bucket set
// is empty, generic-only, missing the ingestion-year bucket, or missing
// temporal tags, and backfills embeddings for atoms ingested while the
// capability could not embed. Generic buckets are dropped once a
// non-generic one exists. Writes go out in bounded batches.
func (d *Dreamer) reconcile(ctx context.Context) (analyzed, updated int, err error) {
	batch := make([]*storage.Atom, 0, d.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := d.store.BulkUpsertAtoms(batch); err != nil {
			return err
		}
		updated += len(batch)
		batch = batch[:0]
		return nil
	}

	var flushErr error
	embedReady := true
	scanErr := d.store.ScanAtoms(func(atom *storage.Atom) bool {
		analyzed++
		changed := reconcileAtom(atom)
		if embedReady && len(atom.Embedding) == 0 {
			embedding, embedErr := d.capability.Embed(ctx, atom.Content)
			switch {
			case embedErr == nil:
				atom.Embedding = embedding
				changed = true
			case errors.Is(embedErr, nlp.ErrUnavailable):
				// No embedding model this cycle. Stop asking per atom.
				embedReady = false
			}
		}
		if !changed {
			return true
		}
		batch = append(batch, atom)
		if len(batch) >= d.config.BatchSize {
			if flushErr = flush(); flushErr != nil {
				return false
			}
		}
		return true
	})
	if scanErr != nil {
		return analyzed, updated, fmt.Errorf("dreamer: reconcile scan: %w", scanErr)
	}
	if flushErr != nil {
		return analyzed, updated, fmt.Errorf("dreamer: reconcile write: %w", flushErr)
	}
	if err := flush(); err != nil {
		return analyzed, updated, fmt.Errorf("dreamer: reconcile write: %w", err)
	}
	return analyzed, updated, nil
}

// reconcileAtom rewrites one atom in place. Reports whether it changed.
func reconcileAtom(atom *storage.Atom) bool {
	changed := false

	year := temporal.YearBucket(atom.Timestamp)
	if !atom.HasBucket(year) {
		atom.Buckets = append(atom.Buckets, year)
		changed = true
	}
	if dropped := dropGenericBuckets(atom.Buckets); len(dropped) != len(atom.Buckets) {
		atom.Buckets = dropped
		changed = true
	}

	for _, tag := range temporal.TagsFor(atom.Timestamp) {
		if !atom.HasTag(tag) {
			atom.Tags = append(atom.Tags, tag)
			changed = true
		}
	}
	return changed
}

// dropGenericBuckets removes generic buckets when a non-generic one is
// present. A bucket set is never emptied.
func dropGenericBuckets(buckets []string) []string {
	hasSpecific := false
	for _, bucket := range buckets {
		if _, generic := genericBuckets[bucket]; !generic {
			hasSpecific = true
			break
		}
	}
	if !hasSpecific {
		return buckets
	}
	kept := buckets[:0]
	for _, bucket := range buckets {
		if _, generic := genericBuckets[bucket]; !generic {
			kept = append(kept, bucket)
		}
	}
	return kept
}

// ============================================================================
// Step 3: temporal clustering into episodes
// ============================================================================

// clusterEpisodes groups parentless atoms into episodes by timestamp gap.
// Clusters below the minimum size stay unbound for a future cycle.
func (d *Dreamer) clusterEpisodes(ctx context.Context) (analyzed, episodes int, err error) {
	unbound, err := d.store.UnboundAtoms(d.config.EpisodeWindow)
	if err != nil {
		return 0, 0, fmt.Errorf("dreamer: fetch unbound: %w", err)
	}
	analyzed = len(unbound)
	if len(unbound) == 0 {
		return 0, 0, nil
	}

	timestamps := make([]int64, len(unbound))
	for i, atom := range unbound {
		timestamps[i] = atom.Timestamp
	}
	for _, cluster := range temporal.ClusterByGap(timestamps, d.config.EpisodeGapThreshold) {
		members := unbound[cluster.Start : cluster.End+1]
		if cluster.Size() < d.config.EpisodeMinClusterSize {
			continue
		}
		if err := d.mintEpisode(ctx, members); err != nil {
			return analyzed, episodes, err
		}
		episodes++
	}
	return analyzed, episodes, nil
}

// summaryInputLimit caps the concatenated cluster text handed to the NLP
// capability.
const summaryInputLimit = 4000

// mintEpisode persists one SummaryNode and a parent edge per member.
func (d *Dreamer) mintEpisode(ctx context.Context, members []*storage.Atom) error {
	spanStart := members[0].Timestamp
	spanEnd := members[len(members)-1].Timestamp

	summary := &storage.SummaryNode{
		ID:          storage.SummaryID(uuid.NewString()),
		Type:        storage.SummaryEpisode,
		Content:     d.episodeContent(ctx, members, spanStart, spanEnd),
		SpanStart:   spanStart,
		SpanEnd:     spanEnd,
		MemberCount: len(members),
		CreatedAt:   d.now().UnixMilli(),
	}
	if embedding, err := d.capability.Embed(ctx, summary.Content); err == nil {
		summary.Embedding = embedding
	}
	if err := d.store.PutSummary(summary); err != nil {
		return fmt.Errorf("dreamer: put summary: %w", err)
	}

	edges := make([]storage.ParentEdge, len(members))
	for i, member := range members {
		edges[i] = storage.ParentEdge{
			ParentID: summary.ID,
			ChildID:  string(member.ID),
			Weight:   1,
		}
	}
	if err := d.store.PutParentEdges(edges); err != nil {
		return fmt.Errorf("dreamer: bind members: %w", err)
	}
	return nil
}

// episodeContent derives a deterministic episode summary: span label,
// member count, and dominant topics from one NLP pass over the
// concatenated cluster text. Capability failure degrades to a topic-less
// summary.
func (d *Dreamer) episodeContent(ctx context.Context, members []*storage.Atom, spanStart, spanEnd int64) string {
	var joined strings.Builder
	for _, member := range members {
		if joined.Len() >= summaryInputLimit {
			break
		}
		if joined.Len() > 0 {
			joined.WriteString("\n")
		}
		joined.WriteString(member.Content)
	}
	text := joined.String()
	if len(text) > summaryInputLimit {
		text = text[:summaryInputLimit]
	}

	topics := make([]string, 0, 5)
	if entities, err := d.capability.Entities(ctx, text); err == nil {
		for _, entity := range entities {
			topics = append(topics, tags.NormalizeTag(entity.Text))
			if len(topics) == 5 {
				break
			}
		}
	} else {
		d.logger.Warn("episode summary degraded, capability unavailable", "err", err)
	}

	content := fmt.Sprintf("Episode %s, %d atoms.", temporal.SpanLabel(spanStart, spanEnd), len(members))
	if len(topics) > 0 {
		content += " Topics: " + strings.Join(topics, ", ") + "."
	}
	return content
}

// ============================================================================
// Scheduling
// ============================================================================

// StartSchedule runs Dream on a cron schedule (e.g. "@every 1h"). A tick
// that lands while a cycle is running is dropped.
func (d *Dreamer) StartSchedule(spec string) error {
	if d.scheduler != nil {
		return fmt.Errorf("dreamer: schedule already started")
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		if _, err := d.Dream(context.Background()); err != nil && !errors.Is(err, ErrCycleRunning) {
			d.logger.Error("scheduled cycle failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("dreamer: bad schedule %q: %w", spec, err)
	}
	scheduler.Start()
	d.scheduler = scheduler
	d.logger.Info("schedule started", "spec", spec)
	return nil
}

// StopSchedule stops the cron schedule, waiting for an in-flight tick.
func (d *Dreamer) StopSchedule() {
	if d.scheduler == nil {
		return
	}
	<-d.scheduler.Stop().Done()
	d.scheduler = nil
}
