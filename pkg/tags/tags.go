// Package tags implements Muninn's semantic labeling subsystem: initial tag
// assignment through the NLP capability, synonym ring maintenance, and the
// Tag Infection Protocol that backfills tags across the corpus cheaply.
//
// The infection protocol is two-phase weak supervision:
//
//  1. Discovery ("teacher"): a bounded sample of richly-tagged atoms is
//     mined for content-signature -> tag associations. This is the only
//     phase allowed to invoke the NLP capability, so its cost is bounded by
//     the sample size regardless of corpus size.
//  2. Infection ("student"): every atom in the corpus is evaluated against
//     the discovered associations with a cheap deterministic matcher. Tags
//     are only ever appended, never removed, never duplicated; running the
//     phase twice with the same associations is a no-op the second time.
//
// The tag engine only produces tags. Query expansion through synonym rings
// happens in the search engine.
package tags

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/atomizer"
	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/storage"
)

// Config tunes the tag engine.
type Config struct {
	// ConfidenceThreshold filters NLP entity candidates. Below-threshold
	// candidates are discarded, not stored as low-confidence tags.
	ConfidenceThreshold float64

	// SampleSize bounds the discovery phase sample.
	SampleSize int

	// MinSupport is the fraction of a tag's sampled atoms that must contain
	// a term before (term -> tag) becomes an association.
	MinSupport float64

	// BatchSize bounds infection read/write batches.
	BatchSize int
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.55,
		SampleSize:          32,
		MinSupport:          0.6,
		BatchSize:           256,
	}
}

// Association is one discovered content-signature -> tag rule. Associations
// are ephemeral: produced by the discovery phase, consumed immediately by
// the infection phase, never persisted.
type Association struct {
	Pattern string // lowercase term that predicts the tag
	Tag     string
}

// Engine assigns and propagates tags.
type Engine struct {
	store      storage.Engine
	capability nlp.Capability
	config     Config
	logger     *log.Logger
}

// NewEngine creates a tag engine over the given store and NLP capability.
func NewEngine(store storage.Engine, capability nlp.Capability, config Config) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.SampleSize <= 0 {
		config.SampleSize = DefaultConfig().SampleSize
	}
	if config.MinSupport <= 0 {
		config.MinSupport = DefaultConfig().MinSupport
	}
	return &Engine{
		store:      store,
		capability: capability,
		config:     config,
		logger:     log.WithPrefix("tags"),
	}
}

// AssignTags produces semantic tags for one atom via the NLP capability,
// filtered by the confidence threshold. The atom is not mutated; callers
// merge and persist. A capability failure degrades to no semantic tags
// rather than failing ingestion.
func (e *Engine) AssignTags(ctx context.Context, atom *storage.Atom) ([]string, error) {
	entities, err := e.capability.Entities(ctx, atom.Content)
	if err != nil {
		e.logger.Warn("tag assignment degraded, capability unavailable", "atom", atom.ID, "err", err)
		return nil, nil
	}

	tags := make([]string, 0, len(entities))
	seen := make(map[string]struct{})
	for _, entity := range entities {
		if entity.Confidence < e.config.ConfidenceThreshold {
			continue
		}
		tag := NormalizeTag(entity.Text)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags, nil
}

// AddSynonyms upserts a synonym ring. Rings only expand queries; no atom is
// mutated.
func (e *Engine) AddSynonyms(canonical string, terms []string) error {
	canonical = NormalizeTag(canonical)
	if canonical == "" {
		return fmt.Errorf("tags: empty canonical term")
	}
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		if t := NormalizeTag(term); t != "" && t != canonical {
			normalized = append(normalized, t)
		}
	}
	sort.Strings(normalized)
	return e.store.PutSynonymRing(&storage.SynonymRing{
		Canonical: canonical,
		Terms:     normalized,
	})
}

// ============================================================================
// Tag Infection Protocol
// ============================================================================

// Discover runs the teacher phase: sample up to SampleSize recently-or-richly
// tagged atoms, enrich the sample through the NLP capability, and mine
// (term -> tag) associations that reliably predict each tag within the
// sample.
func (e *Engine) Discover(ctx context.Context) ([]Association, error) {
	sample, err := e.sampleTaggedAtoms()
	if err != nil {
		return nil, fmt.Errorf("tags: discovery sample: %w", err)
	}
	if len(sample) == 0 {
		return nil, nil
	}

	// Enrich the sample with fresh semantic tags. Bounded by sample size,
	// this is the only model usage in the protocol.
	for _, atom := range sample {
		fresh, err := e.AssignTags(ctx, atom)
		if err != nil {
			continue
		}
		if appended := appendMissing(atom.Tags, fresh); len(appended) != len(atom.Tags) {
			atom.Tags = appended
			if err := e.store.PutAtom(atom); err != nil {
				e.logger.Warn("failed to persist enriched sample atom", "atom", atom.ID, "err", err)
			}
		}
	}

	// Group sampled atoms by semantic tag.
	byTag := make(map[string][]*storage.Atom)
	for _, atom := range sample {
		for _, tag := range atom.Tags {
			if IsOrganizationalTag(tag) {
				continue
			}
			byTag[tag] = append(byTag[tag], atom)
		}
	}

	associations := make([]Association, 0)
	for tag, tagged := range byTag {
		if len(tagged) < 2 {
			continue // one example proves nothing
		}
		for term, count := range termCounts(tagged) {
			support := float64(count) / float64(len(tagged))
			if support >= e.config.MinSupport {
				associations = append(associations, Association{Pattern: term, Tag: tag})
			}
		}
	}

	// Deterministic output order.
	sort.Slice(associations, func(i, j int) bool {
		if associations[i].Tag != associations[j].Tag {
			return associations[i].Tag < associations[j].Tag
		}
		return associations[i].Pattern < associations[j].Pattern
	})

	e.logger.Info("discovery complete", "sample", len(sample), "associations", len(associations))
	return associations, nil
}

// Infect runs the student phase: evaluate associations against every atom
// with a deterministic matcher and append matching tags. Returns the counts
// of atoms analyzed and updated.
//
// Idempotent: re-running with the same associations and unchanged content
// updates nothing.
func (e *Engine) Infect(assocs []Association) (analyzed, updated int, err error) {
	if len(assocs) == 0 {
		return 0, 0, nil
	}

	batch := make([]*storage.Atom, 0, e.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.store.BulkUpsertAtoms(batch); err != nil {
			return err
		}
		updated += len(batch)
		batch = batch[:0]
		return nil
	}

	var flushErr error
	scanErr := e.store.ScanAtoms(func(atom *storage.Atom) bool {
		analyzed++
		added := infectAtom(atom, assocs)
		if !added {
			return true
		}
		batch = append(batch, atom)
		if len(batch) >= e.config.BatchSize {
			if flushErr = flush(); flushErr != nil {
				return false
			}
		}
		return true
	})
	if scanErr != nil {
		return analyzed, updated, fmt.Errorf("tags: infection scan: %w", scanErr)
	}
	if flushErr != nil {
		return analyzed, updated, fmt.Errorf("tags: infection write: %w", flushErr)
	}
	if err := flush(); err != nil {
		return analyzed, updated, fmt.Errorf("tags: infection write: %w", err)
	}
	return analyzed, updated, nil
}

// RunInfectionCycle runs discovery then infection.
func (e *Engine) RunInfectionCycle(ctx context.Context) (analyzed, updated int, err error) {
	assocs, err := e.Discover(ctx)
	if err != nil {
		return 0, 0, err
	}
	return e.Infect(assocs)
}

// infectAtom appends every matching association tag the atom lacks.
// Reports whether anything was appended.
func infectAtom(atom *storage.Atom, assocs []Association) bool {
	var terms map[string]struct{}
	added := false
	for _, assoc := range assocs {
		if atom.HasTag(assoc.Tag) {
			continue
		}
		if terms == nil {
			terms = termSet(atom.Content)
		}
		if _, match := terms[assoc.Pattern]; match {
			atom.Tags = append(atom.Tags, assoc.Tag)
			added = true
		}
	}
	return added
}

// sampleTaggedAtoms picks the most recently ingested atoms carrying at least
// one semantic tag, bounded to SampleSize.
func (e *Engine) sampleTaggedAtoms() ([]*storage.Atom, error) {
	candidates := make([]*storage.Atom, 0)
	err := e.store.ScanAtoms(func(atom *storage.Atom) bool {
		for _, tag := range atom.Tags {
			if !IsOrganizationalTag(tag) {
				candidates = append(candidates, atom)
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Timestamp != candidates[j].Timestamp {
			return candidates[i].Timestamp > candidates[j].Timestamp
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > e.config.SampleSize {
		candidates = candidates[:e.config.SampleSize]
	}
	return candidates, nil
}

// termCounts counts in how many of the given atoms each term occurs.
func termCounts(atoms []*storage.Atom) map[string]int {
	counts := make(map[string]int)
	for _, atom := range atoms {
		for term := range termSet(atom.Content) {
			counts[term]++
		}
	}
	return counts
}

// termSet tokenizes content into a lowercase word set, dropping short
// tokens.
func termSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		if len(token) < 3 {
			continue
		}
		set[strings.ToLower(token)] = struct{}{}
	}
	return set
}

// NormalizeTag canonicalizes a tag: lowercase, trimmed, inner whitespace
// collapsed to hyphens.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.Join(strings.Fields(tag), "-")
}

// IsOrganizationalTag reports whether a tag is produced by the temporal or
// archival machinery rather than semantic labeling. Organizational tags are
// excluded from infection so the protocol propagates meaning, not calendars.
func IsOrganizationalTag(tag string) bool {
	if tag == atomizer.ArchiveTag {
		return true
	}
	if len(tag) == 4 && isAllDigits(tag) {
		return true // year bucket
	}
	lower := strings.ToLower(tag)
	switch lower {
	case "winter", "spring", "summer", "autumn",
		"morning", "afternoon", "evening", "night",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"january", "february", "march", "april", "may", "june", "july",
		"august", "september", "october", "november", "december":
		return true
	}
	if len(lower) == 2 && lower[0] == 'q' && lower[1] >= '1' && lower[1] <= '4' {
		return true
	}
	return false
}

// appendMissing appends items from fresh that existing lacks.
func appendMissing(existing, fresh []string) []string {
	for _, tag := range fresh {
		found := false
		for _, have := range existing {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, tag)
		}
	}
	return existing
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
