// Package storage provides storage engine implementations for Muninn.
//
// The storage layer holds four relations: Atoms (the smallest unit of
// memory), SummaryNodes (episode/epoch abstractions over clusters of atoms),
// ParentEdges (the ownership forest linking summaries to their members), and
// SynonymRings (query-expansion tables).
//
// Two engines implement the Engine interface:
//   - MemoryEngine: mutex-guarded maps, used for tests and ephemeral opens
//   - BadgerEngine: persistent BadgerDB storage with secondary indexes
//
// Atom and edge mutation goes through upsert-style writes keyed by primary
// identifier; summary nodes are write-once. Bulk writes are atomic per
// batch: either every record in the batch lands or none do.
package storage

import "errors"

// Errors returned by storage engines.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidID     = errors.New("invalid record ID")
	ErrInvalidData   = errors.New("invalid record data")
	ErrStorageClosed = errors.New("storage is closed")
	ErrHasParent     = errors.New("child already has a parent")
)

// AtomID uniquely identifies an Atom.
type AtomID string

// SummaryID uniquely identifies a SummaryNode.
type SummaryID string

// Provenance classifies where an atom came from.
type Provenance string

const (
	// ProvenanceInternal marks content produced by the owner of the store
	// (notes, local files, own code).
	ProvenanceInternal Provenance = "internal"
	// ProvenanceExternal marks content pulled in from outside sources
	// (web pages, third-party documents).
	ProvenanceExternal Provenance = "external"
)

// GeneralBucket is the implicit bucket for atoms with no assigned bucket.
// An atom's bucket set is never empty after ingestion.
const GeneralBucket = "general"

// Atom is the smallest stored unit of ingested content.
//
// Atoms are immutable in content once written: only their Buckets and Tags
// are rewritten afterwards (by the Dreamer and the tag engine). The Hash
// field is a deterministic digest of normalized content and drives
// deduplication: ingesting identical content for the same source is a no-op.
type Atom struct {
	ID         AtomID     `json:"id"`
	Timestamp  int64      `json:"timestamp"` // ingestion time, epoch milliseconds
	Content    string     `json:"content"`
	Source     string     `json:"source"`      // originating path/URL/identifier
	Sequence   int        `json:"sequence"`    // position within the originating source
	Type       string     `json:"type"`        // ingestion category (code, prose, ...)
	Hash       string     `json:"hash"`        // content digest for dedup
	CompoundID string     `json:"compound_id"` // molecule grouping key
	Buckets    []string   `json:"buckets"`     // coarse categories; first entry is primary
	Tags       []string   `json:"tags"`
	Provenance Provenance `json:"provenance"`
	Embedding  []float32  `json:"embedding,omitempty"`
}

// PrimaryBucket returns the first bucket, or GeneralBucket if none assigned.
func (a *Atom) PrimaryBucket() string {
	if len(a.Buckets) == 0 {
		return GeneralBucket
	}
	return a.Buckets[0]
}

// HasTag reports whether the atom carries the given tag.
func (a *Atom) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasBucket reports whether the atom carries the given bucket.
func (a *Atom) HasBucket(bucket string) bool {
	for _, b := range a.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// SummaryNode is a derived abstraction over a cluster of atoms or lower
// summary nodes. Summary nodes are created by the Dreamer and never mutated
// afterwards; later cycles supersede rather than edit them.
type SummaryNode struct {
	ID          SummaryID `json:"id"`
	Type        string    `json:"type"` // SummaryEpisode or SummaryEpoch
	Content     string    `json:"content"`
	SpanStart   int64     `json:"span_start"` // covering timestamps, epoch ms
	SpanEnd     int64     `json:"span_end"`
	MemberCount int       `json:"member_count"`
	CreatedAt   int64     `json:"created_at"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// Summary node types in the abstraction pyramid.
const (
	SummaryEpisode = "episode"
	SummaryEpoch   = "epoch"
)

// ParentEdge links a SummaryNode to one of its members. The relation forms a
// forest: each child has at most one parent. An atom with no ParentEdge is
// "unbound" and eligible for clustering in the next Dreamer pass.
type ParentEdge struct {
	ParentID SummaryID `json:"parent_id"`
	ChildID  string    `json:"child_id"` // AtomID or SummaryID
	Weight   float64   `json:"weight"`
}

// SynonymRing maps a canonical term to its synonyms. Rings expand queries at
// search time only; they never mutate atoms.
type SynonymRing struct {
	Canonical string   `json:"canonical"`
	Terms     []string `json:"terms"`
}

// InRing reports whether term is the canonical term or one of its synonyms.
func (r *SynonymRing) InRing(term string) bool {
	if term == r.Canonical {
		return true
	}
	for _, t := range r.Terms {
		if t == term {
			return true
		}
	}
	return false
}

// Engine is the storage capability consumed by every Muninn component.
//
// Implementations must be safe for concurrent use. Scans deliver copies;
// callers may mutate returned records freely and persist changes with an
// explicit upsert.
type Engine interface {
	// Atom relation
	PutAtom(atom *Atom) error
	GetAtom(id AtomID) (*Atom, error)
	AtomBySourceHash(source, hash string) (*Atom, error)
	BulkUpsertAtoms(atoms []*Atom) error
	ScanAtoms(fn func(*Atom) bool) error
	AtomsByTag(tag string) ([]*Atom, error)
	UnboundAtoms(limit int) ([]*Atom, error)
	AtomCount() (int64, error)

	// SummaryNode relation
	PutSummary(node *SummaryNode) error
	GetSummary(id SummaryID) (*SummaryNode, error)
	Summaries() ([]*SummaryNode, error)
	SummaryCount() (int64, error)

	// ParentEdge relation
	PutParentEdges(edges []ParentEdge) error
	ParentOf(childID string) (*ParentEdge, error)
	ChildrenOf(parentID SummaryID) ([]ParentEdge, error)
	EdgeCount() (int64, error)

	// SynonymRing relation
	PutSynonymRing(ring *SynonymRing) error
	SynonymRings() ([]*SynonymRing, error)

	Close() error
}

// sourceHashKey builds the dedup lookup key for AtomBySourceHash.
func sourceHashKey(source, hash string) string {
	return source + "\x00" + hash
}
