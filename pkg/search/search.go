// Package search answers queries against the atom store.
//
// A query goes through four stages: candidate filtering (buckets,
// provenance), literal matching with synonym-ring expansion, an optional
// associative pass via the tag walker, and budget-bounded context assembly.
// Literal hits always rank above associative hits; the walker can surface
// new material but never reorder the literal tier.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/viterin/vek/vek32"

	"github.com/orneryd/muninn/pkg/atomizer"
	"github.com/orneryd/muninn/pkg/nlp"
	"github.com/orneryd/muninn/pkg/storage"
)

// ErrStoreUnavailable is returned when the underlying store cannot be
// reached. It is never conflated with an empty result set.
var ErrStoreUnavailable = errors.New("search: store unavailable")

// Request carries the search parameters.
type Request struct {
	Query string

	// Buckets restricts candidates to atoms whose bucket set intersects
	// the filter. Empty means no bucket filtering.
	Buckets []string

	// CharBudget bounds the total content length of the assembled context.
	// Zero or negative means unbounded.
	CharBudget int

	// Deep enables the associative tag walker.
	Deep bool

	// Provenance restricts candidates to one provenance class. Empty means
	// any.
	Provenance storage.Provenance
}

// Hit is one ranked result.
type Hit struct {
	Atom        *storage.Atom
	Score       float64
	Associative bool

	// MatchedTerm is the expansion term that matched, for literal hits.
	MatchedTerm string

	// Path is the tag traversal that justified an associative hit, from a
	// literal hit's tag outward.
	Path []string
}

// Response is the search result: ranked hits that fit the budget and the
// assembled context string.
type Response struct {
	Results []*Hit
	Context string
}

// Config tunes the search engine.
type Config struct {
	// WalkerSeeds is how many top literal hits seed the walker.
	WalkerSeeds int

	// WalkerMaxHops bounds the associative traversal depth.
	WalkerMaxHops int

	// WalkerMaxResults caps associative hits per query.
	WalkerMaxResults int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		WalkerSeeds:      5,
		WalkerMaxHops:    2,
		WalkerMaxResults: 25,
	}
}

// Engine executes searches against a store.
type Engine struct {
	store      storage.Engine
	capability nlp.Capability
	config     Config
	logger     *log.Logger
	now        func() time.Time
}

// NewEngine creates a search engine. The capability is optional: when
// present, query embeddings break score ties in the literal tier.
func NewEngine(store storage.Engine, capability nlp.Capability, config Config) *Engine {
	if config.WalkerSeeds <= 0 {
		config.WalkerSeeds = DefaultConfig().WalkerSeeds
	}
	if config.WalkerMaxHops <= 0 {
		config.WalkerMaxHops = DefaultConfig().WalkerMaxHops
	}
	if config.WalkerMaxResults <= 0 {
		config.WalkerMaxResults = DefaultConfig().WalkerMaxResults
	}
	return &Engine{
		store:      store,
		capability: capability,
		config:     config,
		logger:     log.WithPrefix("search"),
		now:        time.Now,
	}
}

// Search runs the full pipeline and assembles a budget-bounded response.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	expansions, err := e.expandQuery(query)
	if err != nil {
		return nil, storeErr(err)
	}

	literal, err := e.literalHits(req, expansions)
	if err != nil {
		return nil, storeErr(err)
	}

	e.scoreLiteral(ctx, query, literal)
	sortHits(literal)

	hits := literal
	if req.Deep {
		associative, err := e.walk(literal, req)
		if err != nil {
			return nil, storeErr(err)
		}
		sortHits(associative)
		hits = append(hits, associative...)
	}

	return assemble(hits, req.CharBudget), nil
}

// expandQuery returns the lowercase match strings for a query: the query
// itself, each of its terms, and every synonym-ring term reachable from
// them.
func (e *Engine) expandQuery(query string) ([]string, error) {
	rings, err := e.store.SynonymRings()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	expansions := make([]string, 0, 4)
	add := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		expansions = append(expansions, term)
	}

	add(query)
	terms := strings.Fields(strings.ToLower(query))
	for _, term := range terms {
		add(term)
	}
	for _, ring := range rings {
		for _, term := range terms {
			if ring.InRing(term) {
				add(ring.Canonical)
				for _, synonym := range ring.Terms {
					add(synonym)
				}
				break
			}
		}
	}
	return expansions, nil
}

// literalHits scans eligible atoms and keeps those whose content or tags
// match any expansion.
func (e *Engine) literalHits(req Request, expansions []string) ([]*Hit, error) {
	hits := make([]*Hit, 0)
	err := e.store.ScanAtoms(func(atom *storage.Atom) bool {
		if !eligible(atom, req) {
			return true
		}
		content := strings.ToLower(atom.Content)
		for _, expansion := range expansions {
			if strings.Contains(content, expansion) || tagMatches(atom, expansion) {
				hits = append(hits, &Hit{Atom: atom, MatchedTerm: expansion})
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// scoreLiteral assigns within-tier scores: term coverage, specificity of
// bucketing and tagging, an archival downweight, and an embedding-similarity
// epsilon that only separates otherwise-equal scores.
func (e *Engine) scoreLiteral(ctx context.Context, query string, hits []*Hit) {
	var queryEmbedding []float32
	if e.capability != nil {
		if embedding, err := e.capability.Embed(ctx, query); err == nil {
			queryEmbedding = embedding
		} else if !errors.Is(err, nlp.ErrUnavailable) {
			e.logger.Debug("query embedding unavailable", "err", err)
		}
	}

	terms := strings.Fields(strings.ToLower(query))
	for _, hit := range hits {
		content := strings.ToLower(hit.Atom.Content)
		bonus := 0.0
		for _, term := range terms {
			if strings.Contains(content, term) {
				bonus += 10
			}
		}
		if hit.Atom.PrimaryBucket() != storage.GeneralBucket {
			bonus += 5
		}
		bonus += float64(len(hit.Atom.Tags))
		// Downweight archived material within the tier. The 100 floor keeps
		// every literal hit above the associative tier.
		if hit.Atom.HasTag(atomizer.ArchiveTag) {
			bonus *= atomizer.ArchiveWeight(hit.Atom.Timestamp, e.now())
		}
		score := 100.0 + bonus
		if queryEmbedding != nil && len(hit.Atom.Embedding) == len(queryEmbedding) {
			score += float64(vek32.CosineSimilarity(queryEmbedding, hit.Atom.Embedding)) * 0.001
		}
		hit.Score = score
	}
}

// eligible applies the bucket and provenance filters.
func eligible(atom *storage.Atom, req Request) bool {
	if req.Provenance != "" && atom.Provenance != req.Provenance {
		return false
	}
	if len(req.Buckets) == 0 {
		return true
	}
	for _, bucket := range req.Buckets {
		if atom.HasBucket(bucket) {
			return true
		}
	}
	return false
}

func tagMatches(atom *storage.Atom, expansion string) bool {
	for _, tag := range atom.Tags {
		if strings.ToLower(tag) == expansion {
			return true
		}
	}
	return false
}

// sortHits orders by score descending, then recency, then ID for
// determinism.
func sortHits(hits []*Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Atom.Timestamp != hits[j].Atom.Timestamp {
			return hits[i].Atom.Timestamp > hits[j].Atom.Timestamp
		}
		return hits[i].Atom.ID < hits[j].Atom.ID
	})
}

// assemble builds the response under the character budget. An atom is
// included whole or not at all; once one does not fit, assembly stops.
func assemble(hits []*Hit, budget int) *Response {
	response := &Response{Results: make([]*Hit, 0, len(hits))}
	var context strings.Builder
	for _, hit := range hits {
		need := len(hit.Atom.Content)
		if context.Len() > 0 {
			need += len(contextSeparator)
		}
		if budget > 0 && context.Len()+need > budget {
			break
		}
		if context.Len() > 0 {
			context.WriteString(contextSeparator)
		}
		context.WriteString(hit.Atom.Content)
		response.Results = append(response.Results, hit)
	}
	response.Context = context.String()
	return response
}

const contextSeparator = "\n\n"

// storeErr maps storage failures onto the store-unavailable error class so
// callers can tell "no matches" from "could not search".
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
