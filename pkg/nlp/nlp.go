// Package nlp wraps the external NLP capability consumed by Muninn: given
// text, produce entity/keyword candidates with confidence scores and,
// optionally, a fixed-length embedding vector.
//
// The capability is a black box that can be unloaded and reloaded on demand.
// Release drops the underlying resources (the idle manager calls it on a
// timer); Acquire reloads them transparently before use, costing only
// latency on the next call, never correctness.
package nlp

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrUnavailable is returned when the capability cannot be loaded or the
// backing service is unreachable. Callers recover by degrading to
// content-only behavior rather than failing their operation.
var ErrUnavailable = errors.New("nlp capability unavailable")

// Entity is one extracted entity/keyword candidate.
type Entity struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Capability is the NLP contract consumed by the tag engine and the Dreamer.
//
// Implementations must tolerate Release at any time: a released capability
// reloads itself on the next Entities/Embed call.
type Capability interface {
	// Entities extracts entity/keyword candidates from text.
	Entities(ctx context.Context, text string) ([]Entity, error)

	// Embed returns a fixed-length embedding vector for text, or
	// ErrUnavailable if the implementation does not support embeddings.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Acquire loads the capability's resources if they were released.
	Acquire(ctx context.Context) error

	// Release unloads heavyweight resources. Safe to call at any time.
	Release()

	// LastUsed returns the time of the last successful call, for
	// idle-reclaim decisions.
	LastUsed() time.Time
}

// ============================================================================
// Heuristic capability
// ============================================================================

// stopwords excluded from heuristic keyword extraction.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "it": {}, "its": {},
	"as": {}, "by": {}, "from": {}, "not": {}, "no": {}, "so": {}, "we": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "they": {}, "them": {},
	"will": {}, "would": {}, "can": {}, "could": {}, "into": {}, "over": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
}

// Heuristic is a deterministic, model-free Capability.
//
// It extracts capitalized tokens (proper-noun candidates, confidence 0.8)
// and high-frequency lowercase terms (confidence scaled by frequency). Used
// as the fallback when the model capability is unavailable, and in tests.
// Embeddings are not supported.
type Heuristic struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// NewHeuristic returns the deterministic fallback capability.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Entities extracts keyword candidates without any model call.
func (h *Heuristic) Entities(_ context.Context, text string) ([]Entity, error) {
	h.touch()

	type termStat struct {
		count      int
		capitalCnt int
	}
	stats := make(map[string]*termStat)

	for _, token := range tokenize(text) {
		lower := strings.ToLower(token)
		if _, stop := stopwords[lower]; stop || len(lower) < 3 {
			continue
		}
		st := stats[lower]
		if st == nil {
			st = &termStat{}
			stats[lower] = st
		}
		st.count++
		if unicode.IsUpper([]rune(token)[0]) {
			st.capitalCnt++
		}
	}

	entities := make([]Entity, 0, len(stats))
	for term, st := range stats {
		confidence := 0.0
		switch {
		case st.capitalCnt > 0:
			confidence = 0.8
		case st.count >= 3:
			confidence = 0.6
		case st.count == 2:
			confidence = 0.4
		default:
			continue // single lowercase occurrence is noise
		}
		entities = append(entities, Entity{Text: term, Confidence: confidence})
	}

	// Deterministic order: confidence desc, then term.
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Confidence != entities[j].Confidence {
			return entities[i].Confidence > entities[j].Confidence
		}
		return entities[i].Text < entities[j].Text
	})
	return entities, nil
}

// Embed is not supported by the heuristic capability.
func (h *Heuristic) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

// Acquire is a no-op: the heuristic holds no resources.
func (h *Heuristic) Acquire(context.Context) error { return nil }

// Release is a no-op.
func (h *Heuristic) Release() {}

// LastUsed returns the time of the last extraction.
func (h *Heuristic) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

func (h *Heuristic) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// tokenize splits text into word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

var _ Capability = (*Heuristic)(nil)
