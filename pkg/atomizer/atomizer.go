// Package atomizer splits raw ingested content into Atoms and groups them
// into a Molecule (one grouping per ingestion call).
//
// The atomizer is a pure transformation: it never touches storage and never
// calls a model. Persistence and deduplication against existing atoms are
// the caller's responsibility; the atomizer only guarantees deterministic
// splitting, hashing, and provenance-derived tagging.
//
// Splitting strategy:
//   - Sources that look like code are split along balanced block boundaries
//     (function/class bodies). A single structural block is never split
//     across two atoms.
//   - Prose falls back to paragraph splitting, coalescing small paragraphs
//     up to MaxAtomSize so a short document yields a single atom.
package atomizer

import (
	"encoding/hex"
	"errors"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/temporal"
)

// ErrMalformedInput is returned for empty or unparseable content. Nothing is
// persisted when atomization fails.
var ErrMalformedInput = errors.New("malformed input: empty or unparseable content")

// ArchiveTag marks atoms originating from historical/archival paths.
const ArchiveTag = "#Archive"

// Source-type ingestion categories.
const (
	TypeCode  = "code"
	TypeProse = "prose"
)

// DefaultMaxAtomSize bounds how much prose is coalesced into one atom.
const DefaultMaxAtomSize = 2000

// codeExtensions recognizes sources that should be split structurally.
var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
	".java": {}, ".c": {}, ".h": {}, ".cpp": {}, ".hpp": {}, ".cs": {},
	".rs": {}, ".rb": {}, ".php": {}, ".swift": {}, ".kt": {}, ".scala": {},
}

// archivalRoots recognizes path segments that mark historical content.
var archivalRoots = map[string]struct{}{
	"history": {}, "archive": {}, "archives": {}, "archived": {},
	"backup": {}, "backups": {}, "old": {},
}

// Molecule is the grouping of atoms produced by one ingestion call. It is a
// weak association: atoms carry the CompoundID back-reference, and the
// molecule itself is not stored as a row.
type Molecule struct {
	ID      string
	Source  string
	AtomIDs []storage.AtomID
}

// Result is the structured output of one Atomize call.
type Result struct {
	Atoms     []*storage.Atom
	Molecules []*Molecule
}

// Atomizer splits raw content into atoms.
type Atomizer struct {
	// MaxAtomSize bounds prose atom length. Structural code blocks may
	// exceed it; they are never split.
	MaxAtomSize int

	// Now supplies ingestion time; overridable for tests.
	Now func() time.Time
}

// New returns an Atomizer with default settings.
func New() *Atomizer {
	return &Atomizer{
		MaxAtomSize: DefaultMaxAtomSize,
		Now:         time.Now,
	}
}

// Atomize splits content into atoms grouped under one molecule.
//
// Every atom receives:
//   - a deterministic content hash (normalized content, blake2b)
//   - a temporal year bucket from the ingestion time (buckets are never empty)
//   - the #Archive tag when the source path is recognized as historical
//   - Sequence numbers reconstructing order within the source
func (a *Atomizer) Atomize(content, sourcePath string, provenance storage.Provenance) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrMalformedInput
	}

	srcType := TypeProse
	if looksLikeCode(sourcePath) {
		srcType = TypeCode
	}

	var chunks []string
	if srcType == TypeCode {
		chunks = splitCode(content)
	} else {
		chunks = splitProse(content, a.maxAtomSize())
	}
	if len(chunks) == 0 {
		return nil, ErrMalformedInput
	}

	now := a.Now().UTC()
	ts := now.UnixMilli()
	archival := IsArchivalPath(sourcePath)

	molecule := &Molecule{
		ID:     uuid.NewString(),
		Source: sourcePath,
	}

	atoms := make([]*storage.Atom, 0, len(chunks))
	for seq, chunk := range chunks {
		atom := &storage.Atom{
			ID:         storage.AtomID(uuid.NewString()),
			Timestamp:  ts,
			Content:    chunk,
			Source:     sourcePath,
			Sequence:   seq,
			Type:       srcType,
			Hash:       HashContent(chunk),
			CompoundID: molecule.ID,
			Buckets:    []string{temporal.YearBucket(ts)},
			Provenance: provenance,
		}
		if archival {
			atom.Tags = append(atom.Tags, ArchiveTag)
		}
		atoms = append(atoms, atom)
		molecule.AtomIDs = append(molecule.AtomIDs, atom.ID)
	}

	return &Result{
		Atoms:     atoms,
		Molecules: []*Molecule{molecule},
	}, nil
}

func (a *Atomizer) maxAtomSize() int {
	if a.MaxAtomSize > 0 {
		return a.MaxAtomSize
	}
	return DefaultMaxAtomSize
}

// HashContent computes the deterministic dedup digest of normalized content.
// Normalization collapses line endings and trailing whitespace so formatting
// noise does not defeat deduplication.
func HashContent(content string) string {
	sum := blake2b.Sum256([]byte(normalize(content)))
	return hex.EncodeToString(sum[:])
}

// normalize canonicalizes content for hashing.
func normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// IsArchivalPath reports whether a source path is recognized as historical.
// Pure function of the path string: paths under a history-style root receive
// the #Archive tag, current/active paths never do.
func IsArchivalPath(sourcePath string) bool {
	cleaned := strings.ReplaceAll(sourcePath, "\\", "/")
	for _, segment := range strings.Split(path.Clean(cleaned), "/") {
		if _, ok := archivalRoots[strings.ToLower(segment)]; ok {
			return true
		}
	}
	return false
}

// ArchiveWeight returns the recency-decayed weight of the archival signal
// for content ingested at ts: fresh archives score near 1.0, decaying by
// half every two years. Deterministic in (ts, now); search uses it to rank
// archival hits below fresh ones within a tier.
func ArchiveWeight(tsMillis int64, now time.Time) float64 {
	ageYears := now.UTC().Sub(time.UnixMilli(tsMillis).UTC()).Hours() / (24 * 365)
	if ageYears < 0 {
		ageYears = 0
	}
	return math.Pow(0.5, ageYears/2)
}

// looksLikeCode reports whether the source path has a recognized code
// extension.
func looksLikeCode(sourcePath string) bool {
	_, ok := codeExtensions[strings.ToLower(path.Ext(sourcePath))]
	return ok
}

// splitProse splits content on blank-line paragraph boundaries, coalescing
// consecutive paragraphs until maxSize would be exceeded.
func splitProse(content string, maxSize int) []string {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	chunks := make([]string, 0)
	var current strings.Builder
	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p)+2 > maxSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitParagraphs breaks text into trimmed non-empty paragraphs.
func splitParagraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	parts := strings.Split(content, "\n\n")
	paragraphs := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// splitCode splits source code along balanced block boundaries. A block
// starts at an unindented line and ends when brace depth returns to zero
// (brace languages) or at the next unindented line (indentation languages).
// Leading comments stay attached to the block they precede.
func splitCode(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")

	chunks := make([]string, 0)
	var block []string
	depth := 0

	flush := func() {
		if len(block) == 0 {
			return
		}
		chunk := strings.TrimRight(strings.Join(block, "\n"), "\n \t")
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		block = block[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// A new top-level definition while balanced starts a new block.
		if depth == 0 && len(block) > 0 && trimmed != "" && !isIndented(line) && !isContinuation(block) {
			flush()
		}

		block = append(block, line)
		depth += braceDelta(line)
		if depth < 0 {
			depth = 0
		}
	}
	flush()
	return chunks
}

// isIndented reports whether a line starts with whitespace.
func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// isContinuation reports whether the pending block ends in a way that binds
// the next top-level line to it (trailing comment or blank run only).
func isContinuation(block []string) bool {
	for i := len(block) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(block[i])
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, "//") ||
			strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "/*") ||
			strings.HasPrefix(trimmed, "*")
	}
	return false
}

// braceDelta counts net brace depth change, ignoring braces inside line
// comments and strings well enough for block detection.
func braceDelta(line string) int {
	delta := 0
	inString := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return delta
			}
		case '#':
			return delta
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}
