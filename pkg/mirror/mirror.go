// Package mirror projects the store onto the filesystem as browsable
// markdown. The mirror is derived state: it is rebuilt wholesale from the
// store and never read back, so a crash mid-export at worst leaves a stale
// mirror, never a corrupt store.
//
// Layout under the mirror root:
//
//	<bucket>/<atom-id>.md      one file per atom, per bucket it belongs to
//	episodes/<summary-id>.md   one file per episode summary
//
// Exports are atomic at the directory level: the new tree is written to a
// temp directory beside the root, then renamed into place.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/storage"
)

const episodesDir = "episodes"

// Exporter writes the mirror.
type Exporter struct {
	store  storage.Engine
	root   string
	logger *log.Logger
}

// NewExporter creates an exporter targeting root.
func NewExporter(store storage.Engine, root string) *Exporter {
	return &Exporter{
		store:  store,
		root:   root,
		logger: log.WithPrefix("mirror"),
	}
}

// Export rebuilds the mirror from the store. Returns the number of files
// written.
func (e *Exporter) Export() (int, error) {
	parent := filepath.Dir(e.root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, fmt.Errorf("mirror: prepare parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".mirror-*")
	if err != nil {
		return 0, fmt.Errorf("mirror: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	written := 0
	scanErr := e.store.ScanAtoms(func(atom *storage.Atom) bool {
		for _, bucket := range atom.Buckets {
			path := filepath.Join(staging, sanitize(bucket), string(atom.ID)+".md")
			if err = writeFile(path, renderAtom(atom)); err != nil {
				return false
			}
			written++
		}
		return true
	})
	if scanErr != nil {
		return 0, fmt.Errorf("mirror: scan atoms: %w", scanErr)
	}
	if err != nil {
		return 0, fmt.Errorf("mirror: write atom: %w", err)
	}

	summaries, err := e.store.Summaries()
	if err != nil {
		return 0, fmt.Errorf("mirror: list summaries: %w", err)
	}
	for _, summary := range summaries {
		children, err := e.store.ChildrenOf(summary.ID)
		if err != nil {
			return 0, fmt.Errorf("mirror: children of %s: %w", summary.ID, err)
		}
		path := filepath.Join(staging, episodesDir, string(summary.ID)+".md")
		if err := writeFile(path, renderSummary(summary, children)); err != nil {
			return 0, fmt.Errorf("mirror: write summary: %w", err)
		}
		written++
	}

	// Swap the finished tree into place.
	old := e.root + ".old"
	if err := os.RemoveAll(old); err != nil {
		return 0, fmt.Errorf("mirror: clear previous: %w", err)
	}
	if _, statErr := os.Stat(e.root); statErr == nil {
		if err := os.Rename(e.root, old); err != nil {
			return 0, fmt.Errorf("mirror: retire current: %w", err)
		}
	}
	if err := os.Rename(staging, e.root); err != nil {
		return 0, fmt.Errorf("mirror: install: %w", err)
	}
	os.RemoveAll(old)

	e.logger.Info("mirror exported", "root", e.root, "files", written)
	return written, nil
}

// renderAtom emits one atom as markdown with a small metadata header.
func renderAtom(atom *storage.Atom) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %s\n", atom.ID)
	fmt.Fprintf(&b, "source: %s\n", atom.Source)
	fmt.Fprintf(&b, "timestamp: %s\n", time.UnixMilli(atom.Timestamp).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "provenance: %s\n", atom.Provenance)
	if len(atom.Buckets) > 0 {
		fmt.Fprintf(&b, "buckets: %s\n", strings.Join(sortedCopy(atom.Buckets), ", "))
	}
	if len(atom.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(sortedCopy(atom.Tags), ", "))
	}
	b.WriteString("---\n\n")
	b.WriteString(atom.Content)
	if !strings.HasSuffix(atom.Content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// renderSummary emits one episode summary with its member listing.
func renderSummary(summary *storage.SummaryNode, children []storage.ParentEdge) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %s\n", summary.ID)
	fmt.Fprintf(&b, "type: %s\n", summary.Type)
	fmt.Fprintf(&b, "span: %s .. %s\n",
		time.UnixMilli(summary.SpanStart).UTC().Format(time.RFC3339),
		time.UnixMilli(summary.SpanEnd).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "members: %d\n", summary.MemberCount)
	b.WriteString("---\n\n")
	b.WriteString(summary.Content)
	if !strings.HasSuffix(summary.Content, "\n") {
		b.WriteString("\n")
	}
	if len(children) > 0 {
		b.WriteString("\n## Members\n\n")
		ids := make([]string, 0, len(children))
		for _, edge := range children {
			ids = append(ids, edge.ChildID)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	return b.String()
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// sanitize keeps bucket names filesystem-safe.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		}
		return r
	}, name)
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}
