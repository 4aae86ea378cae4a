// MemoryEngine is a thread-safe in-memory storage for testing and ephemeral
// opens (dataDir == "").
package storage

import (
	"sort"
	"sync"
)

// MemoryEngine is an in-memory implementation of Engine.
// It's useful for:
// - Unit testing (no disk I/O)
// - Ephemeral stores that never need to survive a restart
// - Small corpora that fit in RAM
type MemoryEngine struct {
	mu        sync.RWMutex
	atoms     map[AtomID]*Atom
	summaries map[SummaryID]*SummaryNode
	rings     map[string]*SynonymRing

	// Indexes for efficient lookups
	atomsByTag    map[string]map[AtomID]struct{}
	atomsByHash   map[string]AtomID // sourceHashKey -> atom
	parentByChild map[string]ParentEdge
	childrenOf    map[SummaryID]map[string]struct{}

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		atoms:         make(map[AtomID]*Atom),
		summaries:     make(map[SummaryID]*SummaryNode),
		rings:         make(map[string]*SynonymRing),
		atomsByTag:    make(map[string]map[AtomID]struct{}),
		atomsByHash:   make(map[string]AtomID),
		parentByChild: make(map[string]ParentEdge),
		childrenOf:    make(map[SummaryID]map[string]struct{}),
	}
}

// PutAtom upserts an atom by ID.
func (m *MemoryEngine) PutAtom(atom *Atom) error {
	if atom == nil {
		return ErrInvalidData
	}
	if atom.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	m.putAtomLocked(atom)
	return nil
}

// putAtomLocked stores a copy of the atom and refreshes its indexes.
// Caller must hold the write lock.
func (m *MemoryEngine) putAtomLocked(atom *Atom) {
	if prev, ok := m.atoms[atom.ID]; ok {
		for _, tag := range prev.Tags {
			if m.atomsByTag[tag] != nil {
				delete(m.atomsByTag[tag], atom.ID)
			}
		}
		delete(m.atomsByHash, sourceHashKey(prev.Source, prev.Hash))
	}

	stored := copyAtom(atom)
	m.atoms[atom.ID] = stored

	for _, tag := range stored.Tags {
		if m.atomsByTag[tag] == nil {
			m.atomsByTag[tag] = make(map[AtomID]struct{})
		}
		m.atomsByTag[tag][atom.ID] = struct{}{}
	}
	if stored.Hash != "" {
		m.atomsByHash[sourceHashKey(stored.Source, stored.Hash)] = atom.ID
	}
}

// GetAtom retrieves an atom by ID.
func (m *MemoryEngine) GetAtom(id AtomID) (*Atom, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	atom, exists := m.atoms[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyAtom(atom), nil
}

// AtomBySourceHash returns the atom with the given content hash for a source.
// Used by ingestion to make re-ingestion idempotent.
func (m *MemoryEngine) AtomBySourceHash(source, hash string) (*Atom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	id, exists := m.atomsByHash[sourceHashKey(source, hash)]
	if !exists {
		return nil, ErrNotFound
	}
	return copyAtom(m.atoms[id]), nil
}

// BulkUpsertAtoms upserts multiple atoms in one atomic batch.
func (m *MemoryEngine) BulkUpsertAtoms(atoms []*Atom) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	// Validate the whole batch before touching any index.
	for _, atom := range atoms {
		if atom == nil {
			return ErrInvalidData
		}
		if atom.ID == "" {
			return ErrInvalidID
		}
	}

	for _, atom := range atoms {
		m.putAtomLocked(atom)
	}
	return nil
}

// ScanAtoms calls fn for every atom in the store. Returning false from fn
// stops the scan. Atoms are delivered as copies.
func (m *MemoryEngine) ScanAtoms(fn func(*Atom) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	snapshot := make([]*Atom, 0, len(m.atoms))
	for _, atom := range m.atoms {
		snapshot = append(snapshot, copyAtom(atom))
	}
	m.mu.RUnlock()

	// Callbacks run outside the lock so they may write back mid-scan.
	for _, atom := range snapshot {
		if !fn(atom) {
			return nil
		}
	}
	return nil
}

// AtomsByTag returns all atoms carrying the given tag.
func (m *MemoryEngine) AtomsByTag(tag string) ([]*Atom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.atomsByTag[tag]
	atoms := make([]*Atom, 0, len(ids))
	for id := range ids {
		if atom := m.atoms[id]; atom != nil {
			atoms = append(atoms, copyAtom(atom))
		}
	}
	return atoms, nil
}

// UnboundAtoms returns atoms with no ParentEdge, ordered by timestamp
// ascending, bounded to limit (0 = no limit).
func (m *MemoryEngine) UnboundAtoms(limit int) ([]*Atom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	unbound := make([]*Atom, 0)
	for id, atom := range m.atoms {
		if _, bound := m.parentByChild[string(id)]; !bound {
			unbound = append(unbound, copyAtom(atom))
		}
	}
	sort.Slice(unbound, func(i, j int) bool {
		if unbound[i].Timestamp != unbound[j].Timestamp {
			return unbound[i].Timestamp < unbound[j].Timestamp
		}
		return unbound[i].ID < unbound[j].ID
	})
	if limit > 0 && len(unbound) > limit {
		unbound = unbound[:limit]
	}
	return unbound, nil
}

// AtomCount returns the number of atoms.
func (m *MemoryEngine) AtomCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.atoms)), nil
}

// PutSummary stores a new summary node. Summaries are immutable once
// written: an existing ID returns ErrAlreadyExists.
func (m *MemoryEngine) PutSummary(node *SummaryNode) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.summaries[node.ID]; exists {
		return ErrAlreadyExists
	}
	m.summaries[node.ID] = copySummary(node)
	return nil
}

// GetSummary retrieves a summary node by ID.
func (m *MemoryEngine) GetSummary(id SummaryID) (*SummaryNode, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.summaries[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySummary(node), nil
}

// Summaries returns all summary nodes.
func (m *MemoryEngine) Summaries() ([]*SummaryNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*SummaryNode, 0, len(m.summaries))
	for _, node := range m.summaries {
		nodes = append(nodes, copySummary(node))
	}
	return nodes, nil
}

// SummaryCount returns the number of summary nodes.
func (m *MemoryEngine) SummaryCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.summaries)), nil
}

// PutParentEdges creates parent edges in one atomic batch.
//
// The parent relation is a forest: a child with an existing parent is
// rejected with ErrHasParent and the whole batch is abandoned.
func (m *MemoryEngine) PutParentEdges(edges []ParentEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	seen := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		if edge.ParentID == "" || edge.ChildID == "" {
			return ErrInvalidID
		}
		if _, exists := m.parentByChild[edge.ChildID]; exists {
			return ErrHasParent
		}
		if _, dup := seen[edge.ChildID]; dup {
			return ErrHasParent
		}
		seen[edge.ChildID] = struct{}{}
	}

	for _, edge := range edges {
		m.parentByChild[edge.ChildID] = edge
		if m.childrenOf[edge.ParentID] == nil {
			m.childrenOf[edge.ParentID] = make(map[string]struct{})
		}
		m.childrenOf[edge.ParentID][edge.ChildID] = struct{}{}
	}
	return nil
}

// ParentOf returns the parent edge for a child, or ErrNotFound if unbound.
func (m *MemoryEngine) ParentOf(childID string) (*ParentEdge, error) {
	if childID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.parentByChild[childID]
	if !exists {
		return nil, ErrNotFound
	}
	out := edge
	return &out, nil
}

// ChildrenOf returns all parent edges originating at the given summary node.
func (m *MemoryEngine) ChildrenOf(parentID SummaryID) ([]ParentEdge, error) {
	if parentID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	children := m.childrenOf[parentID]
	edges := make([]ParentEdge, 0, len(children))
	for childID := range children {
		edges = append(edges, m.parentByChild[childID])
	}
	return edges, nil
}

// EdgeCount returns the number of parent edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.parentByChild)), nil
}

// PutSynonymRing upserts a synonym ring keyed by canonical term.
func (m *MemoryEngine) PutSynonymRing(ring *SynonymRing) error {
	if ring == nil {
		return ErrInvalidData
	}
	if ring.Canonical == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	m.rings[ring.Canonical] = copyRing(ring)
	return nil
}

// SynonymRings returns all synonym rings.
func (m *MemoryEngine) SynonymRings() ([]*SynonymRing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rings := make([]*SynonymRing, 0, len(m.rings))
	for _, ring := range m.rings {
		rings = append(rings, copyRing(ring))
	}
	return rings, nil
}

// Close closes the storage engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.atoms = nil
	m.summaries = nil
	m.rings = nil
	m.atomsByTag = nil
	m.atomsByHash = nil
	m.parentByChild = nil
	m.childrenOf = nil

	return nil
}

// copyAtom creates a deep copy of an atom.
func copyAtom(a *Atom) *Atom {
	if a == nil {
		return nil
	}

	copied := &Atom{
		ID:         a.ID,
		Timestamp:  a.Timestamp,
		Content:    a.Content,
		Source:     a.Source,
		Sequence:   a.Sequence,
		Type:       a.Type,
		Hash:       a.Hash,
		CompoundID: a.CompoundID,
		Buckets:    make([]string, len(a.Buckets)),
		Tags:       make([]string, len(a.Tags)),
		Provenance: a.Provenance,
	}
	copy(copied.Buckets, a.Buckets)
	copy(copied.Tags, a.Tags)

	if a.Embedding != nil {
		copied.Embedding = make([]float32, len(a.Embedding))
		copy(copied.Embedding, a.Embedding)
	}
	return copied
}

// copySummary creates a deep copy of a summary node.
func copySummary(n *SummaryNode) *SummaryNode {
	if n == nil {
		return nil
	}

	copied := &SummaryNode{
		ID:          n.ID,
		Type:        n.Type,
		Content:     n.Content,
		SpanStart:   n.SpanStart,
		SpanEnd:     n.SpanEnd,
		MemberCount: n.MemberCount,
		CreatedAt:   n.CreatedAt,
	}
	if n.Embedding != nil {
		copied.Embedding = make([]float32, len(n.Embedding))
		copy(copied.Embedding, n.Embedding)
	}
	return copied
}

// copyRing creates a deep copy of a synonym ring.
func copyRing(r *SynonymRing) *SynonymRing {
	if r == nil {
		return nil
	}
	copied := &SynonymRing{
		Canonical: r.Canonical,
		Terms:     make([]string, len(r.Terms)),
	}
	copy(copied.Terms, r.Terms)
	return copied
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
