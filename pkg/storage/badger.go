// Package storage provides storage engine implementations for Muninn.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface with full ACID transaction support.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixAtom       = byte(0x01) // atom:atomID -> gob(Atom)
	prefixSummary    = byte(0x02) // summary:summaryID -> gob(SummaryNode)
	prefixParent     = byte(0x03) // parent:childID -> gob(ParentEdge)
	prefixChildIndex = byte(0x04) // children:parentID:childID -> []byte{}
	prefixTagIndex   = byte(0x05) // tag:tagName:atomID -> []byte{}
	prefixHashIndex  = byte(0x06) // hash:source:hash -> atomID
	prefixRing       = byte(0x07) // ring:canonical -> gob(SynonymRing)
	prefixUnbound    = byte(0x08) // unbound:timestamp:atomID -> []byte{} (atoms with no parent)
)

// hot-atom cache sizing for ristretto (cost = 1 per atom)
const (
	atomCacheNumCounters = 100_000
	atomCacheMaxCost     = 10_000
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for all operations
//   - Atomic bulk upserts (all-or-nothing per batch)
//   - Secondary indexes for tag, dedup-hash, and unbound-atom lookups
//   - Ristretto hot-atom cache on the read path
//   - Thread-safe concurrent access
//
// Key Structure:
//   - Atoms: 0x01 + atomID -> gob(Atom)
//   - Summaries: 0x02 + summaryID -> gob(SummaryNode)
//   - Parent edges: 0x03 + childID -> gob(ParentEdge)
//   - Child index: 0x04 + parentID + 0x00 + childID -> empty
//   - Tag index: 0x05 + tag + 0x00 + atomID -> empty
//   - Hash index: 0x06 + source + 0x00 + hash -> atomID
//   - Synonym rings: 0x07 + canonical -> gob(SynonymRing)
//   - Unbound index: 0x08 + bigendian(timestamp) + atomID -> empty
//
// The unbound index orders atoms by ingestion timestamp so the Dreamer's
// clustering pass can stream them without a full scan and sort.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // protects closed
	closed bool

	// Hot atom cache for frequently accessed atoms.
	// Invalidated on every write to the atom.
	atomCache *ristretto.Cache[string, *Atom]
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool
}

// NewBadgerEngine creates a persistent storage engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates a memory-only engine for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions creates a storage engine with custom options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("storage: DataDir required for persistent engine")
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Atom]{
		NumCounters: atomCacheNumCounters,
		MaxCost:     atomCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init atom cache: %w", err)
	}

	return &BadgerEngine{db: db, atomCache: cache}, nil
}

// ensureOpen returns ErrStorageClosed if the engine has been closed.
func (b *BadgerEngine) ensureOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close closes the storage engine and releases the Badger lock.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.atomCache.Close()
	return b.db.Close()
}

// ============================================================================
// Key builders
// ============================================================================

func atomKey(id AtomID) []byte {
	return append([]byte{prefixAtom}, id...)
}

func summaryKey(id SummaryID) []byte {
	return append([]byte{prefixSummary}, id...)
}

func parentKey(childID string) []byte {
	return append([]byte{prefixParent}, childID...)
}

func childIndexKey(parentID SummaryID, childID string) []byte {
	key := append([]byte{prefixChildIndex}, parentID...)
	key = append(key, 0x00)
	return append(key, childID...)
}

func tagIndexKey(tag string, id AtomID) []byte {
	key := append([]byte{prefixTagIndex}, tag...)
	key = append(key, 0x00)
	return append(key, id...)
}

func hashIndexKey(source, hash string) []byte {
	return append([]byte{prefixHashIndex}, sourceHashKey(source, hash)...)
}

func ringKey(canonical string) []byte {
	return append([]byte{prefixRing}, canonical...)
}

func unboundKey(timestamp int64, id AtomID) []byte {
	key := make([]byte, 1, 9+len(id))
	key[0] = prefixUnbound
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	key = append(key, ts[:]...)
	return append(key, id...)
}

// ============================================================================
// Encoding
// ============================================================================

func encodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("storage: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("storage: decode: %w", err)
	}
	return nil
}

// ============================================================================
// Atom operations
// ============================================================================

// PutAtom upserts an atom by ID, maintaining the tag, hash, and unbound
// indexes in the same transaction.
func (b *BadgerEngine) PutAtom(atom *Atom) error {
	if atom == nil {
		return ErrInvalidData
	}
	if atom.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return b.putAtomTxn(txn, atom)
	})
	if err != nil {
		return err
	}
	b.atomCache.Del(string(atom.ID))
	return nil
}

// putAtomTxn writes one atom and refreshes its secondary indexes.
func (b *BadgerEngine) putAtomTxn(txn *badger.Txn, atom *Atom) error {
	// Drop stale index entries from a previous version, if any.
	prev, err := getAtomTxn(txn, atom.ID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if prev != nil {
		for _, tag := range prev.Tags {
			if !atom.HasTag(tag) {
				if err := txn.Delete(tagIndexKey(tag, atom.ID)); err != nil {
					return err
				}
			}
		}
		if prev.Hash != atom.Hash || prev.Source != atom.Source {
			if err := txn.Delete(hashIndexKey(prev.Source, prev.Hash)); err != nil {
				return err
			}
		}
		if prev.Timestamp != atom.Timestamp {
			if err := txn.Delete(unboundKey(prev.Timestamp, atom.ID)); err != nil {
				return err
			}
		}
	}

	data, err := encodeRecord(atom)
	if err != nil {
		return err
	}
	if err := txn.Set(atomKey(atom.ID), data); err != nil {
		return err
	}

	for _, tag := range atom.Tags {
		if err := txn.Set(tagIndexKey(tag, atom.ID), []byte{}); err != nil {
			return err
		}
	}
	if atom.Hash != "" {
		if err := txn.Set(hashIndexKey(atom.Source, atom.Hash), []byte(atom.ID)); err != nil {
			return err
		}
	}

	// New atoms start unbound. A bound atom keeps its parent across updates,
	// so only add the unbound entry when no parent edge exists.
	_, err = txn.Get(parentKey(string(atom.ID)))
	if err == badger.ErrKeyNotFound {
		return txn.Set(unboundKey(atom.Timestamp, atom.ID), []byte{})
	}
	return err
}

// getAtomTxn reads one atom inside a transaction.
func getAtomTxn(txn *badger.Txn, id AtomID) (*Atom, error) {
	item, err := txn.Get(atomKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var atom Atom
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &atom)
	})
	if err != nil {
		return nil, err
	}
	return &atom, nil
}

// GetAtom retrieves an atom by ID, consulting the hot cache first.
func (b *BadgerEngine) GetAtom(id AtomID) (*Atom, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	if cached, ok := b.atomCache.Get(string(id)); ok {
		return copyAtom(cached), nil
	}

	var atom *Atom
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		atom, err = getAtomTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.atomCache.Set(string(id), copyAtom(atom), 1)
	return atom, nil
}

// AtomBySourceHash returns the atom with the given content hash for a source.
func (b *BadgerEngine) AtomBySourceHash(source, hash string) (*Atom, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var atom *Atom
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashIndexKey(source, hash))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var id AtomID
		if err := item.Value(func(val []byte) error {
			id = AtomID(val)
			return nil
		}); err != nil {
			return err
		}
		atom, err = getAtomTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return atom, nil
}

// BulkUpsertAtoms upserts multiple atoms in one badger transaction.
// The batch is all-or-nothing: a failure on any atom rolls back the batch.
func (b *BadgerEngine) BulkUpsertAtoms(atoms []*Atom) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}

	for _, atom := range atoms {
		if atom == nil {
			return ErrInvalidData
		}
		if atom.ID == "" {
			return ErrInvalidID
		}
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		for _, atom := range atoms {
			if err := b.putAtomTxn(txn, atom); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, atom := range atoms {
		b.atomCache.Del(string(atom.ID))
	}
	return nil
}

// ScanAtoms calls fn for every atom in the store. Returning false from fn
// stops the scan.
func (b *BadgerEngine) ScanAtoms(fn func(*Atom) bool) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixAtom}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var atom Atom
			err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &atom)
			})
			if err != nil {
				return err
			}
			if !fn(&atom) {
				return nil
			}
		}
		return nil
	})
}

// AtomsByTag returns all atoms carrying the given tag, via the tag index.
func (b *BadgerEngine) AtomsByTag(tag string) ([]*Atom, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	atoms := make([]*Atom, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := append([]byte{prefixTagIndex}, tag...)
		prefix = append(prefix, 0x00)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := AtomID(it.Item().Key()[len(prefix):])
			atom, err := getAtomTxn(txn, id)
			if err == ErrNotFound {
				continue // dangling index entry
			}
			if err != nil {
				return err
			}
			atoms = append(atoms, atom)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return atoms, nil
}

// UnboundAtoms returns atoms with no parent edge, ordered by timestamp
// ascending, bounded to limit (0 = no limit). Uses the unbound index, which
// is already timestamp-ordered.
func (b *BadgerEngine) UnboundAtoms(limit int) ([]*Atom, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	atoms := make([]*Atom, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixUnbound}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id := AtomID(key[9:]) // 1 prefix byte + 8 timestamp bytes
			atom, err := getAtomTxn(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			atoms = append(atoms, atom)
			if limit > 0 && len(atoms) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return atoms, nil
}

// AtomCount returns the number of atoms.
func (b *BadgerEngine) AtomCount() (int64, error) {
	return b.countPrefix(prefixAtom)
}

// ============================================================================
// SummaryNode operations
// ============================================================================

// PutSummary stores a new summary node. Summaries are immutable once
// written: an existing ID returns ErrAlreadyExists.
func (b *BadgerEngine) PutSummary(node *SummaryNode) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	data, err := encodeRecord(node)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(summaryKey(node.ID)); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(summaryKey(node.ID), data)
	})
}

// GetSummary retrieves a summary node by ID.
func (b *BadgerEngine) GetSummary(id SummaryID) (*SummaryNode, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var node SummaryNode
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeRecord(val, &node)
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Summaries returns all summary nodes.
func (b *BadgerEngine) Summaries() ([]*SummaryNode, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	nodes := make([]*SummaryNode, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixSummary}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var node SummaryNode
			err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &node)
			})
			if err != nil {
				return err
			}
			stored := node
			nodes = append(nodes, &stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// SummaryCount returns the number of summary nodes.
func (b *BadgerEngine) SummaryCount() (int64, error) {
	return b.countPrefix(prefixSummary)
}

// ============================================================================
// ParentEdge operations
// ============================================================================

// PutParentEdges creates parent edges in one atomic transaction.
//
// The parent relation is a forest: a child with an existing parent is
// rejected with ErrHasParent and the whole batch rolls back. Newly bound
// atoms are removed from the unbound index in the same transaction.
func (b *BadgerEngine) PutParentEdges(edges []ParentEdge) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		seen := make(map[string]struct{}, len(edges))
		for _, edge := range edges {
			if edge.ParentID == "" || edge.ChildID == "" {
				return ErrInvalidID
			}
			if _, dup := seen[edge.ChildID]; dup {
				return ErrHasParent
			}
			seen[edge.ChildID] = struct{}{}

			_, err := txn.Get(parentKey(edge.ChildID))
			if err == nil {
				return ErrHasParent
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}

		for _, edge := range edges {
			data, err := encodeRecord(&edge)
			if err != nil {
				return err
			}
			if err := txn.Set(parentKey(edge.ChildID), data); err != nil {
				return err
			}
			if err := txn.Set(childIndexKey(edge.ParentID, edge.ChildID), []byte{}); err != nil {
				return err
			}

			// A bound atom leaves the unbound index.
			atom, err := getAtomTxn(txn, AtomID(edge.ChildID))
			if err == nil {
				if err := txn.Delete(unboundKey(atom.Timestamp, atom.ID)); err != nil {
					return err
				}
			} else if err != ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// ParentOf returns the parent edge for a child, or ErrNotFound if unbound.
func (b *BadgerEngine) ParentOf(childID string) (*ParentEdge, error) {
	if childID == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var edge ParentEdge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(parentKey(childID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeRecord(val, &edge)
		})
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

// ChildrenOf returns all parent edges originating at the given summary node.
func (b *BadgerEngine) ChildrenOf(parentID SummaryID) ([]ParentEdge, error) {
	if parentID == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	edges := make([]ParentEdge, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := append([]byte{prefixChildIndex}, parentID...)
		prefix = append(prefix, 0x00)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			childID := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(parentKey(childID))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var edge ParentEdge
			if err := item.Value(func(val []byte) error {
				return decodeRecord(val, &edge)
			}); err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// EdgeCount returns the number of parent edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixParent)
}

// ============================================================================
// SynonymRing operations
// ============================================================================

// PutSynonymRing upserts a synonym ring keyed by canonical term.
func (b *BadgerEngine) PutSynonymRing(ring *SynonymRing) error {
	if ring == nil {
		return ErrInvalidData
	}
	if ring.Canonical == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	data, err := encodeRecord(ring)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ringKey(ring.Canonical), data)
	})
}

// SynonymRings returns all synonym rings.
func (b *BadgerEngine) SynonymRings() ([]*SynonymRing, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	rings := make([]*SynonymRing, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRing}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ring SynonymRing
			err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &ring)
			})
			if err != nil {
				return err
			}
			stored := ring
			rings = append(rings, &stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rings, nil
}

// countPrefix counts keys under a single-byte prefix.
func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Verify BadgerEngine implements Engine interface
var _ Engine = (*BadgerEngine)(nil)
