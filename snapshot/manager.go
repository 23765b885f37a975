// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package snapshot tracks which blocks each retained tree version still
// references, so committing a new version can retire exactly the blocks no
// version needs anymore.
//
// Counts are direct: a block's count is the number of parents that reference
// it across retained versions, plus one for each retained root pointing at it.
// Taking a snapshot is therefore O(1): the root's count goes up by one and the
// whole subtree below it is pinned transitively.
package snapshot

import (
	"fmt"
	"time"

	"github.com/arbordb/arbor"
	"github.com/google/uuid"
)

type BlockID = arbor.BlockID

// Snapshot is one named, retained tree version.
type Snapshot struct {
	ID        uuid.UUID
	Name      string
	Root      BlockID
	CreatedAt time.Time
}

// Manager holds the reference counts and the snapshot directory for one
// database. It is not safe for concurrent use; the database serializes access.
type Manager struct {
	counts map[BlockID]uint32
	snaps  []Snapshot

	// Chain blocks currently holding the persisted table and directory.
	// Replaced wholesale on every encode.
	tableChain []BlockID
	dirChain   []BlockID
}

// NewManager returns an empty manager for a freshly formatted database.
func NewManager() *Manager {
	return &Manager{counts: map[BlockID]uint32{}}
}

// Load reads the persisted table and directory chains written by a previous
// EncodeTable and EncodeDir.
func Load(reader arbor.BlockReader, table, dir BlockID) (m *Manager, err error) {
	m = NewManager()
	if m.counts, m.tableChain, err = decodeTable(reader, table); err != nil {
		return nil, fmt.Errorf("refcount table: %w", err)
	}
	if m.snaps, m.dirChain, err = decodeDir(reader, dir); err != nil {
		return nil, fmt.Errorf("snapshot directory: %w", err)
	}
	return
}

// Clone returns an independent copy. The database clones the manager before
// mutating it so a failed commit can discard the copy.
func (m *Manager) Clone() *Manager {
	clone := &Manager{
		counts:     make(map[BlockID]uint32, len(m.counts)),
		snaps:      append([]Snapshot(nil), m.snaps...),
		tableChain: append([]BlockID(nil), m.tableChain...),
		dirChain:   append([]BlockID(nil), m.dirChain...),
	}
	for blockID, count := range m.counts {
		clone.counts[blockID] = count
	}
	return clone
}

// Count returns the direct reference count of blockID.
func (m *Manager) Count(blockID BlockID) uint32 {
	return m.counts[blockID]
}

// LiveBlocks returns how many blocks are retained by at least one version.
func (m *Manager) LiveBlocks() int {
	return len(m.counts)
}

// Snapshots lists the directory, oldest first.
func (m *Manager) Snapshots() []Snapshot {
	return append([]Snapshot(nil), m.snaps...)
}

// Mutation is the slice of a committed tree mutation the manager accounts
// for: the replacement root and the pages minted along the copied path.
type Mutation struct {
	NewRoot BlockID
	Pages   []Page
}

// Page is one minted block and its child addresses.
type Page struct {
	ID       BlockID
	Children []BlockID
}

func (mut Mutation) minted(blockID BlockID) bool {
	for _, page := range mut.Pages {
		if page.ID == blockID {
			return true
		}
	}
	return false
}

// Mint accounts for one committed mutation: every minted page starts with a
// single referent, and every child a minted page shares with older versions
// gains one. A mutation whose new root is a pre-existing block (the tree
// shrank a level) transfers the root reference onto it.
func (m *Manager) Mint(mut Mutation) {
	for _, page := range mut.Pages {
		m.counts[page.ID] = 1
	}
	for _, page := range mut.Pages {
		for _, child := range page.Children {
			if !mut.minted(child) {
				m.counts[child]++
			}
		}
	}
	if mut.NewRoot != 0 && !mut.minted(mut.NewRoot) {
		m.counts[mut.NewRoot]++
	}
}

// Release drops one referent from root and recursively from every block that
// reaches zero, returning the zeroed blocks. children resolves a block's
// child addresses; it must also cover blocks staged in the current
// transaction, which are not readable from the store yet.
func (m *Manager) Release(root BlockID, children func(BlockID) ([]BlockID, error)) (freed []BlockID, err error) {
	if root == 0 {
		return
	}

	stack := []BlockID{root}
	for len(stack) > 0 {
		blockID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count, ok := m.counts[blockID]
		if !ok {
			return nil, fmt.Errorf("release block %d: not retained: %w", blockID, arbor.ErrCorruption)
		}
		if count > 1 {
			m.counts[blockID] = count - 1
			continue
		}

		delete(m.counts, blockID)
		freed = append(freed, blockID)
		kids, err := children(blockID)
		if err != nil {
			return nil, err
		}
		stack = append(stack, kids...)
	}
	return
}

// Snapshot retains the version rooted at root under a fresh identity.
// root must already be retained (it is the committed root).
func (m *Manager) Snapshot(name string, root BlockID) (snap Snapshot, err error) {
	if root != 0 {
		if _, ok := m.counts[root]; !ok {
			return snap, fmt.Errorf("snapshot root %d: not retained: %w", root, arbor.ErrCorruption)
		}
		m.counts[root]++
	}
	snap = Snapshot{
		ID:        uuid.New(),
		Name:      name,
		Root:      root,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	m.snaps = append(m.snaps, snap)
	return
}

// Find returns the snapshot with the given identity.
func (m *Manager) Find(id uuid.UUID) (snap Snapshot, err error) {
	for _, snap := range m.snaps {
		if snap.ID == id {
			return snap, nil
		}
	}
	return snap, fmt.Errorf("snapshot %s: %w", id, arbor.ErrNotFound)
}

// DeleteSnapshot forgets a snapshot and releases its root, returning the
// blocks only that snapshot was keeping alive.
func (m *Manager) DeleteSnapshot(id uuid.UUID, children func(BlockID) ([]BlockID, error)) (freed []BlockID, err error) {
	at := -1
	for i, snap := range m.snaps {
		if snap.ID == id {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("snapshot %s: %w", id, arbor.ErrNotFound)
	}

	root := m.snaps[at].Root
	m.snaps = append(m.snaps[:at], m.snaps[at+1:]...)
	return m.Release(root, children)
}
