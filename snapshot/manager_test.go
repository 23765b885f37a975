// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"testing"

	"github.com/arbordb/arbor"
	"github.com/stretchr/testify/require"
)

// testTree is a synthetic block graph: id -> children.
type testTree map[BlockID][]BlockID

func (tree testTree) children(blockID BlockID) ([]BlockID, error) {
	return tree[blockID], nil
}

func TestMintRelease(t *testing.T) {
	m := NewManager()

	// Version 1: root 1 over leaves 2 and 3.
	tree := testTree{1: {2, 3}}
	m.Mint(Mutation{NewRoot: 1, Pages: []Page{
		{ID: 1, Children: []BlockID{2, 3}},
		{ID: 2}, {ID: 3},
	}})
	require.Equal(t, uint32(1), m.Count(1))
	require.Equal(t, uint32(1), m.Count(2))
	require.Equal(t, 3, m.LiveBlocks())

	// Version 2 copies the path through leaf 3: root 4 shares leaf 2.
	tree[4] = []BlockID{2, 5}
	m.Mint(Mutation{NewRoot: 4, Pages: []Page{
		{ID: 4, Children: []BlockID{2, 5}},
		{ID: 5},
	}})
	require.Equal(t, uint32(2), m.Count(2))

	// Retiring version 1 frees its root and leaf 3; shared leaf 2 survives.
	freed, err := m.Release(1, tree.children)
	require.NoError(t, err)
	require.ElementsMatch(t, []BlockID{1, 3}, freed)
	require.Equal(t, uint32(1), m.Count(2))
	require.Equal(t, 3, m.LiveBlocks())

	// Retiring version 2 drains everything.
	freed, err = m.Release(4, tree.children)
	require.NoError(t, err)
	require.ElementsMatch(t, []BlockID{2, 4, 5}, freed)
	require.Equal(t, 0, m.LiveBlocks())
}

func TestMintCollapsedRoot(t *testing.T) {
	m := NewManager()

	tree := testTree{1: {2, 3}}
	m.Mint(Mutation{NewRoot: 1, Pages: []Page{
		{ID: 1, Children: []BlockID{2, 3}},
		{ID: 2}, {ID: 3},
	}})

	// A delete collapses the root: the surviving child 2 becomes the root
	// without being re-minted, so it picks up the root reference.
	m.Mint(Mutation{NewRoot: 2})
	require.Equal(t, uint32(2), m.Count(2))

	freed, err := m.Release(1, tree.children)
	require.NoError(t, err)
	require.ElementsMatch(t, []BlockID{1, 3}, freed)
	require.Equal(t, uint32(1), m.Count(2))
}

func TestSnapshotPinsVersion(t *testing.T) {
	m := NewManager()
	tree := testTree{1: {2, 3}}
	m.Mint(Mutation{NewRoot: 1, Pages: []Page{
		{ID: 1, Children: []BlockID{2, 3}},
		{ID: 2}, {ID: 3},
	}})

	snap, err := m.Snapshot("before", 1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), m.Count(1))

	// The live reference moves on; the snapshot keeps the version alive.
	freed, err := m.Release(1, tree.children)
	require.NoError(t, err)
	require.Empty(t, freed)
	require.Equal(t, 3, m.LiveBlocks())

	got, err := m.Find(snap.ID)
	require.NoError(t, err)
	require.Equal(t, "before", got.Name)

	freed, err = m.DeleteSnapshot(snap.ID, tree.children)
	require.NoError(t, err)
	require.ElementsMatch(t, []BlockID{1, 2, 3}, freed)
	require.Equal(t, 0, m.LiveBlocks())

	_, err = m.Find(snap.ID)
	require.ErrorIs(t, err, arbor.ErrNotFound)
	_, err = m.DeleteSnapshot(snap.ID, tree.children)
	require.ErrorIs(t, err, arbor.ErrNotFound)
}

func TestCloneIsolation(t *testing.T) {
	m := NewManager()
	m.Mint(Mutation{NewRoot: 1, Pages: []Page{{ID: 1}}})

	clone := m.Clone()
	clone.Mint(Mutation{NewRoot: 2, Pages: []Page{{ID: 2}}})
	_, err := clone.Snapshot("only-in-clone", 2)
	require.NoError(t, err)

	require.Equal(t, 1, m.LiveBlocks())
	require.Empty(t, m.Snapshots())
	require.Equal(t, 2, clone.LiveBlocks())
	require.Len(t, clone.Snapshots(), 1)
}

// chainPager backs the chain codec with an in-memory block map.
type chainPager struct {
	pageSize int
	next     BlockID
	blocks   map[BlockID][]byte
}

func newChainPager(pageSize int) *chainPager {
	return &chainPager{pageSize: pageSize, next: 1, blocks: map[BlockID][]byte{}}
}

func (p *chainPager) PageSize() int { return p.pageSize }
func (p *chainPager) AllocateBuffer() []byte { return make([]byte, p.pageSize) }
func (p *chainPager) RecycleBuffer([]byte) {}

func (p *chainPager) Allocate() (BlockID, error) {
	blockID := p.next
	p.next++
	return blockID, nil
}

func (p *chainPager) ReadBlock(blockID BlockID, buffer []byte) error {
	image, ok := p.blocks[blockID]
	if !ok {
		return fmt.Errorf("block %d: %w", blockID, arbor.ErrNotFound)
	}
	copy(buffer, image)
	return nil
}

func (p *chainPager) apply(staged []StagedBlock) {
	for _, block := range staged {
		p.blocks[block.ID] = block.Image
	}
}

func TestPersistRoundTrip(t *testing.T) {
	pager := newChainPager(128)

	m := NewManager()
	pages := make([]Page, 0, 200)
	for i := BlockID(1); i <= 200; i++ {
		pages = append(pages, Page{ID: i})
	}
	m.Mint(Mutation{NewRoot: 1, Pages: pages})
	snap, err := m.Snapshot("nightly", 1)
	require.NoError(t, err)
	_, err = m.Snapshot("weekly", 1)
	require.NoError(t, err)

	// A small page size forces multi-block chains.
	table, tableBlocks, obsolete, err := m.EncodeTable(pager)
	require.NoError(t, err)
	require.Empty(t, obsolete)
	require.Greater(t, len(tableBlocks), 1)
	pager.apply(tableBlocks)

	dir, dirBlocks, obsolete, err := m.EncodeDir(pager)
	require.NoError(t, err)
	require.Empty(t, obsolete)
	pager.apply(dirBlocks)

	loaded, err := Load(pager, table, dir)
	require.NoError(t, err)
	require.Equal(t, m.LiveBlocks(), loaded.LiveBlocks())
	require.Equal(t, uint32(3), loaded.Count(1))

	want, have := m.Snapshots(), loaded.Snapshots()
	require.Len(t, have, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, have[i].ID)
		require.Equal(t, want[i].Name, have[i].Name)
		require.Equal(t, want[i].Root, have[i].Root)
		require.True(t, want[i].CreatedAt.Equal(have[i].CreatedAt))
	}

	got, err := loaded.Find(snap.ID)
	require.NoError(t, err)
	require.Equal(t, "nightly", got.Name)
	require.Equal(t, BlockID(1), got.Root)

	// Re-encoding hands back the previous chain for quarantine.
	_, tableBlocks2, obsolete, err := loaded.EncodeTable(pager)
	require.NoError(t, err)
	require.ElementsMatch(t, chainIDs(tableBlocks), obsolete)
	pager.apply(tableBlocks2)
}

func TestEmptyChains(t *testing.T) {
	pager := newChainPager(128)

	m := NewManager()
	table, staged, _, err := m.EncodeTable(pager)
	require.NoError(t, err)
	require.Zero(t, table)
	require.Empty(t, staged)

	loaded, err := Load(pager, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.LiveBlocks())
	require.Empty(t, loaded.Snapshots())
}

func TestReleaseUnretained(t *testing.T) {
	m := NewManager()
	_, err := m.Release(7, func(BlockID) ([]BlockID, error) { return nil, nil })
	require.ErrorIs(t, err, arbor.ErrCorruption)
}
