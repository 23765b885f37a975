// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/arbordb/arbor"
)

// blockCache fronts block reads with a ristretto cache keyed by BlockID.
// Entries are invalidated on write and free, so a hit always reflects the
// latest durable image. A nil blockCache is a valid no-op cache.
type blockCache struct {
	cache *ristretto.Cache[uint64, []byte]
}

func newBlockCache(maxCost int64) (*blockCache, error) {
	if maxCost <= 0 {
		return nil, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: maxCost / 64,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &blockCache{cache: cache}, nil
}

func (c *blockCache) get(blockID arbor.BlockID, buffer []byte) bool {
	if c == nil {
		return false
	}
	block, found := c.cache.Get(uint64(blockID))
	if !found || len(block) != len(buffer) {
		return false
	}
	copy(buffer, block)
	return true
}

func (c *blockCache) set(blockID arbor.BlockID, block []byte) {
	if c == nil {
		return
	}
	c.cache.Set(uint64(blockID), append([]byte(nil), block...), int64(len(block)))
}

func (c *blockCache) del(blockID arbor.BlockID) {
	if c == nil {
		return
	}
	c.cache.Del(uint64(blockID))
}

func (c *blockCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
