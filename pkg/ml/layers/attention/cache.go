// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// TimeAxis is the axis of Cache and StaticCache keys and values that holds the sequence positions.
// Keys and values are shaped [batch, numHeads, time, headDim].
const TimeAxis = 2

// Cache holds the keys and values of the steps already decoded by a self-attention.
//
// It is append-only: each call to Append concatenates the new steps along TimeAxis,
// and returns a new Cache. An empty cache has nil Key and Value.
type Cache struct {
	Key, Value *Node
}

// NewCache returns an empty incremental cache.
func NewCache() *Cache {
	return &Cache{}
}

// CacheFrom wraps existing keys and values, shaped [batch, numHeads, time, headDim], as a Cache.
// This is used when the cache is fed as an input to a graph.
func CacheFrom(key, value *Node) *Cache {
	if key == nil || value == nil {
		return NewCache()
	}
	checkCacheShapes(key, value)
	return &Cache{Key: key, Value: value}
}

// IsEmpty returns whether nothing was appended to the cache yet.
func (c *Cache) IsEmpty() bool {
	return c == nil || c.Key == nil
}

// Len returns the number of time steps in the cache.
func (c *Cache) Len() int {
	if c.IsEmpty() {
		return 0
	}
	return c.Key.Shape().Dimensions[TimeAxis]
}

// Append returns a new Cache with key and value concatenated after the current contents.
// If the cache is stored in a different dtype, the new entries are converted to it.
func (c *Cache) Append(key, value *Node) *Cache {
	checkCacheShapes(key, value)
	if c.IsEmpty() {
		return &Cache{Key: key, Value: value}
	}
	if c.Key.DType() != key.DType() {
		key = ConvertDType(key, c.Key.DType())
		value = ConvertDType(value, c.Value.DType())
	}
	return &Cache{
		Key:   Concatenate([]*Node{c.Key, key}, TimeAxis),
		Value: Concatenate([]*Node{c.Value, value}, TimeAxis),
	}
}

// StaticCache holds the keys and values of a cross-attention, computed once from the encoder memory
// and reused unchanged at every decoding step.
type StaticCache struct {
	Key, Value *Node
}

// ComputeStaticCache projects memory, shaped [batch, memoryLen, memoryDim], into the keys and values of the
// attention built by MultiHeadAttention with the same ctx, embedDim and numHeads. It uses the same
// projection variables, so it must be given the same context scope as the attention.
func ComputeStaticCache(ctx *context.Context, memory *Node, embedDim, numHeads int, useBias bool) *StaticCache {
	if numHeads <= 0 || embedDim%numHeads != 0 {
		Panicf("embedDim must be divisible by numHeads, got embedDim=%d, numHeads=%d", embedDim, numHeads)
	}
	if memory.Rank() != 3 {
		Panicf("memory must be shaped [batch, memoryLen, dim], got %s", memory.Shape())
	}
	key, value := projectKeyValue(ctx, memory, memory, numHeads, embedDim/numHeads, useBias)
	return &StaticCache{Key: key, Value: value}
}

// StaticCacheFrom wraps precomputed keys and values, shaped [batch, numHeads, memoryLen, headDim].
func StaticCacheFrom(key, value *Node) *StaticCache {
	checkCacheShapes(key, value)
	return &StaticCache{Key: key, Value: value}
}

// Len returns the number of memory positions in the cache.
func (c *StaticCache) Len() int {
	return c.Key.Shape().Dimensions[TimeAxis]
}

// ConvertDType returns a copy of the static cache with keys and values converted to dtype.
func (c *StaticCache) ConvertDType(dtype dtypes.DType) *StaticCache {
	if c.Key.DType() == dtype {
		return c
	}
	return &StaticCache{Key: ConvertDType(c.Key, dtype), Value: ConvertDType(c.Value, dtype)}
}

func checkCacheShapes(key, value *Node) {
	if key.Rank() != 4 || !key.Shape().Equal(value.Shape()) {
		Panicf("cache keys and values must have the same shape [batch, numHeads, time, headDim], got key=%s, value=%s",
			key.Shape(), value.Shape())
	}
}
