// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements multi-head scaled dot-product attention with caches for incremental
// decoding: a growing self-attention Cache and a StaticCache for cross-attention.
package attention

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Scopes of the projections, relative to the context given to MultiHeadAttention.
const (
	QueryScope  = "query"
	KeyScope    = "key"
	ValueScope  = "value"
	OutputScope = "output"
)

// Builder configures one multi-head attention computation. Create it with MultiHeadAttention,
// set the optional parameters, and finish with one of the Done methods.
type Builder struct {
	ctx                *context.Context
	query, key, value  *Node
	embedDim, numHeads int
	headDim            int

	mask        *Node
	cache       *Cache
	staticCache *StaticCache

	dropoutRate   float64
	useQKVBias    bool
	useOutputBias bool
}

// MultiHeadAttention prepares a multi-head attention of query, shaped [batch, queryLen, queryDim], over
// itself. Use WithKeyValue to attend to a different sequence (cross-attention).
//
// Query, key and value are projected to numHeads heads of headDim = embedDim/numHeads each. The attention
// weights are softmax((q * headDim^-0.5) · kᵀ + mask) over the key axis, and the output is the weighted sum of
// the values, with heads merged and projected back to embedDim.
//
// It panics if embedDim is not divisible by numHeads.
func MultiHeadAttention(ctx *context.Context, query *Node, embedDim, numHeads int) *Builder {
	if numHeads <= 0 || embedDim <= 0 {
		Panicf("MultiHeadAttention requires embedDim > 0 and numHeads > 0, got embedDim=%d, numHeads=%d",
			embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		Panicf("embedDim must be divisible by numHeads, got embedDim=%d, numHeads=%d", embedDim, numHeads)
	}
	if query.Rank() != 3 {
		Panicf("MultiHeadAttention requires query shaped [batch, seqLen, dim], got %s", query.Shape())
	}
	return &Builder{
		ctx:           ctx,
		query:         query,
		key:           query,
		value:         query,
		embedDim:      embedDim,
		numHeads:      numHeads,
		headDim:       embedDim / numHeads,
		useQKVBias:    true,
		useOutputBias: true,
	}
}

// WithKeyValue sets the sequences to attend to, both shaped [batch, keyLen, dim]. Their last dimension
// may differ from the query's. Default is the query itself.
//
// Ignored if a StaticCache is given.
func (b *Builder) WithKeyValue(key, value *Node) *Builder {
	if key.Rank() != 3 || value.Rank() != 3 {
		Panicf("key and value must be shaped [batch, keyLen, dim], got key=%s, value=%s", key.Shape(), value.Shape())
	}
	if key.Shape().Dimensions[1] != value.Shape().Dimensions[1] {
		Panicf("key and value must have the same length, got key=%s, value=%s", key.Shape(), value.Shape())
	}
	b.key, b.value = key, value
	return b
}

// WithMask sets an additive mask, added to the attention logits before the softmax.
// Use 0 for positions that can be attended, and -inf for positions that can't.
//
// Its shape must be broadcastable to [batch, numHeads, queryLen, keyLen]: rank-2 masks are taken as
// [queryLen, keyLen] and rank-3 masks as [batch, queryLen, keyLen]. See CausalMask and KeyPaddingMask.
func (b *Builder) WithMask(mask *Node) *Builder {
	b.mask = mask
	return b
}

// WithCache sets the incremental cache of a self-attention. The new keys and values are appended to it along
// the time axis, and attention is computed over the whole cached sequence. Use NewCache for the first step.
//
// Retrieve the updated cache with DoneWithCache or DoneAll.
func (b *Builder) WithCache(cache *Cache) *Builder {
	if cache == nil {
		Panicf("WithCache given a nil cache, use NewCache() for an empty one")
	}
	b.cache = cache
	return b
}

// WithStaticCache sets a static cache of keys and values, typically created by ComputeStaticCache from the
// encoder memory. The key and value inputs are not used, and the cache itself is returned unchanged.
func (b *Builder) WithStaticCache(cache *StaticCache) *Builder {
	if cache == nil || cache.Key == nil || cache.Value == nil {
		Panicf("WithStaticCache requires a computed cache, see ComputeStaticCache")
	}
	b.staticCache = cache
	return b
}

// Dropout sets the dropout rate applied to the attention weights during training. Default is 0.
func (b *Builder) Dropout(rate float64) *Builder {
	if rate >= 1 {
		Panicf("dropout rate %g >= 1 is undefined", rate)
	}
	b.dropoutRate = rate
	return b
}

// UseQKVBias defines whether the query, key and value projections have a bias. Default is true.
func (b *Builder) UseQKVBias(useBias bool) *Builder {
	b.useQKVBias = useBias
	return b
}

// UseOutputBias defines whether the output projection has a bias. Default is true.
func (b *Builder) UseOutputBias(useBias bool) *Builder {
	b.useOutputBias = useBias
	return b
}

// Done returns the attention output, shaped [batch, queryLen, embedDim].
func (b *Builder) Done() *Node {
	output, _, _ := b.DoneAll()
	return output
}

// DoneWithCoefficients returns the attention output and the attention weights, shaped
// [batch, numHeads, queryLen, keyLen].
func (b *Builder) DoneWithCoefficients() (output, coefficients *Node) {
	output, coefficients, _ = b.DoneAll()
	return
}

// DoneWithCache returns the attention output and the updated incremental cache.
// The cache is nil if WithCache was not used.
func (b *Builder) DoneWithCache() (output *Node, cache *Cache) {
	output, _, cache = b.DoneAll()
	return
}

// DoneAll returns the attention output, the attention weights and the updated incremental cache
// (nil if WithCache was not used).
func (b *Builder) DoneAll() (output, coefficients *Node, cache *Cache) {
	query := b.projectHeads(b.ctx.In(QueryScope), b.query)
	var key, value *Node
	if b.staticCache != nil {
		key, value = b.staticCache.Key, b.staticCache.Value
	} else {
		key, value = projectKeyValue(b.ctx, b.key, b.value, b.numHeads, b.headDim, b.useQKVBias)
		if b.cache != nil {
			cache = b.cache.Append(key, value)
			key, value = cache.Key, cache.Value
		}
	}
	if key.DType() != query.DType() {
		key = ConvertDType(key, query.DType())
		value = ConvertDType(value, query.DType())
	}

	// logits: [batch, numHeads, queryLen, keyLen]
	scaledQuery := MulScalar(query, math.Pow(float64(b.headDim), -0.5))
	logits := Einsum("bhqd,bhkd->bhqk", scaledQuery, key)
	if b.mask != nil {
		logits = Add(logits, broadcastMask(b.mask, logits))
	}
	coefficients = Softmax(logits, -1)
	coefficients = layers.DropoutStatic(b.ctx, coefficients, b.dropoutRate)

	// Merge heads: [batch, numHeads, queryLen, headDim] -> [batch, queryLen, embedDim].
	attended := Einsum("bhqk,bhkd->bqhd", coefficients, value)
	dims := attended.Shape().Dimensions
	attended = Reshape(attended, dims[0], dims[1], b.embedDim)
	output = layers.Dense(b.ctx.In(OutputScope), attended, b.useOutputBias, b.embedDim)
	return
}

// projectHeads projects x, shaped [batch, seqLen, dim], to [batch, numHeads, seqLen, headDim].
func (b *Builder) projectHeads(ctx *context.Context, x *Node) *Node {
	return projectHeads(ctx, x, b.numHeads, b.headDim, b.useQKVBias)
}

func projectHeads(ctx *context.Context, x *Node, numHeads, headDim int, useBias bool) *Node {
	projected := layers.Dense(ctx, x, useBias, numHeads, headDim)
	return TransposeAllDims(projected, 0, 2, 1, 3)
}

// projectKeyValue projects key and value with the variables in the KeyScope and ValueScope sub-scopes.
func projectKeyValue(ctx *context.Context, key, value *Node, numHeads, headDim int, useBias bool) (*Node, *Node) {
	return projectHeads(ctx.In(KeyScope), key, numHeads, headDim, useBias),
		projectHeads(ctx.In(ValueScope), value, numHeads, headDim, useBias)
}

// broadcastMask reshapes and broadcasts the additive mask to the shape of logits.
func broadcastMask(mask, logits *Node) *Node {
	dims := logits.Shape().Dimensions
	switch mask.Rank() {
	case 2:
		mask = InsertAxes(mask, 0, 0)
	case 3:
		mask = InsertAxes(mask, 1)
	case 4:
	default:
		Panicf("attention mask must have rank 2, 3 or 4, got %s", mask.Shape())
	}
	if mask.DType() != logits.DType() {
		mask = ConvertDType(mask, logits.DType())
	}
	return BroadcastToDims(mask, dims...)
}
