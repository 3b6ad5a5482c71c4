// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatch    = 2
	testEmbedDim = 8
	testNumHeads = 2
)

// sequence returns deterministic non-trivial values shaped [batch, seqLen, dim].
func sequence(g *Graph, batchSize, seqLen, dim int, phase float64) *Node {
	x := IotaFull(g, shapes.Make(dtypes.Float32, batchSize, seqLen, dim))
	return Sin(AddScalar(MulScalar(x, 0.37), phase))
}

func requireAllClose(t *testing.T, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.Equal(t, want.Shape().Dimensions, got.Shape().Dimensions)
	wantFlat := tensors.MustCopyFlatData[float32](want)
	gotFlat := tensors.MustCopyFlatData[float32](got)
	for i := range wantFlat {
		require.InDeltaf(t, wantFlat[i], gotFlat[i], delta, "element %d differs", i)
	}
}

func TestMultiHeadAttentionShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
		query := sequence(g, testBatch, 5, 6, 0)
		memory := sequence(g, testBatch, 7, 3, 1)
		return MultiHeadAttention(ctx, query, testEmbedDim, testNumHeads).
			WithKeyValue(memory, memory).
			DoneWithCoefficients()
	})
	outputs := exec.MustExec()
	assert.Equal(t, []int{testBatch, 5, testEmbedDim}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{testBatch, testNumHeads, 5, 7}, outputs[1].Shape().Dimensions)

	// Key and value projections take the memory dimension, query the query dimension.
	assert.Equal(t, []int{3, testNumHeads, 4}, ctx.In(KeyScope).In("dense").GetVariable("weights").Shape().Dimensions)
	assert.Equal(t, []int{6, testNumHeads, 4}, ctx.In(QueryScope).In("dense").GetVariable("weights").Shape().Dimensions)
}

func TestMultiHeadAttentionDivisibility(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "test")
	query := sequence(g, 1, 3, 10, 0)
	require.Panics(t, func() { _ = MultiHeadAttention(context.New(), query, 10, 3) })
	require.Panics(t, func() { _ = ComputeStaticCache(context.New(), query, 10, 4, true) })
}

func TestCausalMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	mask := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		return CausalMask(g, dtypes.Float32, 3)
	})
	values := mask.Value().([][]float32)
	for i := range 3 {
		for j := range 3 {
			if j > i {
				assert.Less(t, values[i][j], float32(-1e30), "position (%d, %d) must be blocked", i, j)
			} else {
				assert.Equal(t, float32(0), values[i][j], "position (%d, %d) must be open", i, j)
			}
		}
	}

	// Coefficients are zero for keys after the query.
	const seqLen = 4
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) (*Node, *Node) {
		x := sequence(g, testBatch, seqLen, testEmbedDim, 0)
		return MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).
			WithMask(CausalMask(g, dtypes.Float32, seqLen)).
			DoneWithCoefficients()
	})
	assert.Equal(t, []int{testBatch, seqLen, testEmbedDim}, outputs[0].Shape().Dimensions)
	coef := outputs[1].Value().([][][][]float32)
	for b := range testBatch {
		for h := range testNumHeads {
			for i := range seqLen {
				var sum float64
				for j := range seqLen {
					sum += float64(coef[b][h][i][j])
					if j > i {
						assert.Equal(t, float32(0), coef[b][h][i][j])
					}
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}
		}
	}
}

func TestKeyPaddingMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lengths := tensors.FromValue([]int32{2, 3})
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, lengths *Node) (*Node, *Node) {
		g := lengths.Graph()
		query := sequence(g, 2, 2, testEmbedDim, 0)
		memory := sequence(g, 2, 3, testEmbedDim, 2)
		return MultiHeadAttention(ctx, query, testEmbedDim, testNumHeads).
			WithKeyValue(memory, memory).
			WithMask(KeyPaddingMask(lengths, 3, dtypes.Float32)).
			DoneWithCoefficients()
	}, lengths)
	assert.Equal(t, []int{2, 2, testEmbedDim}, outputs[0].Shape().Dimensions)
	coef := outputs[1].Value().([][][][]float32)
	for h := range testNumHeads {
		for q := range 2 {
			assert.Equal(t, float32(0), coef[0][h][q][2], "key 2 of example 0 is padding")
			assert.Greater(t, coef[1][h][q][2], float32(0), "key 2 of example 1 is valid")
		}
	}
}

func TestCacheIncremental(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const seqLen = 3
	// The same variables are used by the full and incremental attentions.
	ctx := context.New().Checked(false)
	var cacheLen int
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
		x := sequence(g, testBatch, seqLen, testEmbedDim, 0)
		full := MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).
			WithMask(CausalMask(g, dtypes.Float32, seqLen)).
			Done()

		cache := NewCache()
		steps := make([]*Node, 0, seqLen)
		for step := range seqLen {
			xStep := Slice(x, AxisRange(), AxisRange(step, step+1), AxisRange())
			var out *Node
			out, cache = MultiHeadAttention(ctx, xStep, testEmbedDim, testNumHeads).
				WithCache(cache).
				DoneWithCache()
			require.Equal(t, step+1, cache.Len())
			steps = append(steps, out)
		}
		cacheLen = cache.Len()
		assert.Equal(t, []int{testBatch, testNumHeads, seqLen, testEmbedDim / testNumHeads},
			cache.Key.Shape().Dimensions)
		return full, Concatenate(steps, 1)
	})
	outputs := exec.MustExec()
	assert.Equal(t, seqLen, cacheLen)
	requireAllClose(t, outputs[0], outputs[1], 1e-5)
}

func TestStaticCache(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
		query := sequence(g, testBatch, 2, testEmbedDim, 0)
		memory := sequence(g, testBatch, 5, testEmbedDim, 3)
		direct := MultiHeadAttention(ctx, query, testEmbedDim, testNumHeads).
			WithKeyValue(memory, memory).
			Done()
		static := ComputeStaticCache(ctx, memory, testEmbedDim, testNumHeads, true)
		require.Equal(t, 5, static.Len())
		cached := MultiHeadAttention(ctx, query, testEmbedDim, testNumHeads).
			WithStaticCache(static).
			Done()
		return direct, cached
	})
	outputs := exec.MustExec()
	requireAllClose(t, outputs[0], outputs[1], 1e-6)
}

func TestDropoutOnlyInTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
		x := sequence(g, testBatch, 4, testEmbedDim, 0)
		plain := MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).Done()
		withDropout := MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).Dropout(0.5).Done()
		return plain, withDropout
	})
	outputs := exec.MustExec()
	requireAllClose(t, outputs[0], outputs[1], 0)

	// In training the attention weights are dropped: some are zeroed, the others scaled by 1/(1-rate).
	const seqLen = 4
	trainExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		ctx.SetTraining(g, true)
		x := sequence(g, testBatch, seqLen, testEmbedDim, 0)
		plain, plainCoef := MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).DoneWithCoefficients()
		dropped, droppedCoef := MultiHeadAttention(ctx, x, testEmbedDim, testNumHeads).Dropout(0.5).DoneWithCoefficients()
		return []*Node{plain, dropped, plainCoef, droppedCoef}
	})
	trained := trainExec.MustExec()
	plain := tensors.MustCopyFlatData[float32](trained[0])
	dropped := tensors.MustCopyFlatData[float32](trained[1])
	var maxDiff float64
	for i := range plain {
		maxDiff = max(maxDiff, math.Abs(float64(plain[i]-dropped[i])))
	}
	assert.Greater(t, maxDiff, 1e-4, "dropout must change the output in training")

	plainCoef := tensors.MustCopyFlatData[float32](trained[2])
	droppedCoef := tensors.MustCopyFlatData[float32](trained[3])
	var zeros int
	for i, c := range droppedCoef {
		if c == 0 {
			zeros++
			continue
		}
		require.InDelta(t, 2*plainCoef[i], c, 1e-5)
	}
	assert.Positive(t, zeros)
	assert.Less(t, zeros, len(droppedCoef))
}
