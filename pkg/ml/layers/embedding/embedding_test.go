// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinusoidalTable(t *testing.T) {
	table := SinusoidalTable(16, 6)
	require.Len(t, table, 16)
	require.Len(t, table[0], 6)

	// Position 0: sin(0)=0 on even columns, cos(0)=1 on odd columns.
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1}, table[0])

	// Column pair i=1 uses div = 10000^(-2/6).
	div := math.Exp(-2.0 / 6.0 * math.Log(10000.0))
	assert.InDelta(t, math.Sin(3*div), float64(table[3][2]), 1e-6)
	assert.InDelta(t, math.Cos(3*div), float64(table[3][3]), 1e-6)

	// Odd embedDim: the last column is a sin column.
	odd := SinusoidalTable(4, 5)
	require.Len(t, odd[2], 5)
	div = math.Exp(-4.0 / 5.0 * math.Log(10000.0))
	assert.InDelta(t, math.Sin(2*div), float64(odd[2][4]), 1e-6)

	// Bit-identical across calls.
	assert.Equal(t, table, SinusoidalTable(16, 6))
}

func TestPositional(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Sinusoidal", func(t *testing.T) {
		ctx := context.New()
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			positions := SequentialPositions(g, 2, 3)
			return Positional(ctx.In(PositionalScope), positions, dtypes.Float32, 8, 4, false)
		})
		assert.Equal(t, []int{3, 4}, output.Shape().Dimensions)
		want := SinusoidalTable(8, 4)[2:5]
		assert.Equal(t, want, output.Value())

		v := ctx.In(PositionalScope).GetVariable(TableVariable)
		require.NotNil(t, v)
		assert.False(t, v.Trainable, "sinusoidal table must not be trainable")

		// A fresh context produces the exact same table.
		ctx2 := context.New()
		output2 := context.MustExecOnce(backend, ctx2, func(ctx *context.Context, g *Graph) *Node {
			return Positional(ctx.In(PositionalScope), SequentialPositions(g, 2, 3), dtypes.Float32, 8, 4, false)
		})
		assert.Equal(t, output.Value(), output2.Value())
	})

	t.Run("Learned", func(t *testing.T) {
		ctx := context.New()
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return Positional(ctx.In(PositionalScope), SequentialPositions(g, 0, 5), dtypes.Float32, 8, 4, true)
		})
		assert.Equal(t, []int{5, 4}, output.Shape().Dimensions)
		v := ctx.In(PositionalScope).GetVariable(TableVariable)
		require.NotNil(t, v)
		assert.True(t, v.Trainable)
		assert.Equal(t, []int{8, 4}, v.Shape().Dimensions)
	})
}

func TestWord(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const (
		vocabSize = 10
		embedDim  = 4
		padID     = 1
	)
	tokens := tensors.FromValue([][]int32{{3, 1, 3}, {1, 0, 9}})
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		return Word(ctx.In(WordScope), tokens, dtypes.Float32, vocabSize, embedDim, padID)
	}, tokens)
	require.Equal(t, []int{2, 3, embedDim}, output.Shape().Dimensions)
	values := output.Value().([][][]float32)

	// Padding positions are zeroed.
	assert.Equal(t, make([]float32, embedDim), values[0][1])
	assert.Equal(t, make([]float32, embedDim), values[1][0])

	// Same token, same embedding.
	assert.Equal(t, values[0][0], values[0][2])

	// Scaled by sqrt(embedDim) relative to the table.
	table := ctx.In(WordScope).GetVariable(TableVariable).MustValue().Value().([][]float32)
	for j := range embedDim {
		assert.InDelta(t, float64(table[3][j])*math.Sqrt(embedDim), float64(values[0][0][j]), 1e-5)
		assert.InDelta(t, float64(table[9][j])*math.Sqrt(embedDim), float64(values[1][2][j]), 1e-5)
	}
}
