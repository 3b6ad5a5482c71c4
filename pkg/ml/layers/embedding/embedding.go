// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package embedding implements the token and position lookups that feed a transformer decoder.
//
// Word embeddings are scaled by sqrt(embedDim) and map the padding token to the zero vector.
// Positional embeddings are either a frozen sinusoidal table or a learned table.
package embedding

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// WordScope is the default scope used for the word embedding table.
	WordScope = "word_embedding"

	// PositionalScope is the default scope used for the positional embedding table.
	PositionalScope = "pos_embedding"

	// TableVariable is the name of the variable holding an embedding table, within its scope.
	TableVariable = "embeddings"
)

// Word embeds the integer tokens using a [vocabSize, embedDim] table, scaled by sqrt(embedDim).
//
// The table is initialized with Normal(0, embedDim^-0.5). Tokens equal to padID embed to the zero
// vector, so they receive no gradient. Use padID < 0 to disable this.
//
// tokens shaped [..., seqLen] are returned as [..., seqLen, embedDim] of the given dtype.
func Word(ctx *context.Context, tokens *Node, dtype dtypes.DType, vocabSize, embedDim, padID int) *Node {
	g := tokens.Graph()
	if !tokens.DType().IsInt() {
		Panicf("embedding.Word requires integer tokens, got %s", tokens.Shape())
	}
	if vocabSize <= 0 || embedDim <= 0 {
		Panicf("embedding.Word requires vocabSize > 0 and embedDim > 0, got vocabSize=%d, embedDim=%d",
			vocabSize, embedDim)
	}
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, math.Pow(float64(embedDim), -0.5)))
	table := ctx.VariableWithShape(TableVariable, shapes.Make(dtype, vocabSize, embedDim)).ValueGraph(g)
	embedded := Gather(table, InsertAxes(tokens, -1))
	if padID >= 0 {
		notPad := ConvertDType(NotEqual(tokens, ConstAs(tokens, padID)), dtype)
		embedded = Mul(embedded, InsertAxes(notPad, -1))
	}
	return MulScalar(embedded, math.Sqrt(float64(embedDim)))
}

// SinusoidalTable returns the [maxLength, embedDim] sinusoidal position table: for position p and
// column j, with i = j/2 and div = exp(-2i/embedDim * ln(10000)), even columns hold sin(p*div) and odd
// columns hold cos(p*div).
//
// The values only depend on maxLength and embedDim.
func SinusoidalTable(maxLength, embedDim int) [][]float32 {
	table := make([][]float32, maxLength)
	logTimescale := math.Log(10000.0)
	for p := range maxLength {
		row := make([]float32, embedDim)
		for j := range embedDim {
			i := j / 2
			div := math.Exp(-float64(2*i) / float64(embedDim) * logTimescale)
			angle := float64(p) * div
			if j%2 == 0 {
				row[j] = float32(math.Sin(angle))
			} else {
				row[j] = float32(math.Cos(angle))
			}
		}
		table[p] = row
	}
	return table
}

// PositionalTable returns the positional embedding table variable, creating it if needed.
//
// If learned is false, it is a non-trainable variable holding SinusoidalTable. Otherwise it is a
// trainable [maxLength, embedDim] variable initialized with Normal(0, embedDim^-0.5).
func PositionalTable(ctx *context.Context, dtype dtypes.DType, maxLength, embedDim int, learned bool) *context.Variable {
	if maxLength <= 0 || embedDim <= 0 {
		Panicf("positional embedding requires maxLength > 0 and embedDim > 0, got maxLength=%d, embedDim=%d",
			maxLength, embedDim)
	}
	if learned {
		ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, math.Pow(float64(embedDim), -0.5)))
		return ctx.VariableWithShape(TableVariable, shapes.Make(dtype, maxLength, embedDim))
	}
	return ctx.VariableWithValue(TableVariable, SinusoidalTable(maxLength, embedDim)).SetTrainable(false)
}

// Positional embeds the integer positions, shaped [..., seqLen], into [..., seqLen, embedDim].
//
// See PositionalTable for how the table is created. Positions must be in [0, maxLength).
func Positional(ctx *context.Context, positions *Node, dtype dtypes.DType, maxLength, embedDim int, learned bool) *Node {
	g := positions.Graph()
	if !positions.DType().IsInt() {
		Panicf("embedding.Positional requires integer positions, got %s", positions.Shape())
	}
	table := PositionalTable(ctx, dtype, maxLength, embedDim, learned).ValueGraph(g)
	if table.DType() != dtype {
		table = ConvertDType(table, dtype)
	}
	return Gather(table, InsertAxes(positions, -1))
}

// SequentialPositions returns the positions [startPos, startPos+1, ..., startPos+seqLen-1] as Int32.
func SequentialPositions(g *Graph, startPos, seqLen int) *Node {
	positions := Iota(g, shapes.Make(dtypes.Int32, seqLen), 0)
	if startPos != 0 {
		positions = Add(positions, Const(g, int32(startPos)))
	}
	return positions
}
