// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// CausalMask returns an additive [length, length] mask with -inf strictly above the diagonal and 0 elsewhere,
// so that query i can only attend to keys j <= i.
func CausalMask(g *Graph, dtype dtypes.DType, length int) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, length, length), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, length, length), 1)
	return additive(GreaterThan(cols, rows), dtype)
}

// KeyPaddingMask returns an additive [batch, 1, 1, keyLen] mask that blocks key positions >= lengths[b].
// lengths is an integer tensor shaped [batch].
func KeyPaddingMask(lengths *Node, keyLen int, dtype dtypes.DType) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dimensions[0]
	positions := Iota(g, shapes.Make(lengths.DType(), batchSize, keyLen), 1)
	blocked := GreaterOrEqual(positions, BroadcastToDims(InsertAxes(lengths, -1), batchSize, keyLen))
	return Reshape(additive(blocked, dtype), batchSize, 1, 1, keyLen)
}

// additive converts a boolean "blocked" tensor to 0 (not blocked) or -inf (blocked).
func additive(blocked *Node, dtype dtypes.DType) *Node {
	g := blocked.Graph()
	dims := blocked.Shape().Dimensions
	negInf := BroadcastToDims(Infinity(g, dtype, -1), dims...)
	return Where(blocked, negInf, Zeros(g, shapes.Make(dtype, dims...)))
}
