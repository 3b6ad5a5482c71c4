// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/decode/sample"
	"github.com/pkg/errors"
)

// NotForced marks the rows of Sampler.Sample whose next token is sampled.
const NotForced int32 = -1

// Sampler runs one step of the model and picks the next token of every row on device, for the greedy,
// top-k and top-p strategies. Use Decoder.SampleGraph to build the token selection.
//
// Rows are never reordered: row i always continues the hypothesis of row i. In the first step tokens
// are all the start token. If forced[i] != NotForced, that token is taken for row i instead of a sampled one.
//
// It returns the chosen token of each row and its log-probability.
type Sampler interface {
	VocabSize() int
	Sample(tokens, forced []int32) (next []int32, logProbs []float32, err error)
}

// SampleStrategy returns the sample.Strategy used for d.Strategy. TopK <= 1 and TopP <= 0 fall back to greedy.
func (d *Decoder) SampleStrategy() sample.Strategy {
	switch d.Strategy {
	case StrategyTopK:
		if d.TopK > 1 {
			return sample.StrategyTopK
		}
	case StrategyTopP:
		if d.TopP > 0 {
			return sample.StrategyTopP
		}
	}
	return sample.StrategyGreedy
}

// SampleGraph picks the next token of each row of logits, shaped [numRows, vocabSize], with the decoder strategy.
// forced is shaped [numRows]: rows with a value other than NotForced take it in place of the sampled token.
//
// It returns the tokens, shaped [numRows] Int32, and their log-probabilities, shaped [numRows] in the logits dtype.
func (d *Decoder) SampleGraph(rng sample.RNG, logits, forced *Node) (tokens, logProbs *Node) {
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	tokens = sample.SampleWithStrategy(rng, logits, d.SampleStrategy(), 1.0, min(d.TopK, vocabSize), d.TopP)
	forced = ConvertDType(forced, dtypes.Int32)
	tokens = Where(GreaterOrEqual(forced, ZerosLike(forced)), forced, tokens)
	logProbs = ReduceSum(Mul(LogSoftmax(logits), OneHot(tokens, vocabSize, logits.DType())), -1)
	return
}

// LogitsSampler adapts a Stepper to a Sampler: the logits returned by the Stepper are sampled with
// an exec of Decoder.SampleGraph.
//
// Models that run on device should implement Sampler directly, sampling inside their step graph.
type LogitsSampler struct {
	stepper   Stepper
	exec      *context.Exec
	vocabSize int
	parents   []int32
}

var (
	_ Stepper = (*LogitsSampler)(nil)
	_ Sampler = (*LogitsSampler)(nil)
)

// NewLogitsSampler creates a LogitsSampler over stepper, whose logits have vocabSize entries.
//
// The random number generator of ctx is reset to d.Seed.
func (d *Decoder) NewLogitsSampler(backend backends.Backend, ctx *context.Context, stepper Stepper, vocabSize int) (*LogitsSampler, error) {
	if vocabSize <= 0 {
		return nil, errors.Errorf("vocabulary size must be > 0, got %d", vocabSize)
	}
	ctx.SetRNGStateFromSeed(int64(d.Seed))
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		tokens, logProbs := d.SampleGraph(ctx, inputs[0], inputs[1])
		return []*Node{tokens, logProbs}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the sampling graph")
	}
	return &LogitsSampler{stepper: stepper, exec: exec, vocabSize: vocabSize}, nil
}

// VocabSize implements Sampler.
func (ls *LogitsSampler) VocabSize() int { return ls.vocabSize }

// Step implements Stepper, calling the wrapped Stepper.
func (ls *LogitsSampler) Step(tokens, parents []int32) ([][]float32, error) {
	return ls.stepper.Step(tokens, parents)
}

// Sample implements Sampler.
func (ls *LogitsSampler) Sample(tokens, forced []int32) ([]int32, []float32, error) {
	if len(forced) != len(tokens) {
		return nil, nil, errors.Errorf("sample expects %d forced tokens, got %d", len(tokens), len(forced))
	}
	if len(ls.parents) != len(tokens) {
		ls.parents = identityParents(len(tokens))
	}
	logits, err := ls.stepper.Step(tokens, ls.parents)
	if err != nil {
		return nil, nil, err
	}
	if len(logits) != len(tokens) {
		return nil, nil, errors.Errorf("stepper returned logits for %d rows, expected %d", len(logits), len(tokens))
	}
	flat := make([]float32, 0, len(logits)*ls.vocabSize)
	for row, rowLogits := range logits {
		if len(rowLogits) != ls.vocabSize {
			return nil, nil, errors.Errorf("stepper returned %d logits for row %d, expected %d", len(rowLogits), row, ls.vocabSize)
		}
		flat = append(flat, rowLogits...)
	}
	outputs, err := ls.exec.Exec(tensors.FromFlatDataAndDimensions(flat, len(logits), ls.vocabSize), tensors.FromValue(forced))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to sample the next tokens")
	}
	return tensors.MustCopyFlatData[int32](outputs[0]), tensors.MustCopyFlatData[float32](outputs[1]), nil
}
