// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package image2text

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/image2text/pkg/ml/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bosTokens(n, bos int) []int32 {
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = int32(bos)
	}
	return tokens
}

// toFloat32 converts x to Float32 on the backend and returns its values.
func toFloat32(t *testing.T, backend backends.Backend, x *tensors.Tensor) []float32 {
	converted, err := ExecOnce(backend, func(n *Node) *Node { return ConvertDType(n, dtypes.Float32) }, x)
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float32](converted)
}

func identity(n int) []int32 {
	parents := make([]int32, n)
	for i := range parents {
		parents[i] = int32(i)
	}
	return parents
}

func TestStepper(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)
	cfg := model.Config()
	ctx := context.New()
	fd := NewFasterDecoder(model, decode.New().WithBeamSize(2))

	stepper, err := fd.NewStepper(backend, ctx, testImages(3), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, stepper.BatchSize())
	assert.Equal(t, 6, stepper.NumRows())
	require.Len(t, stepper.StaticCaches(), 2*cfg.Decoder.NumLayers)
	srcLen := cfg.Encoder.SequenceLength()
	for _, static := range stepper.StaticCaches() {
		assert.Equal(t, []int{6, 2, srcLen, 4}, static.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, static.DType())
	}
	assert.Equal(t, 0, stepper.CacheLen())

	tokens := bosTokens(6, cfg.BosID())
	parents := identity(6)
	for step := 1; step <= 3; step++ {
		logits, err := stepper.Step(tokens, parents)
		require.NoError(t, err)
		require.Len(t, logits, 6)
		require.Len(t, logits[0], testVocab)
		assert.Equal(t, step, stepper.Steps())
		assert.Equal(t, step, stepper.CacheLen())
		require.Len(t, stepper.SelfCaches(), 2*cfg.Decoder.NumLayers)
		for _, self := range stepper.SelfCaches() {
			assert.Equal(t, []int{6, 2, step, 4}, self.Shape().Dimensions)
		}
		// Beams of the same image are reordered among themselves.
		tokens = []int32{3, 4, 5, 5, 2, 9}
		parents = []int32{1, 0, 2, 2, 5, 4}
	}

	_, err = stepper.Step(tokens[:2], parents[:2])
	require.Error(t, err)
}

// TestStepperMatchesForward checks that the first cached step computes the same logits as the
// teacher-forced pass with only the start token.
func TestStepperMatchesForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)
	bos := int32(model.Config().BosID())
	ctx := context.New()
	images := testImages(2)
	forward := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images, targets *Node) *Node {
		return model.Forward(ctx, images, targets, true)
	}, images, [][]int32{{bos}, {bos}})
	want := tensors.MustCopyFlatData[float32](forward)

	stepper, err := NewFasterDecoder(model, nil).NewStepper(backend, ctx, images, 1)
	require.NoError(t, err)
	logits, err := stepper.Step([]int32{bos, bos}, identity(2))
	require.NoError(t, err)
	for row := range 2 {
		for v := range testVocab {
			require.InDelta(t, want[row*testVocab+v], logits[row][v], 1e-4, "row %d, token %d", row, v)
		}
	}
}

func TestStepperSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)
	bos := int32(model.Config().BosID())
	ctx := context.New()
	images := testImages(2)
	fd := NewFasterDecoder(model, decode.New().WithStrategy(decode.StrategyGreedy))

	logitsStepper, err := fd.NewStepper(backend, ctx, images, 1)
	require.NoError(t, err)
	sampleStepper, err := fd.NewStepper(backend, ctx, images, 1)
	require.NoError(t, err)
	assert.Equal(t, testVocab, sampleStepper.VocabSize())

	tokens := []int32{bos, bos}
	forced := []int32{decode.NotForced, 5}
	for step := range 3 {
		logits, err := logitsStepper.Step(tokens, identity(2))
		require.NoError(t, err)
		next, logProbs, err := sampleStepper.Sample(tokens, forced)
		require.NoError(t, err)
		require.Len(t, next, 2)
		require.Len(t, logProbs, 2)
		assert.Equal(t, step+1, sampleStepper.CacheLen())

		for row := range 2 {
			want := forced[row]
			if want == decode.NotForced {
				want = 0
				for v := range logits[row] {
					if logits[row][v] > logits[row][want] {
						want = int32(v)
					}
				}
			}
			require.Equal(t, want, next[row], "step %d, row %d", step, row)
			var sumExp float64
			for _, l := range logits[row] {
				sumExp += math.Exp(float64(l))
			}
			wantLogProb := float64(logits[row][want]) - math.Log(sumExp)
			require.InDelta(t, wantLogProb, float64(logProbs[row]), 1e-4, "step %d, row %d", step, row)
		}
		tokens = next
	}

	_, _, err = sampleStepper.Sample(tokens[:1], forced)
	require.Error(t, err)
}

func TestGenerate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)
	ctx := context.New()
	images := testImages(2)

	t.Run("Greedy", func(t *testing.T) {
		fd := NewFasterDecoder(model, decode.New().WithStrategy(decode.StrategyGreedy).WithMaxLength(5))
		first, err := fd.Generate(backend, ctx, images, nil)
		require.NoError(t, err)
		require.Len(t, first, 2)
		for _, hyps := range first {
			require.Len(t, hyps, 1)
			require.NotEmpty(t, hyps[0].Tokens)
			assert.LessOrEqual(t, len(hyps[0].Tokens), 5)
		}
		second, err := fd.Generate(backend, ctx, images, nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Sampling", func(t *testing.T) {
		for _, d := range []*decode.Decoder{
			decode.New().WithStrategy(decode.StrategyTopK).WithTopK(3),
			decode.New().WithStrategy(decode.StrategyTopP).WithTopP(0.9),
		} {
			fd := NewFasterDecoder(model, d.WithMaxLength(5).WithSeed(11))
			first, err := fd.Generate(backend, ctx, images, nil)
			require.NoError(t, err)
			require.Len(t, first, 2)
			for _, hyps := range first {
				require.Len(t, hyps, 1)
				require.NotEmpty(t, hyps[0].Tokens)
				assert.LessOrEqual(t, hyps[0].Score, 0.0)
				for _, token := range hyps[0].Tokens {
					assert.Less(t, token, int32(testVocab))
				}
			}
			second, err := fd.Generate(backend, ctx, images, nil)
			require.NoError(t, err)
			assert.Equal(t, first, second, "strategy %s", d.Strategy)
		}
	})

	t.Run("BeamSearch", func(t *testing.T) {
		for _, strategy := range []decode.Strategy{decode.StrategyBeamSearch, decode.StrategyBeamSearchV2} {
			fd := NewFasterDecoder(model, decode.New().WithStrategy(strategy).WithBeamSize(3).WithMaxLength(4))
			results, err := fd.Generate(backend, ctx, images, nil)
			require.NoError(t, err)
			require.Len(t, results, 2)
			for _, hyps := range results {
				require.NotEmpty(t, hyps)
				require.LessOrEqual(t, len(hyps), 3)
				for i, hyp := range hyps {
					assert.LessOrEqual(t, len(hyp.Tokens), 4)
					if i > 0 {
						assert.GreaterOrEqual(t, hyps[i-1].Score, hyp.Score)
					}
				}
			}
			again, err := fd.Generate(backend, ctx, images, nil)
			require.NoError(t, err)
			assert.Equal(t, results, again, "strategy %s", strategy)
		}
	})

	t.Run("BeamSizeOneIsGreedy", func(t *testing.T) {
		greedy, err := NewFasterDecoder(model, decode.New().WithStrategy(decode.StrategyGreedy).WithMaxLength(4)).
			Generate(backend, ctx, images, nil)
		require.NoError(t, err)
		beam, err := NewFasterDecoder(model, decode.New().WithBeamSize(1).WithMaxLength(4)).
			Generate(backend, ctx, images, nil)
		require.NoError(t, err)
		for b := range greedy {
			assert.Equal(t, greedy[b][0].Tokens, beam[b][0].Tokens)
		}
	})

	t.Run("ForcedPrefix", func(t *testing.T) {
		fd := NewFasterDecoder(model, decode.New().WithStrategy(decode.StrategyGreedy).WithMaxLength(4))
		results, err := fd.Generate(backend, ctx, images, [][]int32{{3, 4}, {5}})
		require.NoError(t, err)
		assert.Equal(t, []int32{3, 4}, results[0][0].Tokens[:2])
		assert.Equal(t, int32(5), results[1][0].Tokens[0])

		_, err = fd.Generate(backend, ctx, images, [][]int32{{testVocab}, nil})
		require.ErrorContains(t, err, "out of the vocabulary")
		_, err = NewFasterDecoder(model, decode.New().WithBeamSize(2).WithMaxLength(3)).
			Generate(backend, ctx, images, [][]int32{nil, {-2}})
		require.ErrorContains(t, err, "out of the vocabulary")
	})

	t.Run("MaxLength", func(t *testing.T) {
		srcLen := model.Config().Encoder.SequenceLength()
		fd := NewFasterDecoder(model, decode.New().WithMaxLength(4)).WithRelLen(true)
		assert.Equal(t, srcLen+4, fd.MaxOutputLength())

		fd = NewFasterDecoder(model, decode.New().WithMaxLength(testMaxLength-srcLen+1)).WithRelLen(true)
		_, err := fd.Generate(backend, ctx, images, nil)
		require.Error(t, err)

		_, err = NewFasterDecoder(model, decode.New().WithMaxLength(testMaxLength+1)).Generate(backend, ctx, images, nil)
		require.Error(t, err)
	})

	t.Run("FromContext", func(t *testing.T) {
		paramsCtx := context.New()
		paramsCtx.SetParams(map[string]any{
			decode.ParamStrategy:  "topk_sampling",
			decode.ParamTopK:      2,
			ParamUseFP16Decoding: true,
			ParamRelLen:          true,
		})
		fd := NewFasterDecoder(model, nil).FromContext(paramsCtx)
		assert.Equal(t, decode.StrategyTopK, fd.Decoding().Strategy)
		assert.Equal(t, 2, fd.Decoding().TopK)
		assert.Equal(t, dtypes.Float16, fd.CacheDType())
		assert.Equal(t, int32(model.Config().EosID), fd.Decoding().EosID)
		assert.Equal(t, int32(model.Config().BosID()), fd.Decoding().BosID)
	})
}

func TestFP16Decoding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)
	bos := int32(model.Config().BosID())
	ctx := context.New()
	images := testImages(2)

	full, err := NewFasterDecoder(model, nil).NewStepper(backend, ctx, images, 1)
	require.NoError(t, err)
	half, err := NewFasterDecoder(model, nil).WithFP16Decoding(true).NewStepper(backend, ctx, images, 1)
	require.NoError(t, err)

	for i, static := range half.StaticCaches() {
		require.Equal(t, dtypes.Float16, static.DType())
		want := tensors.MustCopyFlatData[float32](full.StaticCaches()[i])
		got := toFloat32(t, backend, static)
		require.Len(t, got, len(want))
		for j := range want {
			require.InDelta(t, want[j], got[j], 1e-2, "static cache %d, element %d", i, j)
		}
	}

	tokens, parents := []int32{bos, bos}, identity(2)
	for range 2 {
		wantLogits, err := full.Step(tokens, parents)
		require.NoError(t, err)
		gotLogits, err := half.Step(tokens, parents)
		require.NoError(t, err)
		for row := range wantLogits {
			for v := range wantLogits[row] {
				require.InDelta(t, wantLogits[row][v], gotLogits[row][v], 5e-2)
			}
		}
		tokens = []int32{3, 4}
	}
	for _, self := range half.SelfCaches() {
		assert.Equal(t, dtypes.Float16, self.DType())
	}

	results, err := NewFasterDecoder(model, decode.New().WithBeamSize(2).WithMaxLength(3)).WithFP16Decoding(true).
		Generate(backend, ctx, images, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}
