// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode implements the search of autoregressive generation: greedy, beam search (with sibling
// diversity penalty or with length-normalized finished hypotheses), top-k and top-p (nucleus) sampling.
//
// The model is abstracted by a Stepper, that given the last token of every hypothesis returns the logits
// of the next one. Beam search runs on the host, on the logits returned by each step. The sampling strategies
// pick the tokens on device, with the model implementing Sampler using Decoder.SampleGraph, which is
// built on GoMLX's sample package.
//
// Example:
//
//	decoder := decode.New().WithStrategy(decode.StrategyBeamSearch).WithBeamSize(4).WithEOS(7)
//	stepper := ... // NumRows(batchSize) rows.
//	hypotheses, err := decoder.Decode(batchSize, stepper, nil)
package decode

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys for FromContext.
const (
	ParamStrategy      = "decode_strategy"
	ParamBeamSize      = "decode_beam_size"
	ParamTopK          = "decode_top_k"
	ParamTopP          = "decode_top_p"
	ParamMaxLength     = "decode_max_length"
	ParamDiversityRate = "decode_diversity_rate"
	ParamAlpha         = "decode_alpha"
	ParamSeed          = "decode_seed"
)

// Strategy of the search.
type Strategy string

const (
	// StrategyGreedy picks the most likely token at each step.
	StrategyGreedy Strategy = "greedy"

	// StrategyBeamSearch keeps the BeamSize best hypotheses by accumulated log-probability. Finished hypotheses
	// stay in the beam, with their score frozen. DiversityRate penalizes the lower ranked siblings of a parent.
	StrategyBeamSearch Strategy = "beam_search"

	// StrategyBeamSearchV2 keeps BeamSize alive hypotheses plus up to BeamSize finished ones, ranked by
	// the length-normalized score score/((5+len)/6)^Alpha. It stops early when no alive hypothesis can
	// beat the finished ones.
	StrategyBeamSearchV2 Strategy = "beam_search_v2"

	// StrategyTopK samples among the TopK most likely tokens.
	StrategyTopK Strategy = "topk_sampling"

	// StrategyTopP samples among the smallest set of most likely tokens whose probability adds to TopP.
	StrategyTopP Strategy = "topp_sampling"
)

// Strategies lists the valid values of Strategy.
var Strategies = []Strategy{StrategyGreedy, StrategyBeamSearch, StrategyBeamSearchV2, StrategyTopK, StrategyTopP}

// Stepper runs one step of the model for every row (hypothesis) of the search.
//
// At each step, row i extends the hypothesis that was at row parents[i] in the previous step with token tokens[i].
// Implementations with caches must reorder the cached rows accordingly. In the first step tokens are
// all the start token and parents is the identity.
//
// It returns the logits of the next token for each row, shaped [numRows][vocabSize].
type Stepper interface {
	Step(tokens, parents []int32) (logits [][]float32, err error)
}

// StepperFn adapts a function to a Stepper.
type StepperFn func(tokens, parents []int32) ([][]float32, error)

// Step implements Stepper.
func (fn StepperFn) Step(tokens, parents []int32) ([][]float32, error) {
	return fn(tokens, parents)
}

// Hypothesis is one generated sequence.
type Hypothesis struct {
	// Tokens generated, not including the start token. If Finished, the last token is the EOS.
	Tokens []int32

	// Score is the accumulated log-probability of Tokens. For StrategyBeamSearchV2 it is normalized by the
	// length penalty, and for StrategyBeamSearch it includes the diversity penalty.
	Score float64

	// Finished is true if generation ended with the EOS token, as opposed to reaching the max length.
	Finished bool
}

// Decoder configures the search. Create it with New, and configure it with FromContext and the With* methods.
type Decoder struct {
	Strategy      Strategy
	BeamSize      int
	TopK          int
	TopP          float64
	MaxLength     int
	DiversityRate float64
	Alpha         float64

	// BosID is the start token fed in the first step; EosID ends a hypothesis.
	BosID, EosID int32

	// Seed of the random number generator used by the sampling strategies. Samplers reset the context
	// random number generator to it, see NewLogitsSampler.
	Seed uint64

	// OnStep, if set, is called after each step with the number of steps done and the max length.
	OnStep func(step, maxLength int)
}

// New creates a Decoder with defaults: beam search with beam size 4, topK 4, topP 0, max length 256,
// no diversity penalty, alpha 0.6, BOS 1 and EOS 7.
func New() *Decoder {
	return &Decoder{
		Strategy:  StrategyBeamSearch,
		BeamSize:  4,
		TopK:      4,
		MaxLength: 256,
		Alpha:     0.6,
		BosID:     1,
		EosID:     7,
	}
}

// FromContext configures the decoder with the hyperparameters in ctx. The values not set are left unchanged.
func (d *Decoder) FromContext(ctx *context.Context) *Decoder {
	d.Strategy = Strategy(context.GetParamOr(ctx, ParamStrategy, string(d.Strategy)))
	d.BeamSize = context.GetParamOr(ctx, ParamBeamSize, d.BeamSize)
	d.TopK = context.GetParamOr(ctx, ParamTopK, d.TopK)
	d.TopP = context.GetParamOr(ctx, ParamTopP, d.TopP)
	d.MaxLength = context.GetParamOr(ctx, ParamMaxLength, d.MaxLength)
	d.DiversityRate = context.GetParamOr(ctx, ParamDiversityRate, d.DiversityRate)
	d.Alpha = context.GetParamOr(ctx, ParamAlpha, d.Alpha)
	d.Seed = uint64(context.GetParamOr(ctx, ParamSeed, int(d.Seed)))
	return d
}

// WithStrategy sets the search strategy.
func (d *Decoder) WithStrategy(strategy Strategy) *Decoder {
	d.Strategy = strategy
	return d
}

// WithBeamSize sets the number of hypotheses kept by the beam search strategies.
func (d *Decoder) WithBeamSize(beamSize int) *Decoder {
	d.BeamSize = beamSize
	return d
}

// WithTopK sets k for StrategyTopK. k <= 1 is the same as greedy.
func (d *Decoder) WithTopK(topK int) *Decoder {
	d.TopK = topK
	return d
}

// WithTopP sets p for StrategyTopP. p <= 0 is the same as greedy.
func (d *Decoder) WithTopP(topP float64) *Decoder {
	d.TopP = topP
	return d
}

// WithMaxLength sets the max number of generated tokens, including the EOS.
func (d *Decoder) WithMaxLength(maxLength int) *Decoder {
	d.MaxLength = maxLength
	return d
}

// WithDiversityRate sets the penalty per sibling rank of StrategyBeamSearch.
func (d *Decoder) WithDiversityRate(rate float64) *Decoder {
	d.DiversityRate = rate
	return d
}

// WithAlpha sets the length penalty exponent of StrategyBeamSearchV2.
func (d *Decoder) WithAlpha(alpha float64) *Decoder {
	d.Alpha = alpha
	return d
}

// WithBOS sets the start token.
func (d *Decoder) WithBOS(bosID int) *Decoder {
	d.BosID = int32(bosID)
	return d
}

// WithEOS sets the end-of-sequence token.
func (d *Decoder) WithEOS(eosID int) *Decoder {
	d.EosID = int32(eosID)
	return d
}

// WithSeed sets the seed of the sampling strategies.
func (d *Decoder) WithSeed(seed uint64) *Decoder {
	d.Seed = seed
	return d
}

// WithStepCallback sets a function called after each generation step.
func (d *Decoder) WithStepCallback(onStep func(step, maxLength int)) *Decoder {
	d.OnStep = onStep
	return d
}

// IsBeamSearch returns whether the strategy keeps BeamSize rows per example.
func (d *Decoder) IsBeamSearch() bool {
	return d.Strategy == StrategyBeamSearch || d.Strategy == StrategyBeamSearchV2
}

// Beams returns the number of rows per example: BeamSize for beam search, 1 otherwise.
func (d *Decoder) Beams() int {
	if d.IsBeamSearch() {
		return d.BeamSize
	}
	return 1
}

// NumRows returns the number of rows the Stepper must handle for batchSize examples.
func (d *Decoder) NumRows(batchSize int) int {
	return batchSize * d.Beams()
}

// Validate returns an error if the configuration is invalid.
func (d *Decoder) Validate() error {
	if !slices.Contains(Strategies, d.Strategy) {
		return errors.Errorf("unknown decoding strategy %q, valid values are %v", d.Strategy, Strategies)
	}
	if d.IsBeamSearch() && d.BeamSize < 1 {
		return errors.Errorf("beam size must be >= 1, got %d", d.BeamSize)
	}
	if d.MaxLength <= 0 {
		return errors.Errorf("max length must be > 0, got %d", d.MaxLength)
	}
	if d.TopP > 1 {
		return errors.Errorf("topP must be <= 1, got %g", d.TopP)
	}
	if d.DiversityRate < 0 {
		return errors.Errorf("diversity rate must be >= 0, got %g", d.DiversityRate)
	}
	return nil
}

// Decode generates up to MaxLength tokens for batchSize examples, using stepper to run the model on
// NumRows(batchSize) rows.
//
// The sampling strategies (greedy, top-k and top-p) require stepper to also implement Sampler.
//
// forcedPrefix is optional: if forcedPrefix[b] is given, the first tokens generated for example b are forced to it.
// Forced tokens must be in the vocabulary.
//
// It returns, for each example, the hypotheses ranked best first: BeamSize of them for the beam search
// strategies, one otherwise.
func (d *Decoder) Decode(batchSize int, stepper Stepper, forcedPrefix [][]int32) ([][]Hypothesis, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid decoding configuration")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if forcedPrefix != nil && len(forcedPrefix) != batchSize {
		return nil, errors.Errorf("forced prefix given for %d examples, but batch size is %d", len(forcedPrefix), batchSize)
	}
	s := &search{Decoder: d, batchSize: batchSize, stepper: stepper, forcedPrefix: forcedPrefix}
	switch d.Strategy {
	case StrategyBeamSearch:
		return s.beamSearch()
	case StrategyBeamSearchV2:
		return s.beamSearchV2()
	default:
		sampler, ok := stepper.(Sampler)
		if !ok {
			return nil, errors.Errorf("strategy %s samples on device: %T must implement decode.Sampler, see NewLogitsSampler",
				d.Strategy, stepper)
		}
		return s.sample(sampler)
	}
}

// LengthPenalty returns ((5+length)/6)^alpha, the normalization of StrategyBeamSearchV2 scores.
func LengthPenalty(length int, alpha float64) float64 {
	return math.Pow((5.0+float64(length))/6.0, alpha)
}
