// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package image2text implements an image captioning model: a distilled vision transformer encodes the image
// into a memory that a transformer decoder attends to while generating text tokens.
//
// Model.Forward is the teacher-forced pass used for training, returning the logits of every target position.
// FasterDecoder generates token sequences with the same weights, using the decoder caches.
//
// Example:
//
//	cfg := image2text.NewConfig(vit.FromContext(ctx), decoder.FromContext(ctx), 3000, 256)
//	model, err := image2text.New(cfg)
//	...
//	logits := model.Forward(ctx, images, targets, true)
package image2text

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/image2text/pkg/ml/layers/embedding"
	"github.com/gomlx/image2text/pkg/ml/model/decoder"
	"github.com/gomlx/image2text/pkg/ml/model/vit"
	"github.com/pkg/errors"
)

// Hyperparameter keys for FromContext. The encoder and decoder are configured with the keys of the vit and
// decoder packages.
const (
	// ParamVocabSize is the number of text tokens. Default is 3000.
	ParamVocabSize = "image2text_vocab_size"

	// ParamMaxLength is the max target length, the size of the positional embedding table. Default is 256.
	ParamMaxLength = "image2text_max_length"

	// ParamPadID is the padding token, also used as the start token. Default is 1.
	ParamPadID = "image2text_pad_id"

	// ParamEosID is the end-of-sequence token. Default is 7.
	ParamEosID = "image2text_eos_id"

	// ParamDropout is applied to the sum of the word and positional embeddings. Default is 0.
	ParamDropout = "image2text_dropout"

	// ParamLearnedPositions selects a learned positional embedding instead of the fixed sinusoidal one.
	ParamLearnedPositions = "image2text_learned_positions"
)

// Scopes of the model variables.
const (
	EncoderScope       = "encoder"
	DecoderScope       = "decoder"
	WordEmbeddingScope = embedding.WordScope
	PosEmbeddingScope  = embedding.PositionalScope
	ProjectOutScope    = "project_out"
)

// Config of the Image2Text model.
type Config struct {
	Encoder *vit.Config
	Decoder *decoder.Config

	VocabSize, MaxLength int

	// PadID is the padding token, which embeds to zero. It is also the start (BOS) token of generation.
	PadID int
	EosID int

	Dropout          float64
	LearnedPositions bool

	// DType of the model variables and computation.
	DType dtypes.DType
}

// NewConfig returns a configuration with the given encoder and decoder, pad token 1, end-of-sequence
// token 7, no dropout, sinusoidal positions and Float32.
func NewConfig(encoder *vit.Config, decoder *decoder.Config, vocabSize, maxLength int) *Config {
	return &Config{
		Encoder:   encoder,
		Decoder:   decoder,
		VocabSize: vocabSize,
		MaxLength: maxLength,
		PadID:     1,
		EosID:     7,
		DType:     dtypes.Float32,
	}
}

// FromContext creates a configuration from the hyperparameters in ctx, including the encoder and decoder ones.
func FromContext(ctx *context.Context) *Config {
	cfg := NewConfig(vit.FromContext(ctx), decoder.FromContext(ctx),
		context.GetParamOr(ctx, ParamVocabSize, 3000),
		context.GetParamOr(ctx, ParamMaxLength, 256))
	cfg.PadID = context.GetParamOr(ctx, ParamPadID, cfg.PadID)
	cfg.EosID = context.GetParamOr(ctx, ParamEosID, cfg.EosID)
	cfg.Dropout = context.GetParamOr(ctx, ParamDropout, cfg.Dropout)
	cfg.LearnedPositions = context.GetParamOr(ctx, ParamLearnedPositions, cfg.LearnedPositions)
	return cfg
}

// BosID returns the start token of generation, the same as PadID.
func (cfg *Config) BosID() int {
	return cfg.PadID
}

// Validate returns an error if the configuration can't build a model.
func (cfg *Config) Validate() error {
	if cfg.Encoder == nil || cfg.Decoder == nil {
		return errors.New("image2text requires both an encoder and a decoder configuration")
	}
	if err := cfg.Encoder.Validate(); err != nil {
		return errors.WithMessagef(err, "invalid encoder configuration")
	}
	if err := cfg.Decoder.Validate(); err != nil {
		return errors.WithMessagef(err, "invalid decoder configuration")
	}
	if cfg.VocabSize <= 0 || cfg.MaxLength <= 0 {
		return errors.Errorf("vocabSize and maxLength must be positive, got vocabSize=%d, maxLength=%d",
			cfg.VocabSize, cfg.MaxLength)
	}
	if cfg.PadID < 0 || cfg.PadID >= cfg.VocabSize || cfg.EosID < 0 || cfg.EosID >= cfg.VocabSize {
		return errors.Errorf("pad id (%d) and eos id (%d) must be in the vocabulary [0, %d)",
			cfg.PadID, cfg.EosID, cfg.VocabSize)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", cfg.Dropout)
	}
	if !cfg.DType.IsFloat() {
		return errors.Errorf("model dtype must be a float, got %s", cfg.DType)
	}
	return nil
}

// Model is the Image2Text model. It holds only its configuration: the variables live in the context given
// to its methods.
type Model struct {
	cfg *Config
}

// New validates cfg and returns the model.
func New(cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg}, nil
}

// Config returns the model configuration. It should not be changed.
func (m *Model) Config() *Config {
	return m.cfg
}

// Encode images, shaped [batch, channels, height, width], into the memory shaped [batch, srcLen, encoderDim].
func (m *Model) Encode(ctx *context.Context, images *Node) *Node {
	images = ConvertDType(images, m.cfg.DType)
	memory, _ := m.cfg.Encoder.Encode(ctx.In(EncoderScope), images)
	return memory
}

// Embed returns dropout(WordEmbedding(tokens) + PositionalEmbedding(positions)), shaped [batch, seqLen, dModel].
// tokens and positions are integers shaped [batch, seqLen].
func (m *Model) Embed(ctx *context.Context, tokens, positions *Node) *Node {
	cfg := m.cfg
	dModel := cfg.Decoder.DModel
	words := embedding.Word(ctx.In(WordEmbeddingScope), tokens, cfg.DType, cfg.VocabSize, dModel, cfg.PadID)
	pos := embedding.Positional(ctx.In(PosEmbeddingScope), positions, cfg.DType, cfg.MaxLength, dModel, cfg.LearnedPositions)
	return layers.DropoutStatic(ctx, Add(words, pos), cfg.Dropout)
}

// Project the decoder output to the vocabulary logits.
func (m *Model) Project(ctx *context.Context, x *Node) *Node {
	return layers.Dense(ctx.In(ProjectOutScope), x, true, m.cfg.VocabSize)
}

// Forward is the teacher-forced pass: it encodes images, decodes targets, shaped [batch, targetLen] with
// targetLen <= MaxLength, attending to the memory, and returns the logits shaped [batch, targetLen, vocabSize].
//
// If causal is true, position i of targets only attends to positions <= i.
func (m *Model) Forward(ctx *context.Context, images, targets *Node, causal bool) *Node {
	cfg := m.cfg
	if targets.Rank() != 2 || !targets.DType().IsInt() {
		Panicf("image2text targets must be integers shaped [batch, targetLen], got %s", targets.Shape())
	}
	batchSize, targetLen := targets.Shape().Dimensions[0], targets.Shape().Dimensions[1]
	if targetLen > cfg.MaxLength {
		Panicf("image2text target length %d exceeds the max length %d", targetLen, cfg.MaxLength)
	}
	g := targets.Graph()
	memory := m.Encode(ctx, images)

	positions := InsertAxes(embedding.SequentialPositions(g, 0, targetLen), 0)
	positions = BroadcastToDims(positions, batchSize, targetLen)
	x := m.Embed(ctx, targets, positions)

	var targetMask *Node
	if causal {
		targetMask = decoder.CausalMask(g, x.DType(), targetLen)
	}
	x = cfg.Decoder.Decode(ctx.In(DecoderScope), x, memory, targetMask, nil)
	return m.Project(ctx, x)
}
