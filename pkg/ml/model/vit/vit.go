// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements a distilled vision transformer (DeiT) image encoder.
//
// Images, shaped [batch, channels, height, width], are split into patches, embedded, prefixed with a class token
// and a distillation token, and encoded by a stack of pre-normalized transformer blocks. The encoded sequence
// is used as the memory of a text decoder.
//
// Based on "Training data-efficient image transformers & distillation through attention", https://arxiv.org/abs/2012.12877
package vit

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/image2text/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// TokenInitStddev is the standard deviation of the truncated normal initialization of the class token,
// the distillation token and the positional embedding.
const TokenInitStddev = 0.02

// truncatedNormalRounds is how many times out-of-range values are redrawn before the final clip.
const truncatedNormalRounds = 8

// TruncatedNormalFn returns an initializer of normal values with mean 0 and the given standard deviation,
// truncated to [-2*stddev, 2*stddev].
//
// Values out of range are redrawn a few times; the rare ones still out of range are clipped.
// Non-float variables are initialized with zero.
func TruncatedNormalFn(ctx *context.Context, stddev float64) initializers.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.DType != dtypes.Float32 && shape.DType != dtypes.Float64 {
			return Zeros(g, shape)
		}
		bound := Scalar(g, shape.DType, 2.0)
		values := ctx.RandomNormal(g, shape)
		for range truncatedNormalRounds {
			values = Where(LessOrEqual(Abs(values), bound), values, ctx.RandomNormal(g, shape))
		}
		return MulScalar(ClipScalar(values, -2, 2), stddev)
	}
}

// Hyperparameter keys for FromContext.
const (
	ParamImageSize    = "vit_image_size"
	ParamPatchSize    = "vit_patch_size"
	ParamInChannels   = "vit_in_channels"
	ParamEmbedDim     = "vit_embed_dim"
	ParamDepth        = "vit_depth"
	ParamNumHeads     = "vit_num_heads"
	ParamMLPRatio     = "vit_mlp_ratio"
	ParamQKVBias      = "vit_qkv_bias"
	ParamDropRate     = "vit_drop_rate"
	ParamAttnDropRate = "vit_attn_drop_rate"
	ParamDropPathRate = "vit_drop_path_rate"
)

// Variable names and scopes.
const (
	PatchEmbedScope    = "patch_embed"
	ClassTokenVar      = "cls_token"
	DistTokenVar       = "dist_token"
	PositionalEmbedVar = "pos_embed"
	FinalNormScope     = "norm"

	// NumPrefixTokens is the number of tokens prepended to the patches: class and distillation.
	NumPrefixTokens = 2
)

// Config of the distilled vision transformer.
type Config struct {
	ImageSize, PatchSize, InChannels int
	EmbedDim, Depth, NumHeads        int
	MLPRatio                         float64
	QKVBias                          bool
	Epsilon                          float64

	// DropRate is used after the positional embedding and in the MLP; AttnDropRate on the attention weights.
	DropRate, AttnDropRate float64

	// DropPathRate is the stochastic depth rate of the last block. It ramps linearly from 0 in the first block.
	DropPathRate float64
}

// New returns the default configuration: DeiT-base with 224x224 images, 16x16 patches, 768 embedding dimension,
// 12 blocks of 12 heads.
func New() *Config {
	return &Config{
		ImageSize:  224,
		PatchSize:  16,
		InChannels: 3,
		EmbedDim:   768,
		Depth:      12,
		NumHeads:   12,
		MLPRatio:   4,
		QKVBias:    true,
		Epsilon:    1e-5,
	}
}

// FromContext creates a configuration from the hyperparameters in ctx, using New for defaults.
func FromContext(ctx *context.Context) *Config {
	cfg := New()
	cfg.ImageSize = context.GetParamOr(ctx, ParamImageSize, cfg.ImageSize)
	cfg.PatchSize = context.GetParamOr(ctx, ParamPatchSize, cfg.PatchSize)
	cfg.InChannels = context.GetParamOr(ctx, ParamInChannels, cfg.InChannels)
	cfg.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, cfg.EmbedDim)
	cfg.Depth = context.GetParamOr(ctx, ParamDepth, cfg.Depth)
	cfg.NumHeads = context.GetParamOr(ctx, ParamNumHeads, cfg.NumHeads)
	cfg.MLPRatio = context.GetParamOr(ctx, ParamMLPRatio, cfg.MLPRatio)
	cfg.QKVBias = context.GetParamOr(ctx, ParamQKVBias, cfg.QKVBias)
	cfg.DropRate = context.GetParamOr(ctx, ParamDropRate, cfg.DropRate)
	cfg.AttnDropRate = context.GetParamOr(ctx, ParamAttnDropRate, cfg.AttnDropRate)
	cfg.DropPathRate = context.GetParamOr(ctx, ParamDropPathRate, cfg.DropPathRate)
	return cfg
}

// Validate returns an error if the configuration can't build an encoder.
func (cfg *Config) Validate() error {
	if cfg.ImageSize <= 0 || cfg.PatchSize <= 0 || cfg.InChannels <= 0 || cfg.EmbedDim <= 0 || cfg.Depth < 0 || cfg.NumHeads <= 0 {
		return errors.Errorf("invalid vision transformer dimensions: %+v", *cfg)
	}
	if cfg.ImageSize%cfg.PatchSize != 0 {
		return errors.Errorf("image size %d must be a multiple of the patch size %d", cfg.ImageSize, cfg.PatchSize)
	}
	if cfg.EmbedDim%cfg.NumHeads != 0 {
		return errors.Errorf("embedDim (%d) must be divisible by numHeads (%d)", cfg.EmbedDim, cfg.NumHeads)
	}
	if cfg.MLPRatio <= 0 {
		return errors.Errorf("mlp ratio must be positive, got %g", cfg.MLPRatio)
	}
	return nil
}

// NumPatches returns the number of patches per image.
func (cfg *Config) NumPatches() int {
	side := cfg.ImageSize / cfg.PatchSize
	return side * side
}

// SequenceLength returns the length of the encoded sequence: patches plus the class and distillation tokens.
func (cfg *Config) SequenceLength() int {
	return cfg.NumPatches() + NumPrefixTokens
}

// Encode images, shaped [batch, inChannels, imageSize, imageSize].
//
// It returns the encoded sequence, shaped [batch, numPatches+2, embedDim], and the input embedding of the
// blocks (patch embedding with tokens and positional embedding), of the same shape.
func (cfg *Config) Encode(ctx *context.Context, images *Node) (hidden, inputEmbedding *Node) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != cfg.InChannels || dims[2] != cfg.ImageSize || dims[3] != cfg.ImageSize {
		Panicf("vit.Encode expects images shaped [batch, %d, %d, %d], got %s",
			cfg.InChannels, cfg.ImageSize, cfg.ImageSize, images.Shape())
	}
	g := images.Graph()
	batchSize := dims[0]
	dtype := images.DType()

	patches := cfg.patchEmbed(ctx.In(PatchEmbedScope), images)

	tokenCtx := ctx.WithInitializer(TruncatedNormalFn(ctx, TokenInitStddev))
	tokenShape := shapes.Make(dtype, 1, 1, cfg.EmbedDim)
	clsToken := BroadcastToDims(tokenCtx.VariableWithShape(ClassTokenVar, tokenShape).ValueGraph(g), batchSize, 1, cfg.EmbedDim)
	distToken := BroadcastToDims(tokenCtx.VariableWithShape(DistTokenVar, tokenShape).ValueGraph(g), batchSize, 1, cfg.EmbedDim)
	x := Concatenate([]*Node{clsToken, distToken, patches}, 1)

	seqLen := cfg.SequenceLength()
	posEmbed := tokenCtx.VariableWithShape(PositionalEmbedVar, shapes.Make(dtype, 1, seqLen, cfg.EmbedDim)).ValueGraph(g)
	x = Add(x, BroadcastToDims(posEmbed, batchSize, seqLen, cfg.EmbedDim))
	inputEmbedding = x
	x = layers.DropoutStatic(ctx, x, cfg.DropRate)

	for i := range cfg.Depth {
		x = cfg.block(ctx.In(fmt.Sprintf("block_%d", i)), x, cfg.dropPathRate(i))
	}
	hidden = cfg.normalize(ctx.In(FinalNormScope), x)
	return
}

// patchEmbed converts images to [batch, numPatches, embedDim] with a convolution whose kernel and strides are
// the patch size.
func (cfg *Config) patchEmbed(ctx *context.Context, pixels *Node) *Node {
	x := layers.Convolution(ctx, pixels).
		ChannelsAxis(images.ChannelsFirst).
		Channels(cfg.EmbedDim).
		KernelSize(cfg.PatchSize).
		Strides(cfg.PatchSize).
		NoPadding().
		Done()
	// [batch, embedDim, side, side] -> [batch, numPatches, embedDim]
	batchSize := x.Shape().Dimensions[0]
	x = Reshape(x, batchSize, cfg.EmbedDim, cfg.NumPatches())
	return TransposeAllDims(x, 0, 2, 1)
}

// dropPathRate of block i: a linear ramp from 0 to DropPathRate.
func (cfg *Config) dropPathRate(i int) float64 {
	if cfg.Depth <= 1 {
		return 0
	}
	return cfg.DropPathRate * float64(i) / float64(cfg.Depth-1)
}

// block is a pre-normalized transformer block: x + attn(norm(x)), then x + mlp(norm(x)).
func (cfg *Config) block(ctx *context.Context, x *Node, dropPathRate float64) *Node {
	residual := x
	x = cfg.normalize(ctx.In("norm1"), x)
	x = attention.MultiHeadAttention(ctx.In("attn"), x, cfg.EmbedDim, cfg.NumHeads).
		UseQKVBias(cfg.QKVBias).
		Dropout(cfg.AttnDropRate).
		Done()
	x = layers.DropoutStatic(ctx, x, cfg.DropRate)
	x = Add(residual, cfg.dropPath(ctx, x, dropPathRate))

	residual = x
	x = cfg.normalize(ctx.In("norm2"), x)
	x = layers.Dense(ctx.In("mlp_1"), x, true, int(float64(cfg.EmbedDim)*cfg.MLPRatio))
	x = activations.Gelu(x)
	x = layers.DropoutStatic(ctx, x, cfg.DropRate)
	x = layers.Dense(ctx.In("mlp_2"), x, true, cfg.EmbedDim)
	x = layers.DropoutStatic(ctx, x, cfg.DropRate)
	return Add(residual, cfg.dropPath(ctx, x, dropPathRate))
}

func (cfg *Config) dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropPath(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

func (cfg *Config) normalize(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(cfg.Epsilon).Done()
}
