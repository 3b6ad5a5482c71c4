// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoder implements a transformer text decoder: a stack of layers with masked self-attention,
// cross-attention to an encoder memory and a feed-forward network, with caches for incremental decoding.
//
// Example:
//
//	cfg := decoder.New(384, 6, 1536, 6).WithDropout(0.1)
//	output := cfg.Decode(ctx.In("decoder"), targets, memory, decoder.CausalMask(g, dtype, seqLen), nil)
package decoder

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/image2text/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// Hyperparameter keys for FromContext.
const (
	// ParamDModel is the model (embedding) dimension. Default is 512.
	ParamDModel = "decoder_d_model"

	// ParamNumHeads is the number of attention heads. Default is 8.
	ParamNumHeads = "decoder_num_heads"

	// ParamFFNDim is the hidden dimension of the feed-forward network. Default is 2048.
	ParamFFNDim = "decoder_ffn_dim"

	// ParamNumLayers is the number of decoder layers. Default is 6.
	ParamNumLayers = "decoder_num_layers"

	// ParamDropout is the dropout rate for the residual branches. Default is 0.
	ParamDropout = "decoder_dropout"

	// ParamAttentionDropout is the dropout rate of the attention weights. Default is -1, the same as ParamDropout.
	ParamAttentionDropout = "decoder_attn_dropout"

	// ParamActivationDropout is the dropout rate after the feed-forward activation. Default is -1, the same
	// as ParamDropout.
	ParamActivationDropout = "decoder_act_dropout"

	// ParamEpsilon is the epsilon of the layer normalizations. Default is 1e-5.
	ParamEpsilon = "decoder_epsilon"

	// ParamActivation is the feed-forward activation name, see activations.FromName. Default is "relu".
	ParamActivation = "decoder_activation"

	// ParamNormalizeBefore selects pre-normalization (true, the default) or post-normalization.
	ParamNormalizeBefore = "decoder_normalize_before"
)

// Scopes used within each layer.
const (
	SelfAttentionScope  = "self_attn"
	CrossAttentionScope = "cross_attn"
	FinalNormScope      = "norm"
)

// Config of a transformer decoder. Create it with New or FromContext, and configure with the With* methods.
type Config struct {
	DModel, NumHeads, FFNDim, NumLayers int

	// Dropout is applied to the output of each sub-block, before the residual sum.
	Dropout float64

	// AttentionDropout is applied to the attention weights. A negative value means "same as Dropout".
	AttentionDropout float64

	// ActivationDropout is applied after the feed-forward activation. A negative value means "same as Dropout".
	ActivationDropout float64

	Activation activations.Type

	// NormalizeBefore applies the layer normalization at the input of each sub-block (pre-norm). Otherwise
	// normalization is applied after each residual sum. Either way the stack ends with a final normalization.
	NormalizeBefore bool

	// Epsilon of the layer normalizations.
	Epsilon float64

	// UseBias for the attention and feed-forward projections.
	UseBias bool
}

// New creates a decoder configuration with ReLU activation, pre-normalization, no dropout and
// layer normalization epsilon 1e-5.
func New(dModel, numHeads, ffnDim, numLayers int) *Config {
	return &Config{
		DModel:            dModel,
		NumHeads:          numHeads,
		FFNDim:            ffnDim,
		NumLayers:         numLayers,
		AttentionDropout:  -1,
		ActivationDropout: -1,
		Activation:        activations.TypeRelu,
		NormalizeBefore:   true,
		Epsilon:           1e-5,
		UseBias:           true,
	}
}

// FromContext creates a decoder configuration from the hyperparameters in ctx. See the Param* keys.
func FromContext(ctx *context.Context) *Config {
	cfg := New(
		context.GetParamOr(ctx, ParamDModel, 512),
		context.GetParamOr(ctx, ParamNumHeads, 8),
		context.GetParamOr(ctx, ParamFFNDim, 2048),
		context.GetParamOr(ctx, ParamNumLayers, 6))
	cfg.Dropout = context.GetParamOr(ctx, ParamDropout, cfg.Dropout)
	cfg.AttentionDropout = context.GetParamOr(ctx, ParamAttentionDropout, cfg.AttentionDropout)
	cfg.ActivationDropout = context.GetParamOr(ctx, ParamActivationDropout, cfg.ActivationDropout)
	cfg.Epsilon = context.GetParamOr(ctx, ParamEpsilon, cfg.Epsilon)
	cfg.Activation = activations.FromName(context.GetParamOr(ctx, ParamActivation, "relu"))
	cfg.NormalizeBefore = context.GetParamOr(ctx, ParamNormalizeBefore, cfg.NormalizeBefore)
	return cfg
}

// WithDropout sets the residual dropout rate.
func (cfg *Config) WithDropout(rate float64) *Config {
	cfg.Dropout = rate
	return cfg
}

// WithAttentionDropout sets the dropout rate of the attention weights. It defaults to the residual dropout.
func (cfg *Config) WithAttentionDropout(rate float64) *Config {
	cfg.AttentionDropout = rate
	return cfg
}

// WithActivationDropout sets the dropout rate after the feed-forward activation. It defaults to the residual dropout.
func (cfg *Config) WithActivationDropout(rate float64) *Config {
	cfg.ActivationDropout = rate
	return cfg
}

// WithActivation sets the feed-forward activation.
func (cfg *Config) WithActivation(activation activations.Type) *Config {
	cfg.Activation = activation
	return cfg
}

// WithNormalizeBefore selects pre-normalization (true) or post-normalization (false).
func (cfg *Config) WithNormalizeBefore(normalizeBefore bool) *Config {
	cfg.NormalizeBefore = normalizeBefore
	return cfg
}

// WithEpsilon sets the epsilon of the layer normalizations.
func (cfg *Config) WithEpsilon(epsilon float64) *Config {
	cfg.Epsilon = epsilon
	return cfg
}

// Validate returns an error if the configuration can't build a decoder.
func (cfg *Config) Validate() error {
	if cfg.DModel <= 0 || cfg.NumHeads <= 0 || cfg.FFNDim <= 0 || cfg.NumLayers <= 0 {
		return errors.Errorf("decoder dimensions must be positive, got dModel=%d, numHeads=%d, ffnDim=%d, numLayers=%d",
			cfg.DModel, cfg.NumHeads, cfg.FFNDim, cfg.NumLayers)
	}
	if cfg.DModel%cfg.NumHeads != 0 {
		return errors.Errorf("decoder dModel (%d) must be divisible by numHeads (%d)", cfg.DModel, cfg.NumHeads)
	}
	for _, rate := range []float64{cfg.Dropout, cfg.AttentionDropout, cfg.ActivationDropout} {
		if rate >= 1 {
			return errors.Errorf("decoder dropout rates must be < 1, got %g", rate)
		}
	}
	return nil
}

// HeadDim returns the dimension of each attention head.
func (cfg *Config) HeadDim() int {
	return cfg.DModel / cfg.NumHeads
}

func (cfg *Config) attentionDropout() float64 {
	if cfg.AttentionDropout < 0 {
		return cfg.Dropout
	}
	return cfg.AttentionDropout
}

func (cfg *Config) activationDropout() float64 {
	if cfg.ActivationDropout < 0 {
		return cfg.Dropout
	}
	return cfg.ActivationDropout
}

// LayerCache holds the caches of one decoder layer during incremental decoding.
type LayerCache struct {
	// Self is the incremental cache of the masked self-attention.
	Self *attention.Cache

	// Static is the cross-attention cache of the encoder memory.
	Static *attention.StaticCache
}

// CausalMask returns the additive [length, length] mask for left-to-right self-attention.
func CausalMask(g *Graph, dtype dtypes.DType, length int) *Node {
	return attention.CausalMask(g, dtype, length)
}

// LayerScope returns the scope name of the layer i.
func LayerScope(i int) string {
	return fmt.Sprintf("layer_%d", i)
}

// Decode applies the decoder stack to target, shaped [batch, targetLen, dModel], attending to memory, shaped
// [batch, memoryLen, memoryDim].
//
// targetMask and memoryMask are optional additive masks, see attention.Builder.WithMask.
func (cfg *Config) Decode(ctx *context.Context, target, memory, targetMask, memoryMask *Node) *Node {
	output, _ := cfg.DecodeWithCache(ctx, target, memory, targetMask, memoryMask, nil)
	return output
}

// DecodeWithCache is like Decode, but threads one LayerCache per layer through the stack, and returns
// the output and the updated caches. If caches is nil, no caching is done and nil is returned.
//
// memory is only used by layers whose LayerCache has no Static cache, and can be nil otherwise.
func (cfg *Config) DecodeWithCache(ctx *context.Context, target, memory, targetMask, memoryMask *Node,
	caches []*LayerCache) (output *Node, newCaches []*LayerCache) {
	if caches != nil && len(caches) != cfg.NumLayers {
		Panicf("decoder has %d layers, but %d caches were given", cfg.NumLayers, len(caches))
	}
	if target.Rank() != 3 || target.Shape().Dimensions[2] != cfg.DModel {
		Panicf("decoder target must be shaped [batch, targetLen, %d], got %s", cfg.DModel, target.Shape())
	}
	if caches != nil {
		newCaches = make([]*LayerCache, cfg.NumLayers)
	}
	output = target
	for i := range cfg.NumLayers {
		var cache *LayerCache
		if caches != nil {
			cache = caches[i]
		}
		output, cache = cfg.Layer(ctx.In(LayerScope(i)), output, memory, targetMask, memoryMask, cache)
		if newCaches != nil {
			newCaches[i] = cache
		}
	}
	output = cfg.normalize(ctx.In(FinalNormScope), output)
	return output, newCaches
}

// Layer applies one decoder layer: self-attention, cross-attention and feed-forward, each followed by
// dropout and a residual sum, normalized before or after depending on NormalizeBefore.
//
// If cache is not nil, the self-attention appends to cache.Self, and the cross-attention uses cache.Static
// if set. The updated cache is returned.
func (cfg *Config) Layer(ctx *context.Context, target, memory, targetMask, memoryMask *Node,
	cache *LayerCache) (*Node, *LayerCache) {
	var newCache *LayerCache
	if cache != nil {
		newCache = &LayerCache{Static: cache.Static}
	}

	// Self-attention.
	residual := target
	x := target
	if cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm1"), x)
	}
	selfAttention := cfg.attention(ctx.In(SelfAttentionScope), x).WithMask(targetMask)
	if cache != nil {
		selfCache := cache.Self
		if selfCache == nil {
			selfCache = attention.NewCache()
		}
		x, newCache.Self = selfAttention.WithCache(selfCache).DoneWithCache()
	} else {
		x = selfAttention.Done()
	}
	x = Add(residual, layers.DropoutStatic(ctx, x, cfg.Dropout))
	if !cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm1"), x)
	}

	// Cross-attention.
	residual = x
	if cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm2"), x)
	}
	crossAttention := cfg.attention(ctx.In(CrossAttentionScope), x).WithMask(memoryMask)
	if cache != nil && cache.Static != nil {
		crossAttention.WithStaticCache(cache.Static)
	} else {
		if memory == nil {
			Panicf("decoder layer requires either the memory or a static cross-attention cache")
		}
		crossAttention.WithKeyValue(memory, memory)
	}
	x = crossAttention.Done()
	x = Add(residual, layers.DropoutStatic(ctx, x, cfg.Dropout))
	if !cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm2"), x)
	}

	// Feed-forward.
	residual = x
	if cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm3"), x)
	}
	x = layers.Dense(ctx.In("ffn_1"), x, cfg.UseBias, cfg.FFNDim)
	x = activations.Apply(cfg.Activation, x)
	x = layers.DropoutStatic(ctx, x, cfg.activationDropout())
	x = layers.Dense(ctx.In("ffn_2"), x, cfg.UseBias, cfg.DModel)
	x = Add(residual, layers.DropoutStatic(ctx, x, cfg.Dropout))
	if !cfg.NormalizeBefore {
		x = cfg.normalize(ctx.In("norm3"), x)
	}
	return x, newCache
}

// GenCache returns the caches to start incremental decoding: for each layer, an empty self-attention cache
// and the cross-attention StaticCache computed from memory.
func (cfg *Config) GenCache(ctx *context.Context, memory *Node) []*LayerCache {
	caches := make([]*LayerCache, cfg.NumLayers)
	for i := range cfg.NumLayers {
		caches[i] = &LayerCache{
			Self:   attention.NewCache(),
			Static: cfg.StaticCache(ctx.In(LayerScope(i)), memory),
		}
	}
	return caches
}

// StaticCache computes the cross-attention cache of memory for the layer in ctx.
func (cfg *Config) StaticCache(layerCtx *context.Context, memory *Node) *attention.StaticCache {
	return attention.ComputeStaticCache(layerCtx.In(CrossAttentionScope), memory, cfg.DModel, cfg.NumHeads, cfg.UseBias)
}

func (cfg *Config) attention(ctx *context.Context, x *Node) *attention.Builder {
	return attention.MultiHeadAttention(ctx, x, cfg.DModel, cfg.NumHeads).
		Dropout(cfg.attentionDropout()).
		UseQKVBias(cfg.UseBias).
		UseOutputBias(cfg.UseBias)
}

func (cfg *Config) normalize(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(cfg.Epsilon).Done()
}
