// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package image2text

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/image2text/pkg/ml/decode"
	"github.com/gomlx/image2text/pkg/ml/layers/attention"
	"github.com/gomlx/image2text/pkg/ml/model/decoder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamUseFP16Decoding stores the memory and the decoder caches in Float16 between generation steps.
	ParamUseFP16Decoding = "image2text_use_fp16_decoding"

	// ParamRelLen makes the max output length relative to the memory length: generation runs up to
	// srcLen + the decoding max length steps.
	ParamRelLen = "image2text_rel_len"
)

// FasterDecoder generates token sequences for images with the weights of a Model.
//
// Generation prepares the cross-attention caches once per call, and then runs one step of the decoder
// per generated token, feeding back the incremental self-attention caches. The search is done by a
// decode.Decoder.
//
// A FasterDecoder is not safe for concurrent calls of Generate.
type FasterDecoder struct {
	model    *Model
	decoding *decode.Decoder

	useFP16Decoding bool
	relLen          bool
}

// NewFasterDecoder creates a FasterDecoder for model, searching with decoding.
// If decoding is nil, decode.New() is used.
//
// The decoding start and end tokens are set to the model's BosID and EosID.
func NewFasterDecoder(model *Model, decoding *decode.Decoder) *FasterDecoder {
	if decoding == nil {
		decoding = decode.New()
	}
	decoding.WithBOS(model.cfg.BosID()).WithEOS(model.cfg.EosID)
	return &FasterDecoder{model: model, decoding: decoding}
}

// FromContext configures the FasterDecoder and its decode.Decoder with the hyperparameters in ctx.
func (fd *FasterDecoder) FromContext(ctx *context.Context) *FasterDecoder {
	fd.decoding.FromContext(ctx)
	fd.useFP16Decoding = context.GetParamOr(ctx, ParamUseFP16Decoding, fd.useFP16Decoding)
	fd.relLen = context.GetParamOr(ctx, ParamRelLen, fd.relLen)
	return fd
}

// WithFP16Decoding sets whether the memory and caches are stored in Float16 between steps.
// Computation is still done in the model dtype.
func (fd *FasterDecoder) WithFP16Decoding(useFP16 bool) *FasterDecoder {
	fd.useFP16Decoding = useFP16
	return fd
}

// WithRelLen sets whether the max output length is relative to the memory length.
func (fd *FasterDecoder) WithRelLen(relLen bool) *FasterDecoder {
	fd.relLen = relLen
	return fd
}

// Decoding returns the search configuration.
func (fd *FasterDecoder) Decoding() *decode.Decoder {
	return fd.decoding
}

// CacheDType is the dtype of the memory and caches kept between steps.
func (fd *FasterDecoder) CacheDType() dtypes.DType {
	if fd.useFP16Decoding {
		return dtypes.Float16
	}
	return dtypes.Float32
}

// MaxOutputLength returns the max number of generated tokens, taking into account the relative length setting.
func (fd *FasterDecoder) MaxOutputLength() int {
	if fd.relLen {
		return fd.model.cfg.Encoder.SequenceLength() + fd.decoding.MaxLength
	}
	return fd.decoding.MaxLength
}

// Generate token sequences for images, shaped [batch, channels, height, width].
//
// forcedPrefix is optional: if given, forcedPrefix[b] holds the first tokens to generate for image b.
//
// It returns, for each image, the hypotheses ranked best first, see decode.Decoder.Decode.
// Variables missing from ctx are initialized. For the sampling strategies the random number generator of ctx
// is reset to the decoding Seed, and the tokens are sampled inside the step graph.
func (fd *FasterDecoder) Generate(backend backends.Backend, ctx *context.Context, images *tensors.Tensor,
	forcedPrefix [][]int32) ([][]decode.Hypothesis, error) {
	search := *fd.decoding
	search.MaxLength = fd.MaxOutputLength()
	if search.MaxLength > fd.model.cfg.MaxLength {
		return nil, errors.Errorf("max output length %d exceeds the model max length %d (positional embedding size)",
			search.MaxLength, fd.model.cfg.MaxLength)
	}
	if err := search.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid decoding configuration")
	}
	if !search.IsBeamSearch() {
		ctx.SetRNGStateFromSeed(int64(search.Seed))
	}

	stepper, err := fd.NewStepper(backend, ctx, images, search.Beams())
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("image2text: generating with %s for %d images, %d rows, up to %d tokens",
		search.Strategy, stepper.BatchSize(), stepper.NumRows(), search.MaxLength)
	hypotheses, err := search.Decode(stepper.BatchSize(), stepper, forcedPrefix)
	if err != nil {
		return nil, errors.WithMessagef(err, "image2text generation failed")
	}
	return hypotheses, nil
}

// Stepper runs the model one token at a time, implementing decode.Stepper and decode.Sampler.
//
// It holds the cross-attention caches computed from the images, and the self-attention caches of the
// steps run so far. Create it with FasterDecoder.NewStepper.
//
// Step returns the logits for the beam search, while Sample picks the tokens inside the step graph with
// the FasterDecoder decoding strategy. A Stepper is driven by one of them, not both.
type Stepper struct {
	fd         *FasterDecoder
	ctx        *context.Context
	backend    backends.Backend
	exec       *context.Exec
	sampleExec *context.Exec
	batchSize  int
	numRows   int
	step      int

	memoryLengths *tensors.Tensor
	static        []*tensors.Tensor
	self          []*tensors.Tensor
}

var (
	_ decode.Stepper = (*Stepper)(nil)
	_ decode.Sampler = (*Stepper)(nil)
)

// NewStepper encodes images and computes the cross-attention caches, repeated beams times for each image.
func (fd *FasterDecoder) NewStepper(backend backends.Backend, ctx *context.Context, images *tensors.Tensor, beams int) (*Stepper, error) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 {
		return nil, errors.Errorf("images must be shaped [batch, channels, height, width], got %s", images.Shape())
	}
	if beams < 1 {
		return nil, errors.Errorf("beams must be >= 1, got %d", beams)
	}
	ctx = ctx.Checked(false)
	s := &Stepper{fd: fd, ctx: ctx, backend: backend, batchSize: dims[0], numRows: dims[0] * beams}

	static, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		return fd.staticCachesGraph(ctx, images, beams)
	}, images)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compute the memory caches")
	}
	s.static = static

	srcLen := fd.model.cfg.Encoder.SequenceLength()
	lengths := make([]int32, s.numRows)
	for i := range lengths {
		lengths[i] = int32(srcLen)
	}
	s.memoryLengths = tensors.FromValue(lengths)

	s.exec, err = context.NewExec(backend, ctx, fd.stepGraph)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the decoding step graph")
	}
	// The self-attention caches grow at every step, so each step has a different graph.
	s.exec.SetMaxCache(-1)
	return s, nil
}

// getSampleExec returns the exec of sampleGraph, created on first use.
func (s *Stepper) getSampleExec() (*context.Exec, error) {
	if s.sampleExec != nil {
		return s.sampleExec, nil
	}
	exec, err := context.NewExec(s.backend, s.ctx, s.fd.sampleGraph)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the sampling step graph")
	}
	exec.SetMaxCache(-1)
	s.sampleExec = exec
	return exec, nil
}

// staticCachesGraph returns the key and value of the cross-attention cache of each layer,
// shaped [batch*beams, numHeads, srcLen, headDim].
func (fd *FasterDecoder) staticCachesGraph(ctx *context.Context, images *Node, beams int) []*Node {
	cfg := fd.model.cfg
	memory := fd.model.Encode(ctx, images)
	memory = ConvertDType(ConvertDType(memory, fd.CacheDType()), cfg.DType)
	memory = repeatRows(memory, beams)

	decoderCtx := ctx.In(DecoderScope)
	outputs := make([]*Node, 0, 2*cfg.Decoder.NumLayers)
	for i := range cfg.Decoder.NumLayers {
		static := cfg.Decoder.StaticCache(decoderCtx.In(decoder.LayerScope(i)), memory).ConvertDType(fd.CacheDType())
		outputs = append(outputs, static.Key, static.Value)
	}
	return outputs
}

// repeatRows repeats each row (axis 0) of x the given number of times, consecutively.
func repeatRows(x *Node, times int) *Node {
	if times == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	broadcastDims := append([]int{dims[0], times}, dims[1:]...)
	x = BroadcastToDims(InsertAxes(x, 1), broadcastDims...)
	return Reshape(x, append([]int{dims[0] * times}, dims[1:]...)...)
}

// stepGraph decodes one token per row. Inputs are:
//
//	tokens [numRows], parents [numRows], position (scalar), memoryLengths [numRows],
//	the static cache key and value of each layer, and the self cache key and value of each layer
//	(absent in the first step).
//
// It returns the logits [numRows, vocabSize] and the updated self cache key and value of each layer.
func (fd *FasterDecoder) stepGraph(ctx *context.Context, inputs []*Node) []*Node {
	logits, self := fd.decodeStep(ctx, inputs[0], inputs[1], inputs[2], inputs[3], inputs[4:])
	return append([]*Node{logits}, self...)
}

// sampleGraph decodes one token per row and picks the next one with the decoding strategy. Inputs are
// the same as stepGraph, except parents is replaced by forced [numRows] (see decode.Sampler): rows are
// not reordered.
//
// It returns the chosen tokens [numRows], their log-probabilities [numRows] and the updated self cache key
// and value of each layer.
func (fd *FasterDecoder) sampleGraph(ctx *context.Context, inputs []*Node) []*Node {
	logits, self := fd.decodeStep(ctx, inputs[0], nil, inputs[2], inputs[3], inputs[4:])
	tokens, logProbs := fd.decoding.SampleGraph(ctx, logits, inputs[1])
	return append([]*Node{tokens, logProbs}, self...)
}

// decodeStep runs the decoder on one token per row, with caches holding the static cache key and value of each
// layer followed by the self cache key and value of each layer (absent in the first step).
// If parents is nil, the self caches are not reordered.
//
// It returns the Float32 logits [numRows, vocabSize] and the updated self caches in the cache dtype.
func (fd *FasterDecoder) decodeStep(ctx *context.Context, tokens, parents, position, memoryLengths *Node,
	caches []*Node) (logits *Node, self []*Node) {
	cfg := fd.model.cfg
	numLayers := cfg.Decoder.NumLayers
	static := caches[:2*numLayers]
	prevSelf := caches[2*numLayers:]
	numRows := tokens.Shape().Dimensions[0]

	// Self caches follow their hypothesis: row i continues the hypothesis of row parents[i].
	reorder := func(x *Node) *Node {
		if parents != nil {
			x = Gather(x, InsertAxes(parents, -1))
		}
		return ConvertDType(x, cfg.DType)
	}
	layerCaches := make([]*decoder.LayerCache, numLayers)
	for i := range numLayers {
		layerCaches[i] = &decoder.LayerCache{
			Self:   attention.NewCache(),
			Static: attention.StaticCacheFrom(static[2*i], static[2*i+1]).ConvertDType(cfg.DType),
		}
		if len(prevSelf) > 0 {
			layerCaches[i].Self = attention.CacheFrom(reorder(prevSelf[2*i]), reorder(prevSelf[2*i+1]))
		}
	}

	positions := BroadcastToDims(ConvertDType(position, dtypes.Int32), numRows, 1)
	x := fd.model.Embed(ctx, Reshape(tokens, numRows, 1), positions)
	srcLen := layerCaches[0].Static.Len()
	memoryMask := attention.KeyPaddingMask(memoryLengths, srcLen, cfg.DType)
	x, layerCaches = cfg.Decoder.DecodeWithCache(ctx.In(DecoderScope), x, nil, nil, memoryMask, layerCaches)
	logits = fd.model.Project(ctx, x)
	logits = Reshape(ConvertDType(logits, dtypes.Float32), numRows, cfg.VocabSize)

	self = make([]*Node, 0, 2*numLayers)
	for _, cache := range layerCaches {
		self = append(self, ConvertDType(cache.Self.Key, fd.CacheDType()), ConvertDType(cache.Self.Value, fd.CacheDType()))
	}
	return logits, self
}

// BatchSize returns the number of images.
func (s *Stepper) BatchSize() int { return s.batchSize }

// NumRows returns the number of hypotheses decoded at each step: batch size times beams.
func (s *Stepper) NumRows() int { return s.numRows }

// Steps returns the number of steps run so far.
func (s *Stepper) Steps() int { return s.step }

// CacheLen returns the time dimension of the self-attention caches, the same as Steps.
func (s *Stepper) CacheLen() int {
	if len(s.self) == 0 {
		return 0
	}
	return s.self[0].Shape().Dimensions[attention.TimeAxis]
}

// StaticCaches returns the cross-attention key and value of each layer, in the cache dtype.
func (s *Stepper) StaticCaches() []*tensors.Tensor { return s.static }

// SelfCaches returns the self-attention key and value of each layer after the last step, in the cache dtype.
func (s *Stepper) SelfCaches() []*tensors.Tensor { return s.self }

// VocabSize implements decode.Sampler.
func (s *Stepper) VocabSize() int { return s.fd.model.cfg.VocabSize }

// Step implements decode.Stepper.
func (s *Stepper) Step(tokens, parents []int32) ([][]float32, error) {
	if len(tokens) != s.numRows || len(parents) != s.numRows {
		return nil, errors.Errorf("step expects %d tokens and parents, got %d and %d", s.numRows, len(tokens), len(parents))
	}
	outputs, err := s.run(s.exec, tokens, parents, 1)
	if err != nil {
		return nil, err
	}
	vocabSize := s.fd.model.cfg.VocabSize
	flat := tensors.MustCopyFlatData[float32](outputs[0])
	logits := make([][]float32, s.numRows)
	for row := range logits {
		logits[row] = flat[row*vocabSize : (row+1)*vocabSize]
	}
	return logits, nil
}

// Sample implements decode.Sampler. Only the chosen tokens and their log-probabilities are copied to the host.
func (s *Stepper) Sample(tokens, forced []int32) ([]int32, []float32, error) {
	if len(tokens) != s.numRows || len(forced) != s.numRows {
		return nil, nil, errors.Errorf("sample expects %d tokens and forced tokens, got %d and %d", s.numRows, len(tokens), len(forced))
	}
	exec, err := s.getSampleExec()
	if err != nil {
		return nil, nil, err
	}
	outputs, err := s.run(exec, tokens, forced, 2)
	if err != nil {
		return nil, nil, err
	}
	return tensors.MustCopyFlatData[int32](outputs[0]), tensors.MustCopyFlatData[float32](outputs[1]), nil
}

// run executes one step with exec, keeping the self caches that follow the first numResults outputs.
func (s *Stepper) run(exec *context.Exec, tokens, rowInput []int32, numResults int) ([]*tensors.Tensor, error) {
	args := make([]any, 0, 4+len(s.static)+len(s.self))
	args = append(args, tensors.FromValue(tokens), tensors.FromValue(rowInput), tensors.FromScalar(int32(s.step)), s.memoryLengths)
	for _, t := range s.static {
		args = append(args, t)
	}
	for _, t := range s.self {
		args = append(args, t)
	}
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding step %d", s.step)
	}
	s.self = outputs[numResults:]
	s.step++
	return outputs[:numResults], nil
}
