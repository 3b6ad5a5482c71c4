// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// image2text builds an Image2Text model from the hyperparameters, runs the teacher-forced pass on
// random targets and generates token ids for some images.
//
// The images are random, unless -image is given. Weights are randomly initialized, unless -checkpoint
// points to a directory with a saved model.
//
// Example:
//
//	image2text -set="decode_strategy=greedy;decode_max_length=10" -image=cat.jpg
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/image2text/pkg/ml/decode"
	"github.com/gomlx/image2text/pkg/ml/model/decoder"
	"github.com/gomlx/image2text/pkg/ml/model/image2text"
	"github.com/gomlx/image2text/pkg/ml/model/vit"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagImage      = flag.String("image", "", "Image file to caption. If empty, -batch random images are used.")
	flagBatch      = flag.Int("batch", 2, "Number of random images, if -image is not given.")
	flagTargetLen  = flag.Int("target_len", 20, "Length of the random targets of the teacher-forced pass.")
	flagSeed       = flag.Uint64("seed", 42, "Seed for the random images and targets.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the model from, and save it to. If empty, no checkpoint is used.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar of the generation steps.")
)

// createDefaultContext sets the hyperparameters of a DeiT-small encoder with a 6 layers decoder.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		vit.ParamPatchSize: 16,
		vit.ParamEmbedDim:  384,
		vit.ParamDepth:     8,
		vit.ParamNumHeads:  6,
		vit.ParamMLPRatio:  4.0,

		decoder.ParamDModel:    384,
		decoder.ParamNumHeads:  6,
		decoder.ParamFFNDim:    1536,
		decoder.ParamNumLayers: 6,

		image2text.ParamVocabSize:        3000,
		image2text.ParamMaxLength:        256,
		image2text.ParamUseFP16Decoding: false,
		image2text.ParamRelLen:           false,

		decode.ParamStrategy:      string(decode.StrategyBeamSearch),
		decode.ParamBeamSize:      4,
		decode.ParamTopK:          4,
		decode.ParamTopP:          0.0,
		decode.ParamMaxLength:     20,
		decode.ParamDiversityRate: 0.0,
		decode.ParamAlpha:         0.6,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Hyperparameters:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))

	backend := must.M1(backends.New())
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done()
		if err != nil {
			klog.Fatalf("Failed to load checkpoint from %q: %+v", *flagCheckpoint, err)
		}
	}

	model, err := image2text.New(image2text.FromContext(ctx))
	if err != nil {
		klog.Fatalf("Invalid model configuration: %+v", err)
	}
	cfg := model.Config()
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed))

	var images *tensors.Tensor
	if *flagImage != "" {
		images, err = loadImage(backend, *flagImage, cfg.Encoder.ImageSize)
		if err != nil {
			klog.Fatalf("Failed to load image: %+v", err)
		}
	} else {
		images = randomImages(rng, *flagBatch, cfg.Encoder.InChannels, cfg.Encoder.ImageSize)
	}
	batchSize := images.Shape().Dimensions[0]
	klog.Infof("Images: %s, %s", images.Shape(), humanize.Bytes(uint64(images.Shape().Memory())))

	// Teacher-forced pass on random targets.
	targets := randomTargets(rng, batchSize, *flagTargetLen, cfg.VocabSize)
	logits, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images, targets *Node) *Node {
		return model.Forward(ctx, images, targets, true)
	}, images, targets)
	if err != nil {
		klog.Fatalf("Forward pass failed: %+v", err)
	}
	fmt.Printf("Logits: %s\n", logits.Shape())
	fmt.Printf("Parameters: %s (%s)\n", humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))

	// Generation.
	faster := image2text.NewFasterDecoder(model, decode.New()).FromContext(ctx)
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(faster.MaxOutputLength(),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionClearOnFinish(),
		)
		faster.Decoding().WithStepCallback(func(step, _ int) {
			_ = bar.Set(step)
		})
	}
	results, err := faster.Generate(backend, ctx, images, nil)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		klog.Fatalf("Generation failed: %+v", err)
	}
	fmt.Println(resultsTable(results))

	if checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			klog.Fatalf("Failed to save checkpoint to %q: %+v", *flagCheckpoint, err)
		}
		klog.Infof("Checkpoint saved to %q", checkpoint.Dir())
	}
}

// randomImages returns uniform [0, 1) images shaped [batchSize, channels, size, size].
func randomImages(rng *rand.Rand, batchSize, channels, size int) *tensors.Tensor {
	data := make([]float32, batchSize*channels*size*size)
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, channels, size, size)
}

// randomTargets returns tokens in [1, vocabSize) shaped [batchSize, targetLen].
func randomTargets(rng *rand.Rand, batchSize, targetLen, vocabSize int) [][]int32 {
	targets := make([][]int32, batchSize)
	for b := range targets {
		targets[b] = make([]int32, targetLen)
		for i := range targets[b] {
			targets[b][i] = int32(1 + rng.IntN(vocabSize-1))
		}
	}
	return targets
}

func formatTokens(tokens []int32) string {
	parts := make([]string, len(tokens))
	for i, token := range tokens {
		parts[i] = fmt.Sprint(token)
	}
	return strings.Join(parts, " ")
}
