// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// loadImage reads the image file, crops and resizes it to size x size, and returns it as a
// [1, 3, size, size] Float32 tensor with values in [0, 1].
func loadImage(backend backends.Backend, path string, size int) (*tensors.Tensor, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	channelsLast := images.ToTensor(dtypes.Float32).Single(img)
	channelsFirst, err := ExecOnce(backend, func(x *Node) *Node {
		return InsertAxes(TransposeAllDims(x, 2, 0, 1), 0)
	}, channelsLast)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to convert image %q to channels first", path)
	}
	return channelsFirst, nil
}
