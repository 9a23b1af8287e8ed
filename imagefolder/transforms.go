/*
 *	Copyright 2025 The catbreeds authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package imagefolder

import (
	"image"
	"math"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/compute/dtypes"
)

// Preprocessing geometry: images are cropped to CropSize x CropSize squares;
// the evaluation pipeline first resizes the shortest side to ResizeSize.
const (
	CropSize   = 224
	ResizeSize = 256
)

// Per-channel normalization statistics of the corpus the backbone was
// pre-trained on (ImageNet). Applied after scaling pixel values to [0, 1].
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform converts a decoded image into the CropSize x CropSize view that is
// fed to the model. The tensor conversion and normalization that follow are
// the same for every transform, see BatchToTensor.
type Transform interface {
	Apply(img image.Image) image.Image
}

// TrainTransform augments images for training: a random resized crop (random
// area and aspect ratio, rescaled to CropSize) followed by a random horizontal
// flip. Randomness is drawn fresh for every image, so every epoch sees
// different views.
//
// Apply is safe for concurrent use: random draws happen under a mutex, the
// image resampling itself runs unlocked.
type TrainTransform struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTrainTransform creates a TrainTransform drawing randomness from rng.
func NewTrainTransform(rng *rand.Rand) *TrainTransform {
	return &TrainTransform{rng: rng}
}

// Apply implements Transform.
func (t *TrainTransform) Apply(img image.Image) image.Image {
	t.mu.Lock()
	rect := sampleCropRect(t.rng, img.Bounds())
	flip := t.rng.Intn(2) == 1
	t.mu.Unlock()

	img = imaging.Crop(img, rect)
	img = imaging.Resize(img, CropSize, CropSize, imaging.Lanczos)
	if flip {
		img = imaging.FlipH(img)
	}
	return img
}

// Crop sampling bounds: fraction of the source area and range of aspect
// ratios of the sampled crop.
const (
	minCropArea    = 0.08
	maxCropArea    = 1.0
	minCropAspect  = 3.0 / 4.0
	maxCropAspect  = 4.0 / 3.0
	cropMaxRetries = 10
)

// sampleCropRect picks a random sub-rectangle of bounds with area in
// [minCropArea, maxCropArea] of the source area and aspect ratio in
// [minCropAspect, maxCropAspect]. If no such rectangle fits after a few
// attempts (very elongated sources), it falls back to the largest centered
// rectangle with an aspect ratio clamped to the valid range.
func sampleCropRect(rng *rand.Rand, bounds image.Rectangle) image.Rectangle {
	srcW, srcH := bounds.Dx(), bounds.Dy()
	area := float64(srcW) * float64(srcH)
	for attempt := 0; attempt < cropMaxRetries; attempt++ {
		targetArea := area * (minCropArea + rng.Float64()*(maxCropArea-minCropArea))
		logRatio := math.Log(minCropAspect) + rng.Float64()*(math.Log(maxCropAspect)-math.Log(minCropAspect))
		ratio := math.Exp(logRatio)
		w := int(math.Round(math.Sqrt(targetArea * ratio)))
		h := int(math.Round(math.Sqrt(targetArea / ratio)))
		if w <= 0 || h <= 0 || w > srcW || h > srcH {
			continue
		}
		x := bounds.Min.X + rng.Intn(srcW-w+1)
		y := bounds.Min.Y + rng.Intn(srcH-h+1)
		return image.Rect(x, y, x+w, y+h)
	}

	// Fallback: centered crop with clamped aspect ratio.
	inRatio := float64(srcW) / float64(srcH)
	w, h := srcW, srcH
	if inRatio < minCropAspect {
		h = int(math.Round(float64(w) / minCropAspect))
	} else if inRatio > maxCropAspect {
		w = int(math.Round(float64(h) * maxCropAspect))
	}
	x := bounds.Min.X + (srcW-w)/2
	y := bounds.Min.Y + (srcH-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// EvalTransform is the deterministic pipeline used for validation and
// inference: resize the shortest side to ResizeSize preserving the aspect
// ratio, then crop the center CropSize square. The same file always produces
// the same pixels.
type EvalTransform struct{}

// NewEvalTransform creates the deterministic evaluation transform.
func NewEvalTransform() *EvalTransform { return &EvalTransform{} }

// Apply implements Transform.
func (t *EvalTransform) Apply(img image.Image) image.Image {
	img = resizeShortestSide(img, ResizeSize)
	return imaging.CropCenter(img, CropSize, CropSize)
}

// resizeShortestSide scales img so its shortest side becomes size, preserving
// the aspect ratio.
func resizeShortestSide(img image.Image, size int) image.Image {
	b := img.Bounds().Size()
	if b.X <= b.Y {
		height := int(math.Round(float64(b.Y) * float64(size) / float64(b.X)))
		return imaging.Resize(img, size, height, imaging.Lanczos)
	}
	width := int(math.Round(float64(b.X) * float64(size) / float64(b.Y)))
	return imaging.Resize(img, width, size, imaging.Lanczos)
}

// toTensor converts images to Float32 tensors shaped [..., height, width, 3],
// with values scaled to [0, 1]. Alpha is dropped.
var toTensor = timage.ToTensor(dtypes.Float32)

// BatchToTensor converts a batch of (already transformed) images to one
// normalized tensor shaped [batch, height, width, 3].
func BatchToTensor(imgs []image.Image) *tensors.Tensor {
	t := toTensor.Batch(imgs)
	normalize(t)
	return t
}

// ImageToTensor converts a single (already transformed) image to a normalized
// tensor with a singleton batch dimension: [1, height, width, 3].
func ImageToTensor(img image.Image) *tensors.Tensor {
	return BatchToTensor([]image.Image{img})
}

// normalize applies the per-channel ImageNet normalization in place. It runs
// on the local tensor data, so the result doesn't depend on which backend the
// tensor is later used with.
func normalize(t *tensors.Tensor) {
	t.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]float32)
		// Channels-last: channel index cycles fastest.
		for i := range flat {
			c := i % 3
			flat[i] = (flat[i] - ImageNetMean[c]) / ImageNetStd[c]
		}
	})
}
