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

// Package resnet implements the ResNet-18 convolutional backbone for GoMLX,
// with optional ImageNet pre-trained weights.
//
// The model outputs the [batch, EmbedSize] feature embedding after the global
// pooling layer. It deliberately has no classification head: callers attach
// their own output layer sized to their class count. Typical usage:
//
//	embed := resnet.BuildGraph(ctx, images).
//		PreTrained(dataDir).
//		Trainable(false).
//		Done()
//	logits := fnn.New(ctx.In("head"), embed, numClasses).Done()
//
// Before building a graph with PreTrained, call DownloadAndUnpackWeights once
// to fetch the weights.
package resnet

import (
	"fmt"
	"strconv"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// Scope under which all backbone variables are created.
	Scope = "resnet18"

	// InputImageSize is the expected spatial size of the (square) input images.
	InputImageSize = 224

	// EmbedSize is the dimension of the feature embedding returned by Done.
	EmbedSize = 512
)

// Config is the builder for the ResNet-18 graph. Create it with BuildGraph,
// adjust with PreTrained/Trainable and call Done to get the embedding Node.
type Config struct {
	ctx       *context.Context
	images    *Node
	trainable bool
	weights   *pretrainedWeights
}

// BuildGraph builds the ResNet-18 backbone on images, a [batch, height,
// width, 3] Float32 node (channels-last), under ctx.In(Scope).
//
// Variables are reused when they already exist in the context, so the same
// context builds the same model across graphs (training, evaluation,
// inference).
func BuildGraph(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:    ctx.In(Scope),
		images: images,
	}
}

// PreTrained configures the model to load the ImageNet pre-trained weights
// previously downloaded to baseDir with DownloadAndUnpackWeights. An empty
// baseDir leaves the model randomly initialized.
func (c *Config) PreTrained(baseDir string) *Config {
	if baseDir == "" {
		c.weights = nil
		return c
	}
	c.weights = newPretrainedWeights(baseDir)
	return c
}

// Trainable sets whether the backbone variables take gradient updates. It
// defaults to false: the backbone is frozen, and its batch normalization
// layers use (and don't update) their stored running statistics.
func (c *Config) Trainable(trainable bool) *Config {
	c.trainable = trainable
	return c
}

// Done builds the graph and returns the [batch, EmbedSize] embedding.
//
// It panics (with an exceptions error) on invalid input shapes or if the
// pre-trained weights cannot be read -- the graph building convention; the
// surrounding train.Trainer or context.Exec converts these to errors.
func (c *Config) Done() *Node {
	ctx := c.ctx
	x := c.images
	if x.Rank() != 4 || x.Shape().Dim(-1) != 3 {
		exceptions.Panicf("resnet.BuildGraph: images must be shaped [batch, height, width, 3], got %s", x.Shape())
	}

	// Stem: 7x7/64 stride-2 convolution, then 3x3 stride-2 max-pooling.
	x = c.conv(ctx.In("conv1"), "conv1.weight", x, 64, 7, 2)
	x = c.batchNorm(ctx.In("bn1"), "bn1", x)
	x = activations.Relu(x)
	x = MaxPool(x).ChannelsAxis(timage.ChannelsLast).Window(3).Strides(2).PadSame().Done()

	// Four stages of two basic blocks each; spatial resolution halves and
	// channels double at every stage boundary after the first.
	channels := 64
	for stage := 1; stage <= 4; stage++ {
		outChannels := 64 << (stage - 1)
		stageCtx := ctx.In(fmt.Sprintf("layer%d", stage))
		for block := 0; block < 2; block++ {
			stride := 1
			if stage > 1 && block == 0 {
				stride = 2
			}
			paramPrefix := fmt.Sprintf("layer%d.%d", stage, block)
			x = c.basicBlock(stageCtx.In(strconv.Itoa(block)), paramPrefix, x, channels, outChannels, stride)
			channels = outChannels
		}
	}

	// Global spatial mean pooling: [batch, 7, 7, 512] -> [batch, 512].
	x = ReduceMean(x, 1, 2)

	if !c.trainable {
		ctx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}
	return x
}

// basicBlock is the ResNet-18 residual unit: two 3x3 convolutions with batch
// normalization, plus an identity (or 1x1 projection) shortcut.
func (c *Config) basicBlock(ctx *context.Context, paramPrefix string, x *Node, inChannels, outChannels, stride int) *Node {
	shortcut := x
	y := c.conv(ctx.In("conv1"), paramPrefix+".conv1.weight", x, outChannels, 3, stride)
	y = c.batchNorm(ctx.In("bn1"), paramPrefix+".bn1", y)
	y = activations.Relu(y)
	y = c.conv(ctx.In("conv2"), paramPrefix+".conv2.weight", y, outChannels, 3, 1)
	y = c.batchNorm(ctx.In("bn2"), paramPrefix+".bn2", y)
	if stride != 1 || inChannels != outChannels {
		shortcut = c.conv(ctx.In("downsample_conv"), paramPrefix+".downsample.0.weight", x, outChannels, 1, stride)
		shortcut = c.batchNorm(ctx.In("downsample_bn"), paramPrefix+".downsample.1", shortcut)
	}
	return activations.Relu(Add(y, shortcut))
}

// conv adds a bias-free 2D convolution, loading its kernel from the
// pre-trained weights when configured.
func (c *Config) conv(ctx *context.Context, paramName string, x *Node, filters, kernelSize, stride int) *Node {
	if c.weights != nil {
		ctx = c.weights.load(ctx, paramName, "weights")
	}
	cfg := layers.Convolution(ctx, x).CurrentScope().
		ChannelsAxis(timage.ChannelsLast).
		Filters(filters).
		KernelSize(kernelSize).
		UseBias(false).
		PadSame()
	if stride > 1 {
		cfg = cfg.Strides(stride)
	}
	return cfg.Done()
}

// batchNorm adds a batch normalization layer over the channels axis, loading
// its scale/offset and running statistics from the pre-trained weights when
// configured. When the backbone is frozen the running averages are frozen too.
func (c *Config) batchNorm(ctx *context.Context, paramPrefix string, x *Node) *Node {
	if c.weights != nil {
		ctx = c.weights.load(ctx, paramPrefix+".weight", "scale")
		ctx = c.weights.load(ctx, paramPrefix+".bias", "offset")
		ctx = c.weights.load(ctx, paramPrefix+".running_mean", "mean")
		ctx = c.weights.load(ctx, paramPrefix+".running_var", "variance")
	}
	return batchnorm.New(ctx, x, -1).CurrentScope().
		Trainable(c.trainable).
		FrozenAverages(!c.trainable).
		Done()
}
