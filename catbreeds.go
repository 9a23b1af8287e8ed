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

// Package catbreeds fine-tunes a pre-trained ResNet-18 on a small
// directory-per-class image dataset and runs inference on single images.
//
// The pipeline: imagefolder loads `<data_dir>/train` and `<data_dir>/val`
// splits; the frozen resnet backbone plus a fresh linear head sized to the
// class count form the model; Fit runs the epoch train/eval loop with
// SGD+momentum; checkpoints store the trained variables; Classify and
// Annotate handle single-image inference and visualization.
//
// See cmd/catbreeds for the command-line front-end.
package catbreeds

import (
	"math/rand"
	"slices"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"github.com/vision-go/catbreeds/imagefolder"
	"github.com/vision-go/catbreeds/resnet"
)

// Default hyperparameters, overridable through context params (see
// CreateDefaultContext and the --set flag of cmd/catbreeds).
const (
	DefaultBatchSize    = 32
	DefaultNumEpochs    = 10
	DefaultNumWorkers   = 4
	DefaultLearningRate = 0.001
	DefaultMomentum     = 0.9
)

// Context param names used by this package, in addition to
// optimizers.ParamLearningRate.
const (
	ParamDataDir        = "data_dir"
	ParamBatchSize      = "batch_size"
	ParamNumEpochs      = "num_epochs"
	ParamNumWorkers     = "num_workers"
	ParamMomentum       = "momentum"
	ParamNumClasses     = "num_classes"
	ParamPretrained     = "pretrained"
	ParamFineTuning     = "finetuning"
	ParamNumCheckpoints = "num_checkpoints"
)

// DefaultClasses is the class list of the demo dataset: Egyptian Mau vs
// Persian cats.
var DefaultClasses = []string{"egyptian", "persian"}

// ParamsExcludedFromSaving are context params that shouldn't be stored in
// checkpoints, so they can be freely changed between sessions.
var ParamsExcludedFromSaving = []string{
	ParamDataDir, ParamNumEpochs, ParamNumWorkers, ParamNumCheckpoints,
}

// CreateDefaultContext creates a context with the default hyperparameters.
// Individual params can be overridden before training, either directly or
// with commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamBatchSize:  DefaultBatchSize,
		ParamNumEpochs:  DefaultNumEpochs,
		ParamNumWorkers: DefaultNumWorkers,
		ParamNumClasses: len(DefaultClasses),

		// Load ImageNet weights into the backbone; set finetuning to also
		// train the backbone (default trains only the linear head).
		ParamPretrained: true,
		ParamFineTuning: false,

		ParamNumCheckpoints: 3,

		optimizers.ParamLearningRate: DefaultLearningRate,
		ParamMomentum:                DefaultMomentum,
	})
	return ctx
}

// CreateDatasets scans the train and val splits under dataDir and builds the
// corresponding datasets: the train split shuffled and augmented, the val
// split in deterministic order with the evaluation transform. Both are
// wrapped with parallel prefetching workers when "num_workers" > 1.
//
// The two splits must agree exactly on class names and order, since the label
// indices of both feed the same model.
func CreateDatasets(ctx *context.Context, dataDir string) (trainDS, valDS train.Dataset, classes []string, err error) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, DefaultBatchSize)
	numWorkers := context.GetParamOr(ctx, ParamNumWorkers, DefaultNumWorkers)

	trainSplit, err := imagefolder.Scan(dataDir, imagefolder.TrainSplit)
	if err != nil {
		return
	}
	valSplit, err := imagefolder.Scan(dataDir, imagefolder.ValSplit)
	if err != nil {
		return
	}
	if !slices.Equal(trainSplit.ClassNames, valSplit.ClassNames) {
		err = errors.Errorf("train and val splits disagree on the class set: train=%v, val=%v",
			trainSplit.ClassNames, valSplit.ClassNames)
		return
	}
	classes = trainSplit.ClassNames

	seed := time.Now().UTC().UnixNano()
	augment := imagefolder.NewTrainTransform(rand.New(rand.NewSource(seed)))
	baseTrain := imagefolder.NewDataset("train", trainSplit, batchSize, augment, rand.New(rand.NewSource(seed+1)))
	baseVal := imagefolder.NewDataset("val", valSplit, batchSize, imagefolder.NewEvalTransform(), nil)
	trainDS, valDS = baseTrain, baseVal
	if numWorkers > 1 {
		trainDS = baseTrain.Parallel(numWorkers, 2*numWorkers)
		valDS = baseVal.Parallel(numWorkers, 2*numWorkers)
	}
	return
}

// ModelGraph builds the classifier: the ResNet-18 backbone (frozen unless
// "finetuning" is set, pre-trained unless "pretrained" is false) followed by
// a fresh linear head sized by the "num_classes" param. It implements
// train.ModelFn and returns the [batch, num_classes] logits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	images := inputs[0]

	var preTrainedDir string
	if context.GetParamOr(ctx, ParamPretrained, true) {
		preTrainedDir = context.GetParamOr(ctx, ParamDataDir, ".")
	}
	embed := resnet.BuildGraph(ctx, images).
		PreTrained(preTrainedDir).
		Trainable(context.GetParamOr(ctx, ParamFineTuning, false)).
		Done()

	numClasses := context.GetParamOr(ctx, ParamNumClasses, len(DefaultClasses))
	logits := fnn.New(ctx.In("head"), embed, numClasses).Done()
	return []*Node{logits}
}
