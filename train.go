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

package catbreeds

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// Short names of the metrics Fit reports per epoch. The trainer's built-in
// per-batch loss already uses "#loss" on the training side, so the epoch mean
// loss added by NewTrainer carries its own short name.
const (
	LossShortName     = "#loss"
	MeanLossShortName = "#mean_loss"
	AccuracyShortName = "#acc"
)

// meanLossGraph is the cross-entropy loss as a metric function: it must
// return a scalar, so the per-example losses are reduced here.
func meanLossGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	_ = ctx
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels, predictions))
}

// NewTrainer assembles a train.Trainer for the given model function:
// sparse categorical cross-entropy loss, SGD with momentum (params
// "learning_rate" and "momentum") and the per-epoch loss/accuracy metrics.
//
// The trainer's built-in training loss metrics are per-batch and
// moving-average (and keep the "#loss" short name), so an explicit mean loss
// metric is added under MeanLossShortName for the epoch report; on the
// evaluation side the trainer already provides the mean loss under
// LossShortName, only the accuracy is added.
func NewTrainer(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn) *train.Trainer {
	momentum := context.GetParamOr(ctx, ParamMomentum, DefaultMomentum)
	return train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		MomentumSGD(momentum),
		[]metrics.Interface{
			metrics.NewMeanMetric("Mean Loss", MeanLossShortName, metrics.LossMetricType, meanLossGraph, nil),
			metrics.NewSparseCategoricalAccuracy("Mean Accuracy", AccuracyShortName),
		},
		[]metrics.Interface{
			metrics.NewSparseCategoricalAccuracy("Mean Accuracy", AccuracyShortName),
		})
}

// Fit runs the epoch loop for the "num_epochs" context param: each epoch is
// one full training pass over trainDS followed by one evaluation pass over
// valDS. Per epoch it writes one line per phase to w:
//
//	train Loss: 0.6012 Acc: 0.7292
//	val Loss: 0.4312 Acc: 0.8667
//
// and a final "Training complete!" line. If checkpoint is not nil, it saves
// after every epoch. onLoop, if not nil, is called with the loop before
// training starts, a hook for attaching progress bars or extra callbacks.
//
// The trainer mutates the model variables in ctx; evaluation only reads them.
func Fit(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn,
	trainDS, valDS train.Dataset, checkpoint *checkpoints.Handler,
	w io.Writer, onLoop func(loop *train.Loop)) error {
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, DefaultNumEpochs)
	trainer := NewTrainer(backend, ctx, modelFn)
	loop := train.NewLoop(trainer)
	if onLoop != nil {
		onLoop(loop)
	}

	for epoch := 0; epoch < numEpochs; epoch++ {
		trainValues, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		if err = printPhase(w, "train", trainer.TrainMetrics(), trainValues, MeanLossShortName); err != nil {
			return err
		}

		evalValues, err := trainer.Eval(valDS)
		if err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		valDS.Reset() // Eval exhausts the dataset; rewind it for the next epoch.
		if err = printPhase(w, "val", trainer.EvalMetrics(), evalValues, LossShortName); err != nil {
			return err
		}

		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
			}
		}
	}
	_, err := fmt.Fprintln(w, "Training complete!")
	return err
}

// printPhase writes the per-epoch report line for one phase ("train" or
// "val"), picking the loss and accuracy values from the trainer's metrics by
// their short names. The loss short name differs per phase, see NewTrainer.
func printPhase(w io.Writer, phase string, metricsList []metrics.Interface, values []*tensors.Tensor, lossShortName string) error {
	loss, err := metricValue(metricsList, values, lossShortName)
	if err != nil {
		return err
	}
	acc, err := metricValue(metricsList, values, AccuracyShortName)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s Loss: %.4f Acc: %.4f\n", phase, loss, acc)
	return err
}

// metricValue finds the metric with the given short name and returns its
// value as a float64.
func metricValue(metricsList []metrics.Interface, values []*tensors.Tensor, shortName string) (float64, error) {
	for idx, metric := range metricsList {
		if metric.ShortName() != shortName || idx >= len(values) {
			continue
		}
		switch v := values[idx].Value().(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		default:
			return 0, errors.Errorf("metric %q (%s) returned unexpected value type %T",
				metric.Name(), shortName, v)
		}
	}
	return 0, errors.Errorf("metric %q not found among the trainer metrics", shortName)
}
