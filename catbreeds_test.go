package catbreeds

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinyDataset is an in-memory train.Dataset that yields the same fixed batch
// a given number of times per epoch. It keeps model tests independent of
// image files and of the ResNet-18 backbone.
type tinyDataset struct {
	name           string
	inputs, labels *tensors.Tensor
	batches, next  int
}

func newTinyDataset(name string, batches int) *tinyDataset {
	return &tinyDataset{
		name: name,
		inputs: tensors.FromValue([][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{1, 0, 1, 0},
			{0, 1, 0, 1},
		}),
		labels:  tensors.FromValue([][]int32{{0}, {1}, {0}, {1}}),
		batches: batches,
	}
}

func (ds *tinyDataset) Name() string { return ds.name }
func (ds *tinyDataset) Reset()       { ds.next = 0 }

// IsOwnershipTransferred implements train.DatasetCustomOwnership: the same
// tensors are yielded every batch, so the training loop must not finalize
// them after use.
func (ds *tinyDataset) IsOwnershipTransferred() bool { return false }

func (ds *tinyDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	if ds.next >= ds.batches {
		return nil, nil, nil, io.EOF
	}
	ds.next++
	return ds, []*tensors.Tensor{ds.inputs}, []*tensors.Tensor{ds.labels}, nil
}

// tinyModelGraph mirrors the real model's structure -- a frozen "backbone"
// followed by a fresh linear head under HeadScope -- with a model small enough
// to train in milliseconds.
func tinyModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	backbone := ctx.In("backbone")
	x := fnn.New(backbone, inputs[0], 4).Done()
	backbone.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
	logits := fnn.New(ctx.In("head"), x, 2).Done()
	return []*Node{logits}
}

const tinyBackboneScope = "/model/backbone/fnn_output_layer"

func TestMomentumSGDFreezing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	trainer := NewTrainer(backend, ctx, tinyModelGraph)
	ds := newTinyDataset("train", 1)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)

	_, err = trainer.TrainStep(ds, inputs, labels)
	require.NoError(t, err)

	headVar := ctx.InspectVariable(HeadScope, "weights")
	require.NotNil(t, headVar)
	assert.True(t, headVar.Trainable)
	headBefore := headVar.MustValue().Value()

	backboneVar := ctx.InspectVariable(tinyBackboneScope, "weights")
	require.NotNil(t, backboneVar)
	assert.False(t, backboneVar.Trainable)
	backboneBefore := backboneVar.MustValue().Value()

	_, err = trainer.TrainStep(ds, inputs, labels)
	require.NoError(t, err)

	// Gradient steps move the head but never the frozen backbone.
	assert.NotEqual(t, headBefore, headVar.MustValue().Value())
	assert.Equal(t, backboneBefore, backboneVar.MustValue().Value())

	// The optimizer keeps one velocity slot per trainable variable, none for
	// the frozen ones.
	velVar := ctx.InspectVariable("/"+MomentumSGDScope+HeadScope, "weights_velocity")
	require.NotNil(t, velVar)
	assert.False(t, velVar.Trainable)
	assert.Equal(t, headVar.Shape().Dimensions, velVar.Shape().Dimensions)
	assert.Nil(t, ctx.InspectVariable("/"+MomentumSGDScope+tinyBackboneScope, "weights_velocity"))

	// Clear drops the velocity slots.
	require.NoError(t, MomentumSGD(DefaultMomentum).Clear(ctx))
	assert.Nil(t, ctx.InspectVariable("/"+MomentumSGDScope+HeadScope, "weights_velocity"))
}

func TestTrainerEpochLossMetric(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainer := NewTrainer(backend, CreateDefaultContext(), tinyModelGraph)

	// The trainer prepends built-in per-batch loss metrics that keep the
	// "#loss" short name; the epoch mean loss must resolve to its own metric,
	// or the train report line would show the last batch's loss instead.
	var meanLoss metrics.Interface
	for _, m := range trainer.TrainMetrics() {
		if m.ShortName() == MeanLossShortName {
			meanLoss = m
			break
		}
	}
	require.NotNil(t, meanLoss)
	assert.Equal(t, "Mean Loss", meanLoss.Name())
	for _, m := range trainer.TrainMetrics() {
		if m.ShortName() == LossShortName {
			assert.NotEqual(t, "Mean Loss", m.Name(),
				"the epoch mean loss must not share the built-in loss short name")
		}
	}

	// The evaluation report relies on the trainer's built-in mean loss.
	hasEvalLoss := false
	for _, m := range trainer.EvalMetrics() {
		if m.ShortName() == LossShortName {
			hasEvalLoss = true
		}
	}
	assert.True(t, hasEvalLoss)
}

func TestMomentumSGDLearns(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(optimizers.ParamLearningRate, 0.1)
	trainer := NewTrainer(backend, ctx, tinyModelGraph)
	ds := newTinyDataset("train", 1)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)

	values, err := trainer.TrainStep(ds, inputs, labels)
	require.NoError(t, err)
	lossStart, err := metricValue(trainer.TrainMetrics(), values, MeanLossShortName)
	require.NoError(t, err)

	for range 150 {
		values, err = trainer.TrainStep(ds, inputs, labels)
		require.NoError(t, err)
	}
	require.NoError(t, trainer.ResetTrainMetrics())
	values, err = trainer.TrainStep(ds, inputs, labels)
	require.NoError(t, err)
	lossEnd, err := metricValue(trainer.TrainMetrics(), values, MeanLossShortName)
	require.NoError(t, err)

	assert.Less(t, lossEnd, lossStart, "loss should decrease when training the head")

	accEnd, err := metricValue(trainer.TrainMetrics(), values, AccuracyShortName)
	require.NoError(t, err)
	assert.Equal(t, 1.0, accEnd, "the tiny problem is linearly separable")
}

func TestFit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamNumEpochs, 2)
	ctx.SetParam(optimizers.ParamLearningRate, 0.1)
	trainDS := newTinyDataset("train", 4)
	valDS := newTinyDataset("val", 2)

	var buf bytes.Buffer
	require.NoError(t, Fit(backend, ctx, tinyModelGraph, trainDS, valDS, nil, &buf, nil))
	out := buf.String()

	// The datasets keep ownership of their tensors, so they must survive the
	// whole run intact.
	assert.True(t, trainDS.inputs.Ok())
	assert.True(t, trainDS.labels.Ok())

	trainLine := regexp.MustCompile(`(?m)^train Loss: \d+\.\d{4} Acc: \d+\.\d{4}$`)
	valLine := regexp.MustCompile(`(?m)^val Loss: \d+\.\d{4} Acc: \d+\.\d{4}$`)
	assert.Len(t, trainLine.FindAllString(out, -1), 2, "one train line per epoch:\n%s", out)
	assert.Len(t, valLine.FindAllString(out, -1), 2, "one val line per epoch:\n%s", out)
	assert.True(t, strings.HasSuffix(out, "Training complete!\n"), "output:\n%s", out)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 5)
	for epoch := 0; epoch < 2; epoch++ {
		assert.True(t, strings.HasPrefix(lines[2*epoch], "train "))
		assert.True(t, strings.HasPrefix(lines[2*epoch+1], "val "))
	}
}

func TestVerifyHeadShape(t *testing.T) {
	// Nothing loaded: any class count passes, the head is created later.
	require.NoError(t, VerifyHeadShape(context.New(), 7))

	ctx := context.New()
	headCtx := ctx.InAbsPath(HeadScope)
	_ = headCtx.VariableWithValue("weights", [][]float32{{0, 0, 0}, {0, 0, 0}})
	_ = headCtx.VariableWithValue("biases", []float32{0, 0, 0})
	require.NoError(t, VerifyHeadShape(ctx, 3))

	err := VerifyHeadShape(ctx, 2)
	var mismatch *ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Variable, "weights")
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestCheckpointRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dataDir := t.TempDir()

	ctx := CreateDefaultContext()
	ctx.SetParam(ParamNumEpochs, 1)
	checkpoint, err := AttachCheckpoint(ctx, "tiny", dataDir, nil)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.NoError(t, Fit(backend, ctx, tinyModelGraph,
		newTinyDataset("train", 2), newTinyDataset("val", 1), checkpoint, io.Discard, nil))
	trained := ctx.InspectVariable(HeadScope, "weights")
	require.NotNil(t, trained)

	// A fresh context attached to the same directory restores the trained head.
	ctx2 := CreateDefaultContext()
	_, err = AttachCheckpoint(ctx2, "tiny", dataDir, nil)
	require.NoError(t, err)
	restored := ctx2.InspectVariable(HeadScope, "weights")
	require.NotNil(t, restored)
	assert.True(t, restored.MustValue().Equal(trained.MustValue()))

	require.NoError(t, VerifyHeadShape(ctx2, 2))
	var mismatch *ShapeMismatchError
	require.ErrorAs(t, VerifyHeadShape(ctx2, 5), &mismatch)
}

func TestAttachCheckpointDisabled(t *testing.T) {
	checkpoint, err := AttachCheckpoint(CreateDefaultContext(), "", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Nil(t, checkpoint)
}
