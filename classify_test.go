package catbreeds

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestImage(t *testing.T, path string, width, height int) {
	t.Helper()
	require.NoError(t, imaging.Save(imaging.New(width, height, color.NRGBA{R: 180, G: 150, B: 120, A: 255}), path))
}

// persianModelGraph ignores its input and always scores class 1 highest.
func persianModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_, _ = ctx, spec
	g := inputs[0].Graph()
	return []*Node{Const(g, [][]float32{{0.1, 2.5}})}
}

func TestClassIDName(t *testing.T) {
	assert.Equal(t, "egyptian", ClassID(0).Name(DefaultClasses))
	assert.Equal(t, "persian", ClassID(1).Name(DefaultClasses))
	assert.Equal(t, "unknown(5)", ClassID(5).Name(DefaultClasses))
	assert.Equal(t, "unknown(-1)", ClassID(-1).Name(DefaultClasses))
}

func TestClassify(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imgPath := filepath.Join(t.TempDir(), "cat.png")
	writeTestImage(t, imgPath, 320, 240)

	classID, err := Classify(backend, context.New(), persianModelGraph, imgPath, DefaultClasses)
	require.NoError(t, err)
	assert.Equal(t, ClassID(1), classID)
	assert.Equal(t, "persian", classID.Name(DefaultClasses))
}

func TestClassifyClassCountMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imgPath := filepath.Join(t.TempDir(), "cat.png")
	writeTestImage(t, imgPath, 320, 240)

	_, err := Classify(backend, context.New(), persianModelGraph, imgPath,
		[]string{"egyptian", "persian", "siamese"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class names")
}

func TestClassifyMissingImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := Classify(backend, context.New(), persianModelGraph,
		filepath.Join(t.TempDir(), "missing.png"), DefaultClasses)
	require.Error(t, err)
}

// TestClassifyFullModel runs the real model graph end to end with a randomly
// initialized backbone: the prediction is arbitrary but must be a valid class.
func TestClassifyFullModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full ResNet-18 inference in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamPretrained, false)
	imgPath := filepath.Join(t.TempDir(), "cat.jpg")
	writeTestImage(t, imgPath, 300, 260)

	classID, err := Classify(backend, ctx, ModelGraph, imgPath, DefaultClasses)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(classID), 0)
	assert.Less(t, int(classID), len(DefaultClasses))
}
