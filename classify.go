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

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/vision-go/catbreeds/imagefolder"
)

// ClassID is an integer class label: the index into the sorted class-name
// list of the dataset the model was trained on.
type ClassID int

// Name maps the class id through the ordered class-name list.
func (c ClassID) Name(classes []string) string {
	if c < 0 || int(c) >= len(classes) {
		return fmt.Sprintf("unknown(%d)", int(c))
	}
	return classes[c]
}

// Classify runs inference on a single image file: it applies the evaluation
// transform, runs a forward pass of modelFn (no gradients, no variable
// updates) and returns the argmax class.
//
// classes is the ordered class-name list the model was trained with; Classify
// fails if its length doesn't match the model's output dimension, so a wrong
// class list can never silently map to the wrong name.
func Classify(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn,
	imagePath string, classes []string) (ClassID, error) {
	img, err := imagefolder.ReadImage(imagePath)
	if err != nil {
		return -1, err
	}
	input := imagefolder.ImageToTensor(imagefolder.NewEvalTransform().Apply(img))

	var numOutputs int
	output, err := context.ExecOnce(backend, ctx.Checked(false),
		func(ctx *context.Context, images *Node) *Node {
			logits := modelFn(ctx, nil, []*Node{images})[0]
			numOutputs = logits.Shape().Dim(-1)
			return ArgMax(logits, -1, dtypes.Int32)
		}, input)
	if err != nil {
		return -1, errors.WithMessagef(err, "classifying %q", imagePath)
	}
	if numOutputs != len(classes) {
		return -1, errors.Errorf("model outputs %d classes, but %d class names were given (%v)",
			numOutputs, len(classes), classes)
	}
	pred := output.Value().([]int32)
	return ClassID(pred[0]), nil
}
