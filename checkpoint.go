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

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
)

// HeadScope is the absolute scope of the classification head variables
// created by ModelGraph: "weights" shaped [embed_size, num_classes] and
// "biases" shaped [num_classes].
const HeadScope = "/model/head/fnn_output_layer"

// ShapeMismatchError reports a checkpoint whose stored head does not match
// the class count the model is configured for. Checkpoints are saved with the
// head already sized to the deployment class count; transplanting slices of a
// differently-sized head is deliberately not supported.
type ShapeMismatchError struct {
	Variable  string
	Got, Want shapes.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("checkpoint shape mismatch for variable %q: checkpoint has %s, model wants %s",
		e.Variable, e.Got, e.Want)
}

// AttachCheckpoint builds the checkpoints handler for checkpointDir
// (interpreted relative to dataDir if not absolute), keeping the
// "num_checkpoints" most recent checkpoints. If a checkpoint exists it is
// loaded into ctx immediately -- variables and hyperparameters, except the
// session-local params listed in ParamsExcludedFromSaving and paramsSet.
//
// An empty checkpointDir returns a nil handler: training then runs without
// saving.
func AttachCheckpoint(ctx *context.Context, checkpointDir, dataDir string, paramsSet []string) (*checkpoints.Handler, error) {
	if checkpointDir == "" {
		return nil, nil
	}
	numKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	return checkpoints.Build(ctx).
		DirFromBase(checkpointDir, dataDir).
		Keep(numKeep).
		ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
		Done()
}

// VerifyHeadShape checks that the classification head present in ctx
// (typically just loaded from a checkpoint) matches numClasses. It returns a
// *ShapeMismatchError on mismatch, so a checkpoint trained for a different
// class count fails loudly instead of silently truncating or padding.
//
// A context without head variables (nothing loaded yet) passes: the head will
// be freshly created at the right size on the first graph build.
func VerifyHeadShape(ctx *context.Context, numClasses int) error {
	weightsVar := ctx.InspectVariable(HeadScope, "weights")
	if weightsVar != nil {
		got := weightsVar.Shape()
		want := shapes.Make(got.DType, got.Dim(0), numClasses)
		if !got.Equal(want) {
			return &ShapeMismatchError{Variable: HeadScope + "/weights", Got: got, Want: want}
		}
	}
	biasesVar := ctx.InspectVariable(HeadScope, "biases")
	if biasesVar != nil {
		got := biasesVar.Shape()
		want := shapes.Make(got.DType, numClasses)
		if !got.Equal(want) {
			return &ShapeMismatchError{Variable: HeadScope + "/biases", Got: got, Want: want}
		}
	}
	return nil
}
