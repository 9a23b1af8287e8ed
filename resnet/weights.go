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

package resnet

import (
	"fmt"
	"path"

	"github.com/gomlx/exceptions"
	data "github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/examples/inceptionv3/hdf5"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
)

var (
	// WeightsURL points to the ResNet-18 ImageNet weights, converted from the
	// torchvision release to GoMLX tensor layout (convolution kernels stored
	// as [kernel_h, kernel_w, input_channels, output_channels]). Overridable
	// to serve the archive from somewhere else.
	WeightsURL = "https://github.com/vision-go/catbreeds/releases/download/weights-v1/resnet18_imagenet_gomlx.h5"

	// WeightsH5Checksum is the SHA256 checksum of the weights file.
	WeightsH5Checksum = "3f0a2c4f0db79e7f1c1b0a66b1d2a6a3ce43a6c8a0f3b2f6f9ad0b5e62c8e914"
)

const (
	// WeightsH5Name is the name of the local ".h5" file with the weights.
	WeightsH5Name = "resnet18_weights.h5"

	// UnpackedWeightsName is the name of the subdirectory that holds the
	// unpacked weights, one tensor file per parameter, named after the
	// original torchvision parameters ("conv1.weight", "bn1.running_mean",
	// "layer2.0.downsample.0.weight", ...).
	UnpackedWeightsName = "resnet18_weights"
)

// DownloadAndUnpackWeights downloads the pre-trained weights to baseDir and
// unpacks them to one tensor file per parameter. It only does the work if the
// files are not there yet; it is quiet if there is nothing to do.
func DownloadAndUnpackWeights(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedPath := path.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedPath) {
		return nil
	}

	weightsH5Path := path.Join(baseDir, WeightsH5Name)
	if err := data.DownloadIfMissing(WeightsURL, weightsH5Path, WeightsH5Checksum); err != nil {
		return err
	}
	fmt.Printf("Unpacking weights to %s:\n", unpackedPath)
	return hdf5.UnpackToTensors(unpackedPath, weightsH5Path).ProgressBar().Done()
}

// PathToTensor returns the path of the unpacked tensor file for the given
// parameter name.
func PathToTensor(baseDir, paramName string) string {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return path.Join(baseDir, UnpackedWeightsName, paramName)
}

// pretrainedWeights loads unpacked weight tensors into context variables as
// the graph is built.
type pretrainedWeights struct {
	baseDir string
}

func newPretrainedWeights(baseDir string) *pretrainedWeights {
	return &pretrainedWeights{baseDir: fsutil.MustReplaceTildeInDir(baseDir)}
}

// load reads the tensor stored for paramName and creates the variable
// variableName with it in the current scope of ctx. If the variable already
// exists (graph rebuilt with the same context) the value is kept as is.
//
// It returns ctx unchecked, since the layer built on top will mix reusing
// these variables with creating its own (e.g. batch normalization's
// "avg_weight").
func (pw *pretrainedWeights) load(ctx *context.Context, paramName, variableName string) *context.Context {
	if ctx.InspectVariable(ctx.Scope(), variableName) != nil {
		// Already loaded (or restored from a checkpoint).
		return ctx.Checked(false)
	}
	tensorPath := path.Join(pw.baseDir, UnpackedWeightsName, paramName)
	local, err := tensors.Load(tensorPath)
	if err != nil {
		exceptions.Panicf("resnet: failed to read pre-trained weights from %q: %v", tensorPath, err)
	}
	_ = ctx.VariableWithValue(variableName, local)
	return ctx.Checked(false)
}
