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

// catbreeds trains and runs a ResNet-18 transfer-learning classifier on a
// directory-per-class image dataset. Typical usage:
//
//	catbreeds --data=~/work/catbreeds --checkpoint=resnet18 --train
//	catbreeds --data=~/work/catbreeds --checkpoint=resnet18 --classify=my_cat.jpg --annotate=out.png
//
// The dataset layout under --data is `train/<class>/*.jpg` and
// `val/<class>/*.jpg`. Hyperparameters can be changed with --set, e.g.
// `--set="num_epochs=20;learning_rate=0.0005"`.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/vision-go/catbreeds"
	"github.com/vision-go/catbreeds/resnet"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/catbreeds", "Directory with the train/ and val/ splits; also used to cache downloaded weights and save checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to --data if not absolute. If left empty, no checkpoints are created or loaded.")
	flagTrain      = flag.Bool("train", false, "Train the model on the train/ split, evaluating on val/ after every epoch.")
	flagClassify   = flag.String("classify", "", "Path of a single image to classify.")
	flagAnnotate   = flag.String("annotate", "", "Path to save a copy of the --classify image with the predicted class drawn on it.")
	flagClasses    = flag.String("classes", strings.Join(catbreeds.DefaultClasses, ","),
		"Comma-separated ordered class names used to report --classify predictions. Ignored with --train, where the class names come from the dataset directories.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := catbreeds.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	ctx.SetParam(catbreeds.ParamDataDir, dataDir)

	if !*flagTrain && *flagClassify == "" {
		fmt.Fprintln(os.Stderr, "Nothing to do: set --train and/or --classify. See --help.")
		os.Exit(1)
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	if context.GetParamOr(ctx, catbreeds.ParamPretrained, true) {
		must.M(resnet.DownloadAndUnpackWeights(dataDir))
	}

	// Checkpoint: it loads if already exists, and it will save as we train.
	checkpoint := must.M1(catbreeds.AttachCheckpoint(ctx, *flagCheckpoint, dataDir, paramsSet))
	if checkpoint != nil && *flagVerbosity >= 1 {
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	classes := strings.Split(*flagClasses, ",")
	if *flagTrain {
		classes = trainModel(backend, ctx, dataDir, checkpoint)
	}
	if *flagClassify != "" {
		classify(backend, ctx, *flagClassify, classes)
	}
}

// trainModel runs the full epoch loop on the dataset under dataDir and
// returns its class names.
func trainModel(backend backends.Backend, ctx *context.Context, dataDir string, checkpoint *checkpoints.Handler) []string {
	trainDS, valDS, classes := must.M3(catbreeds.CreateDatasets(ctx, dataDir))
	ctx.SetParam(catbreeds.ParamNumClasses, len(classes))
	must.M(catbreeds.VerifyHeadShape(ctx, len(classes)))

	if *flagVerbosity >= 1 {
		numTrain := trainDS.(interface{ NumExamples() int })
		fmt.Printf("Training on %s images, %d classes: %v\n",
			humanize.Comma(int64(numTrain.NumExamples())), len(classes), classes)
	}

	var onLoop func(loop *train.Loop)
	if *flagVerbosity >= 1 {
		onLoop = func(loop *train.Loop) {
			commandline.AttachProgressBar(loop)
		}
	}
	must.M(catbreeds.Fit(backend, ctx, catbreeds.ModelGraph, trainDS, valDS, checkpoint, os.Stdout, onLoop))
	return classes
}

// classify prints the predicted class of the image at imagePath and, with
// --annotate, saves an annotated copy of it.
func classify(backend backends.Backend, ctx *context.Context, imagePath string, classes []string) {
	ctx.SetParam(catbreeds.ParamNumClasses, len(classes))
	must.M(catbreeds.VerifyHeadShape(ctx, len(classes)))
	classID := must.M1(catbreeds.Classify(backend, ctx, catbreeds.ModelGraph, imagePath, classes))
	fmt.Printf("This cat is: %s\n", classID.Name(classes))
	if *flagAnnotate != "" {
		must.M(catbreeds.Annotate(imagePath, classID.Name(classes), *flagAnnotate))
		if *flagVerbosity >= 1 {
			fmt.Printf("Annotated image saved to %q\n", *flagAnnotate)
		}
	}
}
