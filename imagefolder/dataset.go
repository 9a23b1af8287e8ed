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
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Dataset iterates over a Split in mini-batches, implementing train.Dataset so
// it can be driven by train.Loop and train.Trainer.Eval.
//
// Each Yield returns one input tensor shaped [batchSize, CropSize, CropSize, 3]
// (Float32, normalized) and one label tensor shaped [batchSize, 1] (Int32).
// The last batch of an epoch may be short. After the last batch, Yield returns
// io.EOF until Reset is called.
//
// Yield is safe for concurrent callers: batch selection happens under a mutex,
// while the expensive part (decode + transform) runs concurrently. Use
// Parallel to wrap the dataset with prefetching workers.
type Dataset struct {
	name      string
	split     *Split
	batchSize int
	transform Transform

	// mu protects order, next and shuffle.
	mu      sync.Mutex
	order   []int
	next    int
	shuffle *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the given split.
//
// The transform is applied to every decoded image. Pass a non-nil shuffle
// *rand.Rand to visit samples in a different random order every epoch (the
// usual setting for training); pass nil to iterate in catalog order (the
// usual setting for evaluation).
func NewDataset(name string, split *Split, batchSize int, transform Transform, shuffle *rand.Rand) *Dataset {
	ds := &Dataset{
		name:      name,
		split:     split,
		batchSize: batchSize,
		transform: transform,
		shuffle:   shuffle,
	}
	ds.order = make([]int, len(split.Samples))
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.Reset() // Creates the first shuffle, if needed.
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Split returns the catalog this dataset iterates over.
func (ds *Dataset) Split() *Split { return ds.split }

// NumExamples returns the number of samples visited in one epoch.
func (ds *Dataset) NumExamples() int { return ds.split.NumExamples() }

// BatchesPerEpoch returns the number of batches in one epoch, counting the
// final short batch, if there is one.
func (ds *Dataset) BatchesPerEpoch() int {
	return (ds.split.NumExamples() + ds.batchSize - 1) / ds.batchSize
}

// nextBatch selects the samples of the next batch. It only deals with
// indices; decoding happens in Yield, outside the lock.
func (ds *Dataset) nextBatch() ([]Sample, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	batch := make([]Sample, 0, end-ds.next)
	for _, idx := range ds.order[ds.next:end] {
		batch = append(batch, ds.split.Samples[idx])
	}
	ds.next = end
	return batch, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the *Dataset itself.
//   - inputs: one tensor with the batch of images, shaped
//     `[batch_size, CropSize, CropSize, 3]`.
//   - labels: one Int32 tensor shaped `[batch_size, 1]`.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	samples, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	imgs := make([]image.Image, len(samples))
	labelValues := make([][]int32, len(samples))
	for i, sample := range samples {
		img, err := ReadImage(sample.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		imgs[i] = ds.transform.Apply(img)
		labelValues[i] = []int32{sample.Label}
	}
	spec = ds
	inputs = []*tensors.Tensor{BatchToTensor(imgs)}
	labels = []*tensors.Tensor{tensors.FromValue(labelValues)}
	return
}

// Reset implements train.Dataset: it restarts the epoch, re-shuffling the
// visit order if the dataset was created with a shuffle.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Parallel wraps the dataset with workers that decode and transform batches
// concurrently, prefetching up to buffer batches. The set of samples visited
// per epoch is unchanged, only the wall time.
func (ds *Dataset) Parallel(workers, buffer int) train.Dataset {
	return &parallelDataset{
		ParallelDataset: datasets.CustomParallel(ds).Parallelism(workers).Buffer(buffer).Start(),
		src:             ds,
	}
}

// parallelDataset forwards the train.Dataset implementation to the parallel
// wrapper while keeping the sizing accessors of the wrapped Dataset.
type parallelDataset struct {
	*datasets.ParallelDataset
	src *Dataset
}

func (p *parallelDataset) Split() *Split        { return p.src.Split() }
func (p *parallelDataset) NumExamples() int     { return p.src.NumExamples() }
func (p *parallelDataset) BatchesPerEpoch() int { return p.src.BatchesPerEpoch() }
