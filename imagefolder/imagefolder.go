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

// Package imagefolder loads directory-per-class image datasets and serves them
// as batches of tensors for training and evaluation.
//
// The expected layout is one subdirectory per split, one subdirectory per class:
//
//	root/
//	  train/<class_name>/*.{jpg,jpeg,png}
//	  val/<class_name>/*.{jpg,jpeg,png}
//
// Class names are the subdirectory names, sorted lexicographically, and the
// integer label of a sample is the index of its class in that sorted list.
package imagefolder

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split names recognized under the dataset root directory.
const (
	TrainSplit = "train"
	ValSplit   = "val"
)

// Sample is one image file and its class label.
// The label indexes Split.ClassNames.
type Sample struct {
	Path  string
	Label int32
}

// Split is the read-only catalog of one dataset split: the sorted class names
// and every (file, label) pair found under the split directory.
type Split struct {
	// Root is the dataset root directory, and Name the split subdirectory ("train" or "val").
	Root, Name string

	// ClassNames sorted lexicographically. A sample's label is its class index here.
	ClassNames []string

	// Samples in directory order, grouped by class.
	Samples []Sample
}

// NumExamples returns the total number of samples in the split.
func (s *Split) NumExamples() int { return len(s.Samples) }

// NumClasses returns the number of classes found in the split.
func (s *Split) NumClasses() int { return len(s.ClassNames) }

// NotFoundError is returned by Scan when the directory layout is missing the
// pieces it needs: the split directory itself, class subdirectories, or images
// inside a class.
type NotFoundError struct {
	Path string
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found in %q", e.What, e.Path)
}

// DecodeError wraps a failure to decode an image file. It is returned by
// ReadImage (and hence surfaces from Dataset.Yield) when a file with an image
// extension turns out not to be a readable image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %q: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// imageExtensions lists the file extensions Scan considers images.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Scan reads the directory tree for the given split ("train" or "val") under
// root and builds its catalog. It does not open any image: decoding happens
// lazily, at Yield time.
//
// It returns a *NotFoundError if the split directory doesn't exist, holds no
// class subdirectories, or any class subdirectory holds no images.
func Scan(root, split string) (*Split, error) {
	dir := path.Join(root, split)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Path: dir, What: "split directory"}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan split directory %q", dir)
	}

	s := &Split{Root: root, Name: split}
	// os.ReadDir returns entries sorted by name, which gives us the
	// lexicographic class order for free.
	for _, entry := range entries {
		if !entry.IsDir() {
			klog.V(1).Infof("imagefolder: skipping %q: not a class directory", path.Join(dir, entry.Name()))
			continue
		}
		className := entry.Name()
		classDir := path.Join(dir, className)
		label := int32(len(s.ClassNames))
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan class directory %q", classDir)
		}
		count := 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if !imageExtensions[strings.ToLower(path.Ext(f.Name()))] {
				klog.V(1).Infof("imagefolder: skipping %q: not an image file", path.Join(classDir, f.Name()))
				continue
			}
			s.Samples = append(s.Samples, Sample{Path: path.Join(classDir, f.Name()), Label: label})
			count++
		}
		if count == 0 {
			return nil, &NotFoundError{Path: classDir, What: "images"}
		}
		s.ClassNames = append(s.ClassNames, className)
	}
	if len(s.ClassNames) == 0 {
		return nil, &NotFoundError{Path: dir, What: "class subdirectories"}
	}
	return s, nil
}

// ReadImage opens and decodes one image file. Failures to decode are reported
// as a *DecodeError.
func ReadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: imagePath, Err: err}
	}
	return img, nil
}
