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
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vision-go/catbreeds/imagefolder"
)

// annotationMargin is the padding in pixels around the label text, and the
// offset of the banner from the image's top-left corner.
const annotationMargin = 8

// Annotate loads the image at imagePath, overlays label on a banner at the
// top-left corner and saves the result to outPath. The output format is taken
// from outPath's extension (".png", ".jpg", ...).
func Annotate(imagePath, label, outPath string) error {
	img, err := imagefolder.ReadImage(imagePath)
	if err != nil {
		return err
	}
	annotated := AnnotateImage(img, label)
	if err = imaging.Save(annotated, outPath); err != nil {
		return errors.Wrapf(err, "saving annotated image to %q", outPath)
	}
	return nil
}

// AnnotateImage returns a copy of img with label drawn in white over a
// semi-transparent black banner at the top-left corner. The original image is
// not modified.
func AnnotateImage(img image.Image, label string) image.Image {
	dst := imaging.Clone(img)
	face := basicfont.Face7x13
	metrics := face.Metrics()

	textWidth := font.MeasureString(face, label).Ceil()
	textHeight := metrics.Height.Ceil()
	banner := image.Rect(annotationMargin, annotationMargin,
		annotationMargin+textWidth+2*annotationMargin,
		annotationMargin+textHeight+2*annotationMargin)
	draw.Draw(dst, banner, image.NewUniform(color.NRGBA{A: 192}), image.Point{}, draw.Over)

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.P(banner.Min.X+annotationMargin,
			banner.Min.Y+annotationMargin+metrics.Ascent.Ceil()),
	}
	drawer.DrawString(label)
	return dst
}
