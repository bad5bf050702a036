package pipeline

import (
	"image"
	"image/draw"
)

// Image is the decoded raster a run works on. Pix always has a zero origin.
type Image struct {
	Pix    *image.NRGBA
	Format string
}

func newImage(src image.Image, format string) *Image {
	b := src.Bounds()
	if nrgba, ok := src.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return &Image{Pix: nrgba, Format: format}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return &Image{Pix: dst, Format: format}
}

func (i *Image) Width() int {
	return i.Pix.Rect.Dx()
}

func (i *Image) Height() int {
	return i.Pix.Rect.Dy()
}

// HasAlpha reports whether any pixel is not fully opaque.
func (i *Image) HasAlpha() bool {
	return !i.Pix.Opaque()
}
