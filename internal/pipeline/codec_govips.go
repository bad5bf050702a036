//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsCodec decodes through libvips, which reads HEIF, AVIF and JPEG 2000
// in addition to the formats the stdlib registry knows. Encoding is shared
// with the stdlib codec so the output bytes do not depend on the build.
type govipsCodec struct{}

func (c govipsCodec) Decode(ctx context.Context, data []byte, opts DecodeOptions) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	imageType := vips.DetermineImageType(data)
	if imageType == vips.ImageTypeUnknown {
		return nil, fmt.Errorf("decode source image: unrecognized format")
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer ref.Close()

	if err := opts.checkRaster(ref.Width(), ref.Height()); err != nil {
		return nil, err
	}

	src, err := ref.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, fmt.Errorf("rasterize source image: %w", err)
	}

	return newImage(src, formatName(imageType)), nil
}

func (c govipsCodec) Encode(ctx context.Context, img *Image, opts EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return encodeImage(img, opts)
}

func formatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeHEIF:
		return "heif"
	case vips.ImageTypeAVIF:
		return "avif"
	default:
		return strings.TrimPrefix(vips.ImageTypes[t], ".")
	}
}
