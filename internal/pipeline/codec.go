package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"

	DefaultJPEGQuality = 80
	DefaultMaxPixels   = 50_000_000
)

var (
	ErrEmptyImage        = errors.New("image payload is empty")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrImageTooLarge     = errors.New("image raster exceeds pixel limit")
)

// DecodeOptions bounds the raster a decoder may allocate. A compressed
// payload of a few kilobytes can declare a raster of gigabytes.
type DecodeOptions struct {
	MaxPixels int64
}

// checkRaster rejects declared dimensions before any pixel is allocated.
func (o DecodeOptions) checkRaster(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("source image has invalid dimensions %dx%d", width, height)
	}
	if o.MaxPixels > 0 && int64(width)*int64(height) > o.MaxPixels {
		return fmt.Errorf("%w: %dx%d is over %d pixels", ErrImageTooLarge, width, height, o.MaxPixels)
	}
	return nil
}

type EncodeOptions struct {
	MIMEType string
	Quality  int
}

// Codec turns bytes into an Image and back. Decoders sniff the format from
// the payload itself, never from an object name.
type Codec interface {
	Decode(ctx context.Context, data []byte, opts DecodeOptions) (*Image, error)
	Encode(ctx context.Context, img *Image, opts EncodeOptions) ([]byte, error)
}

type stdlibCodec struct{}

func (stdlibCodec) Decode(ctx context.Context, data []byte, opts DecodeOptions) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode source header: %w", err)
	}
	if err := opts.checkRaster(header.Width, header.Height); err != nil {
		return nil, err
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}
	return newImage(src, format), nil
}

func (stdlibCodec) Encode(ctx context.Context, img *Image, opts EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return encodeImage(img, opts)
}

func encodeImage(img *Image, opts EncodeOptions) ([]byte, error) {
	if img == nil || img.Pix == nil {
		return nil, errors.New("no image to encode")
	}

	var buf bytes.Buffer
	switch NormalizeMIMEType(opts.MIMEType) {
	case MIMEJPEG:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img.Pix, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case MIMEPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img.Pix); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.MIMEType)
	}

	return buf.Bytes(), nil
}

// NormalizeMIMEType maps short names and aliases onto the MIME types Encode
// accepts. Unknown values are returned lowercased and trimmed.
func NormalizeMIMEType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch mimeType {
	case "jpeg", "jpg", "image/jpg", MIMEJPEG:
		return MIMEJPEG
	case "png", MIMEPNG:
		return MIMEPNG
	default:
		return mimeType
	}
}
