package assets

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	defaultJPEGQuality = 85
	defaultMaxPixels   = 100 * 1000 * 1000 // 100 megapixels
)

// ImageOptimizer scales raster images down to a maximum width. The format,
// and therefore the package path and media type, never changes.
type ImageOptimizer struct {
	MaxWidth    int
	JPEGQuality int
	MaxPixels   int // Total pixel count limit for decode (width * height)
}

// OptimizedImage holds optimized image data and metadata.
// Warning is set (non-empty) when the image was returned as-is because it
// could not be decoded or re-encoded; Data is usable in every case.
type OptimizedImage struct {
	Data    []byte
	Width   int
	Height  int
	Format  string
	Resized bool
	Warning string
}

// NewImageOptimizer creates an image optimizer. It returns nil when maxWidth
// is not positive, which disables optimization.
func NewImageOptimizer(maxWidth, jpegQuality int) *ImageOptimizer {
	if maxWidth <= 0 {
		return nil
	}
	if jpegQuality <= 0 {
		jpegQuality = defaultJPEGQuality
	}
	if jpegQuality > 100 {
		jpegQuality = 100
	}
	return &ImageOptimizer{
		MaxWidth:    maxWidth,
		JPEGQuality: jpegQuality,
		MaxPixels:   defaultMaxPixels,
	}
}

// Optimize decodes and, if it is wider than MaxWidth, resizes an image.
// Covers are never resized. Only JPEG and PNG are re-encoded; anything else
// passes through untouched.
func (o *ImageOptimizer) Optimize(mediaType string, input []byte, isCover bool) (OptimizedImage, error) {
	out := OptimizedImage{
		Data:   input,
		Format: mediaTypeToFormat(mediaType),
	}
	if out.Format != "jpeg" && out.Format != "png" {
		return out, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		out.Warning = fmt.Sprintf("image decode failed: %v", err)
		return out, nil
	}
	out.Width = cfg.Width
	out.Height = cfg.Height
	if isCover || o.MaxWidth <= 0 || cfg.Width <= o.MaxWidth {
		return out, nil
	}
	pixels := uint64(cfg.Width) * uint64(cfg.Height)
	if o.MaxPixels > 0 && pixels > uint64(o.MaxPixels) {
		out.Warning = fmt.Sprintf("image too large to decode: %dx%d (%d pixels)", cfg.Width, cfg.Height, pixels)
		return out, nil
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		out.Warning = fmt.Sprintf("image decode failed: %v", err)
		return out, nil
	}
	processed := imaging.Resize(src, o.MaxWidth, 0, imaging.Lanczos)

	var data []byte
	switch out.Format {
	case "jpeg":
		data, err = encodeJPEG(processed, o.JPEGQuality)
		if err != nil {
			return out, fmt.Errorf("jpeg encode failed: %w", err)
		}
	case "png":
		data, err = encodePNG(processed)
		if err != nil {
			return out, fmt.Errorf("png encode failed: %w", err)
		}
	}

	out.Data = data
	out.Width = processed.Bounds().Dx()
	out.Height = processed.Bounds().Dy()
	out.Resized = true
	return out, nil
}

func mediaTypeToFormat(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/svg+xml":
		return "svg"
	default:
		return ""
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
