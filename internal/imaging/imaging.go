// Package imaging validates uploads and prepares them for the CLIP encoder.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrNotImage is returned for payloads no registered decoder accepts.
	ErrNotImage = errors.New("imaging: payload is not a supported image")
	// ErrTooManyPixels is returned when the header declares more pixels
	// than the caller allows.
	ErrTooManyPixels = errors.New("imaging: image exceeds pixel limit")
)

// Decoded is an upload that passed validation.
type Decoded struct {
	Image  image.Image
	Format string
	Width  int
	Height int
}

// Decode checks the header first so oversized garbage fails fast, then
// decodes the full image. maxPixels bounds width*height; 0 disables it.
func Decode(data []byte, maxPixels int) (*Decoded, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrNotImage, format)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d %s image, limit %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, format, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	return &Decoded{Image: img, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Thumbnail scales img so its longer side is at most maxSide. Smaller images
// are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}

	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodeJPEG serialises img for the encoder sidecar.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// PerceptualHash returns the dHash of img, e.g. "d:8f0c...". Near-identical
// uploads share a hash, which makes it usable as a cache key.
func PerceptualHash(img image.Image) (string, error) {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", fmt.Errorf("difference hash: %w", err)
	}
	return h.ToString(), nil
}
