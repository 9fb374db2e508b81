// Package media validates uploaded worksite photos and normalizes them for the vision model.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"

	"golang.org/x/image/draw"

	_ "image/jpeg" // Register JPEG decoder
)

// MIME type constants.
const (
	MIMETypeJPEG = "image/jpeg"
	MIMETypeJPG  = "image/jpg"
	MIMETypePNG  = "image/png"
)

// Default limits.
const (
	DefaultMaxBytes     = 10 << 20
	DefaultMaxDimension = 1568
	// DefaultMaxPixels bounds the decoded source, roughly 6000x6000.
	DefaultMaxPixels = 36_000_000
)

var (
	ErrEmptyImage        = errors.New("empty image data")
	ErrUnsupportedFormat = errors.New("only JPG and PNG images are supported")
	ErrImageTooLarge     = errors.New("image exceeds maximum size")
	ErrImageDimensions   = errors.New("image dimensions exceed the pixel limit")
)

// Config bounds the accepted and produced images.
type Config struct {
	// MaxBytes caps the raw upload size (0 = DefaultMaxBytes).
	MaxBytes int64
	// MaxDimension caps the longer edge after normalization (0 = no resize).
	MaxDimension int
	// MaxPixels caps width*height of the source before it is decoded (0 = DefaultMaxPixels).
	MaxPixels int64
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{MaxBytes: DefaultMaxBytes, MaxDimension: DefaultMaxDimension, MaxPixels: DefaultMaxPixels}
}

// Normalized is an RGB PNG ready to be sent to a model.
type Normalized struct {
	Data         []byte
	MIMEType     string
	Width        int
	Height       int
	SourceFormat string
	WasResized   bool
}

// IsSupported reports whether a declared or sniffed MIME type is accepted.
func IsSupported(mimeType string) bool {
	switch mimeType {
	case MIMETypeJPEG, MIMETypeJPG, MIMETypePNG:
		return true
	default:
		return false
	}
}

// DetectMIMEType sniffs the payload instead of trusting the client's header.
func DetectMIMEType(data []byte) string {
	return http.DetectContentType(data)
}

// Normalize checks that data is a decodable JPEG or PNG, flattens it to opaque RGB,
// downsizes it to fit cfg.MaxDimension and re-encodes it as PNG.
func Normalize(data []byte, cfg Config) (*Normalized, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrImageTooLarge
	}

	if !IsSupported(DetectMIMEType(data)) {
		return nil, ErrUnsupportedFormat
	}

	// 解码前只读取头部尺寸，避免伪造的超大尺寸耗尽内存
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if header.Width <= 0 || header.Height <= 0 || int64(header.Width)*int64(header.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageDimensions, header.Width, header.Height)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), cfg.MaxDimension)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", bounds.Dx(), bounds.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	resized := width != bounds.Dx() || height != bounds.Dy()
	if resized {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	} else {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return &Normalized{
		Data:         buf.Bytes(),
		MIMEType:     MIMETypePNG,
		Width:        width,
		Height:       height,
		SourceFormat: format,
		WasResized:   resized,
	}, nil
}

// DataURL renders bytes as a base64 data URL for multimodal model input.
func DataURL(data []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func fitWithin(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width >= height {
		h := height * maxDim / width
		if h < 1 {
			h = 1
		}
		return maxDim, h
	}
	w := width * maxDim / height
	if w < 1 {
		w = 1
	}
	return w, maxDim
}
