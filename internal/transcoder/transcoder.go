package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"image-shrinker/internal/policy"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// ErrEncode marks failures while producing the JPEG stream.
var ErrEncode = errors.New("encode failed")

// Transcoder turns a decoded image into a JPEG byte stream.
type Transcoder interface {
	Transcode(img image.Image, params policy.Params) ([]byte, error)
}

// JPEGTranscoder flattens, downsamples and encodes with imaging. An optional
// Optimizer rewrites each baseline stream as progressive with optimised tables.
type JPEGTranscoder struct {
	optimizer Optimizer
	logger    *logrus.Logger
}

// Option configures a JPEGTranscoder.
type Option func(*JPEGTranscoder)

// WithOptimizer enables the lossless post-encode pass.
func WithOptimizer(o Optimizer) Option {
	return func(t *JPEGTranscoder) {
		t.optimizer = o
	}
}

// WithLogger sets the logger used to report optimizer failures.
func WithLogger(l *logrus.Logger) Option {
	return func(t *JPEGTranscoder) {
		t.logger = l
	}
}

// New returns a JPEGTranscoder.
func New(opts ...Option) *JPEGTranscoder {
	t := &JPEGTranscoder{}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
	}
	return t
}

// Transcode normalizes colour, downsizes to params.MaxWidth and encodes at params.Quality.
func (t *JPEGTranscoder) Transcode(img image.Image, params policy.Params) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncode)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncode)
	}

	flat := Flatten(img)
	scaled := Downscale(flat, params.MaxWidth)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(params.Quality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if t.optimizer == nil {
		return buf.Bytes(), nil
	}

	optimized, err := t.optimizer.Optimize(buf.Bytes())
	if err != nil {
		t.logger.Warnf("Writing baseline JPEG, optimisation failed: %v", err)
		return buf.Bytes(), nil
	}
	return optimized, nil
}

// Flatten composites img over opaque white and returns an opaque RGBA copy.
// Palette and alpha images lose their transparency, opaque images are copied as is.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if isOpaque(img) {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Downscale shrinks img to maxWidth keeping the aspect ratio. Narrower images
// are returned untouched.
func Downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), maxWidth)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// TargetSize returns the output dimensions for a width x height image capped at maxWidth.
func TargetSize(width, height, maxWidth int) (int, int) {
	if maxWidth <= 0 || width <= maxWidth {
		return width, height
	}
	newHeight := int(math.Round(float64(height) * float64(maxWidth) / float64(width)))
	if newHeight < 1 {
		newHeight = 1
	}
	return maxWidth, newHeight
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
