package asset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"image-shrinker/internal/policy"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrDecode marks files that cannot be read as a raster image.
var ErrDecode = errors.New("decode failed")

// DefaultExtensions are the raster formats handled out of the box.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif"}

// ColorMode describes how an image stores colour.
type ColorMode int

const (
	ModeUnknown ColorMode = iota
	ModeOpaque
	ModeGray
	ModeAlpha
	ModePalette
)

// String returns the mode name.
func (m ColorMode) String() string {
	switch m {
	case ModeOpaque:
		return "opaque"
	case ModeGray:
		return "gray"
	case ModeAlpha:
		return "alpha"
	case ModePalette:
		return "palette"
	default:
		return "unknown"
	}
}

// ImageAsset is one image file found in the working tree.
type ImageAsset struct {
	Path    string
	Size    int64
	Width   int
	Height  int
	Mode    ColorMode
	Format  string
	ModTime time.Time
}

// SizeMB returns the file size in megabytes.
func (a *ImageAsset) SizeMB() float64 {
	return policy.SizeMB(a.Size)
}

// Filter is the allow-list of recognized extensions.
type Filter struct {
	exts map[string]struct{}
}

// NewFilter builds a filter from extensions with or without the leading dot, any case.
func NewFilter(extensions []string) *Filter {
	f := &Filter{exts: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.exts[ext] = struct{}{}
	}
	return f
}

var defaultFilter = NewFilter(DefaultExtensions)

// IsSupported reports whether the path carries a recognized extension.
func (f *Filter) IsSupported(path string) bool {
	_, ok := f.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsSupported checks path against DefaultExtensions.
func IsSupported(path string) bool {
	return defaultFilter.IsSupported(path)
}

// IsJPEG reports whether the path has a JPEG extension.
func IsJPEG(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jpg" || ext == ".jpeg"
}

// JPEGPath returns the path with its extension replaced by ".jpg".
func JPEGPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg"
}

// Inspect reads the size, dimensions and colour mode without decoding pixels.
func Inspect(path string) (*ImageAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !filetype.IsImage(head[:n]) {
		return nil, fmt.Errorf("%w: %s is not an image file", ErrDecode, path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}

	return &ImageAsset{
		Path:    path,
		Size:    info.Size(),
		Width:   cfg.Width,
		Height:  cfg.Height,
		Mode:    modeOf(cfg.ColorModel),
		Format:  format,
		ModTime: info.ModTime(),
	}, nil
}

// Open decodes the image, applying any EXIF orientation.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return img, nil
}

func modeOf(m color.Model) ColorMode {
	if _, ok := m.(color.Palette); ok {
		return ModePalette
	}
	switch m {
	case color.YCbCrModel, color.CMYKModel:
		return ModeOpaque
	case color.GrayModel, color.Gray16Model:
		return ModeGray
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return ModeAlpha
	default:
		return ModeUnknown
	}
}
