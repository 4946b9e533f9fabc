package transcoder

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"image-shrinker/internal/policy"

	"github.com/sirupsen/logrus"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8((x ^ y) * 3), A: 255})
		}
	}
	return img
}

func TestFlattenTransparentBecomesWhite(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 16, 8))
	// colour channels set but fully transparent
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i] = 200
	}

	flat := Flatten(src)
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			c := flat.RGBAAt(x, y)
			if c != (color.RGBA{255, 255, 255, 255}) {
				t.Fatalf("pixel (%d,%d) = %v, want opaque white", x, y, c)
			}
		}
	}
}

func TestFlattenPalette(t *testing.T) {
	pal := color.Palette{color.Transparent, color.RGBA{0, 0, 255, 255}}
	src := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
	src.SetColorIndex(1, 1, 1)

	flat := Flatten(src)
	if c := flat.RGBAAt(0, 0); c != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("transparent palette entry = %v, want white", c)
	}
	if c := flat.RGBAAt(1, 1); c != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("opaque palette entry = %v, want blue", c)
	}
}

func TestFlattenHalfAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, color.NRGBA{0, 0, 0, 128})

	c := Flatten(src).RGBAAt(0, 0)
	if c.A != 255 {
		t.Fatalf("alpha = %d, want 255", c.A)
	}
	if c.R < 120 || c.R > 135 {
		t.Errorf("half black over white = %v, want mid grey", c)
	}
}

func TestFlattenKeepsOffsetBounds(t *testing.T) {
	src := gradient(20, 10).SubImage(image.Rect(5, 2, 15, 10))

	flat := Flatten(src)
	if flat.Bounds() != image.Rect(0, 0, 10, 8) {
		t.Fatalf("bounds = %v", flat.Bounds())
	}
	want := color.RGBAModel.Convert(src.At(5, 2)).(color.RGBA)
	if got := flat.RGBAAt(0, 0); got != want {
		t.Errorf("origin pixel = %v, want %v", got, want)
	}
}

func TestTargetSize(t *testing.T) {
	cases := []struct {
		w, h, maxW   int
		wantW, wantH int
	}{
		{4000, 3000, 2000, 2000, 1500},
		{3000, 2000, 1800, 1800, 1200},
		{1000, 333, 500, 500, 167},
		{1200, 800, 2400, 1200, 800},
		{1200, 800, 0, 1200, 800},
		{5000, 1, 100, 100, 1},
	}
	for _, c := range cases {
		w, h := TargetSize(c.w, c.h, c.maxW)
		if w != c.wantW || h != c.wantH {
			t.Errorf("TargetSize(%d,%d,%d) = %dx%d, want %dx%d", c.w, c.h, c.maxW, w, h, c.wantW, c.wantH)
		}
	}
}

func TestDownscaleExactDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4000, 3000))

	out := Downscale(src, 2000)
	if b := out.Bounds(); b.Dx() != 2000 || b.Dy() != 1500 {
		t.Fatalf("downscaled to %dx%d, want 2000x1500", b.Dx(), b.Dy())
	}
}

func TestDownscaleLeavesNarrowImage(t *testing.T) {
	src := gradient(64, 32)
	if out := Downscale(src, 64); out != image.Image(src) {
		t.Error("image at the limit should be returned untouched")
	}
}

func TestTranscodeProducesJPEG(t *testing.T) {
	src := gradient(300, 200)

	data, err := New().Transcode(src, policy.Params{Quality: 85, MaxWidth: 150})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if cfg.Width != 150 || cfg.Height != 100 {
		t.Errorf("output %dx%d, want 150x100", cfg.Width, cfg.Height)
	}
}

func TestTranscodeLowerQualityIsSmaller(t *testing.T) {
	src := gradient(256, 256)
	tc := New()

	high, err := tc.Transcode(src, policy.Params{Quality: 95, MaxWidth: 256})
	if err != nil {
		t.Fatal(err)
	}
	low, err := tc.Transcode(src, policy.Params{Quality: 40, MaxWidth: 256})
	if err != nil {
		t.Fatal(err)
	}
	if len(low) >= len(high) {
		t.Errorf("quality 40 (%d bytes) not smaller than quality 95 (%d bytes)", len(low), len(high))
	}
}

func TestTranscodeRejectsEmpty(t *testing.T) {
	_, err := New().Transcode(image.NewRGBA(image.Rect(0, 0, 0, 0)), policy.Params{Quality: 80, MaxWidth: 10})
	if !errors.Is(err, ErrEncode) {
		t.Errorf("err = %v, want ErrEncode", err)
	}
	_, err = New().Transcode(nil, policy.Params{Quality: 80, MaxWidth: 10})
	if !errors.Is(err, ErrEncode) {
		t.Errorf("nil image err = %v, want ErrEncode", err)
	}
}

type recordingOptimizer struct {
	calls int
	out   []byte
	err   error
}

func (o *recordingOptimizer) Optimize(data []byte) ([]byte, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTranscodeRunsOptimizer(t *testing.T) {
	opt := &recordingOptimizer{out: []byte("optimized")}
	tc := New(WithOptimizer(opt), WithLogger(quietLogger()))

	data, err := tc.Transcode(gradient(64, 64), policy.Params{Quality: 80, MaxWidth: 64})
	if err != nil {
		t.Fatal(err)
	}
	if opt.calls != 1 || string(data) != "optimized" {
		t.Errorf("calls = %d, data = %q", opt.calls, data)
	}
}

func TestTranscodeFallsBackToBaseline(t *testing.T) {
	opt := &recordingOptimizer{err: errors.New("jpegtran crashed")}
	tc := New(WithOptimizer(opt), WithLogger(quietLogger()))

	data, err := tc.Transcode(gradient(64, 64), policy.Params{Quality: 80, MaxWidth: 64})
	if err != nil {
		t.Fatalf("optimizer failure must not fail the encode: %v", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.Errorf("fallback output is not a JPEG: %v", err)
	}
}

func TestNewJpegtranMissingBinary(t *testing.T) {
	if _, err := NewJpegtran("/definitely/not/jpegtran"); err == nil {
		t.Error("expected error for a missing binary")
	}
}

// hasProgressiveFrame looks for an SOF2 marker.
func hasProgressiveFrame(data []byte) bool {
	return bytes.Contains(data, []byte{0xFF, 0xC2})
}

func TestJpegtranProducesProgressive(t *testing.T) {
	jt, err := NewJpegtran("")
	if err != nil {
		t.Skipf("jpegtran not installed: %v", err)
	}
	tc := New(WithOptimizer(jt), WithLogger(quietLogger()))

	data, err := tc.Transcode(gradient(200, 120), policy.Params{Quality: 85, MaxWidth: 200})
	if err != nil {
		t.Fatal(err)
	}
	if !hasProgressiveFrame(data) {
		t.Error("output is not progressive")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("optimized output does not decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 120 {
		t.Errorf("bounds = %v", b)
	}
}

func TestBaselineIsNotProgressive(t *testing.T) {
	data, err := New().Transcode(gradient(64, 64), policy.Params{Quality: 80, MaxWidth: 64})
	if err != nil {
		t.Fatal(err)
	}
	if hasProgressiveFrame(data) {
		t.Error("stdlib encoder output should be baseline")
	}
}
