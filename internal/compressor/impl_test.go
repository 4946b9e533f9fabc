package compressor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"

	"image-shrinker/internal/policy"
	"image-shrinker/internal/transcoder"

	"github.com/sirupsen/logrus"
)

const mb = policy.BytesPerMB

func mbOf(v float64) int64 { return int64(v * mb) }

// fakeTranscoder returns a payload whose size depends on the quality used.
type fakeTranscoder struct {
	sizes map[int]int64
	def   int64
	calls []policy.Params
	err   error
}

func (f *fakeTranscoder) Transcode(img image.Image, p policy.Params) ([]byte, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	size, ok := f.sizes[p.Quality]
	if !ok {
		size = f.def
	}
	return make([]byte, size), nil
}

type stuckLadder struct{ first policy.Params }

func (s stuckLadder) Select(float64) policy.Params { return s.first }

func (s stuckLadder) Escalate(p policy.Params) (policy.Params, bool) { return p, false }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{10, 20, 30, 255})
	return img
}

func TestCompressWithRetryLadderScenario(t *testing.T) {
	fake := &fakeTranscoder{
		sizes: map[int]int64{85: mbOf(9.4), 80: 8.5 * mb, 75: 7 * mb},
		def:   11 * mb,
	}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	res, err := c.CompressWithRetry(context.Background(), testImage(), 12*mb, 8*mb, 3)
	if err != nil {
		t.Fatalf("CompressWithRetry: %v", err)
	}

	want := []policy.Params{{Quality: 85, MaxWidth: 1800}, {Quality: 80, MaxWidth: 1400}, {Quality: 75, MaxWidth: 1050}}
	if len(fake.calls) != len(want) {
		t.Fatalf("transcoder called %d times, want %d (%v)", len(fake.calls), len(want), fake.calls)
	}
	for i, p := range want {
		if fake.calls[i] != p {
			t.Errorf("attempt %d used %s, want %s", i+1, fake.calls[i], p)
		}
	}
	if res.State != StateAccepted {
		t.Errorf("state = %s, want accepted", res.State)
	}
	if res.OutputSize != 7*mb || res.Params != (policy.Params{Quality: 75, MaxWidth: 1050}) {
		t.Errorf("result = %d bytes with %s", res.OutputSize, res.Params)
	}
}

func TestCompressWithRetryExhausted(t *testing.T) {
	fake := &fakeTranscoder{def: mbOf(9.4)}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	res, err := c.CompressWithRetry(context.Background(), testImage(), 12*mb, 8*mb, 3)
	if err != nil {
		t.Fatalf("CompressWithRetry: %v", err)
	}
	if len(fake.calls) != 3 {
		t.Errorf("transcoder called %d times, want 3", len(fake.calls))
	}
	if res.State != StateExhausted || res.Accepted() {
		t.Errorf("state = %s, want exhausted", res.State)
	}
	if res.Attempts != 3 || len(res.Tried) != 3 {
		t.Errorf("attempts = %d, tried = %v", res.Attempts, res.Tried)
	}
	if res.Data == nil || res.OutputSize != mbOf(9.4) {
		t.Error("exhausted result must keep the last output")
	}
}

func TestCompressWithRetryNeverExceedsMaxAttempts(t *testing.T) {
	for attempts := 0; attempts <= 6; attempts++ {
		fake := &fakeTranscoder{def: 20 * mb}
		c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

		if _, err := c.CompressWithRetry(context.Background(), testImage(), 12*mb, 1*mb, attempts); err != nil {
			t.Fatal(err)
		}
		limit := max(attempts, 1)
		if len(fake.calls) > limit {
			t.Errorf("maxAttempts=%d: %d transcoder calls", attempts, len(fake.calls))
		}
	}
}

func TestCompressWithRetryWithoutThresholdAcceptsImprovement(t *testing.T) {
	fake := &fakeTranscoder{def: 2 * mb}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	res, err := c.CompressWithRetry(context.Background(), testImage(), 3*mb, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateAccepted || res.Attempts != 1 {
		t.Errorf("state = %s after %d attempts", res.State, res.Attempts)
	}
	if fake.calls[0] != (policy.Params{Quality: 90, MaxWidth: 2400}) {
		t.Errorf("first attempt used %s, want q90/w2400", fake.calls[0])
	}
}

func TestCompressWithRetryStopsWhenLadderBottomsOut(t *testing.T) {
	fake := &fakeTranscoder{def: 5 * mb}
	c := NewRetryCompressor(stuckLadder{first: policy.Params{Quality: 60, MaxWidth: 800}}, fake, quietLogger())

	res, err := c.CompressWithRetry(context.Background(), testImage(), 4*mb, 1*mb, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(fake.calls) != 1 || res.State != StateExhausted {
		t.Errorf("calls = %d, state = %s", len(fake.calls), res.State)
	}
}

func TestCompressWithExplicitStart(t *testing.T) {
	fake := &fakeTranscoder{sizes: map[int]int64{90: 4 * mb, 85: 2.5 * mb}, def: 1 * mb}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	res, err := c.CompressWith(context.Background(), testImage(), 20*mb, policy.Params{Quality: 90, MaxWidth: 2400}, 3*mb, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Params != (policy.Params{Quality: 88, MaxWidth: 2000}) {
		t.Errorf("final params %s, want q88/w2000", res.Params)
	}
	if fake.calls[0] != (policy.Params{Quality: 90, MaxWidth: 2400}) {
		t.Errorf("first attempt used %s", fake.calls[0])
	}
	if !res.Accepted() {
		t.Errorf("state = %s", res.State)
	}
}

func TestCompressWithRetryTranscodeError(t *testing.T) {
	fake := &fakeTranscoder{err: transcoder.ErrEncode}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	_, err := c.CompressWithRetry(context.Background(), testImage(), mb, 0, 3)
	if !errors.Is(err, transcoder.ErrEncode) {
		t.Errorf("err = %v, want ErrEncode", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("encode failures must not be retried, got %d calls", len(fake.calls))
	}
}

func TestCompressWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeTranscoder{def: mb}
	c := NewRetryCompressor(policy.DefaultLadder(), fake, quietLogger())

	if _, err := c.CompressWithRetry(ctx, testImage(), 2*mb, 0, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("transcoder called %d times after cancel", len(fake.calls))
	}
}

func TestCompressWithRetryRealTranscoder(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	c := NewRetryCompressor(policy.DefaultLadder(), transcoder.New(), quietLogger())

	res, err := c.CompressWithRetry(context.Background(), img, 2*mb, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted() || res.OutputSize == 0 || res.OutputSize >= 2*mb {
		t.Errorf("state = %s, size = %d", res.State, res.OutputSize)
	}
	if res.Reduction() <= 0 {
		t.Errorf("reduction = %.1f%%", res.Reduction())
	}
}

func TestResultReduction(t *testing.T) {
	r := &Result{SourceSize: 200, OutputSize: 50}
	if got := r.Reduction(); got != 75 {
		t.Errorf("Reduction = %v, want 75", got)
	}
	r = &Result{SourceSize: 100, OutputSize: 110}
	if got := r.Reduction(); got != -10 {
		t.Errorf("Reduction = %v, want -10", got)
	}
	if got := (&Result{}).Reduction(); got != 0 {
		t.Errorf("zero source Reduction = %v", got)
	}
}
