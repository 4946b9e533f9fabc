package compressor

import (
	"context"
	"fmt"
	"image"

	"image-shrinker/internal/policy"

	"github.com/sirupsen/logrus"
)

// RetryCompressor runs the transcoder along the escalation ladder until the
// output is small enough or the attempts run out.
type RetryCompressor struct {
	ladder     Escalator
	transcoder Transcoder
	logger     *logrus.Logger
}

// NewRetryCompressor creates a RetryCompressor.
func NewRetryCompressor(ladder Escalator, transcoder Transcoder, logger *logrus.Logger) *RetryCompressor {
	if logger == nil {
		logger = logrus.New()
	}
	return &RetryCompressor{
		ladder:     ladder,
		transcoder: transcoder,
		logger:     logger,
	}
}

// CompressWithRetry starts from the tier matching sourceSize. With threshold > 0
// an output below threshold bytes is accepted, otherwise any output smaller than
// the source is. At most maxAttempts encodes are performed.
func (c *RetryCompressor) CompressWithRetry(ctx context.Context, img image.Image, sourceSize, threshold int64, maxAttempts int) (*Result, error) {
	first := c.ladder.Select(policy.SizeMB(sourceSize))
	return c.CompressWith(ctx, img, sourceSize, first, threshold, maxAttempts)
}

// CompressWith runs the ladder starting from explicit parameters.
func (c *RetryCompressor) CompressWith(ctx context.Context, img image.Image, sourceSize int64, first policy.Params, threshold int64, maxAttempts int) (*Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	res := &Result{
		SourceSize: sourceSize,
		State:      StateInitial,
	}
	params := first

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := c.transcoder.Transcode(img, params)
		if err != nil {
			return nil, fmt.Errorf("attempt %d with %s: %w", res.Attempts+1, params, err)
		}

		res.Attempts++
		res.State = StateAttempted
		res.Data = data
		res.Params = params
		res.OutputSize = int64(len(data))
		res.Tried = append(res.Tried, params)

		entry := c.logger.WithFields(logrus.Fields{
			"attempt":     res.Attempts,
			"quality":     params.Quality,
			"max_width":   params.MaxWidth,
			"source_size": sourceSize,
			"output_size": res.OutputSize,
		})

		if meetsTarget(res.OutputSize, sourceSize, threshold) {
			res.State = StateAccepted
			entry.Debug("Compression target met")
			return res, nil
		}

		if res.Attempts >= maxAttempts {
			break
		}

		next, ok := c.ladder.Escalate(params)
		if !ok {
			entry.Debug("No stricter parameters left on the ladder")
			break
		}
		entry.Debugf("Output still too large, escalating to %s", next)
		params = next
	}

	res.State = StateExhausted
	c.logger.WithFields(logrus.Fields{
		"attempts":    res.Attempts,
		"threshold":   threshold,
		"output_size": res.OutputSize,
		"params":      res.Params.String(),
	}).Warn("Size threshold not met, keeping best-effort result")
	return res, nil
}

func meetsTarget(outputSize, sourceSize, threshold int64) bool {
	if threshold > 0 {
		return outputSize < threshold
	}
	return outputSize < sourceSize
}
