package storage

import (
	"context"

	"golang.org/x/time/rate"
)

// ThrottledReader limits how many rows per second reach the wrapped reader.
// Refine reads go through it so that re-ranking cannot saturate the backend.
type ThrottledReader struct {
	inner   VectorReader
	limiter *rate.Limiter
}

// NewThrottledReader allows rowsPerSecond on average with bursts of burst rows.
func NewThrottledReader(inner VectorReader, rowsPerSecond float64, burst int) *ThrottledReader {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledReader{inner: inner, limiter: rate.NewLimiter(rate.Limit(rowsPerSecond), burst)}
}

func (t *ThrottledReader) ReadVectors(ctx context.Context, column string, rowIDs []uint64) ([][]float32, error) {
	out := make([][]float32, 0, len(rowIDs))
	burst := t.limiter.Burst()
	for start := 0; start < len(rowIDs); start += burst {
		end := min(start+burst, len(rowIDs))
		if err := t.limiter.WaitN(ctx, end-start); err != nil {
			return nil, err
		}
		vecs, err := t.inner.ReadVectors(ctx, column, rowIDs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

var _ VectorReader = (*ThrottledReader)(nil)
