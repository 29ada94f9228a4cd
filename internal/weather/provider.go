package weather

import (
	"context"
	"errors"
)

// ErrRateLimited is returned by providers when the upstream explicitly
// signalled a rate limit (HTTP 429). The collector retries the same batch
// after a longer wait; any other provider error fails the batch outright.
var ErrRateLimited = errors.New("provider rate limited")

// Provider abstracts a batch-capable upstream weather source.
//
// FetchBatch issues one network round trip for the given coordinates and
// returns one FieldMap per coordinate, in the same order as the request.
// Implementations must encode failure as an error; a success whose length
// differs from the request is treated by callers as a hard failure for the
// whole batch.
type Provider interface {
	Name() string
	FetchBatch(ctx context.Context, coords []Coordinate, fields []MeasurementCode) ([]FieldMap, error)
}
