// Package collector fetches observations for the whole grid in bounded-size
// batches, one request per batch per provider, and persists the results.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weathergrid/weathergrid/internal/grid"
	"github.com/weathergrid/weathergrid/internal/schema"
	"github.com/weathergrid/weathergrid/internal/weather"
)

// BackoffPolicy selects how the rate-limit retry wait grows per attempt.
// Upstream guidance is ambiguous here, so it is configuration, not policy.
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

// Options configures one collection run.
type Options struct {
	// BatchSize is the provider-imposed ceiling on coordinates per request.
	BatchSize int

	// Fields are the measurement codes requested from every provider.
	Fields []weather.MeasurementCode

	// RateDelay is the fixed minimum wait between consecutive batch
	// requests to the same provider.
	RateDelay time.Duration

	// RateLimitWait is the base wait before retrying a rate-limited batch.
	RateLimitWait time.Duration

	// RetryCeiling bounds rate-limit retries per batch.
	RetryCeiling int

	// Backoff picks fixed or exponential growth for the rate-limit wait.
	Backoff BackoffPolicy

	// RequestTimeout bounds one batch request to one provider.
	RequestTimeout time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.RateLimitWait <= 0 {
		o.RateLimitWait = 5 * time.Second
	}
	if o.Backoff == "" {
		o.Backoff = BackoffFixed
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ProviderSummary is the per-provider slice of a run summary.
type ProviderSummary struct {
	Updated          int `json:"updated"`
	Failed           int `json:"failed"`
	BatchesProcessed int `json:"batches_processed"`
	TotalBatches     int `json:"total_batches"`
}

// Summary is the structured result of a run. Partial failure is reported
// here, never as an error.
type Summary struct {
	RunID            string                     `json:"run_id"`
	TimeSlice        string                     `json:"time_slice"`
	Updated          int                        `json:"updated"`
	Failed           int                        `json:"failed"`
	Total            int                        `json:"total"`
	BatchesProcessed int                        `json:"batches_processed"`
	TotalBatches     int                        `json:"total_batches"`
	PerProvider      map[string]ProviderSummary `json:"per_provider"`
}

// Store is the persistence surface the collector needs.
type Store interface {
	UpsertObservation(ctx context.Context, obs weather.Observation) error
}

// Collector runs collection cycles over the grid.
type Collector struct {
	store  Store
	schema *schema.Manager
}

// New creates a collector over the given store and schema manager.
func New(store Store, mgr *schema.Manager) *Collector {
	return &Collector{store: store, schema: mgr}
}

// Collect partitions points into consecutive batches of at most BatchSize and
// fetches each batch from every provider. Providers run concurrently with
// each other; batches for one provider are strictly sequential with the
// configured inter-batch delay. Failures are isolated per batch (and per
// point on store errors); only configuration problems fail the run itself.
func (c *Collector) Collect(ctx context.Context, points []grid.Point, providers []weather.Provider, opts Options) (Summary, error) {
	if len(points) == 0 {
		return Summary{}, errors.New("collect: empty point set")
	}
	if opts.BatchSize <= 0 {
		return Summary{}, fmt.Errorf("collect: batch size must be positive, got %d", opts.BatchSize)
	}
	if len(providers) == 0 {
		return Summary{}, errors.New("collect: no providers available")
	}
	opts.withDefaults()

	batches := partition(points, opts.BatchSize)
	slice := weather.TimeSliceFor(opts.Now())

	summary := Summary{
		RunID:        uuid.NewString(),
		TimeSlice:    slice,
		Total:        len(points) * len(providers),
		TotalBatches: len(batches) * len(providers),
		PerProvider:  make(map[string]ProviderSummary, len(providers)),
	}

	log.Printf("collector: run %s starting: %d points, %d batches, %d providers",
		summary.RunID, len(points), len(batches), len(providers))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range providers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()

			ps := c.collectProvider(ctx, p, batches, slice, opts)

			mu.Lock()
			summary.PerProvider[p.Name()] = ps
			summary.Updated += ps.Updated
			summary.Failed += ps.Failed
			summary.BatchesProcessed += ps.BatchesProcessed
			mu.Unlock()
		}()
	}
	wg.Wait()

	log.Printf("collector: run %s done: updated=%d failed=%d batches=%d/%d",
		summary.RunID, summary.Updated, summary.Failed,
		summary.BatchesProcessed, summary.TotalBatches)

	return summary, nil
}

// collectProvider walks every batch sequentially for one provider.
func (c *Collector) collectProvider(ctx context.Context, p weather.Provider, batches [][]grid.Point, slice string, opts Options) ProviderSummary {
	ps := ProviderSummary{TotalBatches: len(batches)}

	for i, batch := range batches {
		// Stop issuing new batches on cancellation; an in-flight batch is
		// never abandoned mid-write.
		if ctx.Err() != nil {
			ps.Failed += pointsRemaining(batches[i:])
			return ps
		}

		if i > 0 && opts.RateDelay > 0 {
			if !sleepCtx(ctx, opts.RateDelay) {
				ps.Failed += pointsRemaining(batches[i:])
				return ps
			}
		}

		updated, failed := c.collectBatch(ctx, p, batch, slice, opts)
		ps.Updated += updated
		ps.Failed += failed
		ps.BatchesProcessed++
	}
	return ps
}

// collectBatch issues one request (with bounded rate-limit retries),
// de-multiplexes the response, ensures storage columns, and upserts.
func (c *Collector) collectBatch(ctx context.Context, p weather.Provider, batch []grid.Point, slice string, opts Options) (updated, failed int) {
	coords := make([]weather.Coordinate, len(batch))
	for i, pt := range batch {
		coords[i] = weather.Coordinate{Lat: pt.Latitude, Lon: pt.Longitude}
	}

	results, err := c.fetchWithRetry(ctx, p, coords, opts)
	if err != nil {
		log.Printf("collector: provider %s batch of %d failed: %v", p.Name(), len(batch), err)
		return 0, len(batch)
	}
	if len(results) != len(batch) {
		// A length mismatch means we cannot attribute values to points;
		// the whole batch is a hard failure, never a partial success.
		log.Printf("collector: provider %s returned %d results for %d points; dropping batch",
			p.Name(), len(results), len(batch))
		return 0, len(batch)
	}

	// Columns first: every code seen anywhere in the batch must have a
	// storage slot before any row is written.
	codeSet := make(map[weather.MeasurementCode]struct{})
	for _, fields := range results {
		for code := range fields {
			codeSet[code] = struct{}{}
		}
	}
	codes := make([]weather.MeasurementCode, 0, len(codeSet))
	for code := range codeSet {
		codes = append(codes, code)
	}
	if _, err := c.schema.EnsureColumns(ctx, codes); err != nil {
		// Per-code failures are already isolated inside the manager; rows
		// still persist the codes that do have columns.
		log.Printf("collector: schema update incomplete for provider %s: %v", p.Name(), err)
	}

	observedAt := opts.Now().UTC()
	for i, pt := range batch {
		values := make(map[string]float64)
		for code, v := range results[i] {
			col, ok := c.schema.Column(code)
			if !ok {
				continue
			}
			values[col.Name] = v * col.Scale
		}

		obs := weather.Observation{
			GridPointID: pt.ID,
			Provider:    p.Name(),
			TimeSlice:   slice,
			ObservedAt:  observedAt,
			Values:      values,
		}
		if err := c.store.UpsertObservation(ctx, obs); err != nil {
			// Store failures stay per-point; the rest of the batch lands.
			log.Printf("collector: upsert failed for point %d provider %s: %v", pt.ID, p.Name(), err)
			failed++
			continue
		}
		updated++
	}
	return updated, failed
}

// fetchWithRetry retries only on explicit rate-limit errors, waiting per the
// configured backoff policy, up to the retry ceiling.
func (c *Collector) fetchWithRetry(ctx context.Context, p weather.Provider, coords []weather.Coordinate, opts Options) ([]weather.FieldMap, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		results, err := p.FetchBatch(reqCtx, coords, opts.Fields)
		cancel()

		if err == nil {
			return results, nil
		}
		if !errors.Is(err, weather.ErrRateLimited) {
			return nil, err
		}

		lastErr = err
		if attempt >= opts.RetryCeiling {
			return nil, fmt.Errorf("rate-limit retries exhausted: %w", lastErr)
		}

		wait := opts.RateLimitWait
		if opts.Backoff == BackoffExponential {
			wait = opts.RateLimitWait << attempt
		}
		log.Printf("collector: provider %s rate limited, retrying in %s (attempt %d/%d)",
			p.Name(), wait, attempt+1, opts.RetryCeiling)
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func partition(points []grid.Point, size int) [][]grid.Point {
	var batches [][]grid.Point
	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}
		batches = append(batches, points[start:end])
	}
	return batches
}

func pointsRemaining(batches [][]grid.Point) int {
	var n int
	for _, b := range batches {
		n += len(b)
	}
	return n
}

// sleepCtx waits for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
