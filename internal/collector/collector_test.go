package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weathergrid/weathergrid/internal/grid"
	"github.com/weathergrid/weathergrid/internal/schema"
	"github.com/weathergrid/weathergrid/internal/store"
	"github.com/weathergrid/weathergrid/internal/weather"
)

// memSchemaStore is an in-memory schema.Store for collector tests.
type memSchemaStore struct {
	mu   sync.Mutex
	cols []store.ColumnRecord
}

func (m *memSchemaStore) MeasurementColumns(context.Context) ([]store.ColumnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.ColumnRecord(nil), m.cols...), nil
}

func (m *memSchemaStore) AddMeasurementColumn(_ context.Context, col store.ColumnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cols {
		if c.Code == col.Code {
			return store.ErrColumnExists
		}
	}
	m.cols = append(m.cols, col)
	return nil
}

func (m *memSchemaStore) ColumnUsage(context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

// memObsStore records upserts and can fail selected points.
type memObsStore struct {
	mu         sync.Mutex
	obs        []weather.Observation
	failPoints map[int64]bool
}

func (m *memObsStore) UpsertObservation(_ context.Context, obs weather.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPoints[obs.GridPointID] {
		return fmt.Errorf("store failure for point %d", obs.GridPointID)
	}
	m.obs = append(m.obs, obs)
	return nil
}

// scriptedProvider answers batches from a script function.
type scriptedProvider struct {
	name  string
	mu    sync.Mutex
	calls int
	fetch func(call int, coords []weather.Coordinate) ([]weather.FieldMap, error)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) FetchBatch(_ context.Context, coords []weather.Coordinate, _ []weather.MeasurementCode) ([]weather.FieldMap, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	return p.fetch(call, coords)
}

func okFetch(value float64) func(int, []weather.Coordinate) ([]weather.FieldMap, error) {
	return func(_ int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		out := make([]weather.FieldMap, len(coords))
		for i := range coords {
			out[i] = weather.FieldMap{"temperature_2m": value}
		}
		return out, nil
	}
}

func makePoints(n int) []grid.Point {
	points := make([]grid.Point, n)
	for i := range points {
		points[i] = grid.Point{ID: int64(i + 1), Latitude: float64(i), Longitude: float64(i)}
	}
	return points
}

func newTestCollector(t *testing.T, obsStore *memObsStore) *Collector {
	t.Helper()
	mgr, err := schema.NewManager(context.Background(), &memSchemaStore{})
	require.NoError(t, err)
	return New(obsStore, mgr)
}

func testOptions() Options {
	return Options{
		BatchSize:     10,
		Fields:        []weather.MeasurementCode{"temperature_2m"},
		RateDelay:     0,
		RateLimitWait: time.Millisecond,
		RetryCeiling:  2,
	}
}

func TestCollectRejectsBadConfiguration(t *testing.T) {
	c := newTestCollector(t, &memObsStore{})
	p := &scriptedProvider{name: "p1", fetch: okFetch(20)}

	_, err := c.Collect(context.Background(), nil, []weather.Provider{p}, testOptions())
	assert.Error(t, err, "empty point set is a configuration error")

	opts := testOptions()
	opts.BatchSize = 0
	_, err = c.Collect(context.Background(), makePoints(5), []weather.Provider{p}, opts)
	assert.Error(t, err, "zero batch size is a configuration error")

	_, err = c.Collect(context.Background(), makePoints(5), nil, testOptions())
	assert.Error(t, err, "zero providers is a run-level failure")
}

func TestCollectHappyPath(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)
	p := &scriptedProvider{name: "openmeteo", fetch: okFetch(21.5)}

	points := makePoints(25)
	opts := testOptions()

	summary, err := c.Collect(context.Background(), points, []weather.Provider{p}, opts)
	require.NoError(t, err)

	assert.Equal(t, 25, summary.Updated)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 3, summary.BatchesProcessed)
	assert.Equal(t, 3, summary.TotalBatches)
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, obsStore.obs, 25)

	// Values land under the normalized column name.
	assert.Equal(t, 21.5, obsStore.obs[0].Values["m_temperature_2m"])
}

func TestCollectBatchFailureIsIsolated(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	// 100 points in batches of 50; the first batch times out.
	p := &scriptedProvider{name: "p1", fetch: func(call int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		if call == 0 {
			return nil, context.DeadlineExceeded
		}
		return okFetch(20)(call, coords)
	}}

	opts := testOptions()
	opts.BatchSize = 50

	summary, err := c.Collect(context.Background(), makePoints(100), []weather.Provider{p}, opts)
	require.NoError(t, err, "partial failure must not surface as a run error")

	assert.Equal(t, 50, summary.Failed, "every point of the failed batch is failed")
	assert.Equal(t, 50, summary.Updated, "the run proceeds to subsequent batches")
	assert.Equal(t, 2, summary.BatchesProcessed)
	assert.Equal(t, 2, summary.TotalBatches)
}

func TestCollectLengthMismatchIsHardFailure(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p := &scriptedProvider{name: "p1", fetch: func(_ int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		// One result short: cannot be attributed, must not partially succeed.
		out := make([]weather.FieldMap, len(coords)-1)
		for i := range out {
			out[i] = weather.FieldMap{"temperature_2m": 20}
		}
		return out, nil
	}}

	summary, err := c.Collect(context.Background(), makePoints(10), []weather.Provider{p}, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, 0, summary.Updated)
	assert.Empty(t, obsStore.obs)
}

func TestCollectRateLimitRetry(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p := &scriptedProvider{name: "p1", fetch: func(call int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		if call == 0 {
			return nil, weather.ErrRateLimited
		}
		return okFetch(20)(call, coords)
	}}

	summary, err := c.Collect(context.Background(), makePoints(5), []weather.Provider{p}, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Updated)
	assert.Equal(t, 2, p.calls, "the same batch is retried after a rate limit")
}

func TestCollectRateLimitRetriesExhausted(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p := &scriptedProvider{name: "p1", fetch: func(int, []weather.Coordinate) ([]weather.FieldMap, error) {
		return nil, weather.ErrRateLimited
	}}

	opts := testOptions()
	opts.RetryCeiling = 2
	summary, err := c.Collect(context.Background(), makePoints(5), []weather.Provider{p}, opts)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, 3, p.calls, "initial attempt plus the retry ceiling")
}

func TestCollectOtherErrorsAreNotRetried(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p := &scriptedProvider{name: "p1", fetch: func(int, []weather.Coordinate) ([]weather.FieldMap, error) {
		return nil, errors.New("malformed payload")
	}}

	summary, err := c.Collect(context.Background(), makePoints(5), []weather.Provider{p}, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, 1, p.calls)
}

func TestCollectStoreFailureStaysPerPoint(t *testing.T) {
	obsStore := &memObsStore{failPoints: map[int64]bool{3: true}}
	c := newTestCollector(t, obsStore)
	p := &scriptedProvider{name: "p1", fetch: okFetch(20)}

	summary, err := c.Collect(context.Background(), makePoints(5), []weather.Provider{p}, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, obsStore.obs, 4, "the rest of the batch still lands")
}

func TestCollectMultipleProviders(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p1 := &scriptedProvider{name: "openmeteo", fetch: okFetch(20)}
	p2 := &scriptedProvider{name: "weatherapi", fetch: okFetch(22)}

	summary, err := c.Collect(context.Background(), makePoints(10), []weather.Provider{p1, p2}, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Updated)
	assert.Equal(t, 20, summary.Total)
	assert.Equal(t, 2, summary.TotalBatches)
	assert.Len(t, summary.PerProvider, 2)
	assert.Equal(t, 10, summary.PerProvider["openmeteo"].Updated)
	assert.Equal(t, 10, summary.PerProvider["weatherapi"].Updated)
}

func TestCollectNewCodeAddsOneColumn(t *testing.T) {
	schemaStore := &memSchemaStore{}
	mgr, err := schema.NewManager(context.Background(), schemaStore)
	require.NoError(t, err)
	obsStore := &memObsStore{}
	c := New(obsStore, mgr)

	// Two points in the same batch report the same brand-new code.
	p := &scriptedProvider{name: "p1", fetch: func(_ int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		out := make([]weather.FieldMap, len(coords))
		for i := range out {
			out[i] = weather.FieldMap{"soil_moisture_0_to_1cm": 0.3}
		}
		return out, nil
	}}

	_, err = c.Collect(context.Background(), makePoints(2), []weather.Provider{p}, testOptions())
	require.NoError(t, err)

	require.Len(t, schemaStore.cols, 1, "one new code adds exactly one column")
	assert.Equal(t, "m_soil_moisture_0_to_1cm", schemaStore.cols[0].ColumnName)
}

func TestCollectCancellationStopsNewBatches(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{name: "p1", fetch: func(call int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		if call == 0 {
			// Cancel mid-run: the in-flight batch still completes.
			cancel()
		}
		return okFetch(20)(call, coords)
	}}

	opts := testOptions()
	opts.BatchSize = 5

	summary, err := c.Collect(ctx, makePoints(20), []weather.Provider{p}, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, p.calls, "no new batches after cancellation")
	assert.Equal(t, 5, summary.Updated, "the in-flight batch finishes cleanly")
	assert.Equal(t, 15, summary.Failed)
	assert.Equal(t, 1, summary.BatchesProcessed)
}

func TestCollectScaledCodeAppliesTransform(t *testing.T) {
	obsStore := &memObsStore{}
	c := newTestCollector(t, obsStore)

	p := &scriptedProvider{name: "p1", fetch: func(_ int, coords []weather.Coordinate) ([]weather.FieldMap, error) {
		out := make([]weather.FieldMap, len(coords))
		for i := range out {
			out[i] = weather.FieldMap{"max_temp_tenths_deg": 215}
		}
		return out, nil
	}}

	_, err := c.Collect(context.Background(), makePoints(1), []weather.Provider{p}, testOptions())
	require.NoError(t, err)

	require.Len(t, obsStore.obs, 1)
	assert.InDelta(t, 21.5, obsStore.obs[0].Values["m_max_temp_tenths_deg"], 1e-9)
}
