// Package schema owns the mapping from upstream measurement codes to typed
// storage columns, creating columns on demand as new codes are observed.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/weathergrid/weathergrid/internal/common"
	"github.com/weathergrid/weathergrid/internal/store"
	"github.com/weathergrid/weathergrid/internal/weather"
)

// Column is the in-memory view of one registered measurement column.
type Column struct {
	Code          weather.MeasurementCode `json:"code"`
	Name          string                  `json:"name"`
	Type          string                  `json:"type"`
	UnitTransform string                  `json:"unit_transform,omitempty"`
	Scale         float64                 `json:"scale"`
}

// Store is the persistence surface the manager needs. AddMeasurementColumn
// must return store.ErrColumnExists when the column is already present so a
// losing racer can treat the add as a no-op.
type Store interface {
	MeasurementColumns(ctx context.Context) ([]store.ColumnRecord, error)
	AddMeasurementColumn(ctx context.Context, col store.ColumnRecord) error
	ColumnUsage(ctx context.Context) (map[string]int64, error)
}

// Manager is the single authority translating measurement codes to storage
// columns. It is injectable (no package-global schema state) so tests can run
// isolated schemas side by side.
type Manager struct {
	mu    sync.Mutex
	store Store

	byCode map[weather.MeasurementCode]Column
	order  []Column
}

// NewManager loads the existing registry and returns a manager over it.
func NewManager(ctx context.Context, st Store) (*Manager, error) {
	m := &Manager{
		store:  st,
		byCode: make(map[weather.MeasurementCode]Column),
	}

	records, err := st.MeasurementColumns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load measurement columns: %w", err)
	}
	for _, r := range records {
		col := Column{
			Code:          weather.MeasurementCode(r.Code),
			Name:          r.ColumnName,
			Type:          r.ValueType,
			UnitTransform: r.UnitTransform,
			Scale:         r.Scale,
		}
		m.byCode[col.Code] = col
		m.order = append(m.order, col)
	}
	return m, nil
}

// EnsureColumns guarantees a storage column exists for every code and returns
// the codes that were actually added. Idempotent: a second call with the same
// codes adds nothing. A failed column creation is reported for that code only;
// the remaining codes in the batch are still processed.
func (m *Manager) EnsureColumns(ctx context.Context, codes []weather.MeasurementCode) ([]weather.MeasurementCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deterministic processing order regardless of caller map iteration.
	sorted := make([]weather.MeasurementCode, len(codes))
	copy(sorted, codes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var added []weather.MeasurementCode
	var errs []error
	for _, code := range sorted {
		if code == "" {
			continue
		}
		if _, ok := m.byCode[code]; ok {
			continue
		}

		col := columnFor(code)
		err := m.store.AddMeasurementColumn(ctx, store.ColumnRecord{
			Code:          string(code),
			ColumnName:    col.Name,
			ValueType:     col.Type,
			UnitTransform: col.UnitTransform,
			Scale:         col.Scale,
		})
		switch {
		case errors.Is(err, store.ErrColumnExists):
			// Lost a race with another writer; the column is there, adopt it.
			m.adopt(col)
		case err != nil:
			log.Printf("schema: adding column for code %q failed: %v", code, err)
			errs = append(errs, fmt.Errorf("code %q: %w", code, err))
			continue
		default:
			m.adopt(col)
			added = append(added, code)
		}
	}

	return added, errors.Join(errs...)
}

func (m *Manager) adopt(col Column) {
	if _, ok := m.byCode[col.Code]; ok {
		return
	}
	m.byCode[col.Code] = col
	m.order = append(m.order, col)
}

// Column returns the registered column for a code, if any.
func (m *Manager) Column(code weather.MeasurementCode) (Column, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.byCode[code]
	return col, ok
}

// CurrentSchema lists the known columns in registration order.
func (m *Manager) CurrentSchema() []Column {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Column, len(m.order))
	copy(out, m.order)
	return out
}

// AnalyzeUsage reports non-null value counts per column. Diagnostic only.
func (m *Manager) AnalyzeUsage(ctx context.Context) (map[string]int64, error) {
	return m.store.ColumnUsage(ctx)
}

// columnFor derives the storage column for a previously unseen code:
// deterministic name normalization, REAL by default, and a unit transform
// when the code matches the known-unit table.
func columnFor(code weather.MeasurementCode) Column {
	col := Column{
		Code:  code,
		Name:  NormalizeCode(code),
		Type:  "REAL",
		Scale: 1,
	}
	if transform, scale, ok := unitTransformFor(string(code)); ok {
		col.UnitTransform = transform
		col.Scale = scale
	}
	return col
}

// unitTransformFor matches a code against the known-unit table. Some
// upstreams report scaled integers (tenths of a degree, tenths of a mm);
// the scale is applied once at write time.
func unitTransformFor(code string) (transform string, scale float64, ok bool) {
	switch {
	case common.HasAny(code, "tenths_deg", "temp_tenths", "_dc"):
		return "tenths_to_degrees", 0.1, true
	case common.HasAny(code, "tenths_mm", "precip_tenths"):
		return "tenths_to_mm", 0.1, true
	default:
		return "", 1, false
	}
}

// NormalizeCode maps an arbitrary upstream code to a safe column name:
// lowercase, every non-alphanumeric run collapsed to "_", prefixed with "m_"
// to keep generated names out of the fixed-column namespace. Deterministic,
// so the same code always lands on the same column.
func NormalizeCode(code weather.MeasurementCode) string {
	var b strings.Builder
	b.WriteString("m_")
	prevUnderscore := true
	for _, r := range strings.ToLower(string(code)) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
