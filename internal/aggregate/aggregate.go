// Package aggregate merges the per-provider observations for one grid point
// and time slice into a single canonical record.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/weathergrid/weathergrid/internal/weather"
)

// ErrNoObservations is returned when nothing was recorded for the key.
var ErrNoObservations = errors.New("no observations for point and time slice")

// Store is the read surface the aggregator needs.
type Store interface {
	ObservationsAt(ctx context.Context, gridPointID int64, timeSlice string) ([]weather.Observation, error)
}

// Aggregator combines observations field by field, preferring providers in a
// fixed precedence order. Aggregation is pure: it never mutates stored rows.
type Aggregator struct {
	store      Store
	precedence []string
}

// New creates an aggregator. precedence lists provider names highest priority
// first; providers not listed rank below every listed one, in a stable order.
func New(store Store, precedence []string) *Aggregator {
	return &Aggregator{store: store, precedence: precedence}
}

// Aggregate builds the canonical record for one (point, slice) key. Each
// quantity takes the value from the highest-priority provider that reported
// it; recency breaks ties between providers of equal priority. Quantities no
// provider reported are left absent. Sources lists contributing providers in
// precedence order, deduplicated.
func (a *Aggregator) Aggregate(ctx context.Context, gridPointID int64, timeSlice string) (weather.CanonicalRecord, error) {
	obs, err := a.store.ObservationsAt(ctx, gridPointID, timeSlice)
	if err != nil {
		return weather.CanonicalRecord{}, fmt.Errorf("load observations: %w", err)
	}
	if len(obs) == 0 {
		return weather.CanonicalRecord{}, ErrNoObservations
	}

	// Priority first, most recent first within equal priority.
	sort.SliceStable(obs, func(i, j int) bool {
		pi, pj := a.rank(obs[i].Provider), a.rank(obs[j].Provider)
		if pi != pj {
			return pi < pj
		}
		return obs[i].ObservedAt.After(obs[j].ObservedAt)
	})

	record := weather.CanonicalRecord{
		GridPointID: gridPointID,
		TimeSlice:   timeSlice,
		Values:      make(map[string]float64),
	}

	contributed := make(map[string]bool)
	for _, o := range obs {
		for name, v := range o.Values {
			if _, taken := record.Values[name]; taken {
				continue
			}
			record.Values[name] = v
			contributed[o.Provider] = true
		}
	}

	for _, o := range obs {
		if contributed[o.Provider] {
			record.Sources = append(record.Sources, o.Provider)
			contributed[o.Provider] = false
		}
	}
	record.SourceCount = len(record.Sources)

	return record, nil
}

// rank returns the precedence index for a provider; unlisted providers rank
// after every listed one.
func (a *Aggregator) rank(provider string) int {
	for i, name := range a.precedence {
		if name == provider {
			return i
		}
	}
	return len(a.precedence)
}
