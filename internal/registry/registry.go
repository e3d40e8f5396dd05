// Package registry is the client side of the external Registry service
// that owns series metadata (title, expiry, payoff type, settlement asset,
// oracle source). The clearing engine only reads from it.
package registry

import (
	"context"
	"errors"

	"github.com/openmarkets/clearing-engine/internal/model"
)

var (
	// ErrNotFound means the registry definitively has no such series.
	ErrNotFound = errors.New("registry: series not found")

	// ErrUnavailable means the registry could not be reached or answered
	// with a server error. Transient: callers may retry; it must never be
	// conflated with a definitive business rejection.
	ErrUnavailable = errors.New("registry: unavailable")
)

// Registry provides read access to series reference data.
type Registry interface {
	// GetSeries returns the series with the given ID, or ErrNotFound.
	GetSeries(ctx context.Context, seriesID string) (*model.Series, error)

	// ListSeries returns all known series.
	ListSeries(ctx context.Context) ([]model.Series, error)
}
