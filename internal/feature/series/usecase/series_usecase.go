// Package usecase implements the business logic for series listing.
package usecase

import (
	"context"
	"sort"

	"candle_backend/internal/feature/candles/domain/entity"
)

// SeriesRepository abstracts the persistence layer for series metadata.
// Following Go convention: interfaces are defined by the consumer (usecase),
// not the provider (adapters).
type SeriesRepository interface {
	ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error)
}

// SeriesUsecase provides business logic for series operations.
type SeriesUsecase struct {
	repo SeriesRepository
}

// NewSeriesUsecase creates a new SeriesUsecase with the given repository.
func NewSeriesUsecase(r SeriesRepository) *SeriesUsecase {
	return &SeriesUsecase{repo: r}
}

// ListSeries returns the metadata of every persisted series, ordered by
// symbol and then by bucket length.
func (u *SeriesUsecase) ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error) {
	series, err := u.repo.ListSeries(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(series, func(i, j int) bool {
		if series[i].Symbol != series[j].Symbol {
			return series[i].Symbol < series[j].Symbol
		}
		return series[i].Granularity.Bucket() < series[j].Granularity.Bucket()
	})
	return series, nil
}
