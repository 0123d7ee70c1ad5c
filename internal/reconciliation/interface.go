package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
)

// PriceResolver looks up the price-book unit price of a product at a station
// on a civil date. found is false when the price book has no applicable entry.
//
//go:generate mockgen -destination=mocks/mock_interface.go -package=mocks -source=interface.go
type PriceResolver interface {
	ResolvePrice(ctx context.Context, productID string, stationID string, day time.Time) (decimal.Decimal, bool, error)
}

// OtherSalesSource supplies the expected non-fuel revenue of a shift.
type OtherSalesSource interface {
	ExpectedOtherAmount(ctx context.Context, shift domain.Shift) (decimal.Decimal, error)
}

// NoOtherSales reports zero non-fuel revenue. Product sales are not
// aggregated per shift yet.
type NoOtherSales struct{}

func (NoOtherSales) ExpectedOtherAmount(_ context.Context, _ domain.Shift) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
