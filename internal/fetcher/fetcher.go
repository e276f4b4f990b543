package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownAsset is returned when a source has no feed for the requested asset.
var ErrUnknownAsset = errors.New("fetcher: unknown asset")

// Quote is a single price observation from an external source.
type Quote struct {
	Asset      string
	Price      decimal.Decimal
	Confidence decimal.Decimal
	Timestamp  time.Time
}

// PriceSource retrieves the latest price for an asset.
type PriceSource interface {
	FetchPrice(ctx context.Context, asset string) (Quote, error)
}

// Static serves fixed quotes; used by the simulate command and tests.
type Static map[string]decimal.Decimal

// FetchPrice returns the configured price stamped with the current time.
func (s Static) FetchPrice(ctx context.Context, asset string) (Quote, error) {
	price, ok := s[asset]
	if !ok {
		return Quote{}, ErrUnknownAsset
	}
	return Quote{Asset: asset, Price: price, Timestamp: time.Now().UTC()}, nil
}

var _ PriceSource = Static(nil)
