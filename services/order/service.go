package order

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("order.module",
	fx.Provide(NewReader),
)

// Reader exposes the order lookups the licensing engine needs.
type Reader interface {
	Get(ctx context.Context, orderID string) (*Order, error)
}

type reader struct {
	db *gorm.DB
}

type ReaderParams struct {
	fx.In
	DB *gorm.DB
}

func NewReader(p ReaderParams) Reader {
	return &reader{db: p.DB}
}

// Get returns the order with its line items, or nil when it does not exist.
func (r *reader) Get(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", orderID).
		First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}
