package listing

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("listing.module",
	fx.Provide(NewReader),
)

type Reader interface {
	Get(ctx context.Context, listingID string) (*Listing, error)
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

func (r *reader) Get(ctx context.Context, listingID string) (*Listing, error) {
	var l Listing
	if err := r.db.WithContext(ctx).Where("id = ?", listingID).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}
