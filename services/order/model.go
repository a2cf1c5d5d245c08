package order

import (
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRefunded  OrderStatus = "REFUNDED"
)

// Order is the read surface of the order subsystem. Checkout and payment
// capture live elsewhere; licensing only validates completed purchases.
type Order struct {
	ID        string      `gorm:"column:id;primaryKey"`
	UserID    string      `gorm:"column:user_id;index;not null"`
	Status    OrderStatus `gorm:"column:status;not null"`
	CreatedAt time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time   `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

type OrderItem struct {
	ID        string    `gorm:"column:id;primaryKey"`
	OrderID   string    `gorm:"column:order_id;index;not null"`
	ListingID string    `gorm:"column:listing_id;index;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// HasListing reports whether the order contains a line item for listingID.
func (o *Order) HasListing(listingID string) bool {
	for _, item := range o.Items {
		if item.ListingID == listingID {
			return true
		}
	}
	return false
}
