package listing

import (
	"time"

	"gorm.io/datatypes"
)

type ListingType string

const (
	TypeAgent  ListingType = "agent"
	TypeTool   ListingType = "tool"
	TypeTeam   ListingType = "team"
	TypePlugin ListingType = "plugin"
)

// Listing is the read surface of the catalog subsystem. The manifest is the
// capability description snapshotted into every license issued against it;
// later edits here never reach an already-issued license.
type Listing struct {
	ID        string         `gorm:"column:id;primaryKey"`
	VendorID  string         `gorm:"column:vendor_id;index;not null"`
	Type      ListingType    `gorm:"column:type;not null"`
	Title     string         `gorm:"column:title;not null"`
	Manifest  datatypes.JSON `gorm:"column:manifest;type:jsonb"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
