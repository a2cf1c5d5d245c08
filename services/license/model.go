package license

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type LicenseStatus string

const (
	StatusActive    LicenseStatus = "ACTIVE"
	StatusExpired   LicenseStatus = "EXPIRED"
	StatusRevoked   LicenseStatus = "REVOKED"
	StatusSuspended LicenseStatus = "SUSPENDED"
)

// Scope constrains where, how long, and how much a license may be used.
// It is captured verbatim at issuance and embedded in the signed token.
type Scope struct {
	Tenants     []string `json:"tenants"`
	Labs        []string `json:"labs"`
	DurationMin int      `json:"durationMin"`
	MaxUsage    *int64   `json:"maxUsage,omitempty"`
}

// ApplyDefaults fills the open-ended defaults: all-tenant scoping is never
// implicit, lab scoping is.
func (s *Scope) ApplyDefaults() {
	if len(s.Tenants) == 0 {
		s.Tenants = []string{"default"}
	}
	if len(s.Labs) == 0 {
		s.Labs = []string{"*"}
	}
}

// License is the issued entitlement. Rows are never deleted; terminal states
// (EXPIRED, REVOKED) are kept for audit.
type License struct {
	ID        string `gorm:"column:id;primaryKey"`
	UserID    string `gorm:"column:user_id;index;not null"`
	OrderID   string `gorm:"column:order_id;index;not null"`
	ListingID string `gorm:"column:listing_id;index;not null"`
	Type      string `gorm:"column:type;index;not null"`

	Scope            datatypes.JSON `gorm:"column:scope;type:jsonb"`
	ManifestSnapshot datatypes.JSON `gorm:"column:manifest_snapshot;type:jsonb"`

	Status LicenseStatus `gorm:"column:status;index;not null"`

	// TokenCompact is the exact signed credential handed to the buyer.
	// Verification looks rows up by exact match on it. Not unique: activating
	// the same purchase twice with the same scope in the same second yields
	// an identical claim set, and each activation still gets its own row.
	TokenCompact string `gorm:"column:token_compact;index;not null"`

	StartAt time.Time `gorm:"column:start_at;not null"`
	// EndAt is fixed at issuance and never recomputed.
	EndAt time.Time `gorm:"column:end_at;not null"`

	UsageCount int64  `gorm:"column:usage_count;not null;default:0"`
	MaxUsage   *int64 `gorm:"column:max_usage"`

	RevokedAt    *time.Time `gorm:"column:revoked_at"`
	RevokedBy    *string    `gorm:"column:revoked_by"`
	RevokeReason *string    `gorm:"column:revoke_reason"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (l *License) ScopeValue() (Scope, error) {
	var s Scope
	err := json.Unmarshal(l.Scope, &s)
	return s, err
}

func (l *License) IsExpiredAt(now time.Time) bool {
	return l.EndAt.Before(now)
}

func (l *License) IsUsageLimitReached() bool {
	return l.MaxUsage != nil && l.UsageCount >= *l.MaxUsage
}

// EffectiveStatus is the lazy-expiry rule as a pure function. Reads and
// verification compute it and persist an ACTIVE→EXPIRED correction when it
// differs from the stored status; terminal states pass through untouched.
func EffectiveStatus(l *License, now time.Time) LicenseStatus {
	if l.Status != StatusActive {
		return l.Status
	}
	if l.IsExpiredAt(now) || l.IsUsageLimitReached() {
		return StatusExpired
	}
	return StatusActive
}

// LicenseUsage records a single metered increment, for audit.
type LicenseUsage struct {
	ID        string    `gorm:"column:id;primaryKey"`
	LicenseID string    `gorm:"column:license_id;index;not null"`
	Increment int64     `gorm:"column:increment;not null"`
	Context   *string   `gorm:"column:context"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

const (
	AuditActionActivated = "license.activated"
	AuditActionRevoked   = "license.revoked"
)

// LicenseAudit is the structured mutation record handed to the audit sink.
// It carries the licensee's identifying info and the listing title, never
// token material.
type LicenseAudit struct {
	ID        string         `gorm:"column:id;primaryKey"`
	LicenseID string         `gorm:"column:license_id;index;not null"`
	Action    string         `gorm:"column:action;not null"`
	ActorID   string         `gorm:"column:actor_id;not null"`
	UserID    string         `gorm:"column:user_id;not null"`
	Detail    datatypes.JSON `gorm:"column:detail;type:jsonb"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}
