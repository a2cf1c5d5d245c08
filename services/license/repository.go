package license

import (
	"context"
	"errors"
	"time"

	"agentmarket-licensing/pkg/db/pagination"

	"gorm.io/gorm"
)

// Repository is the storage surface of the license store. The conditional
// updates below are the only synchronization points in the engine.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository

	Create(ctx context.Context, lic *License) error
	FindByID(ctx context.Context, id string) (*License, error)
	FindActiveByToken(ctx context.Context, tokenCompact string) (*License, error)
	List(ctx context.Context, q ListQuery) ([]*License, int64, error)

	// IncrementUsage applies a single atomic conditional update: the counter
	// moves only if the license is ACTIVE, still inside its window, and the
	// result stays within max_usage. Returns false with no mutation
	// otherwise.
	IncrementUsage(ctx context.Context, id, userID string, increment int64, now time.Time) (bool, error)

	// MarkExpired persists the lazy ACTIVE→EXPIRED correction. Idempotent:
	// racing duplicates converge on the same terminal value.
	MarkExpired(ctx context.Context, id string) error

	// Revoke transitions to REVOKED unless already there. Exactly one of any
	// set of concurrent callers wins; the rest get false.
	Revoke(ctx context.Context, id, actorID, reason string, now time.Time) (bool, error)

	// ExpireStale bulk-applies the expiry correction, for the reconciliation
	// job only. Reads never depend on it.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type ListQuery struct {
	UserID string
	Status LicenseStatus
	Type   string
	Page   pagination.Pagination
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTrx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, lic *License) error {
	return r.db.WithContext(ctx).Create(lic).Error
}

func (r *repository) FindByID(ctx context.Context, id string) (*License, error) {
	var lic License
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lic, nil
}

// FindActiveByToken is the storage stage of token verification: exact match
// on the stored compact token AND a live status. Revoked and lazily-expired
// rows fall out here, which is what makes revocation effective against
// cryptographically valid tokens.
func (r *repository) FindActiveByToken(ctx context.Context, tokenCompact string) (*License, error) {
	var lic License
	if err := r.db.WithContext(ctx).
		Where("token_compact = ? AND status = ?", tokenCompact, StatusActive).
		First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lic, nil
}

func (r *repository) List(ctx context.Context, q ListQuery) ([]*License, int64, error) {
	query := r.db.WithContext(ctx).Model(&License{}).Where("user_id = ?", q.UserID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var licenses []*License
	if err := query.
		Order("created_at DESC").
		Offset(q.Page.Offset()).
		Limit(q.Page.Limit).
		Find(&licenses).Error; err != nil {
		return nil, 0, err
	}

	return licenses, total, nil
}

func (r *repository) IncrementUsage(ctx context.Context, id, userID string, increment int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, StatusActive).
		Where("end_at > ?", now).
		Where("max_usage IS NULL OR usage_count + ? <= max_usage", increment).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + ?", increment),
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkExpired(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Update("status", StatusExpired).Error
}

func (r *repository) Revoke(ctx context.Context, id, actorID, reason string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND status <> ?", id, StatusRevoked).
		Updates(map[string]interface{}{
			"status":        StatusRevoked,
			"revoked_at":    now,
			"revoked_by":    actorID,
			"revoke_reason": reason,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&License{}).
		Where("status = ?", StatusActive).
		Where("end_at < ? OR (max_usage IS NOT NULL AND usage_count >= max_usage)", now).
		Update("status", StatusExpired)
	return res.RowsAffected, res.Error
}
