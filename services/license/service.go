package license

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentmarket-licensing/pkg/accesscontrol"
	"agentmarket-licensing/pkg/db/pagination"
	"agentmarket-licensing/pkg/errutil"
	"agentmarket-licensing/pkg/middleware"
	"agentmarket-licensing/pkg/signing"
	"agentmarket-licensing/services/listing"
	"agentmarket-licensing/services/order"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	key      signing.Key
	repo     Repository
	orders   order.Reader
	listings listing.Reader
	enforcer *casbin.Enforcer

	// now is swappable for deterministic time in tests.
	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Key      signing.Key
	Orders   order.Reader
	Listings listing.Reader
	Enforcer *casbin.Enforcer
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		key:      p.Key,
		repo:     NewRepository(p.DB),
		orders:   p.Orders,
		listings: p.Listings,
		enforcer: p.Enforcer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type ActivateRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	ListingID string `json:"listingId" binding:"required"`
	Scope     Scope  `json:"scope" binding:"required"`
}

type ActivateResponse struct {
	LicenseID string    `json:"licenseId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scope     Scope     `json:"scope"`
}

// Activate validates a completed purchase and issues a signed license.
// Existence and ownership failures are conflated into not-found so callers
// cannot probe for other users' orders.
func (s *Service) Activate(ctx context.Context, caller *middleware.Principal, req ActivateRequest) (*ActivateResponse, error) {
	zapLog := s.logger(ctx).With(
		zap.String("order_id", req.OrderID),
		zap.String("listing_id", req.ListingID),
	)

	if req.Scope.DurationMin < 1 {
		return nil, errutil.ValidationFailed("scope.durationMin must be at least 1")
	}
	if req.Scope.MaxUsage != nil && *req.Scope.MaxUsage < 1 {
		return nil, errutil.ValidationFailed("scope.maxUsage must be at least 1")
	}

	ord, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		zapLog.Error("failed query order", zap.Error(err))
		return nil, errutil.Internal("failed to activate license")
	}
	if ord == nil || ord.UserID != caller.UserID || ord.Status != order.StatusCompleted {
		return nil, errutil.NotFound("order not found")
	}
	if !ord.HasListing(req.ListingID) {
		return nil, errutil.NotFound("order not found")
	}

	lst, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		zapLog.Error("failed query listing", zap.Error(err))
		return nil, errutil.Internal("failed to activate license")
	}
	if lst == nil {
		return nil, errutil.NotFound("listing not found")
	}

	scope := req.Scope
	scope.ApplyDefaults()

	now := s.now()
	endAt := now.Add(time.Duration(scope.DurationMin) * time.Minute)

	token, err := IssueToken(s.key, Claims{
		Sub:       caller.UserID,
		ListingID: lst.ID,
		Type:      string(lst.Type),
		Scope:     scope,
		Manifest:  json.RawMessage(lst.Manifest),
	}, now, endAt)
	if err != nil {
		zapLog.Error("failed sign license token", zap.Error(err))
		return nil, errutil.Internal("failed to activate license")
	}

	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, errutil.Internal("failed to activate license")
	}

	lic := &License{
		ID:               s.node.Generate().String(),
		UserID:           caller.UserID,
		OrderID:          ord.ID,
		ListingID:        lst.ID,
		Type:             string(lst.Type),
		Scope:            datatypes.JSON(scopeJSON),
		ManifestSnapshot: lst.Manifest,
		Status:           StatusActive,
		TokenCompact:     token,
		StartAt:          now,
		EndAt:            endAt,
		UsageCount:       0,
		MaxUsage:         scope.MaxUsage,
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTrx(tx).Create(ctx, lic); err != nil {
			return fmt.Errorf("failed to create license: %w", err)
		}
		return s.writeAudit(tx, lic, AuditActionActivated, caller.UserID, map[string]interface{}{
			"listing_title": lst.Title,
		})
	}); err != nil {
		zapLog.Error("failed persist license", zap.Error(err))
		return nil, errutil.Internal("failed to activate license")
	}

	zapLog.Info("license activated",
		zap.String("license_id", lic.ID),
		zap.Time("end_at", endAt),
	)

	return &ActivateResponse{
		LicenseID: lic.ID,
		Token:     token,
		ExpiresAt: endAt,
		Scope:     scope,
	}, nil
}

type Detail struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	OrderID             string          `json:"orderId"`
	ListingID           string          `json:"listingId"`
	Type                string          `json:"type"`
	Scope               Scope           `json:"scope"`
	Manifest            json.RawMessage `json:"manifest,omitempty"`
	Status              LicenseStatus   `json:"status"`
	StartAt             time.Time       `json:"startAt"`
	EndAt               time.Time       `json:"endAt"`
	UsageCount          int64           `json:"usageCount"`
	MaxUsage            *int64          `json:"maxUsage"`
	IsExpired           bool            `json:"isExpired"`
	IsUsageLimitReached bool            `json:"isUsageLimitReached"`
	RevokedAt           *time.Time      `json:"revokedAt,omitempty"`
	RevokedBy           *string         `json:"revokedBy,omitempty"`
	RevokeReason        *string         `json:"revokeReason,omitempty"`
}

// Get is the authoritative owner-facing status check. Lazy expiry is applied
// here: when the effective status differs from the stored one, the EXPIRED
// correction is written through before responding.
func (s *Service) Get(ctx context.Context, caller *middleware.Principal, id string) (*Detail, error) {
	zapLog := s.logger(ctx).With(zap.String("license_id", id))

	lic, err := s.repo.FindByID(ctx, id)
	if err != nil {
		zapLog.Error("failed query license", zap.Error(err))
		return nil, errutil.Internal("failed to get license")
	}
	if lic == nil || lic.UserID != caller.UserID {
		return nil, errutil.NotFound("license not found")
	}

	now := s.now()
	if eff := EffectiveStatus(lic, now); eff != lic.Status {
		if err := s.repo.MarkExpired(ctx, lic.ID); err != nil {
			zapLog.Error("failed persist expiry", zap.Error(err))
			return nil, errutil.Internal("failed to get license")
		}
		lic.Status = eff
	}

	return s.toDetail(lic, now)
}

type ListRequest struct {
	Status LicenseStatus
	Type   string
	Page   pagination.Pagination
}

type ListResponse struct {
	Licenses   []*Detail           `json:"licenses"`
	Pagination pagination.PageInfo `json:"pagination"`
}

func (s *Service) List(ctx context.Context, caller *middleware.Principal, req ListRequest) (*ListResponse, error) {
	zapLog := s.logger(ctx)

	page := req.Page.Normalize()
	licenses, total, err := s.repo.List(ctx, ListQuery{
		UserID: caller.UserID,
		Status: req.Status,
		Type:   req.Type,
		Page:   page,
	})
	if err != nil {
		zapLog.Error("failed list licenses", zap.Error(err))
		return nil, errutil.Internal("failed to list licenses")
	}

	now := s.now()
	out := make([]*Detail, 0, len(licenses))
	for _, lic := range licenses {
		// Listing is read-only; the write-through correction stays on the
		// single-row paths.
		lic.Status = EffectiveStatus(lic, now)
		d, err := s.toDetail(lic, now)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	return &ListResponse{
		Licenses:   out,
		Pagination: pagination.BuildPageInfo(page, total),
	}, nil
}

type UsageRequest struct {
	Increment *int64  `json:"increment" binding:"omitempty,min=1"`
	Context   *string `json:"context"`
}

type UsageResponse struct {
	UsageCount int64  `json:"usageCount"`
	MaxUsage   *int64 `json:"maxUsage"`
	Remaining  *int64 `json:"remaining"`
}

// UsageLimitExceededError carries the counters the 409 response reports.
type UsageLimitExceededError struct {
	UsageCount int64
	MaxUsage   int64
}

func (e *UsageLimitExceededError) Error() string {
	return fmt.Sprintf("usage limit exceeded: %d/%d", e.UsageCount, e.MaxUsage)
}

// RecordUsage meters consumption under the ceiling. The increment is one
// conditional UPDATE; a read-check-write sequence would let concurrent
// callers overshoot maxUsage.
func (s *Service) RecordUsage(ctx context.Context, caller *middleware.Principal, id string, req UsageRequest) (*UsageResponse, error) {
	zapLog := s.logger(ctx).With(zap.String("license_id", id))

	increment := int64(1)
	if req.Increment != nil {
		increment = *req.Increment
	}
	if increment < 1 {
		return nil, errutil.ValidationFailed("increment must be at least 1")
	}

	now := s.now()

	var applied bool
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = s.repo.WithTrx(tx).IncrementUsage(ctx, id, caller.UserID, increment, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}

		rec := &LicenseUsage{
			ID:        s.node.Generate().String(),
			LicenseID: id,
			Increment: increment,
			Context:   req.Context,
		}
		return tx.Create(rec).Error
	}); err != nil {
		zapLog.Error("failed record usage", zap.Error(err))
		return nil, errutil.Internal("failed to record usage")
	}

	// Either path re-reads the row: on success for the new counter, on
	// rejection to tell "not active" apart from "limit reached".
	lic, err := s.repo.FindByID(ctx, id)
	if err != nil {
		zapLog.Error("failed query license", zap.Error(err))
		return nil, errutil.Internal("failed to record usage")
	}
	if lic == nil || lic.UserID != caller.UserID {
		return nil, errutil.NotFound("license not found")
	}

	if applied {
		return &UsageResponse{
			UsageCount: lic.UsageCount,
			MaxUsage:   lic.MaxUsage,
			Remaining:  remaining(lic),
		}, nil
	}

	if eff := EffectiveStatus(lic, now); eff != StatusActive {
		if eff == StatusExpired && lic.Status == StatusActive && lic.IsExpiredAt(now) {
			if err := s.repo.MarkExpired(ctx, lic.ID); err != nil {
				zapLog.Error("failed persist expiry", zap.Error(err))
			}
		}
		if !lic.IsUsageLimitReached() || lic.Status == StatusRevoked {
			return nil, errutil.NotFound("license not active")
		}
	}

	return nil, &UsageLimitExceededError{
		UsageCount: lic.UsageCount,
		MaxUsage:   *lic.MaxUsage,
	}
}

type VerifyRequest struct {
	Token string `json:"token" binding:"required"`
}

type VerifiedLicense struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"`
	Scope      Scope           `json:"scope"`
	Manifest   json.RawMessage `json:"manifest,omitempty"`
	UsageCount int64           `json:"usageCount"`
	MaxUsage   *int64          `json:"maxUsage"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

type VerifyResponse struct {
	Valid   bool             `json:"valid"`
	License *VerifiedLicense `json:"license"`
}

// Verify is the cross-service bearer-token check. Stage order is load
// bearing: the signature is checked before any storage access, so unknown
// and tampered tokens are indistinguishable to a forger; the storage lookup
// then decides current business validity, which is what defeats revoked but
// cryptographically valid tokens.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	zapLog := s.logger(ctx)

	if _, err := ParseToken(s.key, req.Token); err != nil {
		return nil, errutil.Unauthorized("invalid signature")
	}

	lic, err := s.repo.FindActiveByToken(ctx, req.Token)
	if err != nil {
		zapLog.Error("failed query license by token", zap.Error(err))
		return nil, errutil.Internal("failed to verify license")
	}
	if lic == nil {
		return nil, errutil.NotFound("license not found or inactive")
	}

	now := s.now()
	if lic.IsExpiredAt(now) {
		if err := s.repo.MarkExpired(ctx, lic.ID); err != nil {
			zapLog.Error("failed persist expiry", zap.Error(err))
		}
		return nil, errutil.Gone("license expired")
	}

	if lic.IsUsageLimitReached() {
		return nil, errutil.Conflict("usage limit exceeded")
	}

	scope, err := lic.ScopeValue()
	if err != nil {
		zapLog.Error("failed decode license scope", zap.String("license_id", lic.ID), zap.Error(err))
		return nil, errutil.Internal("failed to verify license")
	}

	return &VerifyResponse{
		Valid: true,
		License: &VerifiedLicense{
			ID:         lic.ID,
			UserID:     lic.UserID,
			Type:       lic.Type,
			Scope:      scope,
			Manifest:   json.RawMessage(lic.ManifestSnapshot),
			UsageCount: lic.UsageCount,
			MaxUsage:   lic.MaxUsage,
			ExpiresAt:  lic.EndAt,
		},
	}, nil
}

type RevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type RevokeResponse struct {
	ID           string        `json:"id"`
	Status       LicenseStatus `json:"status"`
	RevokedAt    time.Time     `json:"revokedAt"`
	RevokeReason string        `json:"revokeReason"`
}

// Revoke is terminal and immediate: after it, verification rejects the token
// regardless of remaining window or usage headroom. A second revoke is a
// caller error (409), not a silent success, so concurrent revokes have
// exactly one winner.
func (s *Service) Revoke(ctx context.Context, caller *middleware.Principal, id string, req RevokeRequest) (*RevokeResponse, error) {
	zapLog := s.logger(ctx).With(zap.String("license_id", id))

	lic, err := s.repo.FindByID(ctx, id)
	if err != nil {
		zapLog.Error("failed query license", zap.Error(err))
		return nil, errutil.Internal("failed to revoke license")
	}

	// Authorization failure and absence are deliberately the same 404 so
	// non-owners cannot learn which licenses exist.
	var lst *listing.Listing
	if lic != nil {
		lst, err = s.listings.Get(ctx, lic.ListingID)
		if err != nil {
			zapLog.Error("failed query listing", zap.Error(err))
			return nil, errutil.Internal("failed to revoke license")
		}
	}
	if lic == nil || !s.canRevoke(caller, lst) {
		return nil, errutil.NotFound("license not found")
	}

	if lic.Status == StatusRevoked {
		return nil, errutil.Conflict("license already revoked")
	}

	now := s.now()
	var applied bool
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = s.repo.WithTrx(tx).Revoke(ctx, lic.ID, caller.UserID, req.Reason, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}

		detail := map[string]interface{}{
			"reason": req.Reason,
		}
		if lst != nil {
			detail["listing_title"] = lst.Title
		}
		return s.writeAudit(tx, lic, AuditActionRevoked, caller.UserID, detail)
	}); err != nil {
		zapLog.Error("failed revoke license", zap.Error(err))
		return nil, errutil.Internal("failed to revoke license")
	}

	if !applied {
		// Lost the race to a concurrent revoke.
		return nil, errutil.Conflict("license already revoked")
	}

	zapLog.Info("license revoked",
		zap.String("actor_id", caller.UserID),
		zap.String("reason", req.Reason),
	)

	return &RevokeResponse{
		ID:           lic.ID,
		Status:       StatusRevoked,
		RevokedAt:    now,
		RevokeReason: req.Reason,
	}, nil
}

func (s *Service) canRevoke(caller *middleware.Principal, lst *listing.Listing) bool {
	if accesscontrol.CanRevoke(s.enforcer, caller.Roles) {
		return true
	}
	return lst != nil && lst.VendorID == caller.UserID
}

func (s *Service) writeAudit(tx *gorm.DB, lic *License, action, actorID string, detail map[string]interface{}) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return err
	}

	return tx.Create(&LicenseAudit{
		ID:        s.node.Generate().String(),
		LicenseID: lic.ID,
		Action:    action,
		ActorID:   actorID,
		UserID:    lic.UserID,
		Detail:    datatypes.JSON(detailJSON),
	}).Error
}

func (s *Service) toDetail(lic *License, now time.Time) (*Detail, error) {
	scope, err := lic.ScopeValue()
	if err != nil {
		zap.L().Error("failed decode license scope", zap.String("license_id", lic.ID), zap.Error(err))
		return nil, errutil.Internal("failed to read license")
	}

	return &Detail{
		ID:                  lic.ID,
		UserID:              lic.UserID,
		OrderID:             lic.OrderID,
		ListingID:           lic.ListingID,
		Type:                lic.Type,
		Scope:               scope,
		Manifest:            json.RawMessage(lic.ManifestSnapshot),
		Status:              lic.Status,
		StartAt:             lic.StartAt,
		EndAt:               lic.EndAt,
		UsageCount:          lic.UsageCount,
		MaxUsage:            lic.MaxUsage,
		IsExpired:           lic.IsExpiredAt(now),
		IsUsageLimitReached: lic.IsUsageLimitReached(),
		RevokedAt:           lic.RevokedAt,
		RevokedBy:           lic.RevokedBy,
		RevokeReason:        lic.RevokeReason,
	}, nil
}

func remaining(lic *License) *int64 {
	if lic.MaxUsage == nil {
		return nil
	}
	r := *lic.MaxUsage - lic.UsageCount
	if r < 0 {
		r = 0
	}
	return &r
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return zap.L()
	}
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
