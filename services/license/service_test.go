package license

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"agentmarket-licensing/pkg/accesscontrol"
	"agentmarket-licensing/pkg/config"
	"agentmarket-licensing/pkg/db/pagination"
	"agentmarket-licensing/pkg/errutil"
	"agentmarket-licensing/pkg/middleware"
	"agentmarket-licensing/pkg/signing"
	"agentmarket-licensing/services/listing"
	"agentmarket-licensing/services/order"
	"agentmarket-licensing/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	testBuyerID  = "user-buyer"
	testVendorID = "user-vendor"
	testOrderID  = "order-1"
	testListing  = "listing-1"
)

var testManifest = []byte(`{"name":"recon-agent","capabilities":["scan","report"]}`)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&License{}, &LicenseUsage{}, &LicenseAudit{},
		&order.Order{}, &order.OrderItem{}, &listing.Listing{},
	)

	require.NoError(t, db.Create(&listing.Listing{
		ID:       testListing,
		VendorID: testVendorID,
		Type:     listing.TypeAgent,
		Title:    "Recon Agent",
		Manifest: datatypes.JSON(testManifest),
	}).Error)

	require.NoError(t, db.Create(&order.Order{
		ID:     testOrderID,
		UserID: testBuyerID,
		Status: order.StatusCompleted,
		Items: []order.OrderItem{
			{ID: "item-1", OrderID: testOrderID, ListingID: testListing},
		},
	}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	key, err := signing.NewKey([]byte("test-signing-key"), "agentmarket-test")
	require.NoError(t, err)

	enforcer, err := accesscontrol.ProvideEnforcer(&config.Config{})
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Key:      key,
		Orders:   order.NewReader(order.ReaderParams{DB: db}),
		Listings: listing.NewReader(listing.ReaderParams{DB: db}),
		Enforcer: enforcer,
	})

	return svc, db
}

func buyer() *middleware.Principal {
	return &middleware.Principal{UserID: testBuyerID}
}

func vendor() *middleware.Principal {
	return &middleware.Principal{UserID: testVendorID}
}

func admin() *middleware.Principal {
	return &middleware.Principal{UserID: "user-admin", Roles: []string{accesscontrol.RoleAdmin}}
}

func activate(t *testing.T, svc *Service, scope Scope) *ActivateResponse {
	t.Helper()
	resp, err := svc.Activate(context.Background(), buyer(), ActivateRequest{
		OrderID:   testOrderID,
		ListingID: testListing,
		Scope:     scope,
	})
	require.NoError(t, err)
	return resp
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, want, base.Code)
}

func maxUsage(n int64) *int64 { return &n }

func TestActivateIssuesSignedLicense(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(5)})
	require.NotEmpty(t, resp.LicenseID)
	require.NotEmpty(t, resp.Token)

	var lic License
	require.NoError(t, db.Where("id = ?", resp.LicenseID).First(&lic).Error)
	require.Equal(t, StatusActive, lic.Status)
	require.Equal(t, int64(0), lic.UsageCount)
	require.Equal(t, resp.Token, lic.TokenCompact)

	// endAt == startAt + durationMin*60000ms, exactly.
	require.Equal(t, 60*time.Minute, lic.EndAt.Sub(lic.StartAt))
	require.True(t, resp.ExpiresAt.Equal(lic.EndAt))

	// Defaults for unset scope dimensions.
	require.Equal(t, []string{"default"}, resp.Scope.Tenants)
	require.Equal(t, []string{"*"}, resp.Scope.Labs)

	// Manifest snapshotted verbatim into the row.
	require.JSONEq(t, string(testManifest), string(lic.ManifestSnapshot))

	// Claims carry the manifest and issuer.
	key, _ := signing.NewKey([]byte("test-signing-key"), "agentmarket-test")
	claims, err := ParseToken(key, resp.Token)
	require.NoError(t, err)
	require.Equal(t, testBuyerID, claims.Sub)
	require.Equal(t, "agentmarket-test", claims.Iss)
	require.Equal(t, lic.EndAt.Unix(), claims.Exp)
	require.JSONEq(t, string(testManifest), string(claims.Manifest))

	var audits int64
	require.NoError(t, db.Model(&LicenseAudit{}).Where("license_id = ? AND action = ?", lic.ID, AuditActionActivated).Count(&audits).Error)
	require.Equal(t, int64(1), audits)
}

func TestActivateManifestSnapshotSurvivesListingEdit(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	require.NoError(t, db.Model(&listing.Listing{}).
		Where("id = ?", testListing).
		Update("manifest", datatypes.JSON([]byte(`{"name":"edited"}`))).Error)

	verified, err := svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	require.NoError(t, err)
	require.JSONEq(t, string(testManifest), string(verified.License.Manifest))
}

func TestActivateOrderNotOwned(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Activate(context.Background(), &middleware.Principal{UserID: "someone-else"}, ActivateRequest{
		OrderID:   testOrderID,
		ListingID: testListing,
		Scope:     Scope{DurationMin: 60},
	})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestActivateOrderNotCompleted(t *testing.T) {
	svc, db := newTestService(t)

	require.NoError(t, db.Model(&order.Order{}).
		Where("id = ?", testOrderID).
		Update("status", order.StatusPending).Error)

	_, err := svc.Activate(context.Background(), buyer(), ActivateRequest{
		OrderID:   testOrderID,
		ListingID: testListing,
		Scope:     Scope{DurationMin: 60},
	})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestActivateListingNotInOrder(t *testing.T) {
	svc, db := newTestService(t)

	require.NoError(t, db.Create(&listing.Listing{
		ID:       "listing-2",
		VendorID: testVendorID,
		Type:     listing.TypeTool,
		Title:    "Other Tool",
	}).Error)

	_, err := svc.Activate(context.Background(), buyer(), ActivateRequest{
		OrderID:   testOrderID,
		ListingID: "listing-2",
		Scope:     Scope{DurationMin: 60},
	})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestActivateInvalidDuration(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Activate(context.Background(), buyer(), ActivateRequest{
		OrderID:   testOrderID,
		ListingID: testListing,
		Scope:     Scope{DurationMin: 0},
	})
	requireStatus(t, err, errutil.StatusValidationFailed)
}

func TestVerifyAfterActivate(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{
		Tenants:     []string{"tenant-a"},
		Labs:        []string{"lab-1"},
		DurationMin: 60,
		MaxUsage:    maxUsage(5),
	})

	verified, err := svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	require.NoError(t, err)
	require.True(t, verified.Valid)
	require.Equal(t, testBuyerID, verified.License.UserID)
	require.Equal(t, string(listing.TypeAgent), verified.License.Type)
	require.Equal(t, []string{"tenant-a"}, verified.License.Scope.Tenants)
	require.Equal(t, []string{"lab-1"}, verified.License.Scope.Labs)
	require.Equal(t, int64(5), *verified.License.MaxUsage)
}

func TestVerifyRejectsEveryFlippedByte(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	for i := 0; i < len(resp.Token); i++ {
		mutated := []byte(resp.Token)
		mutated[i] ^= 0x01
		if string(mutated) == resp.Token {
			continue
		}
		_, err := svc.Verify(context.Background(), VerifyRequest{Token: string(mutated)})
		requireStatus(t, err, errutil.StatusUnauthorized)
	}
}

func TestVerifyRevokedTokenRejected(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	_, err := svc.Revoke(context.Background(), admin(), resp.LicenseID, RevokeRequest{Reason: "abuse"})
	require.NoError(t, err)

	// The token is still cryptographically valid; storage is what rejects it.
	_, err = svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestVerifyExpiredReturnsGoneThenNotFound(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 1})
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	requireStatus(t, err, errutil.StatusGone)

	// The 410 path persisted the EXPIRED transition; the row is no longer
	// ACTIVE, so a second verify is a plain 404.
	var lic License
	require.NoError(t, db.Where("id = ?", resp.LicenseID).First(&lic).Error)
	require.Equal(t, StatusExpired, lic.Status)

	_, err = svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestVerifyUsageExhausted(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(1)})

	_, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{})
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), VerifyRequest{Token: resp.Token})
	requireStatus(t, err, errutil.StatusConflict)
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 1})
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	detail, err := svc.Get(context.Background(), buyer(), resp.LicenseID)
	require.NoError(t, err)
	require.True(t, detail.IsExpired)
	require.Equal(t, StatusExpired, detail.Status)

	var lic License
	require.NoError(t, db.Where("id = ?", resp.LicenseID).First(&lic).Error)
	require.Equal(t, StatusExpired, lic.Status)
	// endAt itself is never recomputed.
	require.True(t, lic.EndAt.Equal(resp.ExpiresAt))
}

func TestGetNotOwner(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	_, err := svc.Get(context.Background(), &middleware.Principal{UserID: "someone-else"}, resp.LicenseID)
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestUsageSequentialCountdown(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(5)})

	for want := int64(4); want >= 0; want-- {
		usage, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{})
		require.NoError(t, err)
		require.Equal(t, 5-want, usage.UsageCount)
		require.Equal(t, want, *usage.Remaining)
	}

	_, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{})
	var limitErr *UsageLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, int64(5), limitErr.UsageCount)
	require.Equal(t, int64(5), limitErr.MaxUsage)
}

func TestUsageConcurrentNeverOvershoots(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(10)})

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, exceeded int
	for err := range results {
		switch {
		case err == nil:
			ok++
		default:
			var limitErr *UsageLimitExceededError
			require.ErrorAs(t, err, &limitErr)
			exceeded++
		}
	}

	require.Equal(t, 10, ok)
	require.Equal(t, 40, exceeded)

	var lic License
	require.NoError(t, db.Where("id = ?", resp.LicenseID).First(&lic).Error)
	require.Equal(t, int64(10), lic.UsageCount)
}

func TestUsageUnlimited(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	inc := int64(7)
	usage, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{Increment: &inc})
	require.NoError(t, err)
	require.Equal(t, int64(7), usage.UsageCount)
	require.Nil(t, usage.MaxUsage)
	require.Nil(t, usage.Remaining)
}

func TestUsageRecordsAnnotation(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(5)})

	note := "sandbox run 42"
	_, err := svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{Context: &note})
	require.NoError(t, err)

	var rec LicenseUsage
	require.NoError(t, db.Where("license_id = ?", resp.LicenseID).First(&rec).Error)
	require.Equal(t, int64(1), rec.Increment)
	require.Equal(t, note, *rec.Context)
}

func TestUsageOnRevokedLicense(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(5)})

	_, err := svc.Revoke(context.Background(), admin(), resp.LicenseID, RevokeRequest{Reason: "abuse"})
	require.NoError(t, err)

	_, err = svc.RecordUsage(context.Background(), buyer(), resp.LicenseID, UsageRequest{})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestUsageNotOwner(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60, MaxUsage: maxUsage(5)})

	_, err := svc.RecordUsage(context.Background(), &middleware.Principal{UserID: "someone-else"}, resp.LicenseID, UsageRequest{})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestRevokeByVendor(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	revoked, err := svc.Revoke(context.Background(), vendor(), resp.LicenseID, RevokeRequest{Reason: "listing pulled"})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.Equal(t, "listing pulled", revoked.RevokeReason)

	var audit LicenseAudit
	require.NoError(t, db.Where("license_id = ? AND action = ?", resp.LicenseID, AuditActionRevoked).First(&audit).Error)
	require.Equal(t, testVendorID, audit.ActorID)
	require.Equal(t, testBuyerID, audit.UserID)

	// Audit records never carry token material.
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(audit.Detail, &detail))
	require.NotContains(t, string(audit.Detail), resp.Token)
	require.Equal(t, "Recon Agent", detail["listing_title"])
}

func TestRevokeUnauthorizedIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	_, err := svc.Revoke(context.Background(), buyer(), resp.LicenseID, RevokeRequest{Reason: "nope"})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestDoubleRevokeConflict(t *testing.T) {
	svc, db := newTestService(t)

	resp := activate(t, svc, Scope{DurationMin: 60})

	first, err := svc.Revoke(context.Background(), admin(), resp.LicenseID, RevokeRequest{Reason: "first"})
	require.NoError(t, err)

	_, err = svc.Revoke(context.Background(), admin(), resp.LicenseID, RevokeRequest{Reason: "second"})
	requireStatus(t, err, errutil.StatusConflict)

	// The first revocation's record is untouched.
	var lic License
	require.NoError(t, db.Where("id = ?", resp.LicenseID).First(&lic).Error)
	require.Equal(t, "first", *lic.RevokeReason)
	require.True(t, lic.RevokedAt.Equal(first.RevokedAt))
}

func TestRevokeUnknownLicense(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Revoke(context.Background(), admin(), "no-such-id", RevokeRequest{Reason: "x"})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		activate(t, svc, Scope{DurationMin: 60})
	}
	revoked := activate(t, svc, Scope{DurationMin: 60})
	_, err := svc.Revoke(context.Background(), admin(), revoked.LicenseID, RevokeRequest{Reason: "x"})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), buyer(), ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Licenses, 4)
	require.Equal(t, int64(4), resp.Pagination.Total)
	require.False(t, resp.Pagination.HasMore)

	resp, err = svc.List(context.Background(), buyer(), ListRequest{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, resp.Licenses, 3)

	page := resp.Pagination
	require.Equal(t, 1, page.Page)

	small, err := svc.List(context.Background(), buyer(), ListRequest{
		Page: pagination.Pagination{Page: 1, Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, small.Licenses, 2)
	require.True(t, small.Pagination.HasMore)

	// Other users never see these licenses.
	other, err := svc.List(context.Background(), &middleware.Principal{UserID: "someone-else"}, ListRequest{})
	require.NoError(t, err)
	require.Empty(t, other.Licenses)
}

func TestDuplicateActivationIssuesIndependentLicenses(t *testing.T) {
	svc, _ := newTestService(t)

	a := activate(t, svc, Scope{DurationMin: 60})
	b := activate(t, svc, Scope{DurationMin: 120})

	require.NotEqual(t, a.LicenseID, b.LicenseID)
	require.NotEqual(t, a.Token, b.Token)

	for _, tok := range []string{a.Token, b.Token} {
		verified, err := svc.Verify(context.Background(), VerifyRequest{Token: tok})
		require.NoError(t, err)
		require.True(t, verified.Valid)
	}
}

func TestEffectiveStatusIsPure(t *testing.T) {
	now := time.Now().UTC()

	active := &License{Status: StatusActive, EndAt: now.Add(time.Hour)}
	require.Equal(t, StatusActive, EffectiveStatus(active, now))

	expired := &License{Status: StatusActive, EndAt: now.Add(-time.Minute)}
	require.Equal(t, StatusExpired, EffectiveStatus(expired, now))

	exhausted := &License{Status: StatusActive, EndAt: now.Add(time.Hour), UsageCount: 5, MaxUsage: maxUsage(5)}
	require.Equal(t, StatusExpired, EffectiveStatus(exhausted, now))

	revoked := &License{Status: StatusRevoked, EndAt: now.Add(-time.Minute)}
	require.Equal(t, StatusRevoked, EffectiveStatus(revoked, now))
}
