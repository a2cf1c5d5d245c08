package license

import (
	"errors"

	"agentmarket-licensing/pkg/config"
	"agentmarket-licensing/pkg/signing"
	"agentmarket-licensing/services/listing"
	"agentmarket-licensing/services/order"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("license.module",
	fx.Provide(
		ProvideSigningKey,
		NewService,
		NewHandler,
	),
	fx.Invoke(
		Migrate,
		RegisterRoutes,
	),
)

// ProvideSigningKey builds the process-wide signing material from config.
// Missing key material is a startup failure, not a runtime one.
func ProvideSigningKey(cfg *config.Config) (signing.Key, error) {
	if cfg.License.SigningKey == "" {
		return signing.Key{}, errors.New("LICENSE_SIGNING_KEY is not configured")
	}
	return signing.NewKey([]byte(cfg.License.SigningKey), cfg.License.Issuer)
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&License{},
		&LicenseUsage{},
		&LicenseAudit{},
		&order.Order{},
		&order.OrderItem{},
		&listing.Listing{},
	)
}
