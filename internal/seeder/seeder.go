package seeder

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/altify/alttext-api/internal/license"
)

const (
	TestLicenseKey = "test-license-key-12345"
	TestPlan       = "pro"
	TestBillingDay = 15
)

func SeedTestLicense(ctx context.Context, store license.Store, log zerolog.Logger) {
	lic := &license.License{
		Key:        TestLicenseKey,
		Plan:       TestPlan,
		BillingDay: TestBillingDay,
		Active:     true,
	}

	if err := store.Create(ctx, lic); err != nil {
		log.Info().Err(err).Msg("seeder: license may already exist, skipping")
		return
	}
	log.Info().
		Str("license", TestLicenseKey).
		Str("plan", TestPlan).
		Msg("seeder: test license created")
}
