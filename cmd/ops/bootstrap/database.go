package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"panelhub/internal/config"
	"panelhub/internal/db"
	"panelhub/internal/types"
)

// openDatabase resolves DATABASE_URL (directly or through its SSM pointer)
// and opens a small pool for one-off maintenance.
func openDatabase(ctx context.Context, provider config.SecretProvider) (*db.Store, func(), db.DBTX, error) {
	if err := config.ResolveSecrets(provider); err != nil {
		return nil, nil, nil, err
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("DATABASE_URL (or DATABASE_URL_SSM_PARAM) must be set")
	}
	pool, err := db.NewPool(ctx, config.DatabaseConfig{
		URL:             types.SecretString(dsn),
		MaxConns:        2,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return db.NewStore(pool), pool.Close, pool, nil
}

// migrate applies the embedded schema. The DDL is idempotent.
func migrate(ctx context.Context, conn db.DBTX, logger *slog.Logger) error {
	start := time.Now()
	if err := db.ApplySchema(ctx, conn); err != nil {
		return err
	}
	logger.Info("schema applied", "elapsed", time.Since(start).String())
	return nil
}

// TenantCreator is satisfied by *provisioning.Service.
type TenantCreator interface {
	CreateTenant(ctx context.Context, t *types.Tenant) error
}

// SeedOptions describe the first top-level reseller.
type SeedOptions struct {
	Username    string
	Balance     int64
	PricePerGB  int64
	PricePerDay int64
}

// seedTenant creates the root tenant and credits its opening balance.
func seedTenant(ctx context.Context, svc TenantCreator, opts SeedOptions, logger *slog.Logger) (*types.Tenant, error) {
	t := &types.Tenant{
		Username:    opts.Username,
		Balance:     opts.Balance,
		PricePerGB:  opts.PricePerGB,
		PricePerDay: opts.PricePerDay,
	}
	if err := svc.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("creating tenant %q: %w", opts.Username, err)
	}
	logger.Info("tenant seeded", "tenant_id", t.ID, "username", t.Username, "balance", opts.Balance)
	return t, nil
}
