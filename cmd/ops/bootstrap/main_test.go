package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelhub/internal/db/memstore"
	"panelhub/internal/provisioning"
	"panelhub/internal/types"
)

func TestRun_CommandErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	assert.ErrorContains(t, run(ctx, nil, logger), "missing command")
	assert.ErrorContains(t, run(ctx, []string{"frobnicate"}, logger), "unknown command")
	assert.ErrorContains(t, run(ctx, []string{"secrets", "--env=qa"}, logger), "invalid environment")
}

func TestOpenDatabase_RequiresURL(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("DATABASE_URL", "")
	_, _, _, err := openDatabase(context.Background(), nil)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestConfirmProduction(t *testing.T) {
	b := &BootstrapContext{AccountID: "123", AWSRegion: "us-east-1"}
	assert.True(t, confirmProduction(b, strings.NewReader("YES\n"), io.Discard))
	assert.False(t, confirmProduction(b, strings.NewReader("y\n"), io.Discard))
	assert.False(t, confirmProduction(b, strings.NewReader(""), io.Discard))
}

func TestPrintBanner(t *testing.T) {
	var out bytes.Buffer
	printBanner(&BootstrapContext{Environment: "dev", AccountID: "123", AWSProfile: "ops"}, &out)
	assert.Contains(t, out.String(), "/dev/panelhub/")
	assert.Contains(t, out.String(), "Profile:      ops")
}

func TestSeedTenant_CreditsOpeningBalance(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := provisioning.New(provisioning.Config{Store: store, Logger: logger})

	tenant, err := seedTenant(ctx, svc, SeedOptions{Username: "root", Balance: 5000, PricePerGB: 100}, logger)
	require.NoError(t, err)

	got, err := store.Repos().Tenants.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Balance)
	assert.Equal(t, int64(100), got.PricePerGB)
	assert.Equal(t, types.TenantActive, got.Status)

	_, err = seedTenant(ctx, svc, SeedOptions{Username: " "}, logger)
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))
}
