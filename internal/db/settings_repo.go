package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// SettingsRepository stores JSON values in app_settings.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a SettingsRepository backed by db.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get decodes the value stored at key into dst.
func (r *SettingsRepository) Get(ctx context.Context, key string, dst any) error {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundSetting, "setting not found: "+key, nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read setting", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "malformed setting: "+key, err)
	}
	return nil
}

// Put upserts value at key.
func (r *SettingsRepository) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "setting is not serializable", err)
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO app_settings (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, raw,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write setting", err)
	}
	return nil
}
