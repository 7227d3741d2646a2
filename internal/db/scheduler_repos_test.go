package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"panelhub/internal/types"
)

// ============================================================
// JobLockRepository Tests
// ============================================================

func TestJobLockRepository_Acquire_NewLock(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(ctx, "panelhub:lock:sync_usage", "worker-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestJobLockRepository_Acquire_AlreadyHeld(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	acquired, err := repo.Acquire(ctx, "panelhub:lock:sync_usage", "worker-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "should not acquire while another worker holds the lease")
}

func TestJobLockRepository_Acquire_ExpiresAtFromTTL(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{
		"panelhub:lock:expire_due_users", "w", fixed, fixed.Add(90 * time.Second),
	}).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(context.Background(), "panelhub:lock:expire_due_users", "w", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestJobLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	acquired, err := repo.Acquire(context.Background(), "k", "w", time.Minute)
	require.Error(t, err)
	assert.False(t, acquired)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestJobLockRepository_Release_OnlyOwner(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"k", "owner"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"k", "stranger"}).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)

	released, err := repo.Release(context.Background(), "k", "owner")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = repo.Release(context.Background(), "k", "stranger")
	require.NoError(t, err)
	assert.False(t, released)
}

// ============================================================
// JobHistoryRepository Tests
// ============================================================

func TestJobHistoryRepository_Start(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"sync_usage"}).
		Return(rowOf(int64(42)))

	id, err := repo.Start(context.Background(), "sync_usage")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestJobHistoryRepository_Finish_WithError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		msg, ok := args[3].(*string)
		return ok && msg != nil && *msg == "panel down" && args[1] == types.JobStatusFailed && args[2] == 3
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.Finish(context.Background(), 42, types.JobStatusFailed, 3, errors.New("panel down"))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_Finish_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(context.Background(), 999, types.JobStatusSuccess, 0, nil)
	require.Error(t, err)
}
