package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"panelhub/internal/types"
)

type mockTenants struct {
	mock.Mock
	types.TenantRepository
}

func (m *mockTenants) UpdateBalance(ctx context.Context, id, balance int64) error {
	return m.Called(ctx, id, balance).Error(0)
}

type mockLedger struct {
	mock.Mock
	types.LedgerRepository
}

func (m *mockLedger) Append(ctx context.Context, tx *types.LedgerTransaction) error {
	return m.Called(ctx, tx).Error(0)
}

func newTestLedger() (*Ledger, *mockTenants, *mockLedger) {
	tenants, entries := &mockTenants{}, &mockLedger{}
	l := NewLedger(types.Repositories{Tenants: tenants, Ledger: entries})
	l.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return l, tenants, entries
}

func TestLedger_DebitWritesBalanceThenRow(t *testing.T) {
	l, tenants, entries := newTestLedger()
	ctx := context.Background()
	tenant := &types.Tenant{ID: 5, Balance: 1000}
	orderID := int64(77)

	tenants.On("UpdateBalance", ctx, int64(5), int64(700)).Return(nil).Once()
	entries.On("Append", ctx, mock.MatchedBy(func(tx *types.LedgerTransaction) bool {
		return tx.Amount == -300 && tx.BalanceAfter == 700 && tx.Reason == types.ReasonAccountCreate &&
			tx.OrderID != nil && *tx.OrderID == 77
	})).Return(nil).Once()

	tx, err := l.Debit(ctx, tenant, 300, types.ReasonAccountCreate, &orderID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), tenant.Balance)
	assert.Equal(t, int64(700), tx.BalanceAfter)
	tenants.AssertExpectations(t)
	entries.AssertExpectations(t)
}

func TestLedger_DebitRejectsOverdraft(t *testing.T) {
	l, tenants, entries := newTestLedger()
	tenant := &types.Tenant{ID: 5, Balance: 10}

	_, err := l.Debit(context.Background(), tenant, 11, types.ReasonExtend, nil)
	assert.Equal(t, types.ErrCodePolicyInsufficientBalance, types.CodeOf(err))
	assert.Equal(t, int64(10), tenant.Balance)
	tenants.AssertNotCalled(t, "UpdateBalance", mock.Anything, mock.Anything, mock.Anything)
	entries.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestLedger_ZeroAmountIsNoop(t *testing.T) {
	l, tenants, entries := newTestLedger()

	tx, err := l.Credit(context.Background(), &types.Tenant{ID: 1}, 0, "refund_delete", nil)
	require.NoError(t, err)
	assert.Nil(t, tx)
	tenants.AssertNotCalled(t, "UpdateBalance", mock.Anything, mock.Anything, mock.Anything)
	entries.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestLedger_NegativeAmountsRejected(t *testing.T) {
	l, _, _ := newTestLedger()
	tenant := &types.Tenant{ID: 1, Balance: 100}

	_, err := l.Debit(context.Background(), tenant, -1, "x", nil)
	assert.Error(t, err)
	_, err = l.Credit(context.Background(), tenant, -1, "x", nil)
	assert.Error(t, err)
}

func TestLedger_AppendFailurePropagates(t *testing.T) {
	l, tenants, entries := newTestLedger()
	ctx := context.Background()

	tenants.On("UpdateBalance", ctx, int64(1), int64(150)).Return(nil)
	entries.On("Append", ctx, mock.Anything).Return(errors.New("disk full"))

	_, err := l.Credit(ctx, &types.Tenant{ID: 1, Balance: 100}, 50, types.ReasonAdminCredit, nil)
	assert.ErrorContains(t, err, "disk full")
}

func TestReplay(t *testing.T) {
	txs := []types.LedgerTransaction{
		{ID: 1, Amount: 1000, BalanceAfter: 1000},
		{ID: 2, Amount: -300, BalanceAfter: 700},
		{ID: 3, Amount: 90, BalanceAfter: 790},
	}
	bal, err := Replay(0, txs)
	require.NoError(t, err)
	assert.Equal(t, int64(790), bal)

	txs[2].BalanceAfter = 800
	_, err = Replay(0, txs)
	var re *ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(3), re.TxID)
	assert.Equal(t, int64(790), re.Expected)
}

func TestReplay_Empty(t *testing.T) {
	bal, err := Replay(250, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal)
}
