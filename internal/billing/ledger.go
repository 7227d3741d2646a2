package billing

import (
	"context"
	"fmt"
	"time"

	"panelhub/internal/types"
)

// Ledger mutates tenant balances and appends the matching ledger rows. It
// must be built from transaction-bound repositories with the tenant row
// already locked.
type Ledger struct {
	tenants types.TenantRepository
	entries types.LedgerRepository
	now     func() time.Time
}

// NewLedger creates a Ledger over r.
func NewLedger(r types.Repositories) *Ledger {
	return &Ledger{tenants: r.Tenants, entries: r.Ledger, now: time.Now}
}

// Debit subtracts amount from the tenant. It fails with
// policy_insufficient_balance rather than letting the balance go negative.
// A zero amount writes nothing.
func (l *Ledger) Debit(ctx context.Context, tenant *types.Tenant, amount int64, reason string, orderID *int64) (*types.LedgerTransaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("debit amount %d is negative", amount)
	}
	if err := RequireFunds(tenant, amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, tenant, -amount, reason, orderID)
}

// Credit adds amount to the tenant. A zero amount writes nothing.
func (l *Ledger) Credit(ctx context.Context, tenant *types.Tenant, amount int64, reason string, orderID *int64) (*types.LedgerTransaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("credit amount %d is negative", amount)
	}
	return l.apply(ctx, tenant, amount, reason, orderID)
}

func (l *Ledger) apply(ctx context.Context, tenant *types.Tenant, delta int64, reason string, orderID *int64) (*types.LedgerTransaction, error) {
	if delta == 0 {
		return nil, nil
	}
	next := tenant.Balance + delta
	if err := l.tenants.UpdateBalance(ctx, tenant.ID, next); err != nil {
		return nil, err
	}
	tenant.Balance = next

	tx := &types.LedgerTransaction{
		TenantID:     tenant.ID,
		OrderID:      orderID,
		Amount:       delta,
		Reason:       reason,
		BalanceAfter: next,
		OccurredAt:   l.now().UTC(),
	}
	if err := l.entries.Append(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ReplayError reports the first ledger row that does not follow from the
// rows before it.
type ReplayError struct {
	TxID     int64
	Expected int64
	Recorded int64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("ledger row %d: balance_after %d, replay gives %d", e.TxID, e.Recorded, e.Expected)
}

// Replay sums txs in the given (id) order starting from opening and checks
// each BalanceAfter snapshot. It returns the reconstructed balance.
func Replay(opening int64, txs []types.LedgerTransaction) (int64, error) {
	bal := opening
	for _, tx := range txs {
		bal += tx.Amount
		if bal != tx.BalanceAfter || bal < 0 {
			return bal, &ReplayError{TxID: tx.ID, Expected: bal, Recorded: tx.BalanceAfter}
		}
	}
	return bal, nil
}
