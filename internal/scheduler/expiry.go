package scheduler

import (
	"context"
	"fmt"

	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// DefaultExpiryBatchSize is used when no batch size is configured.
const DefaultExpiryBatchSize = 500

// ExpiryService disables active accounts whose expiry has passed and then
// applies each family's expiry action remotely.
type ExpiryService struct {
	Deps
	batchSize int
}

// NewExpiryService creates an ExpiryService. batchSize is clamped to
// [100, 10000].
func NewExpiryService(deps Deps, batchSize int) *ExpiryService {
	deps.defaults()
	return &ExpiryService{Deps: deps, batchSize: clampBatch(batchSize, DefaultExpiryBatchSize)}
}

// Run disables every account due at the start of the run. Each batch is
// committed before any remote call, so a remote failure never leaves an
// expired account active.
func (s *ExpiryService) Run(ctx context.Context) (RunStats, error) {
	rec := &recorder{}
	now := s.Now().UTC()
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return rec.stats(), err
		}
		batch, err := s.Store.Repos().Accounts.ListExpiredAfter(ctx, now, cursor, s.batchSize)
		if err != nil {
			return rec.stats(), fmt.Errorf("list expired accounts after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		var disabled []int64
		err = s.Store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
			var err error
			disabled, err = r.Accounts.DisableExpired(ctx, accountIDs(batch), now)
			return err
		})
		if err != nil {
			return rec.stats(), fmt.Errorf("commit expiry batch: %w", err)
		}
		rec.add(len(batch), len(disabled))

		if len(disabled) > 0 {
			view, err := s.loadBatch(ctx, disabled, rec)
			if err != nil {
				// Already disabled locally, so later sweeps will not revisit these.
				rec.addError("load expired batch: %v", err)
				s.Logger.ErrorContext(ctx, "failed to load expired batch", "error", err)
			} else {
				s.enforce(ctx, view, disabled, rec, "enforce_expired", panel.EnforceExpired)
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}

	st := rec.stats()
	s.Logger.InfoContext(ctx, "expiry sweep complete",
		"scanned", st.Scanned, "disabled", st.Affected,
		"remote_actions", st.RemoteActions, "remote_failures", st.RemoteFailures)
	return st, nil
}
