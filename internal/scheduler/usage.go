package scheduler

import (
	"context"
	"fmt"
	"sync"

	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// DefaultUsageBatchSize is used when no batch size is configured.
const DefaultUsageBatchSize = 2000

// UsageSyncService pulls traffic counters from the panels, stores them and
// disables accounts whose volume is exhausted.
type UsageSyncService struct {
	Deps
	batchSize int
}

// NewUsageSyncService creates a UsageSyncService. batchSize is clamped to
// [100, 10000].
func NewUsageSyncService(deps Deps, batchSize int) *UsageSyncService {
	deps.defaults()
	return &UsageSyncService{Deps: deps, batchSize: clampBatch(batchSize, DefaultUsageBatchSize)}
}

// Run sweeps every active account once.
func (s *UsageSyncService) Run(ctx context.Context) (RunStats, error) {
	rec := &recorder{}
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return rec.stats(), err
		}
		batch, err := s.Store.Repos().Accounts.ListActiveAfter(ctx, cursor, s.batchSize)
		if err != nil {
			return rec.stats(), fmt.Errorf("list active accounts after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		if err := s.syncBatch(ctx, batch, rec); err != nil {
			return rec.stats(), err
		}
		if len(batch) < s.batchSize {
			break
		}
	}

	st := rec.stats()
	s.Logger.InfoContext(ctx, "usage sync complete",
		"scanned", st.Scanned, "disabled", st.Affected,
		"remote_actions", st.RemoteActions, "remote_failures", st.RemoteFailures)
	return st, nil
}

func (s *UsageSyncService) syncBatch(ctx context.Context, batch []types.Account, rec *recorder) error {
	ids := accountIDs(batch)
	view, err := s.loadBatch(ctx, ids, rec)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	fresh := s.readUsage(ctx, view, rec)
	now := s.Now().UTC()

	var disabled []int64
	err = s.Store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		var exhausted []int64
		for i := range batch {
			acct := &batch[i]
			var total int64
			for _, sa := range view.subs[acct.ID] {
				used, ok := fresh[sa.ID]
				if !ok {
					total += sa.UsedBytes
					continue
				}
				total += used
				if err := r.SubAccounts.UpdateUsage(ctx, sa.ID, used, now); err != nil {
					return err
				}
			}
			if len(view.subs[acct.ID]) > 0 && total != acct.UsedBytes {
				if err := r.Accounts.SetUsage(ctx, acct.ID, total); err != nil {
					return err
				}
				acct.UsedBytes = total
			}
			if acct.VolumeExhausted() {
				exhausted = append(exhausted, acct.ID)
			}
		}
		if len(exhausted) == 0 {
			return nil
		}
		var err error
		disabled, err = r.Accounts.DisableExhausted(ctx, exhausted)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit usage batch: %w", err)
	}
	rec.add(len(batch), len(disabled))

	for _, id := range disabled {
		s.Logger.InfoContext(ctx, "account volume exhausted", "account_id", id)
	}
	s.enforce(ctx, view, disabled, rec, "enforce_volume", panel.EnforceVolumeExhausted)
	return nil
}

// readUsage returns fresh counters by subaccount id. Subaccounts whose
// usage could not be read are absent and keep their cached value.
func (s *UsageSyncService) readUsage(ctx context.Context, view *batchView, rec *recorder) map[int64]int64 {
	var (
		mu    sync.Mutex
		fresh = map[int64]int64{}
	)
	set := func(id, v int64) {
		mu.Lock()
		fresh[id] = v
		mu.Unlock()
	}

	// Subaccounts grouped by node, split by whether the node reads in bulk.
	byNode := map[int64][]types.SubAccount{}
	var single []types.SubAccount
	for _, subs := range view.subs {
		for _, sa := range subs {
			a := view.adapters[sa.NodeID]
			if a == nil || sa.RemoteID == "" {
				continue
			}
			if _, ok := a.(panel.BulkUsageReader); ok {
				byNode[sa.NodeID] = append(byNode[sa.NodeID], sa)
			} else {
				single = append(single, sa)
			}
		}
	}

	var bulkNodes []int64
	for id := range byNode {
		bulkNodes = append(bulkNodes, id)
	}
	parallel(ctx, s.Concurrency, bulkNodes, func(ctx context.Context, nodeID int64) {
		var usage map[string]int64
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			usage, err = view.adapters[nodeID].(panel.BulkUsageReader).UsedBytesByRemoteID(ctx)
			return err
		})
		rec.remote(err, "bulk usage node %d", nodeID)
		if err != nil {
			s.Logger.WarnContext(ctx, "bulk usage read failed", "node_id", nodeID, "error", err)
			return
		}
		for _, sa := range byNode[nodeID] {
			if v, ok := usage[sa.RemoteID]; ok {
				set(sa.ID, v)
			}
		}
	})

	parallel(ctx, s.Concurrency, single, func(ctx context.Context, sa types.SubAccount) {
		var used *int64
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			used, err = view.adapters[sa.NodeID].GetUsedBytes(ctx, sa.RemoteID)
			return err
		})
		rec.remote(err, "usage account %d node %d", sa.AccountID, sa.NodeID)
		if err != nil {
			s.Logger.WarnContext(ctx, "usage read failed",
				"account_id", sa.AccountID, "node_id", sa.NodeID, "error", err)
			return
		}
		if used != nil {
			set(sa.ID, *used)
		}
	})
	return fresh
}
