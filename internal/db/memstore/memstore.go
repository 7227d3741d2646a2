// Package memstore is an in-memory types.Store for tests and local runs
// without PostgreSQL. Transactions are serialized by a single mutex and
// rolled back by restoring a snapshot.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"panelhub/internal/types"
)

type data struct {
	nextID      int64
	tenants     map[int64]types.Tenant
	nodes       map[int64]types.Node
	allocations map[int64]types.NodeAllocation
	accounts    map[int64]types.Account
	subs        map[int64]types.SubAccount
	orders      map[int64]types.Order
	ledger      []types.LedgerTransaction
	settings    map[string][]byte
}

func newData() *data {
	return &data{
		tenants:     map[int64]types.Tenant{},
		nodes:       map[int64]types.Node{},
		allocations: map[int64]types.NodeAllocation{},
		accounts:    map[int64]types.Account{},
		subs:        map[int64]types.SubAccount{},
		orders:      map[int64]types.Order{},
		settings:    map[string][]byte{},
	}
}

func (d *data) clone() *data {
	c := &data{
		nextID:      d.nextID,
		tenants:     make(map[int64]types.Tenant, len(d.tenants)),
		nodes:       make(map[int64]types.Node, len(d.nodes)),
		allocations: make(map[int64]types.NodeAllocation, len(d.allocations)),
		accounts:    make(map[int64]types.Account, len(d.accounts)),
		subs:        make(map[int64]types.SubAccount, len(d.subs)),
		orders:      make(map[int64]types.Order, len(d.orders)),
		ledger:      append([]types.LedgerTransaction(nil), d.ledger...),
		settings:    make(map[string][]byte, len(d.settings)),
	}
	for k, v := range d.tenants {
		c.tenants[k] = v
	}
	for k, v := range d.nodes {
		c.nodes[k] = v
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.accounts {
		if v.Metadata != nil {
			m := make(types.Metadata, len(v.Metadata))
			for mk, mv := range v.Metadata {
				m[mk] = mv
			}
			v.Metadata = m
		}
		c.accounts[k] = v
	}
	for k, v := range d.subs {
		c.subs[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.settings {
		c.settings[k] = v
	}
	return c
}

// Store implements types.Store in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	d    *data
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{d: newData(), now: time.Now}
}

var _ types.Store = (*Store)(nil)

// SetClock replaces the clock used for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repos returns repositories that read and write outside any transaction.
func (s *Store) Repos() types.Repositories {
	return s.repos()
}

// InTx runs fn while holding the transaction mutex. A non-nil error restores
// the state captured before fn ran.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, r types.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	if err := fn(ctx, s.repos()); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) repos() types.Repositories {
	return types.Repositories{
		Tenants:     tenants{s},
		Nodes:       nodes{s},
		Allocations: allocations{s},
		Accounts:    accounts{s},
		SubAccounts: subAccounts{s},
		Orders:      orders{s},
		Ledger:      ledger{s},
		Settings:    settings{s},
	}
}

func (s *Store) id() int64 {
	s.d.nextID++
	return s.d.nextID
}

// Ledger returns a copy of every ledger row, for assertions.
func (s *Store) Ledger() []types.LedgerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LedgerTransaction(nil), s.d.ledger...)
}

// Orders returns every order sorted by id, for assertions.
func (s *Store) Orders() []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Order, 0, len(s.d.orders))
	for _, o := range s.d.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------

type tenants struct{ s *Store }

func (r tenants) Create(_ context.Context, t *types.Tenant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = r.s.id()
	if t.Status == "" {
		t.Status = types.TenantActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.s.now()
	}
	r.s.d.tenants[t.ID] = *t
	return nil
}

func (r tenants) GetByID(_ context.Context, id int64) (*types.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.d.tenants[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return &t, nil
}

func (r tenants) GetForUpdate(ctx context.Context, id int64) (*types.Tenant, error) {
	return r.GetByID(ctx, id)
}

func (r tenants) UpdateBalance(_ context.Context, id, balance int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.d.tenants[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	if balance < 0 {
		return types.NewAppError(types.ErrCodePolicyInsufficientBalance, "balance would become negative", nil)
	}
	t.Balance = balance
	r.s.d.tenants[id] = t
	return nil
}

// ---------------------------------------------------------------------------

type nodes struct{ s *Store }

func (r nodes) Create(_ context.Context, n *types.Node) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n.ID = r.s.id()
	now := r.s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	r.s.d.nodes[n.ID] = *n
	return nil
}

func (r nodes) GetByID(_ context.Context, id int64) (*types.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.d.nodes[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundNode, "node not found", nil)
	}
	return &n, nil
}

func (r nodes) List(context.Context) ([]types.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]types.Node, 0, len(r.s.d.nodes))
	for _, n := range r.s.d.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r nodes) GetByIDs(_ context.Context, ids []int64) (map[int64]types.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[int64]types.Node, len(ids))
	for _, id := range ids {
		if n, ok := r.s.d.nodes[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type allocations struct{ s *Store }

func (r allocations) Upsert(_ context.Context, a *types.NodeAllocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var existing *types.NodeAllocation
	for id, cur := range r.s.d.allocations {
		if cur.TenantID != a.TenantID {
			continue
		}
		if cur.NodeID == a.NodeID {
			c := cur
			existing = &c
			continue
		}
		if a.DefaultForTenant && cur.DefaultForTenant {
			cur.DefaultForTenant = false
			r.s.d.allocations[id] = cur
		}
	}
	if existing != nil {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		a.ID = r.s.id()
		a.CreatedAt = r.s.now()
	}
	r.s.d.allocations[a.ID] = *a
	return nil
}

func (r allocations) ListForTenant(_ context.Context, tenantID int64) ([]types.AllocatedNode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.AllocatedNode
	for _, a := range r.s.d.allocations {
		if a.TenantID != tenantID {
			continue
		}
		n, ok := r.s.d.nodes[a.NodeID]
		if !ok {
			continue
		}
		out = append(out, types.AllocatedNode{Allocation: a, Node: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out, nil
}

// ---------------------------------------------------------------------------

type accounts struct{ s *Store }

func (r accounts) Create(_ context.Context, a *types.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.d.accounts {
		if cur.SubToken == a.SubToken {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription token collision", nil)
		}
	}
	a.ID = r.s.id()
	now := r.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.s.d.accounts[a.ID] = *a
	return nil
}

func (r accounts) GetByID(_ context.Context, tenantID, id int64) (*types.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.d.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return &a, nil
}

func (r accounts) GetForUpdate(ctx context.Context, tenantID, id int64) (*types.Account, error) {
	return r.GetByID(ctx, tenantID, id)
}

func (r accounts) GetBySubToken(_ context.Context, token string) (*types.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.d.accounts {
		if a.SubToken == token {
			return &a, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
}

func (r accounts) Update(_ context.Context, a *types.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.accounts[a.ID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	a.UpdatedAt = r.s.now()
	r.s.d.accounts[a.ID] = *a
	return nil
}

func (r accounts) SetUsage(_ context.Context, id, usedBytes int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.d.accounts[id]; ok {
		a.UsedBytes = usedBytes
		r.s.d.accounts[id] = a
	}
	return nil
}

func (r accounts) page(filter func(types.Account) bool, afterID int64, limit int) []types.Account {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Account
	for _, a := range r.s.d.accounts {
		if a.ID > afterID && filter(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r accounts) ListActiveAfter(_ context.Context, afterID int64, limit int) ([]types.Account, error) {
	return r.page(func(a types.Account) bool { return a.Status == types.AccountActive }, afterID, limit), nil
}

func (r accounts) ListExpiredAfter(_ context.Context, now time.Time, afterID int64, limit int) ([]types.Account, error) {
	return r.page(func(a types.Account) bool {
		return a.Status == types.AccountActive && !a.ExpireAt.After(now)
	}, afterID, limit), nil
}

func (r accounts) DisableIfActive(_ context.Context, ids []int64, reason string) ([]int64, error) {
	return r.disable(ids, reason, func(types.Account) bool { return true }), nil
}

func (r accounts) DisableExhausted(_ context.Context, ids []int64) ([]int64, error) {
	return r.disable(ids, types.DisabledVolume, func(a types.Account) bool { return a.VolumeExhausted() }), nil
}

func (r accounts) DisableExpired(_ context.Context, ids []int64, now time.Time) ([]int64, error) {
	return r.disable(ids, types.DisabledExpired, func(a types.Account) bool { return !a.ExpireAt.After(now) }), nil
}

func (r accounts) disable(ids []int64, reason string, guard func(types.Account) bool) []int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []int64
	for _, id := range ids {
		a, ok := r.s.d.accounts[id]
		if !ok || a.Status != types.AccountActive || !guard(a) {
			continue
		}
		a.Status = types.AccountDisabled
		a.Metadata = a.Metadata.With(types.MetaDisabledReason, reason)
		a.UpdatedAt = r.s.now()
		r.s.d.accounts[id] = a
		out = append(out, id)
	}
	return out
}

// ---------------------------------------------------------------------------

type subAccounts struct{ s *Store }

func (r subAccounts) Create(_ context.Context, sa *types.SubAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.d.subs {
		if cur.AccountID == sa.AccountID && cur.NodeID == sa.NodeID {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "account already provisioned on node", nil)
		}
	}
	sa.ID = r.s.id()
	sa.CreatedAt = r.s.now()
	r.s.d.subs[sa.ID] = *sa
	return nil
}

func (r subAccounts) ListByAccount(ctx context.Context, accountID int64) ([]types.SubAccount, error) {
	return r.ListByAccounts(ctx, []int64{accountID})
}

func (r subAccounts) ListByAccounts(_ context.Context, accountIDs []int64) ([]types.SubAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[int64]bool, len(accountIDs))
	for _, id := range accountIDs {
		want[id] = true
	}
	var out []types.SubAccount
	for _, sa := range r.s.d.subs {
		if want[sa.AccountID] {
			out = append(out, sa)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

func (r subAccounts) UpdateRemote(_ context.Context, id int64, remoteID, subURL string, cachedAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sa, ok := r.s.d.subs[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubAccount, "subaccount not found", nil)
	}
	sa.RemoteID, sa.SubURL, sa.SubURLCachedAt = remoteID, subURL, cachedAt
	r.s.d.subs[id] = sa
	return nil
}

func (r subAccounts) UpdateUsage(_ context.Context, id, usedBytes int64, syncedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sa, ok := r.s.d.subs[id]; ok {
		sa.UsedBytes = usedBytes
		sa.LastSyncAt = &syncedAt
		r.s.d.subs[id] = sa
	}
	return nil
}

func (r subAccounts) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.d.subs, id)
	return nil
}

// ---------------------------------------------------------------------------

type orders struct{ s *Store }

func (r orders) Create(_ context.Context, o *types.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o.ID = r.s.id()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.s.now()
	}
	r.s.d.orders[o.ID] = *o
	return nil
}

func (r orders) UpdateStatus(_ context.Context, id int64, status types.OrderStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.d.orders[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundOrder, "order not found", nil)
	}
	o.Status = status
	r.s.d.orders[id] = o
	return nil
}

func (r orders) FirstCreateOrder(_ context.Context, accountID int64) (*types.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var first *types.Order
	for _, o := range r.s.d.orders {
		if o.Type != types.OrderCreate || o.AccountID == nil || *o.AccountID != accountID {
			continue
		}
		if first == nil || o.ID < first.ID {
			c := o
			first = &c
		}
	}
	if first == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrder, "create order not found", nil)
	}
	return first, nil
}

// ---------------------------------------------------------------------------

type ledger struct{ s *Store }

func (r ledger) Append(_ context.Context, t *types.LedgerTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = r.s.id()
	if t.OccurredAt.IsZero() {
		t.OccurredAt = r.s.now()
	}
	r.s.d.ledger = append(r.s.d.ledger, *t)
	return nil
}

func (r ledger) ListForTenant(_ context.Context, tenantID int64) ([]types.LedgerTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.LedgerTransaction
	for _, t := range r.s.d.ledger {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type settings struct{ s *Store }

func (r settings) Get(_ context.Context, key string, dst any) error {
	r.s.mu.Lock()
	raw, ok := r.s.d.settings[key]
	r.s.mu.Unlock()
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSetting, "setting not found: "+key, nil)
	}
	return json.Unmarshal(raw, dst)
}

func (r settings) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "setting is not serializable", err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.d.settings[key] = raw
	return nil
}
