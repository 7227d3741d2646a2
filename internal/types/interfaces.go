package types

import (
	"context"
	"time"
)

// AllocatedNode pairs a tenant's allocation row with the node it grants.
type AllocatedNode struct {
	Allocation NodeAllocation
	Node       Node
}

// TenantRepository persists resellers. GetForUpdate must take a row lock
// that is held until the surrounding transaction ends.
type TenantRepository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id int64) (*Tenant, error)
	GetForUpdate(ctx context.Context, id int64) (*Tenant, error)
	UpdateBalance(ctx context.Context, id, balance int64) error
}

// NodeRepository persists panel endpoints.
type NodeRepository interface {
	Create(ctx context.Context, n *Node) error
	GetByID(ctx context.Context, id int64) (*Node, error)
	List(ctx context.Context) ([]Node, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]Node, error)
}

// AllocationRepository persists tenant x node grants.
type AllocationRepository interface {
	// Upsert inserts or updates by (tenant, node). When the row is marked
	// default, every sibling default for the tenant is cleared first.
	Upsert(ctx context.Context, a *NodeAllocation) error
	ListForTenant(ctx context.Context, tenantID int64) ([]AllocatedNode, error)
}

// AccountRepository persists end-user accounts.
type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, tenantID, id int64) (*Account, error)
	GetForUpdate(ctx context.Context, tenantID, id int64) (*Account, error)
	GetBySubToken(ctx context.Context, token string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	SetUsage(ctx context.Context, id, usedBytes int64) error
	// ListActiveAfter returns active accounts with id > afterID in id order.
	ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]Account, error)
	// ListExpiredAfter returns active accounts with expire_at <= now and
	// id > afterID in id order.
	ListExpiredAfter(ctx context.Context, now time.Time, afterID int64, limit int) ([]Account, error)
	// DisableIfActive moves the given accounts from active to disabled,
	// recording reason, and returns the ids that actually transitioned.
	DisableIfActive(ctx context.Context, ids []int64, reason string) ([]int64, error)
	// DisableExhausted is DisableIfActive restricted to rows whose current
	// used_bytes has reached a finite total_gb quota.
	DisableExhausted(ctx context.Context, ids []int64) ([]int64, error)
	// DisableExpired is DisableIfActive restricted to rows whose current
	// expire_at is at or before now.
	DisableExpired(ctx context.Context, ids []int64, now time.Time) ([]int64, error)
}

// SubAccountRepository persists per-node materializations.
type SubAccountRepository interface {
	Create(ctx context.Context, s *SubAccount) error
	ListByAccount(ctx context.Context, accountID int64) ([]SubAccount, error)
	ListByAccounts(ctx context.Context, accountIDs []int64) ([]SubAccount, error)
	UpdateRemote(ctx context.Context, id int64, remoteID, subURL string, cachedAt *time.Time) error
	UpdateUsage(ctx context.Context, id, usedBytes int64, syncedAt time.Time) error
	Delete(ctx context.Context, id int64) error
}

// OrderRepository persists billing orders.
type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	UpdateStatus(ctx context.Context, id int64, status OrderStatus) error
	// FirstCreateOrder returns the earliest create order for the account.
	FirstCreateOrder(ctx context.Context, accountID int64) (*Order, error)
}

// LedgerRepository persists the append-only ledger.
type LedgerRepository interface {
	Append(ctx context.Context, tx *LedgerTransaction) error
	ListForTenant(ctx context.Context, tenantID int64) ([]LedgerTransaction, error)
}

// SettingsRepository stores JSON-encoded application settings.
type SettingsRepository interface {
	// Get decodes the value at key into dst, or returns not_found_setting.
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
}

// Repositories groups every repository bound to one connection or
// transaction.
type Repositories struct {
	Tenants     TenantRepository
	Nodes       NodeRepository
	Allocations AllocationRepository
	Accounts    AccountRepository
	SubAccounts SubAccountRepository
	Orders      OrderRepository
	Ledger      LedgerRepository
	Settings    SettingsRepository
}

// Store hands out repositories. InTx commits when fn returns nil and rolls
// back otherwise.
type Store interface {
	Repos() Repositories
	InTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
}
