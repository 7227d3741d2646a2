package types

import (
	"time"
)

// BytesPerGB is the binary gigabyte used for every quota conversion.
const BytesPerGB int64 = 1 << 30

// UnlimitedDays is the horizon used for accounts bought without a duration.
const UnlimitedDays = 36500

// GBToBytes converts a whole-GB quota to bytes.
func GBToBytes(gb int64) int64 {
	return gb * BytesPerGB
}

// Tenant is a reseller: the billing principal that owns end-user accounts.
type Tenant struct {
	ID               int64        `json:"id"`
	ParentID         *int64       `json:"parent_id,omitempty"`
	Username         string       `json:"username"`
	Balance          int64        `json:"balance"`
	PricePerGB       int64        `json:"price_per_gb"`
	BundlePricePerGB int64        `json:"bundle_price_per_gb"`
	PricePerDay      int64        `json:"price_per_day"`
	Status           TenantStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ReadOnly reports whether the tenant may only run non-charging operations.
func (t *Tenant) ReadOnly() bool {
	return t.Balance <= 0
}

// Node is one remote panel endpoint.
type Node struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Family       PanelFamily `json:"panel_type"`
	BaseURL      string      `json:"base_url"`
	Credentials  Credentials `json:"credentials"`
	Tags         StringList  `json:"tags"`
	Enabled      bool        `json:"is_enabled"`
	VisibleInSub bool        `json:"is_visible_in_sub"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasTag reports whether the node carries tag.
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NodeAllocation grants a tenant the right to provision on a node.
type NodeAllocation struct {
	ID               int64     `json:"id"`
	TenantID         int64     `json:"tenant_id"`
	NodeID           int64     `json:"node_id"`
	Enabled          bool      `json:"enabled"`
	DefaultForTenant bool      `json:"default_for_reseller"`
	PriceOverride    *int64    `json:"price_per_gb_override,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Account is an end-user account with a quota and an expiry.
type Account struct {
	ID            int64         `json:"id"`
	TenantID      int64         `json:"owner_reseller_id"`
	Label         string        `json:"label"`
	TotalGB       int64         `json:"total_gb"`
	UsedBytes     int64         `json:"used_bytes"`
	ExpireAt      time.Time     `json:"expire_at"`
	Status        AccountStatus `json:"status"`
	SelectionMode SelectionMode `json:"node_selection_mode"`
	NodeGroup     string        `json:"node_group,omitempty"`
	SubToken      string        `json:"master_sub_token"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// QuotaBytes returns the quota in bytes. Zero means unlimited.
func (a *Account) QuotaBytes() int64 {
	return GBToBytes(a.TotalGB)
}

// VolumeExhausted reports whether usage has reached a finite quota.
func (a *Account) VolumeExhausted() bool {
	return a.TotalGB > 0 && a.UsedBytes >= a.QuotaBytes()
}

// Expired reports whether the account's expiry is at or before now.
func (a *Account) Expired(now time.Time) bool {
	return !a.ExpireAt.IsZero() && !a.ExpireAt.After(now)
}

// RemoteLabel returns the panel username, falling back to Label for
// accounts created before it was recorded.
func (a *Account) RemoteLabel() string {
	if v, ok := a.Metadata[MetaRemoteLabel].(string); ok && v != "" {
		return v
	}
	return a.Label
}

// PricingMode returns the mode the account was bought with, defaulting to
// per-node for accounts created before the mode was recorded.
func (a *Account) PricingMode() PricingMode {
	if m, ok := a.Metadata[MetaPricingMode].(string); ok && PricingMode(m) == PricingBundle {
		return PricingBundle
	}
	return PricingPerNode
}

// Metadata keys stored on Account.Metadata.
const (
	MetaPricingMode    = "pricing_mode"
	MetaDisabledReason = "disabled_reason"
	// MetaRemoteLabel is the sanitized username used on every panel.
	MetaRemoteLabel = "remote_label"
	MetaNoExpire    = "no_expire"
)

// Reasons recorded under MetaDisabledReason.
const (
	DisabledVolume  = "volume_exhausted"
	DisabledExpired = "expired"
	DisabledManual  = "manual"
)

// SubAccount materializes one Account on one Node.
type SubAccount struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"user_id"`
	NodeID         int64      `json:"node_id"`
	RemoteID       string     `json:"remote_identifier"`
	SubURL         string     `json:"panel_sub_url_cached,omitempty"`
	SubURLCachedAt *time.Time `json:"panel_sub_url_cached_at,omitempty"`
	UsedBytes      int64      `json:"used_bytes"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Order records one billing-relevant operation.
type Order struct {
	ID                 int64       `json:"id"`
	TenantID           int64       `json:"reseller_id"`
	AccountID          *int64      `json:"user_id,omitempty"`
	Type               OrderType   `json:"type"`
	Status             OrderStatus `json:"status"`
	PurchasedGB        int64       `json:"purchased_gb"`
	PricePerGBSnapshot int64       `json:"price_per_gb_snapshot"`
	Amount             int64       `json:"amount"`
	CreatedAt          time.Time   `json:"created_at"`
}

// LedgerTransaction is an append-only balance change.
type LedgerTransaction struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"reseller_id"`
	OrderID      *int64    `json:"order_id,omitempty"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	BalanceAfter int64     `json:"balance_after"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// JobHistory is one recorded reconciliation run.
type JobHistory struct {
	ID         int64      `json:"id"`
	JobType    string     `json:"job_type"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	ItemsCount int        `json:"items_count"`
	Error      *string    `json:"error,omitempty"`
}
