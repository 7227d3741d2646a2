package types

// PanelFamily identifies the remote panel protocol a Node speaks.
type PanelFamily string

const (
	// FamilyMarzban is token-auth REST with inbound fan-out on create.
	FamilyMarzban PanelFamily = "marzban"
	// FamilyPasarguard is token-auth REST with capability groups.
	FamilyPasarguard PanelFamily = "pasarguard"
	// FamilyWGDashboard is API-key REST with peers and schedule jobs.
	FamilyWGDashboard PanelFamily = "wg_dashboard"
)

// Valid reports whether f is a known panel family.
func (f PanelFamily) Valid() bool {
	switch f {
	case FamilyMarzban, FamilyPasarguard, FamilyWGDashboard:
		return true
	}
	return false
}

// HasPublicSubscription reports whether the family exposes a direct
// subscription URL. WGDashboard peers only have downloadable configs.
func (f PanelFamily) HasPublicSubscription() bool {
	return f != FamilyWGDashboard
}

// TenantStatus is the lifecycle state of a reseller.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
	TenantDeleted  TenantStatus = "deleted"
)

// AccountStatus is the lifecycle state of an end-user account.
// Deleted is terminal.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
	AccountDeleted  AccountStatus = "deleted"
)

// SelectionMode controls how an account's node set is determined.
type SelectionMode string

const (
	SelectionManual SelectionMode = "manual"
	SelectionGroup  SelectionMode = "group"
)

// PricingMode selects between per-node and bundle charging.
type PricingMode string

const (
	PricingPerNode PricingMode = "per_node"
	PricingBundle  PricingMode = "bundle"
)

// OrderType identifies the billing-relevant operation an Order records.
type OrderType string

const (
	OrderCreate      OrderType = "create"
	OrderAddTraffic  OrderType = "add_traffic"
	OrderExtend      OrderType = "extend"
	OrderChangeNodes OrderType = "change_nodes"
	OrderRefund      OrderType = "refund"
	OrderDelete      OrderType = "delete"
)

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderRolledBack OrderStatus = "rolled_back"
)

// RefundAction distinguishes a partial volume refund from a full delete.
type RefundAction string

const (
	RefundDecrease RefundAction = "decrease"
	RefundDelete   RefundAction = "delete"
)

// Ledger reasons.
const (
	ReasonAccountCreate  = "user_create"
	ReasonAddTraffic     = "add_traffic"
	ReasonExtend         = "extend"
	ReasonChangeNodesAdd = "change_nodes_add"
	ReasonRefundPrefix   = "refund_"
	ReasonAdminCredit    = "admin_credit"
)

// Role is the caller role supplied by the upstream gateway.
type Role string

const (
	RoleReseller Role = "reseller"
	RoleAdmin    Role = "admin"
)

// LinkState is the per-node outcome in a link status listing.
type LinkState string

const (
	LinkOK      LinkState = "ok"
	LinkMissing LinkState = "missing"
	LinkError   LinkState = "error"
)

// TaskType identifies a reconciliation job.
type TaskType string

const (
	TaskUsageSync TaskType = "sync_usage"
	TaskExpiry    TaskType = "expire_due_users"
)

// JobStatus values written to job_history.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)
