// Package panel is the anti-corruption layer between panelhub and the remote
// VPN control panels. Every family implements Adapter; behavior that only
// some families have is exposed through optional interfaces discovered with
// a type assertion, so callers never branch on the family themselves.
package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"panelhub/internal/types"
)

// Provisioned is the result of creating (or re-creating) a remote user.
type Provisioned struct {
	RemoteID string
	// SubURL is the panel's own subscription link; empty for families that
	// have none.
	SubURL string
}

// ConnectionInfo is the outcome of a connectivity probe. A failed probe is
// reported with OK=false rather than an error.
type ConnectionInfo struct {
	OK     bool           `json:"ok"`
	Detail string         `json:"detail"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// ConfigFile is a downloadable client configuration.
type ConfigFile struct {
	Name    string
	Content []byte
}

// Adapter is the uniform capability set over every panel family.
type Adapter interface {
	TestConnection(ctx context.Context) (ConnectionInfo, error)
	ProvisionUser(ctx context.Context, label string, totalGB int64, expireAt time.Time) (Provisioned, error)
	UpdateUserLimits(ctx context.Context, remoteID string, totalGB int64, expireAt time.Time) error
	DeleteUser(ctx context.Context, remoteID string) error
	EnableUser(ctx context.Context, remoteID string) error
	DisableUser(ctx context.Context, remoteID string) error
	SetStatus(ctx context.Context, remoteID string, status types.AccountStatus) error
	// GetDirectSubscriptionURL returns nil when the family has no public link.
	GetDirectSubscriptionURL(ctx context.Context, remoteID string) (*string, error)
	// GetUsedBytes returns nil when usage is unknown.
	GetUsedBytes(ctx context.Context, remoteID string) (*int64, error)
	RevokeSubscription(ctx context.Context, label, remoteID string, totalGB int64, expireAt time.Time) (Provisioned, error)
}

// BulkUsageReader reads every user's usage on a node in one call.
type BulkUsageReader interface {
	UsedBytesByRemoteID(ctx context.Context) (map[string]int64, error)
}

// ConfigDownloader serves client configs for families without a public
// subscription link.
type ConfigDownloader interface {
	DownloadConfig(ctx context.Context, remoteID string) (ConfigFile, error)
}

// UsageResetter zeroes the remote traffic counter.
type UsageResetter interface {
	ResetUsage(ctx context.Context, remoteID string) error
}

// ExhaustionEnforcer applies the family's own "volume exhausted" action.
type ExhaustionEnforcer interface {
	EnforceVolumeExhausted(ctx context.Context, remoteID string) error
}

// ExpiryEnforcer applies the family's own "expired" action.
type ExpiryEnforcer interface {
	EnforceExpired(ctx context.Context, remoteID string) error
}

// EnforceVolumeExhausted uses the adapter's exhaustion action when it has
// one and falls back to DisableUser.
func EnforceVolumeExhausted(ctx context.Context, a Adapter, remoteID string) error {
	if e, ok := a.(ExhaustionEnforcer); ok {
		return e.EnforceVolumeExhausted(ctx, remoteID)
	}
	return a.DisableUser(ctx, remoteID)
}

// EnforceExpired uses the adapter's expiry action when it has one and falls
// back to DisableUser.
func EnforceExpired(ctx context.Context, a Adapter, remoteID string) error {
	if e, ok := a.(ExpiryEnforcer); ok {
		return e.EnforceExpired(ctx, remoteID)
	}
	return a.DisableUser(ctx, remoteID)
}

// ErrUnsupported is returned for optional capabilities a family lacks.
var ErrUnsupported = errors.New("operation not supported by panel family")

// IsRemoteError reports whether err was produced by a panel call.
func IsRemoteError(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamPanelUnavailable, types.ErrCodeUpstreamPanelAuth,
		types.ErrCodeUpstreamPanelRejected, types.ErrCodeUpstreamRateLimited:
		return true
	}
	return false
}

// remoteError builds an upstream AppError tagged with the node and operation.
func remoteError(code types.ErrorCode, nodeID int64, op, detail string, err error) *types.AppError {
	return types.NewAppErrorWithDetails(code, fmt.Sprintf("%s: %s", op, detail), err, map[string]any{
		"node_id": nodeID,
		"op":      op,
	})
}

// expireUnix renders an expiry for the REST families: 0 means "never".
func expireUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// truncate caps s at n bytes for error details.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
