// Package paneltest provides in-memory panel adapters for tests.
package paneltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// User is the remote state of one provisioned user.
type User struct {
	Label    string
	TotalGB  int64
	ExpireAt time.Time
	Status   types.AccountStatus
	Used     *int64
	SubURL   string
}

// Adapter is a REST-style panel kept in memory. Fail makes the named
// operation ("provision", "update", "delete", "enable", "disable", "usage",
// "url", "revoke", "reset", "test") return the given error.
type Adapter struct {
	NodeID int64

	mu    sync.Mutex
	users map[string]*User
	calls []string
	fail  map[string]error
	seq   int
}

// New returns an empty Adapter for nodeID.
func New(nodeID int64) *Adapter {
	return &Adapter{NodeID: nodeID, users: map[string]*User{}, fail: map[string]error{}}
}

var (
	_ panel.Adapter       = (*Adapter)(nil)
	_ panel.UsageResetter = (*Adapter)(nil)
)

// Fail sets or clears (err == nil) a failure for op.
func (a *Adapter) Fail(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.fail, op)
		return
	}
	a.fail[op] = err
}

// Rejected is a ready-made remote failure.
func Rejected(nodeID int64) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamPanelRejected, "rejected by fake panel", nil,
		map[string]any{"node_id": nodeID})
}

// Unavailable is a ready-made transient failure.
func Unavailable(nodeID int64) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamPanelUnavailable, "fake panel unavailable", nil,
		map[string]any{"node_id": nodeID})
}

func (a *Adapter) record(op, remoteID string) error {
	a.calls = append(a.calls, op+":"+remoteID)
	return a.fail[op]
}

// Calls returns the number of calls made for op.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if len(c) > len(op) && c[:len(op)+1] == op+":" {
			n++
		}
	}
	return n
}

// User returns a copy of the remote user, or nil.
func (a *Adapter) User(remoteID string) *User {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[remoteID]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

// Users returns the number of remote users.
func (a *Adapter) Users() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}

// Put creates or replaces a remote user directly.
func (a *Adapter) Put(remoteID string, u User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[remoteID] = &u
}

// SetUsage sets the remote traffic counter.
func (a *Adapter) SetUsage(remoteID string, used int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[remoteID]; ok {
		u.Used = &used
	}
}

func (a *Adapter) url(remoteID string) string {
	return fmt.Sprintf("https://node%d.example/sub/%s", a.NodeID, remoteID)
}

func (a *Adapter) TestConnection(context.Context) (panel.ConnectionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("test", ""); err != nil {
		return panel.ConnectionInfo{OK: false, Detail: err.Error()}, nil
	}
	return panel.ConnectionInfo{OK: true, Detail: "ok"}, nil
}

func (a *Adapter) ProvisionUser(_ context.Context, label string, totalGB int64, expireAt time.Time) (panel.Provisioned, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("provision", label); err != nil {
		return panel.Provisioned{}, err
	}
	return a.create(label, label, totalGB, expireAt), nil
}

func (a *Adapter) create(remoteID, label string, totalGB int64, expireAt time.Time) panel.Provisioned {
	u := &User{Label: label, TotalGB: totalGB, ExpireAt: expireAt, Status: types.AccountActive, SubURL: a.url(remoteID)}
	a.users[remoteID] = u
	return panel.Provisioned{RemoteID: remoteID, SubURL: u.SubURL}
}

func (a *Adapter) UpdateUserLimits(_ context.Context, remoteID string, totalGB int64, expireAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("update", remoteID); err != nil {
		return err
	}
	u, ok := a.users[remoteID]
	if !ok {
		return Rejected(a.NodeID)
	}
	u.TotalGB, u.ExpireAt = totalGB, expireAt
	return nil
}

func (a *Adapter) DeleteUser(_ context.Context, remoteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete", remoteID); err != nil {
		return err
	}
	delete(a.users, remoteID)
	return nil
}

func (a *Adapter) setStatus(op, remoteID string, status types.AccountStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record(op, remoteID); err != nil {
		return err
	}
	if u, ok := a.users[remoteID]; ok {
		u.Status = status
	}
	return nil
}

func (a *Adapter) EnableUser(_ context.Context, remoteID string) error {
	return a.setStatus("enable", remoteID, types.AccountActive)
}

func (a *Adapter) DisableUser(_ context.Context, remoteID string) error {
	return a.setStatus("disable", remoteID, types.AccountDisabled)
}

func (a *Adapter) SetStatus(ctx context.Context, remoteID string, status types.AccountStatus) error {
	switch status {
	case types.AccountActive:
		return a.EnableUser(ctx, remoteID)
	case types.AccountDeleted:
		return a.DeleteUser(ctx, remoteID)
	default:
		return a.DisableUser(ctx, remoteID)
	}
}

func (a *Adapter) GetDirectSubscriptionURL(_ context.Context, remoteID string) (*string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("url", remoteID); err != nil {
		return nil, err
	}
	u, ok := a.users[remoteID]
	if !ok {
		return nil, Rejected(a.NodeID)
	}
	s := u.SubURL
	return &s, nil
}

func (a *Adapter) GetUsedBytes(_ context.Context, remoteID string) (*int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("usage", remoteID); err != nil {
		return nil, err
	}
	u, ok := a.users[remoteID]
	if !ok || u.Used == nil {
		return nil, nil
	}
	v := *u.Used
	return &v, nil
}

// RevokeSubscription keeps the remote id and issues a new link.
func (a *Adapter) RevokeSubscription(_ context.Context, label, remoteID string, totalGB int64, expireAt time.Time) (panel.Provisioned, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("revoke", remoteID); err != nil {
		return panel.Provisioned{}, err
	}
	a.seq++
	u, ok := a.users[remoteID]
	if !ok {
		return a.create(remoteID, label, totalGB, expireAt), nil
	}
	u.SubURL = fmt.Sprintf("%s?v=%d", a.url(remoteID), a.seq)
	return panel.Provisioned{RemoteID: remoteID, SubURL: u.SubURL}, nil
}

func (a *Adapter) ResetUsage(_ context.Context, remoteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("reset", remoteID); err != nil {
		return err
	}
	if u, ok := a.users[remoteID]; ok {
		zero := int64(0)
		u.Used = &zero
	}
	return nil
}

// Bulk adds a one-call usage read to Adapter.
type Bulk struct {
	*Adapter
}

var _ panel.BulkUsageReader = Bulk{}

func (b Bulk) UsedBytesByRemoteID(context.Context) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("bulk_usage", ""); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for id, u := range b.users {
		if u.Used != nil {
			out[id] = *u.Used
		}
	}
	return out, nil
}

// WireGuard behaves like a schedule-job panel: no public link, bulk usage,
// downloadable configs, restrict on exhaustion, delete on expiry and a new
// remote id on revoke.
type WireGuard struct {
	Bulk
}

// NewWireGuard returns an empty WireGuard fake.
func NewWireGuard(nodeID int64) WireGuard {
	return WireGuard{Bulk{New(nodeID)}}
}

var (
	_ panel.ConfigDownloader   = WireGuard{}
	_ panel.ExhaustionEnforcer = WireGuard{}
	_ panel.ExpiryEnforcer     = WireGuard{}
)

func (w WireGuard) GetDirectSubscriptionURL(context.Context, string) (*string, error) {
	return nil, nil
}

func (w WireGuard) ProvisionUser(_ context.Context, label string, totalGB int64, expireAt time.Time) (panel.Provisioned, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("provision", label); err != nil {
		return panel.Provisioned{}, err
	}
	w.seq++
	p := w.create(fmt.Sprintf("pk-%s-%d", label, w.seq), label, totalGB, expireAt)
	return panel.Provisioned{RemoteID: p.RemoteID}, nil
}

func (w WireGuard) RevokeSubscription(ctx context.Context, label, remoteID string, totalGB int64, expireAt time.Time) (panel.Provisioned, error) {
	if err := w.DeleteUser(ctx, remoteID); err != nil {
		return panel.Provisioned{}, err
	}
	return w.ProvisionUser(ctx, label, totalGB, expireAt)
}

func (w WireGuard) DownloadConfig(_ context.Context, remoteID string) (panel.ConfigFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("download", remoteID); err != nil {
		return panel.ConfigFile{}, err
	}
	u, ok := w.users[remoteID]
	if !ok {
		return panel.ConfigFile{}, Rejected(w.NodeID)
	}
	return panel.ConfigFile{Name: u.Label, Content: []byte("[Interface]\n# " + remoteID + "\n")}, nil
}

func (w WireGuard) EnforceVolumeExhausted(ctx context.Context, remoteID string) error {
	return w.setStatus("restrict", remoteID, types.AccountDisabled)
}

func (w WireGuard) EnforceExpired(ctx context.Context, remoteID string) error {
	return w.DeleteUser(ctx, remoteID)
}

// Source hands out adapters by node id.
type Source struct {
	mu       sync.Mutex
	adapters map[int64]panel.Adapter
}

// NewSource returns a Source serving the given adapters.
func NewSource(adapters map[int64]panel.Adapter) *Source {
	return &Source{adapters: adapters}
}

var _ panel.Source = (*Source)(nil)

// Set registers an adapter for a node.
func (s *Source) Set(nodeID int64, a panel.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[nodeID] = a
}

func (s *Source) ForNode(node *types.Node) (panel.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[node.ID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidFamily, fmt.Sprintf("no adapter for node %d", node.ID), nil)
	}
	return a, nil
}
