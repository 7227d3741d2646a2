package panel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"panelhub/internal/types"
)

const (
	wgJobFieldVolume = "total_data"
	wgJobFieldDate   = "date"
	wgJobDateLayout  = "2006-01-02 15:04:05"
)

type wgEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// wgJob is a peer schedule job. The field names are the panel's.
type wgJob struct {
	JobID         string  `json:"JobID"`
	Configuration string  `json:"Configuration"`
	Peer          string  `json:"Peer"`
	Field         string  `json:"Field"`
	Operator      string  `json:"Operator"`
	Value         string  `json:"Value"`
	CreationDate  string  `json:"CreationDate"`
	ExpireDate    *string `json:"ExpireDate"`
	Action        string  `json:"Action"`
}

type wgPeer struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	TotalReceive float64 `json:"total_receive"`
	TotalSent    float64 `json:"total_sent"`
	CumuReceive  float64 `json:"cumu_receive"`
	CumuSent     float64 `json:"cumu_sent"`
	Jobs         []wgJob `json:"jobs"`
}

// usedBytes picks the larger of the point-in-time and cumulative counters.
// Some panel builds only advance one of them.
func (p wgPeer) usedBytes() int64 {
	gb := max(p.TotalReceive+p.TotalSent, p.CumuReceive+p.CumuSent)
	if gb <= 0 {
		return 0
	}
	return int64(gb * float64(types.BytesPerGB))
}

// WGDashboardAdapter drives the API-key family where limits are peer
// schedule jobs.
type WGDashboardAdapter struct {
	c         caller
	apiKey    string
	iface     string
	dns       string
	mtu       int64
	keepalive int64
	endpoint  string
	now       func() time.Time
}

var (
	_ Adapter            = (*WGDashboardAdapter)(nil)
	_ BulkUsageReader    = (*WGDashboardAdapter)(nil)
	_ ConfigDownloader   = (*WGDashboardAdapter)(nil)
	_ UsageResetter      = (*WGDashboardAdapter)(nil)
	_ ExhaustionEnforcer = (*WGDashboardAdapter)(nil)
	_ ExpiryEnforcer     = (*WGDashboardAdapter)(nil)
)

// NewWGDashboardAdapter builds an adapter for one WGDashboard node.
// Credentials: apikey (required), interface (default wg0), dns, mtu,
// keepalive, endpoint_allowed_ip.
func NewWGDashboardAdapter(base *BaseClient, baseURL string, creds types.Credentials, logger *slog.Logger) (*WGDashboardAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := creds.String("apikey")
	if key == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			"wg_dashboard credentials must include apikey", nil,
			map[string]any{"node_id": base.NodeID()})
	}
	return &WGDashboardAdapter{
		c:         caller{base: base, baseURL: strings.TrimRight(baseURL, "/"), logger: logger},
		apiKey:    key,
		iface:     creds.StringOr("interface", "wg0"),
		dns:       creds.StringOr("dns", "1.1.1.1"),
		mtu:       creds.Int("mtu", 1420),
		keepalive: creds.Int("keepalive", 21),
		endpoint:  creds.StringOr("endpoint_allowed_ip", "0.0.0.0/0"),
		now:       time.Now,
	}, nil
}

// call unwraps the {status, message, data} envelope. status=false is a
// logical rejection even on HTTP 200.
func (w *WGDashboardAdapter) call(ctx context.Context, method, path string, body, out any) error {
	hdr := http.Header{"wg-dashboard-apikey": {w.apiKey}}
	var env wgEnvelope
	if err := w.c.do(ctx, method, path, hdr, body, &env); err != nil {
		return err
	}
	op := method + " " + pathOnly(path)
	if !env.Status {
		msg := env.Message
		if msg == "" {
			msg = "status false"
		}
		return remoteError(types.ErrCodeUpstreamPanelRejected, w.c.base.NodeID(), op, truncate(msg, 300), nil)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return remoteError(types.ErrCodeUpstreamPanelRejected, w.c.base.NodeID(), op, "malformed data", err)
	}
	return nil
}

func (w *WGDashboardAdapter) ifacePath(prefix string) string {
	return prefix + url.PathEscape(w.iface)
}

func (w *WGDashboardAdapter) peers(ctx context.Context) ([]wgPeer, error) {
	var info struct {
		Peers      []wgPeer `json:"configurationPeers"`
		Restricted []wgPeer `json:"configurationRestrictedPeers"`
	}
	path := "/api/getWireguardConfigurationInfo?configurationName=" + url.QueryEscape(w.iface)
	if err := w.call(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return append(info.Peers, info.Restricted...), nil
}

func (w *WGDashboardAdapter) findPeer(ctx context.Context, id string) (*wgPeer, error) {
	all, err := w.peers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (w *WGDashboardAdapter) TestConnection(ctx context.Context) (ConnectionInfo, error) {
	all, err := w.peers(ctx)
	if err != nil {
		return ConnectionInfo{OK: false, Detail: err.Error()}, nil
	}
	return ConnectionInfo{OK: true, Detail: "ok", Meta: map[string]any{
		"interface": w.iface,
		"peers":     len(all),
	}}, nil
}

func (w *WGDashboardAdapter) ProvisionUser(ctx context.Context, label string, totalGB int64, expireAt time.Time) (Provisioned, error) {
	keys, err := GenerateWGKeyPair()
	if err != nil {
		return Provisioned{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate peer keys", err)
	}
	psk, err := GenerateWGPresharedKey()
	if err != nil {
		return Provisioned{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate preshared key", err)
	}

	body := map[string]any{
		"name":                   label,
		"public_key":             keys.Public,
		"private_key":            keys.Private,
		"preshared_key":          psk,
		"allowed_ips":            []string{},
		"allowed_ips_validation": true,
		"DNS":                    w.dns,
		"endpoint_allowed_ip":    w.endpoint,
		"mtu":                    w.mtu,
		"keepalive":              w.keepalive,
	}
	if err := w.call(ctx, http.MethodPost, w.ifacePath("/api/addPeers/"), body, nil); err != nil {
		return Provisioned{}, err
	}

	if err := w.applyLimits(ctx, keys.Public, []wgJob{}, totalGB, expireAt); err != nil {
		if derr := w.DeleteUser(ctx, keys.Public); derr != nil {
			w.c.logger.WarnContext(ctx, "cleanup of peer without limits failed",
				"node_id", w.c.base.NodeID(), "remote_id", keys.Public, "error", derr)
		}
		return Provisioned{}, err
	}
	return Provisioned{RemoteID: keys.Public}, nil
}

// applyLimits replaces the peer's volume and date jobs. existing may be nil,
// in which case the peer is looked up first. A zero quota or zero expiry
// removes the corresponding job.
func (w *WGDashboardAdapter) applyLimits(ctx context.Context, peerID string, existing []wgJob, totalGB int64, expireAt time.Time) error {
	if existing == nil {
		p, err := w.findPeer(ctx, peerID)
		if err != nil {
			return err
		}
		if p == nil {
			return remoteError(types.ErrCodeUpstreamPanelRejected, w.c.base.NodeID(), "apply limits", "peer not found", nil)
		}
		existing = p.Jobs
	}

	volume := ""
	if totalGB > 0 {
		volume = strconv.FormatInt(totalGB, 10)
	}
	date := ""
	if !expireAt.IsZero() {
		date = expireAt.UTC().Format(wgJobDateLayout)
	}
	if err := w.replaceJob(ctx, peerID, existing, wgJobFieldVolume, volume); err != nil {
		return err
	}
	return w.replaceJob(ctx, peerID, existing, wgJobFieldDate, date)
}

func (w *WGDashboardAdapter) replaceJob(ctx context.Context, peerID string, existing []wgJob, field, value string) error {
	for _, j := range existing {
		if j.Field != field {
			continue
		}
		if err := w.call(ctx, http.MethodPost, "/api/deletePeerScheduleJob", map[string]any{"Job": j}, nil); err != nil {
			return err
		}
	}
	if value == "" {
		return nil
	}
	job := wgJob{
		JobID:         uuid.NewString(),
		Configuration: w.iface,
		Peer:          peerID,
		Field:         field,
		Operator:      "lgt",
		Value:         value,
		CreationDate:  w.now().UTC().Format(wgJobDateLayout),
		Action:        "restrict",
	}
	return w.call(ctx, http.MethodPost, "/api/savePeerScheduleJob", map[string]any{"Job": job}, nil)
}

func (w *WGDashboardAdapter) UpdateUserLimits(ctx context.Context, remoteID string, totalGB int64, expireAt time.Time) error {
	return w.applyLimits(ctx, remoteID, nil, totalGB, expireAt)
}

func (w *WGDashboardAdapter) peerAction(ctx context.Context, action, remoteID string) error {
	return w.call(ctx, http.MethodPost, w.ifacePath("/api/"+action+"/"), map[string]any{"peers": []string{remoteID}}, nil)
}

func (w *WGDashboardAdapter) DeleteUser(ctx context.Context, remoteID string) error {
	return w.peerAction(ctx, "deletePeers", remoteID)
}

func (w *WGDashboardAdapter) EnableUser(ctx context.Context, remoteID string) error {
	return w.peerAction(ctx, "allowAccessPeers", remoteID)
}

func (w *WGDashboardAdapter) DisableUser(ctx context.Context, remoteID string) error {
	return w.peerAction(ctx, "restrictPeers", remoteID)
}

func (w *WGDashboardAdapter) SetStatus(ctx context.Context, remoteID string, status types.AccountStatus) error {
	switch status {
	case types.AccountActive:
		return w.EnableUser(ctx, remoteID)
	case types.AccountDisabled:
		return w.DisableUser(ctx, remoteID)
	case types.AccountDeleted:
		return w.DeleteUser(ctx, remoteID)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "unknown account status "+string(status), nil)
	}
}

// GetDirectSubscriptionURL always returns nil: peers have no public link.
func (w *WGDashboardAdapter) GetDirectSubscriptionURL(context.Context, string) (*string, error) {
	return nil, nil
}

func (w *WGDashboardAdapter) GetUsedBytes(ctx context.Context, remoteID string) (*int64, error) {
	p, err := w.findPeer(ctx, remoteID)
	if err != nil || p == nil {
		return nil, err
	}
	used := p.usedBytes()
	return &used, nil
}

func (w *WGDashboardAdapter) UsedBytesByRemoteID(ctx context.Context) (map[string]int64, error) {
	all, err := w.peers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(all))
	for _, p := range all {
		out[p.ID] = p.usedBytes()
	}
	return out, nil
}

// RevokeSubscription deletes the peer and provisions a new one; the remote
// id changes with the new public key.
func (w *WGDashboardAdapter) RevokeSubscription(ctx context.Context, label, remoteID string, totalGB int64, expireAt time.Time) (Provisioned, error) {
	if err := w.DeleteUser(ctx, remoteID); err != nil {
		return Provisioned{}, err
	}
	return w.ProvisionUser(ctx, label, totalGB, expireAt)
}

func (w *WGDashboardAdapter) DownloadConfig(ctx context.Context, remoteID string) (ConfigFile, error) {
	var out struct {
		FileName string `json:"fileName"`
		File     string `json:"file"`
	}
	path := w.ifacePath("/api/downloadPeer/") + "?id=" + url.QueryEscape(remoteID)
	if err := w.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ConfigFile{}, err
	}
	return ConfigFile{Name: out.FileName, Content: []byte(out.File)}, nil
}

func (w *WGDashboardAdapter) ResetUsage(ctx context.Context, remoteID string) error {
	return w.call(ctx, http.MethodPost, w.ifacePath("/api/resetPeerData/"), map[string]any{"id": remoteID, "type": "total"}, nil)
}

// EnforceVolumeExhausted restricts the peer so it can be re-allowed later.
func (w *WGDashboardAdapter) EnforceVolumeExhausted(ctx context.Context, remoteID string) error {
	return w.DisableUser(ctx, remoteID)
}

// EnforceExpired removes the peer outright.
func (w *WGDashboardAdapter) EnforceExpired(ctx context.Context, remoteID string) error {
	return w.DeleteUser(ctx, remoteID)
}
