package panel

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"panelhub/internal/types"
)

// restUser is the subset of the token-REST user object the adapters read.
type restUser struct {
	Username        string                    `json:"username"`
	Status          string                    `json:"status"`
	SubscriptionURL string                    `json:"subscription_url"`
	UsedTraffic     *int64                    `json:"used_traffic"`
	ProxySettings   map[string]map[string]any `json:"proxy_settings"`
	Proxies         map[string]map[string]any `json:"proxies"`
	GroupIDs        []int64                   `json:"group_ids"`
}

// restUsers holds the user endpoints the Marzban and Pasarguard families
// share. Family-specific creation lives on the adapters themselves.
type restUsers struct {
	s *tokenSession
}

func userPath(remoteID string, suffix string) string {
	return "/api/user/" + url.PathEscape(remoteID) + suffix
}

func limitsPayload(totalGB int64, expireAt time.Time) map[string]any {
	return map[string]any{
		"data_limit":                types.GBToBytes(totalGB),
		"expire":                    expireUnix(expireAt),
		"data_limit_reset_strategy": "no_reset",
	}
}

func (r restUsers) system(ctx context.Context) (ConnectionInfo, error) {
	var sys map[string]any
	if err := r.s.call(ctx, http.MethodGet, "/api/system", nil, &sys); err != nil {
		return ConnectionInfo{OK: false, Detail: err.Error()}, nil
	}
	return ConnectionInfo{OK: true, Detail: "ok", Meta: map[string]any{"system": sys}}, nil
}

func (r restUsers) get(ctx context.Context, remoteID string) (restUser, error) {
	var u restUser
	err := r.s.call(ctx, http.MethodGet, userPath(remoteID, ""), nil, &u)
	return u, err
}

func (r restUsers) updateLimits(ctx context.Context, remoteID string, totalGB int64, expireAt time.Time) error {
	return r.s.call(ctx, http.MethodPut, userPath(remoteID, ""), limitsPayload(totalGB, expireAt), nil)
}

func (r restUsers) delete(ctx context.Context, remoteID string) error {
	err := r.s.call(ctx, http.MethodDelete, userPath(remoteID, ""), nil, nil)
	if httpStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (r restUsers) setStatus(ctx context.Context, remoteID string, status types.AccountStatus) error {
	switch status {
	case types.AccountActive:
		return r.s.call(ctx, http.MethodPut, userPath(remoteID, ""), map[string]any{"status": "active"}, nil)
	case types.AccountDisabled:
		return r.s.call(ctx, http.MethodPut, userPath(remoteID, ""), map[string]any{"status": "disabled"}, nil)
	case types.AccountDeleted:
		return r.delete(ctx, remoteID)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "unknown account status "+string(status), nil)
	}
}

func (r restUsers) subscriptionURL(ctx context.Context, remoteID string) (*string, error) {
	u, err := r.get(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return r.absolute(u.SubscriptionURL), nil
}

// absolute resolves panel-relative subscription paths against the base URL.
func (r restUsers) absolute(sub string) *string {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return nil
	}
	if strings.HasPrefix(sub, "/") {
		sub = r.s.baseURL + sub
	}
	return &sub
}

func (r restUsers) usedBytes(ctx context.Context, remoteID string) (*int64, error) {
	u, err := r.get(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return u.UsedTraffic, nil
}

func (r restUsers) revoke(ctx context.Context, remoteID string) (Provisioned, error) {
	var u restUser
	if err := r.s.call(ctx, http.MethodPost, userPath(remoteID, "/revoke_sub"), nil, &u); err != nil {
		return Provisioned{}, err
	}
	sub := r.absolute(u.SubscriptionURL)
	if sub == nil {
		var err error
		if sub, err = r.subscriptionURL(ctx, remoteID); err != nil {
			return Provisioned{}, err
		}
	}
	p := Provisioned{RemoteID: remoteID}
	if sub != nil {
		p.SubURL = *sub
	}
	return p, nil
}

func (r restUsers) reset(ctx context.Context, remoteID string) error {
	return r.s.call(ctx, http.MethodPost, userPath(remoteID, "/reset"), nil, nil)
}

// MarzbanAdapter drives the token-REST family whose users must list every
// inbound explicitly.
type MarzbanAdapter struct {
	users  restUsers
	logger *slog.Logger
}

var _ Adapter = (*MarzbanAdapter)(nil)
var _ UsageResetter = (*MarzbanAdapter)(nil)

// NewMarzbanAdapter builds an adapter for one Marzban node.
func NewMarzbanAdapter(base *BaseClient, baseURL string, creds types.Credentials, logger *slog.Logger) (*MarzbanAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := newTokenSession(caller{base: base, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}, creds, base.NodeID())
	if err != nil {
		return nil, err
	}
	return &MarzbanAdapter{users: restUsers{s: s}, logger: logger}, nil
}

func (m *MarzbanAdapter) TestConnection(ctx context.Context) (ConnectionInfo, error) {
	return m.users.system(ctx)
}

// inbounds returns protocol -> inbound tags for every inbound the panel
// reports. Protocols without tags are dropped.
func (m *MarzbanAdapter) inbounds(ctx context.Context) (map[string][]string, error) {
	var raw map[string][]struct {
		Tag string `json:"tag"`
	}
	if err := m.users.s.call(ctx, http.MethodGet, "/api/inbounds", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(raw))
	for proto, items := range raw {
		var tags []string
		for _, it := range items {
			if it.Tag != "" {
				tags = append(tags, it.Tag)
			}
		}
		if len(tags) > 0 {
			out[proto] = tags
		}
	}
	return out, nil
}

func (m *MarzbanAdapter) ProvisionUser(ctx context.Context, label string, totalGB int64, expireAt time.Time) (Provisioned, error) {
	payload := limitsPayload(totalGB, expireAt)
	payload["username"] = label
	payload["status"] = "active"

	inbounds, err := m.inbounds(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "inbound listing failed, using panel defaults",
			"node_id", m.users.s.base.NodeID(), "error", err)
	} else if len(inbounds) > 0 {
		proxies := make(map[string]map[string]any, len(inbounds))
		for proto := range inbounds {
			proxies[proto] = map[string]any{}
		}
		payload["inbounds"] = inbounds
		payload["proxies"] = proxies
	}

	var u restUser
	err = m.users.s.call(ctx, http.MethodPost, "/api/user", payload, &u)
	if httpStatus(err) == http.StatusConflict {
		// A previous attempt already created the user; converge its limits.
		if err := m.users.updateLimits(ctx, label, totalGB, expireAt); err != nil {
			return Provisioned{}, err
		}
		if u, err = m.users.get(ctx, label); err != nil {
			return Provisioned{}, err
		}
	} else if err != nil {
		return Provisioned{}, err
	}

	p := Provisioned{RemoteID: u.Username}
	if p.RemoteID == "" {
		p.RemoteID = label
	}
	if sub := m.users.absolute(u.SubscriptionURL); sub != nil {
		p.SubURL = *sub
	}
	return p, nil
}

func (m *MarzbanAdapter) UpdateUserLimits(ctx context.Context, remoteID string, totalGB int64, expireAt time.Time) error {
	return m.users.updateLimits(ctx, remoteID, totalGB, expireAt)
}

func (m *MarzbanAdapter) DeleteUser(ctx context.Context, remoteID string) error {
	return m.users.delete(ctx, remoteID)
}

func (m *MarzbanAdapter) EnableUser(ctx context.Context, remoteID string) error {
	return m.users.setStatus(ctx, remoteID, types.AccountActive)
}

func (m *MarzbanAdapter) DisableUser(ctx context.Context, remoteID string) error {
	return m.users.setStatus(ctx, remoteID, types.AccountDisabled)
}

func (m *MarzbanAdapter) SetStatus(ctx context.Context, remoteID string, status types.AccountStatus) error {
	return m.users.setStatus(ctx, remoteID, status)
}

func (m *MarzbanAdapter) GetDirectSubscriptionURL(ctx context.Context, remoteID string) (*string, error) {
	return m.users.subscriptionURL(ctx, remoteID)
}

func (m *MarzbanAdapter) GetUsedBytes(ctx context.Context, remoteID string) (*int64, error) {
	return m.users.usedBytes(ctx, remoteID)
}

// RevokeSubscription rotates the user's subscription token in place; the
// remote id is unchanged.
func (m *MarzbanAdapter) RevokeSubscription(ctx context.Context, _ string, remoteID string, _ int64, _ time.Time) (Provisioned, error) {
	return m.users.revoke(ctx, remoteID)
}

func (m *MarzbanAdapter) ResetUsage(ctx context.Context, remoteID string) error {
	return m.users.reset(ctx, remoteID)
}
