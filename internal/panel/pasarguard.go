package panel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"panelhub/internal/types"
)

// DefaultInboundsGroup is the Pasarguard group kept in sync with every
// inbound tag so new users get all of them.
const DefaultInboundsGroup = "panelhub_all_inbounds"

type pgGroup struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	InboundTags []string `json:"inbound_tags"`
	IsDisabled  bool     `json:"is_disabled"`
}

// PasarguardAdapter drives the token-REST family that selects inbounds
// through groups.
type PasarguardAdapter struct {
	users  restUsers
	group  string
	logger *slog.Logger
}

var _ Adapter = (*PasarguardAdapter)(nil)
var _ UsageResetter = (*PasarguardAdapter)(nil)

// NewPasarguardAdapter builds an adapter for one Pasarguard node. An empty
// group selects DefaultInboundsGroup.
func NewPasarguardAdapter(base *BaseClient, baseURL string, creds types.Credentials, group string, logger *slog.Logger) (*PasarguardAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := newTokenSession(caller{base: base, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}, creds, base.NodeID())
	if err != nil {
		return nil, err
	}
	if group == "" {
		group = DefaultInboundsGroup
	}
	return &PasarguardAdapter{users: restUsers{s: s}, group: group, logger: logger}, nil
}

func (p *PasarguardAdapter) nodeID() int64 { return p.users.s.base.NodeID() }

func (p *PasarguardAdapter) TestConnection(ctx context.Context) (ConnectionInfo, error) {
	return p.users.system(ctx)
}

func (p *PasarguardAdapter) inboundTags(ctx context.Context) ([]string, error) {
	var raw []string
	if err := p.users.s.call(ctx, http.MethodGet, "/api/inbounds", nil, &raw); err != nil {
		return nil, err
	}
	tags := raw[:0]
	for _, t := range raw {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func sameTags(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

// ensureGroup finds or creates the all-inbounds group and re-syncs its tag
// set. It returns 0 when the panel has no inbounds.
func (p *PasarguardAdapter) ensureGroup(ctx context.Context) (int64, error) {
	tags, err := p.inboundTags(ctx)
	if err != nil {
		return 0, err
	}
	if len(tags) == 0 {
		return 0, nil
	}

	var list struct {
		Groups []pgGroup `json:"groups"`
	}
	if err := p.users.s.call(ctx, http.MethodGet, "/api/groups?offset=0&limit=500", nil, &list); err != nil {
		return 0, err
	}
	for _, g := range list.Groups {
		if g.Name != p.group || g.ID == 0 {
			continue
		}
		if !sameTags(g.InboundTags, tags) || g.IsDisabled {
			body := map[string]any{"name": p.group, "inbound_tags": tags, "is_disabled": false}
			if err := p.users.s.call(ctx, http.MethodPut, fmt.Sprintf("/api/group/%d", g.ID), body, nil); err != nil {
				return 0, err
			}
		}
		return g.ID, nil
	}

	var created pgGroup
	body := map[string]any{"name": p.group, "inbound_tags": tags}
	if err := p.users.s.call(ctx, http.MethodPost, "/api/group", body, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// templateID picks a template named default/all/full, else the first one.
func (p *PasarguardAdapter) templateID(ctx context.Context) (int64, error) {
	var list struct {
		Templates []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"templates"`
	}
	if err := p.users.s.call(ctx, http.MethodGet, "/api/user_templates/simple", nil, &list); err != nil {
		return 0, err
	}
	for _, t := range list.Templates {
		switch strings.ToLower(t.Name) {
		case "default", "all", "full":
			return t.ID, nil
		}
	}
	if len(list.Templates) > 0 {
		return list.Templates[0].ID, nil
	}
	return 0, nil
}

func (p *PasarguardAdapter) ProvisionUser(ctx context.Context, label string, totalGB int64, expireAt time.Time) (Provisioned, error) {
	groupID, err := p.ensureGroup(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "inbound group sync failed", "node_id", p.nodeID(), "error", err)
		groupID = 0
	}

	payload := limitsPayload(totalGB, expireAt)
	payload["username"] = label
	payload["status"] = "active"
	if groupID != 0 {
		payload["group_ids"] = []int64{groupID}
	}

	var u restUser
	if err := p.users.s.call(ctx, http.MethodPost, "/api/user", payload, &u); err != nil {
		if httpStatus(err) == 0 {
			return Provisioned{}, err
		}
		if u, err = p.createFromTemplate(ctx, label, totalGB, expireAt, groupID, err); err != nil {
			return Provisioned{}, err
		}
	}
	remoteID := u.Username
	if remoteID == "" {
		remoteID = label
	}

	if err := p.verify(ctx, remoteID, groupID); err != nil {
		if derr := p.users.delete(ctx, remoteID); derr != nil {
			p.logger.WarnContext(ctx, "cleanup of unrepaired user failed",
				"node_id", p.nodeID(), "remote_id", remoteID, "error", derr)
		}
		return Provisioned{}, err
	}

	out := Provisioned{RemoteID: remoteID}
	sub := p.users.absolute(u.SubscriptionURL)
	if sub == nil {
		if sub, err = p.users.subscriptionURL(ctx, remoteID); err != nil {
			return Provisioned{}, err
		}
	}
	if sub != nil {
		out.SubURL = *sub
	}
	return out, nil
}

func (p *PasarguardAdapter) createFromTemplate(ctx context.Context, label string, totalGB int64, expireAt time.Time, groupID int64, cause error) (restUser, error) {
	tid, err := p.templateID(ctx)
	if err != nil || tid == 0 {
		return restUser{}, cause
	}
	var u restUser
	body := map[string]any{"user_template_id": tid, "username": label}
	if err := p.users.s.call(ctx, http.MethodPost, "/api/user/from_template", body, &u); err != nil {
		return restUser{}, err
	}
	update := map[string]any{"data_limit": types.GBToBytes(totalGB), "expire": expireUnix(expireAt)}
	if groupID != 0 {
		update["group_ids"] = []int64{groupID}
	}
	if err := p.users.s.call(ctx, http.MethodPut, userPath(label, ""), update, nil); err != nil {
		return restUser{}, err
	}
	return u, nil
}

func healthy(u restUser, groupID int64) bool {
	if len(u.ProxySettings) == 0 && len(u.Proxies) == 0 {
		return false
	}
	return groupID == 0 || slices.Contains(u.GroupIDs, groupID)
}

// verify re-reads the user and runs the bounded repair sequence when the
// panel dropped its proxy settings or group membership.
func (p *PasarguardAdapter) verify(ctx context.Context, remoteID string, groupID int64) error {
	u, err := p.users.get(ctx, remoteID)
	if err != nil {
		return err
	}
	if healthy(u, groupID) {
		return nil
	}

	withGroup := func(body map[string]any) map[string]any {
		if groupID != 0 {
			body["group_ids"] = []int64{groupID}
		}
		return body
	}
	steps := []func() error{
		func() error {
			body := withGroup(map[string]any{"proxy_settings": map[string]any{
				"vmess":       map[string]any{},
				"vless":       map[string]any{"flow": ""},
				"trojan":      map[string]any{},
				"shadowsocks": map[string]any{"method": "chacha20-ietf-poly1305"},
			}})
			return p.users.s.call(ctx, http.MethodPut, userPath(remoteID, ""), body, nil)
		},
		func() error {
			body := withGroup(map[string]any{"proxy_settings": map[string]any{}})
			return p.users.s.call(ctx, http.MethodPut, userPath(remoteID, ""), body, nil)
		},
		func() error {
			body := map[string]any{"users": []string{remoteID}}
			if groupID != 0 {
				body["group_ids"] = []int64{groupID}
			}
			return p.users.s.call(ctx, http.MethodPost, "/api/users/bulk/proxy_settings", body, nil)
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			p.logger.WarnContext(ctx, "user repair step failed",
				"node_id", p.nodeID(), "remote_id", remoteID, "step", i+1, "error", err)
			continue
		}
		u, err := p.users.get(ctx, remoteID)
		if err == nil && healthy(u, groupID) {
			return nil
		}
	}
	return remoteError(types.ErrCodeUpstreamPanelRejected, p.nodeID(), "POST /api/user",
		"created user has no proxy settings or group membership after repair", nil)
}

func (p *PasarguardAdapter) UpdateUserLimits(ctx context.Context, remoteID string, totalGB int64, expireAt time.Time) error {
	return p.users.updateLimits(ctx, remoteID, totalGB, expireAt)
}

func (p *PasarguardAdapter) DeleteUser(ctx context.Context, remoteID string) error {
	return p.users.delete(ctx, remoteID)
}

func (p *PasarguardAdapter) EnableUser(ctx context.Context, remoteID string) error {
	return p.users.setStatus(ctx, remoteID, types.AccountActive)
}

func (p *PasarguardAdapter) DisableUser(ctx context.Context, remoteID string) error {
	return p.users.setStatus(ctx, remoteID, types.AccountDisabled)
}

func (p *PasarguardAdapter) SetStatus(ctx context.Context, remoteID string, status types.AccountStatus) error {
	return p.users.setStatus(ctx, remoteID, status)
}

func (p *PasarguardAdapter) GetDirectSubscriptionURL(ctx context.Context, remoteID string) (*string, error) {
	return p.users.subscriptionURL(ctx, remoteID)
}

func (p *PasarguardAdapter) GetUsedBytes(ctx context.Context, remoteID string) (*int64, error) {
	return p.users.usedBytes(ctx, remoteID)
}

func (p *PasarguardAdapter) RevokeSubscription(ctx context.Context, _ string, remoteID string, _ int64, _ time.Time) (Provisioned, error) {
	return p.users.revoke(ctx, remoteID)
}

func (p *PasarguardAdapter) ResetUsage(ctx context.Context, remoteID string) error {
	return p.users.reset(ctx, remoteID)
}
