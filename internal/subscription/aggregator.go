package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"panelhub/internal/allocation"
	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// maxDetail caps the error text carried on a LinkStatus.
const maxDetail = 160

// LinkStatus is one node's link in a listing.
type LinkStatus struct {
	NodeID int64           `json:"node_id"`
	Name   string          `json:"node_name"`
	Family string          `json:"panel_type"`
	Status types.LinkState `json:"status"`
	URL    string          `json:"url,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// Result is a built master subscription.
type Result struct {
	Account *types.Account
	Body    string
	Links   []LinkStatus
}

// Config configures an Aggregator.
type Config struct {
	Store    types.Store
	Adapters panel.Source
	Fetcher  Fetcher
	// PublicBaseURL is the origin used for WireGuard config links.
	PublicBaseURL string
	CallTimeout   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Aggregator assembles master subscriptions from per-node links.
type Aggregator struct {
	store       types.Store
	adapters    panel.Source
	fetch       Fetcher
	publicBase  string
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Aggregator{
		store:       cfg.Store,
		adapters:    cfg.Adapters,
		fetch:       cfg.Fetcher,
		publicBase:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		callTimeout: timeout,
		logger:      logger,
		now:         now,
	}
}

// MasterURL returns the public master subscription link for token.
func (g *Aggregator) MasterURL(token string) string {
	return g.publicBase + "/sub/" + token
}

// WireGuardURL returns the config download link for one node.
func (g *Aggregator) WireGuardURL(token string, nodeID int64) string {
	return fmt.Sprintf("%s/sub/%s/wg/%d.conf", g.publicBase, token, nodeID)
}

func (g *Aggregator) accountByToken(ctx context.Context, token string) (*types.Account, error) {
	a, err := g.store.Repos().Accounts.GetBySubToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AccountDeleted {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return a, nil
}

// Build merges every node's subscription for the account owning token.
// Nodes that fail are reported in Result.Links and left out of the body.
func (g *Aggregator) Build(ctx context.Context, token string) (*Result, error) {
	acct, err := g.accountByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if acct.SelectionMode == types.SelectionGroup && acct.NodeGroup != "" {
		g.provisionGroup(ctx, acct)
	}

	repos := g.store.Repos()
	subs, err := repos.SubAccounts.ListByAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	nodes, err := repos.Nodes.GetByIDs(ctx, subNodeIDs(subs))
	if err != nil {
		return nil, err
	}

	res := &Result{Account: acct}
	var bodies, wgURLs []string
	for _, sa := range subs {
		node, ok := nodes[sa.NodeID]
		if !ok {
			continue
		}
		st := LinkStatus{NodeID: node.ID, Name: node.Name, Family: string(node.Family)}

		if !node.Family.HasPublicSubscription() {
			st.Status = types.LinkOK
			st.URL = g.WireGuardURL(acct.SubToken, node.ID)
			wgURLs = append(wgURLs, st.URL)
			res.Links = append(res.Links, st)
			continue
		}

		direct := g.cachedURL(ctx, &sa, &node)
		if direct == "" {
			direct, _ = g.refreshURL(ctx, &sa, &node)
		}
		if direct == "" {
			st.Status = types.LinkMissing
			res.Links = append(res.Links, st)
			continue
		}

		body, err := g.fetch.Fetch(ctx, direct)
		if err != nil {
			g.logger.WarnContext(ctx, "subscription fetch failed, refreshing link",
				"account_id", acct.ID, "node_id", node.ID, "error", err)
			fresh, rerr := g.refreshURL(ctx, &sa, &node)
			if rerr == nil && fresh != "" && fresh != direct {
				direct = fresh
				body, err = g.fetch.Fetch(ctx, direct)
			}
		}
		if err != nil {
			st.Status = types.LinkError
			st.Detail = truncate(err.Error())
		} else {
			st.Status = types.LinkOK
			st.URL = direct
			bodies = append(bodies, body)
		}
		res.Links = append(res.Links, st)
	}

	if len(wgURLs) > 0 {
		slices.Sort(wgURLs)
		bodies = append(bodies, strings.Join(slices.Compact(wgURLs), "\n"))
	}
	res.Body = Merge(bodies)
	return res, nil
}

// provisionGroup creates subaccounts on group nodes the account is not on
// yet. Failures are logged and skipped.
func (g *Aggregator) provisionGroup(ctx context.Context, acct *types.Account) {
	repos := g.store.Repos()
	nodes, err := allocation.NewResolver(repos.Allocations).Resolve(ctx, acct.TenantID, allocation.Selection{Group: acct.NodeGroup})
	if err != nil {
		g.logger.WarnContext(ctx, "group resolution failed", "account_id", acct.ID, "error", err)
		return
	}
	subs, err := repos.SubAccounts.ListByAccount(ctx, acct.ID)
	if err != nil {
		g.logger.WarnContext(ctx, "list subaccounts failed", "account_id", acct.ID, "error", err)
		return
	}
	have := make(map[int64]bool, len(subs))
	for _, s := range subs {
		have[s.NodeID] = true
	}

	for _, rn := range nodes {
		node := rn.Node
		if !node.VisibleInSub || have[node.ID] {
			continue
		}
		if err := g.provisionOn(ctx, acct, &node); err != nil {
			g.logger.WarnContext(ctx, "lazy provisioning failed",
				"account_id", acct.ID, "node_id", node.ID, "error", err)
		}
	}
}

func (g *Aggregator) provisionOn(ctx context.Context, acct *types.Account, node *types.Node) error {
	adapter, err := g.adapters.ForNode(node)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	p, err := adapter.ProvisionUser(cctx, acct.Label, acct.TotalGB, acct.ExpireAt)
	cancel()
	if err != nil {
		return err
	}
	sa := &types.SubAccount{AccountID: acct.ID, NodeID: node.ID, RemoteID: p.RemoteID}
	if u := NormalizeURL(p.SubURL, node.BaseURL); u != "" {
		now := g.now()
		sa.SubURL = u
		sa.SubURLCachedAt = &now
	}
	return g.store.Repos().SubAccounts.Create(ctx, sa)
}

// cachedURL returns the stored link made absolute, persisting the
// normalized form when it differs.
func (g *Aggregator) cachedURL(ctx context.Context, sa *types.SubAccount, node *types.Node) string {
	direct := NormalizeURL(sa.SubURL, node.BaseURL)
	if direct != "" && direct != sa.SubURL {
		g.saveURL(ctx, sa, direct, sa.SubURLCachedAt)
	}
	return direct
}

// refreshURL asks the panel for the current link and caches it.
func (g *Aggregator) refreshURL(ctx context.Context, sa *types.SubAccount, node *types.Node) (string, error) {
	adapter, err := g.adapters.ForNode(node)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	fresh, err := adapter.GetDirectSubscriptionURL(cctx, sa.RemoteID)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", nil
	}
	direct := NormalizeURL(*fresh, node.BaseURL)
	if direct != "" && direct != sa.SubURL {
		now := g.now()
		g.saveURL(ctx, sa, direct, &now)
	}
	return direct, nil
}

func (g *Aggregator) saveURL(ctx context.Context, sa *types.SubAccount, u string, at *time.Time) {
	if err := g.store.Repos().SubAccounts.UpdateRemote(ctx, sa.ID, sa.RemoteID, u, at); err != nil {
		g.logger.WarnContext(ctx, "cache subscription url failed", "subaccount_id", sa.ID, "error", err)
		return
	}
	sa.SubURL = u
	sa.SubURLCachedAt = at
}

// Links lists the per-node links of a tenant's account. With refresh set,
// REST links are re-read from the panels.
func (g *Aggregator) Links(ctx context.Context, tenantID, accountID int64, refresh bool) ([]LinkStatus, error) {
	repos := g.store.Repos()
	acct, err := repos.Accounts.GetByID(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	subs, err := repos.SubAccounts.ListByAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubAccount, "account has no subaccounts", nil)
	}
	nodes, err := repos.Nodes.GetByIDs(ctx, subNodeIDs(subs))
	if err != nil {
		return nil, err
	}

	out := make([]LinkStatus, 0, len(subs))
	for _, sa := range subs {
		st := LinkStatus{NodeID: sa.NodeID, Status: types.LinkMissing}
		node, ok := nodes[sa.NodeID]
		if ok {
			st.Name = node.Name
			st.Family = string(node.Family)
		}
		switch {
		case ok && !node.Family.HasPublicSubscription():
			st.Status = types.LinkOK
			st.URL = g.WireGuardURL(acct.SubToken, node.ID)
		case ok && refresh:
			u, err := g.refreshURL(ctx, &sa, &node)
			switch {
			case err != nil:
				st.Status = types.LinkError
				st.Detail = truncate(err.Error())
				st.URL = sa.SubURL
			case u != "":
				st.Status = types.LinkOK
				st.URL = u
			}
		case sa.SubURL != "":
			st.Status = types.LinkOK
			st.URL = sa.SubURL
		}
		out = append(out, st)
	}
	return out, nil
}

// ConfigFile is a downloadable WireGuard config with a safe filename.
type ConfigFile struct {
	Filename string
	Content  []byte
}

// WireGuardConfig downloads the client config of the account's peer on
// nodeID.
func (g *Aggregator) WireGuardConfig(ctx context.Context, token string, nodeID int64) (*ConfigFile, error) {
	acct, err := g.accountByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	repos := g.store.Repos()
	subs, err := repos.SubAccounts.ListByAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(subs, func(s types.SubAccount) bool { return s.NodeID == nodeID })
	if idx < 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubAccount, "wireguard config not found", nil)
	}
	node, err := repos.Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Family.HasPublicSubscription() {
		return nil, types.NewAppError(types.ErrCodeNotFoundNode, "node does not serve config files", nil)
	}

	adapter, err := g.adapters.ForNode(node)
	if err != nil {
		return nil, err
	}
	dl, ok := adapter.(panel.ConfigDownloader)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundNode, "node does not serve config files", nil)
	}
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	cfg, err := dl.DownloadConfig(cctx, subs[idx].RemoteID)
	if err != nil {
		return nil, err
	}
	return &ConfigFile{
		Filename: SafeConfFilename(cfg.Name, fmt.Sprintf("wg_%d_%d", acct.ID, nodeID)),
		Content:  cfg.Content,
	}, nil
}

// NormalizeURL makes a panel-relative subscription link absolute against
// the node's origin. Blank input yields "".
func NormalizeURL(direct, baseURL string) string {
	u := strings.TrimSpace(direct)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	origin := strings.TrimSpace(baseURL)
	if origin == "" {
		return u
	}
	if p, err := url.Parse(origin); err == nil && p.Scheme != "" && p.Host != "" {
		origin = p.Scheme + "://" + p.Host
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(origin, "/") + u
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SafeConfFilename reduces name to a safe "<stem>.conf", using fallback
// when name is blank.
func SafeConfFilename(name, fallback string) string {
	raw := path.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if raw == "." || raw == "/" {
		raw = ""
	}
	if raw == "" {
		raw = path.Base(strings.TrimSpace(fallback))
	}
	stem := strings.TrimSuffix(raw, path.Ext(raw))
	stem = strings.Trim(unsafeFilename.ReplaceAllString(stem, "_"), "._-")
	if stem == "" {
		stem = "wireguard"
	}
	if len(stem) > 110 {
		stem = stem[:110]
	}
	return stem + ".conf"
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return strings.ToValidUTF8(s[:maxDetail], "")
}

func subNodeIDs(subs []types.SubAccount) []int64 {
	ids := make([]int64, len(subs))
	for i, s := range subs {
		ids[i] = s.NodeID
	}
	return ids
}
