package panel

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"panelhub/internal/config"
	"panelhub/internal/types"
)

// Source resolves the adapter for a node.
type Source interface {
	ForNode(node *types.Node) (Adapter, error)
}

type cachedAdapter struct {
	version time.Time
	adapter Adapter
}

// Factory builds adapters from node rows and caches them per node so login
// tokens and breaker state survive across sweeps. A node whose UpdatedAt
// changed gets a fresh adapter.
type Factory struct {
	cfg    config.PanelConfig
	logger *slog.Logger
	opts   []BaseClientOption

	mu    sync.Mutex
	cache map[int64]cachedAdapter
}

var _ Source = (*Factory)(nil)

// NewFactory creates a Factory. opts are applied to every BaseClient.
func NewFactory(cfg config.PanelConfig, logger *slog.Logger, opts ...BaseClientOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		cache:  make(map[int64]cachedAdapter),
	}
}

// ForNode returns the cached adapter for node or builds a new one.
func (f *Factory) ForNode(node *types.Node) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[node.ID]; ok && c.version.Equal(node.UpdatedAt) {
		return c.adapter, nil
	}
	a, err := f.build(node)
	if err != nil {
		return nil, err
	}
	f.cache[node.ID] = cachedAdapter{version: node.UpdatedAt, adapter: a}
	return a, nil
}

// Forget drops a node's cached adapter.
func (f *Factory) Forget(nodeID int64) {
	f.mu.Lock()
	delete(f.cache, nodeID)
	f.mu.Unlock()
}

func (f *Factory) build(node *types.Node) (Adapter, error) {
	logger := f.logger.With("node_id", node.ID, "panel_type", string(node.Family))
	base := NewBaseClient(f.httpClient(node.Credentials), node.ID, f.retryPolicy(), f.cfg.UserAgent, f.opts...)

	switch node.Family {
	case types.FamilyMarzban:
		return NewMarzbanAdapter(base, node.BaseURL, node.Credentials, logger)
	case types.FamilyPasarguard:
		return NewPasarguardAdapter(base, node.BaseURL, node.Credentials, f.cfg.GroupName, logger)
	case types.FamilyWGDashboard:
		return NewWGDashboardAdapter(base, node.BaseURL, node.Credentials, logger)
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidFamily,
			"unsupported panel_type "+string(node.Family), nil,
			map[string]any{"node_id": node.ID})
	}
}

func (f *Factory) retryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = f.cfg.MaxRetries
	if f.cfg.RetryMin > 0 {
		p.MinWait = f.cfg.RetryMin
	}
	if f.cfg.RetryMax > 0 {
		p.MaxWait = f.cfg.RetryMax
	}
	return p
}

// httpClient honours the per-node verify_ssl and timeout (seconds)
// credential overrides.
func (f *Factory) httpClient(creds types.Credentials) *http.Client {
	timeout := f.cfg.CallTimeout
	if secs := creds.Int("timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !creds.Bool("verify_ssl", true) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per node
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
