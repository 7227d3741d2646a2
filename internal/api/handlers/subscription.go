package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"panelhub/internal/core"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

// SubscriptionBuilder builds public subscription responses.
type SubscriptionBuilder interface {
	Build(ctx context.Context, token string) (*subscription.Result, error)
	WireGuardConfig(ctx context.Context, token string, nodeID int64) (*subscription.ConfigFile, error)
	MasterURL(token string) string
}

// SubscriptionHandler serves the unauthenticated /sub routes. The token in
// the path is the only credential.
type SubscriptionHandler struct {
	agg    SubscriptionBuilder
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(agg SubscriptionBuilder, l *slog.Logger) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{agg: agg, logger: l}
}

// RegisterRoutes mounts the public subscription routes.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sub/{token}", h.Master)
	r.Get("/sub/{token}/wg/{nodeID}.conf", h.WireGuard)
}

// Master handles GET /sub/{token}. Clients get the merged base64 body;
// browsers get a page listing the per-node links unless ?raw=1 is set.
func (h *SubscriptionHandler) Master(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	res, err := h.agg.Build(r.Context(), token)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if wantsHTML(r) {
		h.renderPage(w, r, token, res)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Body))
}

// WireGuard handles GET /sub/{token}/wg/{nodeID}.conf.
func (h *SubscriptionHandler) WireGuard(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "nodeID"), 10, 64)
	if err != nil || nodeID <= 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubAccount, "config not found", nil))
		return
	}
	cfg, err := h.agg.WireGuardConfig(r.Context(), token, nodeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+cfg.Filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cfg.Content)
}

func wantsHTML(r *http.Request) bool {
	if r.URL.Query().Get("raw") == "1" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var subPage = template.Must(template.New("sub").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Label}}</title></head>
<body>
<h1>{{.Label}}</h1>
<p>Status: {{.Status}}. Used {{.UsedGB}} GB of {{if .TotalGB}}{{.TotalGB}} GB{{else}}unlimited{{end}}.
{{if .Expire}}Expires {{.Expire}}.{{end}}</p>
<p>Subscription link: <a href="{{.Raw}}">{{.Raw}}</a></p>
<ul>
{{range .Links}}<li>{{.Name}} ({{.Family}}): {{if .URL}}<a href="{{.URL}}">{{.Status}}</a>{{else}}{{.Status}}{{end}}</li>
{{end}}</ul>
</body></html>
`))

type subPageData struct {
	Label   string
	Status  types.AccountStatus
	UsedGB  string
	TotalGB int64
	Expire  string
	Raw     string
	Links   []subscription.LinkStatus
}

func (h *SubscriptionHandler) renderPage(w http.ResponseWriter, r *http.Request, token string, res *subscription.Result) {
	a := res.Account
	data := subPageData{
		Label:   a.Label,
		Status:  a.Status,
		UsedGB:  strconv.FormatFloat(float64(a.UsedBytes)/float64(types.BytesPerGB), 'f', 2, 64),
		TotalGB: a.TotalGB,
		Raw:     h.agg.MasterURL(token) + "?raw=1",
		Links:   res.Links,
	}
	if !a.ExpireAt.IsZero() {
		data.Expire = a.ExpireAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := subPage.Execute(w, data); err != nil {
		h.logger.WarnContext(r.Context(), "render subscription page", "error", err)
	}
}
