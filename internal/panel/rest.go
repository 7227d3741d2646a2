package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"panelhub/internal/types"
)

// caller issues JSON requests against one panel through a BaseClient.
type caller struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// statusError is a 4xx response that made it past the BaseClient.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// do sends body (JSON-encoded unless it is url.Values) and decodes a 2xx
// response into out when out is non-nil. A 4xx comes back as *statusError
// wrapped in an AppError so callers can branch on the status.
func (c *caller) do(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	op := method + " " + pathOnly(path)

	var rdr io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		rdr = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode panel request", err)
		}
		rdr = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create panel request", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(resp, op)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return remoteError(types.ErrCodeUpstreamPanelUnavailable, c.base.NodeID(), op, "failed to read response", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return remoteError(types.ErrCodeUpstreamPanelRejected, c.base.NodeID(), op, "malformed response", err)
	}
	return nil
}

func (c *caller) handleErrorResponse(resp *http.Response, op string) *types.AppError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := truncate(strings.TrimSpace(string(raw)), 300)
	serr := &statusError{Status: resp.StatusCode, Body: body}

	c.logger.Warn("panel API error",
		"node_id", c.base.NodeID(),
		"operation", op,
		"status_code", resp.StatusCode,
		"response_body", body,
	)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return remoteError(types.ErrCodeUpstreamPanelAuth, c.base.NodeID(), op, fmt.Sprintf("authentication failed (%d)", resp.StatusCode), serr)
	default:
		return remoteError(types.ErrCodeUpstreamPanelRejected, c.base.NodeID(), op, fmt.Sprintf("rejected (%d): %s", resp.StatusCode, body), serr)
	}
}

// httpStatus extracts the panel status code from an error returned by do.
func httpStatus(err error) int {
	var se *statusError
	for e := err; e != nil; {
		if s, ok := e.(*statusError); ok {
			se = s
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if se == nil {
		return 0
	}
	return se.Status
}

func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// tokenSession authenticates the token-REST families. A token supplied in
// the credentials is used as-is; otherwise one is obtained with the
// password grant and refreshed once on a 401.
type tokenSession struct {
	caller
	username string
	password string
	static   bool

	mu    sync.Mutex
	token string
}

func newTokenSession(c caller, creds types.Credentials, nodeID int64) (*tokenSession, error) {
	s := &tokenSession{
		caller:   c,
		username: creds.String("username"),
		password: creds.String("password"),
		token:    creds.String("token"),
	}
	s.static = s.token != ""
	if !s.static && (s.username == "" || s.password == "") {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			"panel credentials must include token or username/password", nil,
			map[string]any{"node_id": nodeID})
	}
	return s, nil
}

func (s *tokenSession) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	form := url.Values{
		"grant_type": {"password"},
		"username":   {s.username},
		"password":   {s.password},
		"scope":      {""},
	}
	if err := s.caller.do(ctx, http.MethodPost, "/api/admin/token", nil, form, &out); err != nil {
		if types.CodeOf(err) == types.ErrCodeUpstreamPanelRejected {
			return "", remoteError(types.ErrCodeUpstreamPanelAuth, s.base.NodeID(), "login", "token request rejected", err)
		}
		return "", err
	}
	if out.AccessToken == "" {
		return "", remoteError(types.ErrCodeUpstreamPanelAuth, s.base.NodeID(), "login", "token response missing access_token", nil)
	}
	s.token = out.AccessToken
	return s.token, nil
}

func (s *tokenSession) invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = ""
	}
}

// call runs an authenticated request, re-logging in once if a cached token
// was rejected.
func (s *tokenSession) call(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := s.currentToken(ctx)
		if err != nil {
			return err
		}
		hdr := http.Header{"Authorization": {"Bearer " + tok}}
		err = s.caller.do(ctx, method, path, hdr, body, out)
		if err != nil && attempt == 0 && !s.static && httpStatus(err) == http.StatusUnauthorized {
			s.invalidate(tok)
			continue
		}
		return err
	}
}
