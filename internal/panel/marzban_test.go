package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"panelhub/internal/types"
)

// fakeREST is a minimal token-REST panel shared by the Marzban and
// Pasarguard tests.
type fakeREST struct {
	mu      sync.Mutex
	logins  int
	tokens  map[string]bool
	calls   []string
	bodies  map[string][]map[string]any
	handler func(w http.ResponseWriter, r *http.Request, body map[string]any) bool
}

func newFakeREST() *fakeREST {
	return &fakeREST{tokens: map[string]bool{}, bodies: map[string][]map[string]any{}}
}

func (f *fakeREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/admin/token" {
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.logins++
		tok := "tok-" + string(rune('0'+f.logins))
		f.tokens[tok] = true
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok})
		return
	}

	auth := r.Header.Get("Authorization")
	if len(auth) < 8 || !f.tokens[auth[7:]] {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"expired"}`))
		return
	}

	key := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, key)
	var body map[string]any
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	f.bodies[key] = append(f.bodies[key], body)

	if f.handler != nil && f.handler(w, r, body) {
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *fakeREST) called(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeREST) lastBody(key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[key]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var testCreds = types.Credentials{"username": "admin", "password": "secret"}

func newTestMarzban(t *testing.T, f *fakeREST) (*MarzbanAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	a, err := NewMarzbanAdapter(newTestClient(t, testPolicy(0)), srv.URL+"/", testCreds, nil)
	if err != nil {
		t.Fatalf("NewMarzbanAdapter: %v", err)
	}
	return a, srv
}

func TestMarzban_ProvisionEnumeratesInbounds(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, map[string]any{
				"vless":  []map[string]any{{"tag": "VLESS TCP"}, {"tag": "VLESS WS"}},
				"trojan": []map[string]any{{"tag": "TROJAN"}},
				"vmess":  []map[string]any{},
			})
		case "POST /api/user":
			writeJSON(w, map[string]any{"username": body["username"], "subscription_url": "/sub/abc"})
		default:
			return false
		}
		return true
	}
	a, srv := newTestMarzban(t, f)

	expire := time.Unix(1_800_000_000, 0)
	p, err := a.ProvisionUser(context.Background(), "alice", 10, expire)
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if p.RemoteID != "alice" {
		t.Errorf("RemoteID = %q", p.RemoteID)
	}
	if p.SubURL != srv.URL+"/sub/abc" {
		t.Errorf("SubURL = %q, want absolute", p.SubURL)
	}

	body := f.lastBody("POST /api/user")
	if body["data_limit"] != float64(10*types.BytesPerGB) {
		t.Errorf("data_limit = %v", body["data_limit"])
	}
	if body["expire"] != float64(1_800_000_000) {
		t.Errorf("expire = %v", body["expire"])
	}
	if body["data_limit_reset_strategy"] != "no_reset" {
		t.Errorf("reset strategy = %v", body["data_limit_reset_strategy"])
	}
	inbounds, _ := body["inbounds"].(map[string]any)
	if len(inbounds) != 2 {
		t.Errorf("inbounds = %v, want vless and trojan only", inbounds)
	}
	proxies, _ := body["proxies"].(map[string]any)
	if _, ok := proxies["vless"]; !ok || len(proxies) != 2 {
		t.Errorf("proxies = %v", proxies)
	}
}

func TestMarzban_ProvisionConflictAdoptsExisting(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, map[string]any{})
		case "POST /api/user":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"detail":"User already exists"}`))
		case "PUT /api/user/bob":
			writeJSON(w, map[string]any{"username": "bob"})
		case "GET /api/user/bob":
			writeJSON(w, map[string]any{"username": "bob", "subscription_url": "https://x/sub/bob"})
		default:
			return false
		}
		return true
	}
	a, _ := newTestMarzban(t, f)

	p, err := a.ProvisionUser(context.Background(), "bob", 5, time.Time{})
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if p.RemoteID != "bob" || p.SubURL != "https://x/sub/bob" {
		t.Errorf("got %+v", p)
	}
	if f.lastBody("PUT /api/user/bob")["expire"] != float64(0) {
		t.Error("zero expiry should be sent as 0 (never)")
	}
}

func TestMarzban_RelogsInOnceAfter401(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		if r.URL.Path == "/api/user/carol" {
			writeJSON(w, map[string]any{"username": "carol", "used_traffic": 1234})
			return true
		}
		return false
	}
	a, _ := newTestMarzban(t, f)

	used, err := a.GetUsedBytes(context.Background(), "carol")
	if err != nil || used == nil || *used != 1234 {
		t.Fatalf("first read: used=%v err=%v", used, err)
	}

	f.mu.Lock()
	f.tokens = map[string]bool{}
	f.mu.Unlock()

	used, err = a.GetUsedBytes(context.Background(), "carol")
	if err != nil || used == nil || *used != 1234 {
		t.Fatalf("after expiry: used=%v err=%v", used, err)
	}
	if f.logins != 2 {
		t.Errorf("logins = %d, want 2", f.logins)
	}
}

func TestMarzban_UsageUnknownIsNil(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		writeJSON(w, map[string]any{"username": "dave"})
		return true
	}
	a, _ := newTestMarzban(t, f)

	used, err := a.GetUsedBytes(context.Background(), "dave")
	if err != nil {
		t.Fatal(err)
	}
	if used != nil {
		t.Errorf("missing used_traffic should be nil, got %d", *used)
	}
}

func TestMarzban_RejectedAndAuthErrors(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad expire"}`))
		return true
	}
	a, srv := newTestMarzban(t, f)

	err := a.UpdateUserLimits(context.Background(), "erin", 1, time.Now())
	if types.CodeOf(err) != types.ErrCodeUpstreamPanelRejected {
		t.Fatalf("code = %s (%v)", types.CodeOf(err), err)
	}
	if httpStatus(err) != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", httpStatus(err))
	}

	bad, err := NewMarzbanAdapter(newTestClient(t, testPolicy(0)), srv.URL,
		types.Credentials{"username": "admin", "password": "wrong"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = bad.DisableUser(context.Background(), "erin")
	if types.CodeOf(err) != types.ErrCodeUpstreamPanelAuth {
		t.Errorf("login failure code = %s", types.CodeOf(err))
	}
}

func TestMarzban_DeleteMissingIsSuccess(t *testing.T) {
	f := newFakeREST()
	a, _ := newTestMarzban(t, f)
	if err := a.DeleteUser(context.Background(), "ghost"); err != nil {
		t.Errorf("DeleteUser on 404: %v", err)
	}
}

func TestMarzban_RevokeReturnsFreshLink(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		if r.Method+" "+r.URL.Path == "POST /api/user/frank/revoke_sub" {
			writeJSON(w, map[string]any{"username": "frank", "subscription_url": "/sub/new"})
			return true
		}
		return false
	}
	a, srv := newTestMarzban(t, f)

	p, err := a.RevokeSubscription(context.Background(), "frank", "frank", 1, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p.RemoteID != "frank" || p.SubURL != srv.URL+"/sub/new" {
		t.Errorf("got %+v", p)
	}
}

func TestNewMarzbanAdapter_RequiresCredentials(t *testing.T) {
	_, err := NewMarzbanAdapter(newTestClient(t, testPolicy(0)), "http://x", types.Credentials{}, nil)
	if types.CodeOf(err) != types.ErrCodeValidationInvalidInput {
		t.Errorf("code = %s", types.CodeOf(err))
	}
}

func TestMarzban_StaticTokenSkipsLogin(t *testing.T) {
	f := newFakeREST()
	f.tokens["static"] = true
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		writeJSON(w, map[string]any{"version": "0.8"})
		return true
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	a, err := NewMarzbanAdapter(newTestClient(t, testPolicy(0)), srv.URL, types.Credentials{"token": "static"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	info, err := a.TestConnection(context.Background())
	if err != nil || !info.OK {
		t.Fatalf("info=%+v err=%v", info, err)
	}
	if f.logins != 0 {
		t.Errorf("logins = %d", f.logins)
	}
}
