package panel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"panelhub/internal/types"
)

func newTestPasarguard(t *testing.T, f *fakeREST) *PasarguardAdapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	a, err := NewPasarguardAdapter(newTestClient(t, testPolicy(0)), srv.URL, testCreds, "", nil)
	if err != nil {
		t.Fatalf("NewPasarguardAdapter: %v", err)
	}
	return a
}

func healthyUser(name string, groups ...int64) map[string]any {
	return map[string]any{
		"username":         name,
		"subscription_url": "https://pg/sub/" + name,
		"proxy_settings":   map[string]any{"vless": map[string]any{"id": "x"}},
		"group_ids":        groups,
	}
}

func TestPasarguard_CreatesGroupThenUser(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, []string{"a", "b"})
		case "GET /api/groups":
			writeJSON(w, map[string]any{"groups": []map[string]any{{"id": 3, "name": "other"}}})
		case "POST /api/group":
			writeJSON(w, map[string]any{"id": 9, "name": body["name"]})
		case "POST /api/user":
			writeJSON(w, healthyUser("alice", 9))
		case "GET /api/user/alice":
			writeJSON(w, healthyUser("alice", 9))
		default:
			return false
		}
		return true
	}
	a := newTestPasarguard(t, f)

	p, err := a.ProvisionUser(context.Background(), "alice", 20, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if p.RemoteID != "alice" || p.SubURL != "https://pg/sub/alice" {
		t.Errorf("got %+v", p)
	}
	if f.lastBody("POST /api/group")["name"] != DefaultInboundsGroup {
		t.Errorf("group body = %v", f.lastBody("POST /api/group"))
	}
	ids, _ := f.lastBody("POST /api/user")["group_ids"].([]any)
	if len(ids) != 1 || ids[0] != float64(9) {
		t.Errorf("group_ids = %v", ids)
	}
}

func TestPasarguard_ResyncsStaleGroup(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, []string{"a", "b", "c"})
		case "GET /api/groups":
			writeJSON(w, map[string]any{"groups": []map[string]any{
				{"id": 4, "name": DefaultInboundsGroup, "inbound_tags": []string{"b", "a"}},
			}})
		case "PUT /api/group/4":
			writeJSON(w, map[string]any{"id": 4})
		default:
			return false
		}
		return true
	}
	a := newTestPasarguard(t, f)

	id, err := a.ensureGroup(context.Background())
	if err != nil || id != 4 {
		t.Fatalf("id=%d err=%v", id, err)
	}
	if f.called("PUT /api/group/4") != 1 {
		t.Error("stale group should be updated")
	}
	if f.called("POST /api/group") != 0 {
		t.Error("existing group must not be recreated")
	}
}

func TestPasarguard_TemplateFallback(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, []string{})
		case "POST /api/user":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"proxies required"}`))
		case "GET /api/user_templates/simple":
			writeJSON(w, map[string]any{"templates": []map[string]any{{"id": 1, "name": "trial"}, {"id": 2, "name": "Full"}}})
		case "POST /api/user/from_template":
			writeJSON(w, map[string]any{"username": "bob"})
		case "PUT /api/user/bob":
			writeJSON(w, map[string]any{})
		case "GET /api/user/bob":
			writeJSON(w, healthyUser("bob"))
		default:
			return false
		}
		return true
	}
	a := newTestPasarguard(t, f)

	p, err := a.ProvisionUser(context.Background(), "bob", 3, time.Time{})
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if p.RemoteID != "bob" {
		t.Errorf("RemoteID = %q", p.RemoteID)
	}
	if f.lastBody("POST /api/user/from_template")["user_template_id"] != float64(2) {
		t.Errorf("template body = %v", f.lastBody("POST /api/user/from_template"))
	}
	if f.lastBody("PUT /api/user/bob")["data_limit"] != float64(3*types.BytesPerGB) {
		t.Errorf("limits not applied after template create")
	}
}

func TestPasarguard_RepairSequence(t *testing.T) {
	f := newFakeREST()
	repaired := false
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, []string{})
		case "POST /api/user":
			writeJSON(w, map[string]any{"username": "carol"})
		case "PUT /api/user/carol":
			// The first repair is rejected, the second takes effect.
			if ps, ok := body["proxy_settings"].(map[string]any); ok && len(ps) > 0 {
				w.WriteHeader(http.StatusBadRequest)
				return true
			}
			repaired = true
			writeJSON(w, map[string]any{})
		case "GET /api/user/carol":
			if repaired {
				writeJSON(w, healthyUser("carol"))
			} else {
				writeJSON(w, map[string]any{"username": "carol"})
			}
		default:
			return false
		}
		return true
	}
	a := newTestPasarguard(t, f)

	if _, err := a.ProvisionUser(context.Background(), "carol", 1, time.Now()); err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if f.called("PUT /api/user/carol") != 2 {
		t.Errorf("PUT calls = %d, want 2", f.called("PUT /api/user/carol"))
	}
	if f.called("POST /api/users/bulk/proxy_settings") != 0 {
		t.Error("bulk fix should not run once repaired")
	}
}

func TestPasarguard_UnrepairableUserIsDeleted(t *testing.T) {
	f := newFakeREST()
	f.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/inbounds":
			writeJSON(w, []string{})
		case "POST /api/user", "GET /api/user/dave":
			writeJSON(w, map[string]any{"username": "dave"})
		case "PUT /api/user/dave", "POST /api/users/bulk/proxy_settings":
			writeJSON(w, map[string]any{})
		case "DELETE /api/user/dave":
			w.WriteHeader(http.StatusOK)
		default:
			return false
		}
		return true
	}
	a := newTestPasarguard(t, f)

	_, err := a.ProvisionUser(context.Background(), "dave", 1, time.Now())
	if types.CodeOf(err) != types.ErrCodeUpstreamPanelRejected {
		t.Fatalf("code = %s (%v)", types.CodeOf(err), err)
	}
	if f.called("POST /api/users/bulk/proxy_settings") != 1 {
		t.Error("bulk fix should be the last repair step")
	}
	if f.called("DELETE /api/user/dave") != 1 {
		t.Error("half-created user should be deleted")
	}
}
