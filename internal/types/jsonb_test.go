package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCredentialsMarshalJSONRedacts(t *testing.T) {
	creds := Credentials{"username": "admin", "password": "hunter2"}
	out, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(out), "hunter2") || strings.Contains(string(out), "admin\"") {
		t.Errorf("credentials leaked: %s", out)
	}
	if !strings.Contains(string(out), redactedPlaceholder) {
		t.Errorf("expected placeholder in %s", out)
	}
}

func TestCredentialsValueKeepsPlaintext(t *testing.T) {
	creds := Credentials{"apikey": "k-123", "interface": "wg1"}
	v, err := creds.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	var back Credentials
	if err := back.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if back.String("apikey") != "k-123" || back.StringOr("interface", "wg0") != "wg1" {
		t.Errorf("round trip lost values: %v", map[string]any(back))
	}
}

func TestCredentialsAccessors(t *testing.T) {
	creds := Credentials{"verify_ssl": "false", "port": float64(8443), "flag": true}
	if creds.Bool("verify_ssl", true) {
		t.Error("verify_ssl string false should parse")
	}
	if !creds.Bool("missing", true) {
		t.Error("missing key should return default")
	}
	if creds.String("port") != "8443" {
		t.Errorf("port = %q", creds.String("port"))
	}
	if creds.StringOr("interface", "wg0") != "wg0" {
		t.Error("StringOr should fall back")
	}
}

func TestStringListScanNil(t *testing.T) {
	var l StringList
	if err := l.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if l != nil {
		t.Errorf("expected nil list, got %v", l)
	}
	if err := l.Scan([]byte(`["eu","fast"]`)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(l) != 2 || l[1] != "fast" {
		t.Errorf("got %v", l)
	}
}

func TestScanJSONBRejectsUnknownType(t *testing.T) {
	var m Metadata
	if err := m.Scan(42); err == nil {
		t.Error("expected error for int scan source")
	}
}

func TestMetadataWithWithout(t *testing.T) {
	m := Metadata{"a": 1}
	m2 := m.With(MetaDisabledReason, DisabledVolume)
	if _, ok := m[MetaDisabledReason]; ok {
		t.Error("With must not mutate the receiver")
	}
	if m2[MetaDisabledReason] != DisabledVolume {
		t.Errorf("got %v", m2)
	}
	m3 := m2.Without(MetaDisabledReason)
	if _, ok := m3[MetaDisabledReason]; ok {
		t.Error("Without should drop the key")
	}
}

func TestAccountQuotaHelpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Account{TotalGB: 2, UsedBytes: 2 * BytesPerGB}
	if !a.VolumeExhausted() {
		t.Error("usage equal to quota is exhausted")
	}
	a.TotalGB = 0
	if a.VolumeExhausted() {
		t.Error("zero quota means unlimited")
	}
	a.ExpireAt = now
	if !a.Expired(now) {
		t.Error("expire_at == now counts as expired")
	}
	a.ExpireAt = now.Add(time.Second)
	if a.Expired(now) {
		t.Error("future expiry is not expired")
	}
	if a.PricingMode() != PricingPerNode {
		t.Error("default pricing mode is per-node")
	}
	a.Metadata = Metadata{MetaPricingMode: "bundle"}
	if a.PricingMode() != PricingBundle {
		t.Error("bundle mode should be read from metadata")
	}
}

func TestSecretStringRedaction(t *testing.T) {
	s := SecretString("gateway-key")
	if s.String() != redactedPlaceholder {
		t.Errorf("String() = %q", s.String())
	}
	out, _ := json.Marshal(struct{ K SecretString }{s})
	if strings.Contains(string(out), "gateway-key") {
		t.Errorf("secret leaked: %s", out)
	}
	if s.Unmask() != "gateway-key" {
		t.Error("Unmask should return plaintext")
	}
}
