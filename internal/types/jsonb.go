package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// Compile-time interface assertions.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*Credentials)(nil)
	_ driver.Valuer = Credentials(nil)
	_ sql.Scanner   = (*StringList)(nil)
	_ driver.Valuer = StringList(nil)
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// Credentials is the opaque per-node credential bag. Keys depend on the
// panel family (username/password, apikey/interface, verify_ssl).
type Credentials map[string]any

// String returns the value at key as a string, formatting numbers and bools.
func (c Credentials) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// StringOr returns the value at key or def when it is empty.
func (c Credentials) StringOr(key, def string) string {
	if s := c.String(key); s != "" {
		return s
	}
	return def
}

// Bool returns the value at key as a bool, accepting "true"/"false" strings.
func (c Credentials) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the value at key as an integer, accepting numeric strings.
func (c Credentials) Int(key string, def int64) int64 {
	switch v := c[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// MarshalJSON redacts every value so credentials never leak through API
// responses or structured logs. Storage goes through Value instead.
func (c Credentials) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	redacted := make(map[string]string, len(c))
	for k := range c {
		redacted[k] = redactedPlaceholder
	}
	return json.Marshal(redacted)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (c *Credentials) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	m := map[string]any{}
	if err := scanJSONB(&m, value); err != nil {
		return err
	}
	*c = m
	return nil
}

// Value implements the driver.Valuer interface. It bypasses the redacting
// MarshalJSON by encoding the underlying map.
func (c Credentials) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(c))
}

// ---------------------------------------------------------------------------
// StringList
// ---------------------------------------------------------------------------

// StringList is a JSONB array of strings (node tags).
type StringList []string

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var out []string
	if err := scanJSONB(&out, value); err != nil {
		return err
	}
	*l = out
	return nil
}

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// Metadata is a free-form JSONB object attached to accounts.
type Metadata map[string]any

// Scan implements the sql.Scanner interface.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	out := map[string]any{}
	if err := scanJSONB(&out, value); err != nil {
		return err
	}
	*m = out
	return nil
}

// Value implements the driver.Valuer interface.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

// With returns a copy of m with key set to v.
func (m Metadata) With(key string, v any) Metadata {
	out := make(Metadata, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}

// Without returns a copy of m without key.
func (m Metadata) Without(key string) Metadata {
	out := make(Metadata, len(m))
	for k, val := range m {
		if k != key {
			out[k] = val
		}
	}
	return out
}
