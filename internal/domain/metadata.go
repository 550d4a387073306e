package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Metadata is the schemaless audit blob stored next to a payment. It only
// ever grows: existing keys are never replaced.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Metadata) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("metadata: type assertion to []byte failed")
	}
	out := Metadata{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// Extend sets key only when it is not present yet. It reports whether the
// value was written.
func (m Metadata) Extend(key string, value any) bool {
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = value
	return true
}

// Append adds item to the list stored under key.
func (m Metadata) Append(key string, item any) {
	switch existing := m[key].(type) {
	case []any:
		m[key] = append(existing, item)
	case nil:
		m[key] = []any{item}
	default:
		m[key] = []any{existing, item}
	}
}

// Clone returns a shallow copy; nil becomes an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
