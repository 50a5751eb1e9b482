package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONMap is a schemaless JSON object stored as JSONB. Step configs,
// instance contexts, and execution payloads all use it.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for database storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a deep copy of the map through a JSON round trip. A nil map
// clones to nil.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Merge copies every entry of other into m, overwriting existing keys.
func (m JSONMap) Merge(other map[string]interface{}) {
	for k, v := range other {
		m[k] = v
	}
}

// GetString returns the string at key, or "" when absent or not a string.
func (m JSONMap) GetString(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// GetInt returns the int at key, handling the numeric types JSON decoding
// produces. Returns 0 when absent.
func (m JSONMap) GetInt(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// GetBool returns the bool at key, or false when absent.
func (m JSONMap) GetBool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// GetStringSlice returns the string slice at key, accepting both []string
// and the []interface{} JSON decoding produces.
func (m JSONMap) GetStringSlice(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetMap returns the nested object at key, or nil when absent.
func (m JSONMap) GetMap(key string) JSONMap {
	switch v := m[key].(type) {
	case JSONMap:
		return v
	case map[string]interface{}:
		return JSONMap(v)
	}
	return nil
}
