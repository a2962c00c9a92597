package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form JSON object persisted as a text column.
// Unknown keys survive a read-modify-write round trip untouched; the
// typed accessors below expose only the keys the engine reads.
type JSONMap map[string]any

// Value implements driver.Valuer for database storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database retrieval.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}

	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// GormDataType returns the GORM data type for JSONMap.
func (JSONMap) GormDataType() string {
	return "text"
}

// GetString returns the string value under key, or "" when absent or
// not a string.
func (m JSONMap) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// VoiceConfig is the strongly-typed view of the voice_cfg column for
// the fields the engine reads.
type VoiceConfig struct {
	Locale       string `json:"locale"`
	Voice        string `json:"voice,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// VoiceConfig extracts the typed voice configuration view.
func (m JSONMap) VoiceConfig() VoiceConfig {
	return VoiceConfig{
		Locale:       m.GetString("locale"),
		Voice:        m.GetString("voice"),
		OutputFormat: m.GetString("output_format"),
	}
}
