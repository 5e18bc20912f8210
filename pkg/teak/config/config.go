// Package config carries the immutable host-application facts the engine
// needs (app id, api key, bundle id, accepted URL schemes) and a small
// loader for reading them from a settings file.
package config

import (
	"errors"
	"fmt"
	"time"
)

// AppConfig identifies the host application to the backend.
// The engine only reads these values; they never change at runtime.
type AppConfig struct {
	// AppID is the backend identifier for the application.
	AppID string `yaml:"app_id" json:"app_id"`

	// APIKey authenticates identification requests.
	APIKey string `yaml:"api_key" json:"api_key"`

	// BundleID is the host application's bundle/package identifier.
	BundleID string `yaml:"bundle_id" json:"bundle_id"`

	// AppVersion is the host application's version code.
	AppVersion string `yaml:"app_version" json:"app_version"`

	// URLSchemes are the URI schemes the deep link router accepts.
	// Defaults to "teak<AppID>" when empty.
	URLSchemes []string `yaml:"url_schemes" json:"url_schemes"`
}

// Validate checks the required identifiers.
func (c *AppConfig) Validate() error {
	if c.AppID == "" {
		return errors.New("config: app_id is required")
	}
	if c.APIKey == "" {
		return errors.New("config: api_key is required")
	}
	return nil
}

// Schemes returns the accepted URL schemes, applying the default when none
// are configured.
func (c *AppConfig) Schemes() []string {
	if len(c.URLSchemes) > 0 {
		return c.URLSchemes
	}
	return []string{fmt.Sprintf("teak%s", c.AppID)}
}

// Values wraps a map[string]any for type-safe value extraction from loaded
// settings. Accessors return the given default when the key is missing or
// the value cannot be converted.
type Values struct {
	data map[string]any
}

// NewValues creates a Values from the given map. A nil map yields an empty
// Values.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// String returns the string value for key, or defaultVal.
func (v Values) String(key, defaultVal string) string {
	if s, ok := v.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal.
func (v Values) Bool(key string, defaultVal bool) bool {
	if b, ok := v.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal.
func (v Values) Int(key string, defaultVal int) int {
	switch n := v.data[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	return defaultVal
}

// Duration returns the duration for key, or defaultVal.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - numeric: interpreted as seconds
func (v Values) Duration(key string, defaultVal time.Duration) time.Duration {
	switch n := v.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d
		}
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal.
func (v Values) StringSlice(key string, defaultVal []string) []string {
	switch val := v.data[key].(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	}
	return defaultVal
}
