package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Manager is a flat key/value store fed from the environment and JSON
// files. Keys are lower-case and dot separated ("idle.timeout").
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
	}
}

// Set sets a configuration value
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// GetAll returns all configuration values
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]any, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}

// LoadFromEnv loads every variable starting with prefix. PREFIX_IDLE_TIMEOUT
// becomes the key "idle.timeout".
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"_") {
				continue
			}
			key = strings.TrimPrefix(key, prefix+"_")
		}

		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "_", ".")

		m.Set(key, value)
	}
}

// LoadFromJSON loads configuration from JSON file. Nested objects are
// flattened into dotted keys.
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config: %w", err)
	}

	m.loadFromMap("", values)
	return nil
}

func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := strings.ToLower(key)
		if prefix != "" {
			fullKey = prefix + "." + fullKey
		}

		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// SaveToJSON writes every value, keyed by its dotted name, to filename
func (m *Manager) SaveToJSON(filename string) error {
	data, err := json.MarshalIndent(m.GetAll(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// field is one settable struct field and the key it is stored under
type field struct {
	name  string
	key   string
	value reflect.Value
}

// fields lists the settable fields of the struct target points to. The key
// of a field is its `config` tag, or its lower-cased name; a tag of "-"
// skips the field.
func fields(prefix string, target any) ([]field, error) {
	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Pointer {
		return nil, errors.New("target must be a pointer")
	}

	targetValue = targetValue.Elem()
	if targetValue.Kind() != reflect.Struct {
		return nil, errors.New("target must be a pointer to struct")
	}

	var out []field
	targetType := targetValue.Type()
	for i := 0; i < targetType.NumField(); i++ {
		f := targetType.Field(i)
		fieldValue := targetValue.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		configKey := f.Tag.Get("config")
		if configKey == "-" {
			continue
		}
		if configKey == "" {
			configKey = strings.ToLower(f.Name)
		}
		if prefix != "" {
			configKey = prefix + "." + configKey
		}
		out = append(out, field{name: f.Name, key: configKey, value: fieldValue})
	}
	return out, nil
}

// Unmarshal copies values into the fields of the struct target points to
func (m *Manager) Unmarshal(prefix string, target any) error {
	fs, err := fields(prefix, target)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range fs {
		value, exists := m.values[f.key]
		if !exists {
			continue
		}
		if err := setFieldValue(f.value, value); err != nil {
			return fmt.Errorf("failed to set field %s from %q: %w", f.name, f.key, err)
		}
	}

	return nil
}

// Marshal stores the fields of the struct src points to. Durations are
// stored in Go syntax ("2m0s") so they read back unchanged.
func (m *Manager) Marshal(prefix string, src any) error {
	fs, err := fields(prefix, src)
	if err != nil {
		return err
	}

	for _, f := range fs {
		if f.value.Type() == durationType {
			m.Set(f.key, time.Duration(f.value.Int()).String())
			continue
		}
		m.Set(f.key, f.value.Interface())
	}
	return nil
}

// UnknownKeys returns the keys under prefix that no field of target uses,
// in sorted order
func (m *Manager) UnknownKeys(prefix string, target any) ([]string, error) {
	fs, err := fields(prefix, target)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(fs))
	for _, f := range fs {
		known[f.key] = true
	}

	var unknown []string
	for key := range m.GetAll() {
		if prefix != "" && !strings.HasPrefix(key, prefix+".") {
			continue
		}
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == durationType {
		d, err := toDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			field.SetString(fmt.Sprintf("%v", value))
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(value)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := toBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	default:
		valueReflect := reflect.ValueOf(value)
		if !valueReflect.IsValid() {
			return fmt.Errorf("cannot convert null to %v", field.Type())
		}
		if !valueReflect.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %v to %v", valueReflect.Type(), field.Type())
		}
		field.Set(valueReflect.Convert(field.Type()))
	}

	return nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", v)
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to bool", value)
}

// toDuration accepts Go duration strings ("30s") and plain numbers, which
// are taken as seconds.
func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	}
	return 0, fmt.Errorf("cannot convert %T to duration", value)
}
