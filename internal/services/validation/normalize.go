package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/opus/internal/models"
)

// Normalize validates a payload against the schema and returns its canonical
// form. The canonical object carries keys in schema declaration order with
// defaults filled in, so the same logical payload always serializes to the
// same bytes. Trigger dedup hashing depends on that stability.
func (s *Schema) Normalize(payload string) (string, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return "", err
	}

	if unknown := s.unknownKeys(obj); len(unknown) > 0 {
		return "", models.NewValidationError("unknown payload keys: %s", strings.Join(unknown, ", "))
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true

	for _, prop := range s.Properties {
		raw, present := obj[prop.Name]
		if !present {
			if prop.Required {
				return "", models.NewValidationError("missing required key %q", prop.Name)
			}
			if !prop.HasDefault {
				continue
			}
			raw = prop.Default
		}

		value, err := normalizeValue(prop, raw)
		if err != nil {
			return "", err
		}

		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, _ := json.Marshal(prop.Name)
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeValue(&buf, value); err != nil {
			return "", err
		}
	}

	buf.WriteByte('}')
	return buf.String(), nil
}

// decodeObject parses a payload string into a JSON object
func decodeObject(payload string) (map[string]interface{}, error) {
	if strings.TrimSpace(payload) == "" {
		return map[string]interface{}{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, models.NewValidationError("payload must be a JSON object: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, models.NewValidationError("payload has trailing content")
	}
	return obj, nil
}

// unknownKeys returns payload keys with no declared property, sorted
func (s *Schema) unknownKeys(obj map[string]interface{}) []string {
	var unknown []string
	for key := range obj {
		if s.byName[key] == nil {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// normalizeValue coerces, range-checks and enum-checks one value
func normalizeValue(prop *Property, raw interface{}) (interface{}, error) {
	value, err := coerceValue(prop, raw)
	if err != nil {
		return nil, err
	}

	if prop.Minimum != nil || prop.Maximum != nil {
		n := asFloat(value)
		if prop.Minimum != nil && n < *prop.Minimum {
			return nil, models.NewValidationError("key %q: value %v below minimum %v", prop.Name, value, *prop.Minimum)
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			return nil, models.NewValidationError("key %q: value %v above maximum %v", prop.Name, value, *prop.Maximum)
		}
	}

	if len(prop.Enum) > 0 {
		found := false
		for _, allowed := range prop.Enum {
			if value == allowed {
				found = true
				break
			}
		}
		if !found {
			return nil, models.NewValidationError("key %q: value %v is not in the allowed set", prop.Name, value)
		}
	}

	return value, nil
}

// coerceValue converts a raw JSON value to the property's type. String
// inputs are coerced to typed values where the conversion is unambiguous.
func coerceValue(prop *Property, raw interface{}) (interface{}, error) {
	switch prop.Type {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if v == "true" {
				return true, nil
			}
			if v == "false" {
				return false, nil
			}
		}

	case TypeInteger:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case json.Number:
			return integerFromLiteral(prop.Name, v.String())
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case string:
			return integerFromLiteral(prop.Name, v)
		}

	case TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	}

	return nil, models.NewValidationError("key %q: cannot convert %v to %s", prop.Name, raw, prop.Type)
}

// integerFromLiteral parses an integer, accepting float literals with an
// exact integral value ("12.0" is 12, "12.5" is rejected)
func integerFromLiteral(name, literal string) (interface{}, error) {
	if i, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(literal, 64); err == nil && f == float64(int64(f)) {
		return int64(f), nil
	}
	return nil, models.NewValidationError("key %q: %q is not an integer", name, literal)
}

// asFloat widens a coerced numeric value for range comparison
func asFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

// writeValue appends one canonical value to the output buffer
func writeValue(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize canonical value: %w", err)
		}
		buf.Write(data)
		return nil
	}
}
