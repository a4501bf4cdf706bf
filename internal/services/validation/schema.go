package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/opus/internal/models"
)

// PropertyType is one of the supported payload parameter types
type PropertyType string

// PropertyType constants
const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
)

// Property is one declared payload parameter
type Property struct {
	Name       string
	Type       PropertyType
	Enum       []interface{}
	Minimum    *float64
	Maximum    *float64
	Default    interface{}
	HasDefault bool
	Required   bool
}

// Schema is a parsed payload schema. Properties keep their declaration
// order, which fixes the key order of every canonical payload.
type Schema struct {
	Properties []*Property
	byName     map[string]*Property
}

// Property returns the declared parameter for a name, or nil
func (s *Schema) Property(name string) *Property {
	return s.byName[name]
}

// rawProperty mirrors one property object as written in the schema
type rawProperty struct {
	Type    string        `json:"type"`
	Enum    []interface{} `json:"enum"`
	Minimum *float64      `json:"minimum"`
	Maximum *float64      `json:"maximum"`
	Default interface{}   `json:"default"`
}

// ParseSchema parses and validates a payload schema. The supported subset is
// an object root with string/integer/number/boolean properties, optional
// enum, minimum/maximum, default, required[] and additionalProperties:false.
// Property order is read with a token walk because encoding/json maps do not
// preserve it.
func ParseSchema(raw string) (*Schema, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, models.NewValidationError("payload schema is empty")
	}

	schema := &Schema{byName: make(map[string]*Property)}
	var required []string

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, models.NewValidationError("payload schema must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, models.NewValidationError("malformed payload schema: %v", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "type":
			var typ string
			if err := dec.Decode(&typ); err != nil || typ != "object" {
				return nil, models.NewValidationError("payload schema root type must be \"object\"")
			}
		case "additionalProperties":
			var extra bool
			if err := dec.Decode(&extra); err != nil || extra {
				return nil, models.NewValidationError("payload schema must set additionalProperties to false")
			}
		case "required":
			if err := dec.Decode(&required); err != nil {
				return nil, models.NewValidationError("payload schema required must be an array of strings")
			}
		case "properties":
			if err := parseProperties(dec, schema); err != nil {
				return nil, err
			}
		default:
			// Unknown schema keywords are outside the supported subset
			return nil, models.NewValidationError("unsupported schema keyword %q", key)
		}
	}

	for _, name := range required {
		prop := schema.byName[name]
		if prop == nil {
			return nil, models.NewValidationError("required lists undeclared property %q", name)
		}
		prop.Required = true
	}

	for _, prop := range schema.Properties {
		if err := checkProperty(prop); err != nil {
			return nil, err
		}
	}

	return schema, nil
}

// parseProperties walks the properties object preserving declaration order
func parseProperties(dec *json.Decoder, schema *Schema) error {
	if err := expectDelim(dec, '{'); err != nil {
		return models.NewValidationError("payload schema properties must be an object")
	}

	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return models.NewValidationError("malformed properties object: %v", err)
		}
		name, _ := nameTok.(string)
		if name == "" {
			return models.NewValidationError("property name cannot be empty")
		}
		if schema.byName[name] != nil {
			return models.NewValidationError("duplicate property %q", name)
		}

		var raw rawProperty
		// Decode consumes exactly the property's value from the stream
		if err := dec.Decode(&raw); err != nil {
			return models.NewValidationError("malformed property %q: %v", name, err)
		}

		prop := &Property{
			Name:    name,
			Type:    PropertyType(raw.Type),
			Enum:    raw.Enum,
			Minimum: raw.Minimum,
			Maximum: raw.Maximum,
		}
		if raw.Default != nil {
			prop.Default = raw.Default
			prop.HasDefault = true
		}

		schema.Properties = append(schema.Properties, prop)
		schema.byName[name] = prop
	}

	// Consume the closing brace
	if _, err := dec.Token(); err != nil {
		return models.NewValidationError("malformed properties object: %v", err)
	}
	return nil
}

// checkProperty validates one property declaration
func checkProperty(prop *Property) error {
	switch prop.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
	default:
		return models.NewValidationError("property %q has unsupported type %q", prop.Name, prop.Type)
	}

	if prop.Minimum != nil || prop.Maximum != nil {
		if prop.Type != TypeInteger && prop.Type != TypeNumber {
			return models.NewValidationError("property %q: minimum/maximum require a numeric type", prop.Name)
		}
		if prop.Minimum != nil && prop.Maximum != nil && *prop.Minimum > *prop.Maximum {
			return models.NewValidationError("property %q: minimum exceeds maximum", prop.Name)
		}
	}

	for i, raw := range prop.Enum {
		value, err := coerceValue(prop, raw)
		if err != nil {
			return models.NewValidationError("property %q: enum value %d does not match type %s", prop.Name, i, prop.Type)
		}
		prop.Enum[i] = value
	}

	if prop.HasDefault {
		value, err := normalizeValue(prop, prop.Default)
		if err != nil {
			return models.NewValidationError("property %q: invalid default: %v", prop.Name, err)
		}
		prop.Default = value
	}

	return nil
}

// expectDelim consumes one token and checks it is the given delimiter
func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
