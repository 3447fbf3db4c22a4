package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	fieldSchemaURL   = "https://tb-power.schemas.local/catalog/field.schema.json"
	catalogSchemaURL = "https://tb-power.schemas.local/catalog/catalog.schema.json"
)

// FieldSchema is the JSON Schema every field document must satisfy.
const FieldSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Power type parameter field",
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "label": {"type": "string"},
    "field_type": {"type": "string", "enum": ["string", "choice", "mac_address", "password"]},
    "required": {"type": "boolean"},
    "choices": {
      "type": "array",
      "items": {
        "type": "array",
        "prefixItems": [{"type": "string"}, {"type": "string"}],
        "minItems": 2,
        "maxItems": 2
      }
    },
    "default": {"type": "string"}
  },
  "required": ["name", "label", "field_type", "required"]
}`

// CatalogSchema is the JSON Schema for a list of power type documents.
const CatalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Power type catalog",
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "name": {"type": "string"},
      "description": {"type": "string"},
      "fields": {"type": "array", "items": {"$ref": "field.schema.json"}}
    },
    "required": ["name", "description", "fields"]
  }
}`

var (
	fieldSchema   *jsonschema.Schema
	catalogSchema *jsonschema.Schema
)

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(fieldSchemaURL, strings.NewReader(FieldSchema)); err != nil {
		panic(fmt.Sprintf("catalog: field schema load failed: %v", err))
	}
	if err := c.AddResource(catalogSchemaURL, strings.NewReader(CatalogSchema)); err != nil {
		panic(fmt.Sprintf("catalog: catalog schema load failed: %v", err))
	}
	fieldSchema = c.MustCompile(fieldSchemaURL)
	catalogSchema = c.MustCompile(catalogSchemaURL)
}

// ErrSchemaValidation matches every *SchemaValidationError via errors.Is.
var ErrSchemaValidation = errors.New("schema validation failed")

// SchemaValidationError reports a malformed field or catalog document.
// A call that returns it has not changed any catalog or registry.
type SchemaValidationError struct {
	Subject string // "field" or "catalog"
	Err     error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("invalid %s document: %v", e.Subject, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

func (e *SchemaValidationError) Is(target error) bool { return target == ErrSchemaValidation }

// ValidateDocuments checks raw catalog documents against CatalogSchema
// without building a catalog.
func ValidateDocuments(docs any) error {
	raw, err := toJSONValue(docs)
	if err != nil {
		return &SchemaValidationError{Subject: "catalog", Err: err}
	}
	if err := catalogSchema.Validate(raw); err != nil {
		return &SchemaValidationError{Subject: "catalog", Err: err}
	}
	return nil
}

func validateFieldDoc(fd FieldDoc) error {
	raw, err := toJSONValue(fd)
	if err != nil {
		return &SchemaValidationError{Subject: "field", Err: err}
	}
	if err := fieldSchema.Validate(raw); err != nil {
		return &SchemaValidationError{Subject: "field", Err: err}
	}
	_, err = fieldFromDoc(fd)
	return err
}

// toJSONValue converts v into the generic form produced by encoding/json,
// which is what the schema validator expects. Byte slices are treated as
// JSON text.
func toJSONValue(v any) (any, error) {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case json.RawMessage:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		data = b
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func fromJSONValue(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
