// Package catalog describes power driver types and the parameters each one
// accepts. Documents arriving from rack controllers are untrusted: they are
// checked against a JSON Schema once, at the boundary, and converted into
// typed Field and TypeEntry values.
package catalog

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// NoPowerType is the name of the implicit entry meaning "no power control".
const NoPowerType = ""

// TypeEntry is one power driver type and its ordered parameters.
type TypeEntry struct {
	Name        string
	Description string
	Fields      []Field
}

// TypeDoc is the wire/document form of a TypeEntry.
type TypeDoc struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Fields      []FieldDoc `json:"fields" yaml:"fields"`
}

// Doc returns the document form of e.
func (e TypeEntry) Doc() TypeDoc {
	td := TypeDoc{
		Name:        e.Name,
		Description: e.Description,
		Fields:      make([]FieldDoc, 0, len(e.Fields)),
	}
	for _, f := range e.Fields {
		td.Fields = append(td.Fields, f.Doc())
	}
	return td
}

// Field returns the field with the given name.
func (e TypeEntry) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.clone(), true
		}
	}
	return Field{}, false
}

func (e TypeEntry) equal(o TypeEntry) bool {
	if e.Name != o.Name || e.Description != o.Description || len(e.Fields) != len(o.Fields) {
		return false
	}
	for i := range e.Fields {
		if !e.Fields[i].Equal(o.Fields[i]) {
			return false
		}
	}
	return true
}

func (e TypeEntry) clone() TypeEntry {
	e.Fields = cloneFields(e.Fields)
	return e
}

// Catalog maps power type names to entries. It always contains the
// NoPowerType entry. A Catalog is immutable once built.
type Catalog struct {
	entries map[string]TypeEntry
}

func emptyEntry() TypeEntry {
	return TypeEntry{Name: NoPowerType, Fields: []Field{}}
}

// Build validates documents against CatalogSchema in one pass and converts
// them into a Catalog. documents may be []TypeDoc, decoded JSON/YAML, or raw
// JSON bytes. Any invalid entry fails the whole call and no catalog is
// returned.
func Build(documents any) (*Catalog, error) {
	raw, err := toJSONValue(documents)
	if err != nil {
		return nil, &SchemaValidationError{Subject: "catalog", Err: err}
	}
	if raw == nil {
		// A nil slice or a null document is an empty list.
		raw = []any{}
	}
	if err := catalogSchema.Validate(raw); err != nil {
		return nil, &SchemaValidationError{Subject: "catalog", Err: err}
	}
	var docs []TypeDoc
	if err := fromJSONValue(raw, &docs); err != nil {
		return nil, &SchemaValidationError{Subject: "catalog", Err: err}
	}

	entries := map[string]TypeEntry{NoPowerType: emptyEntry()}
	seen := make(map[string]bool, len(docs))
	for _, td := range docs {
		if seen[td.Name] {
			return nil, &SchemaValidationError{
				Subject: "catalog",
				Err:     fmt.Errorf("duplicate power type %q", td.Name),
			}
		}
		seen[td.Name] = true

		entry, err := entryFromDoc(td)
		if err != nil {
			return nil, err
		}
		entries[entry.Name] = entry
	}
	return &Catalog{entries: entries}, nil
}

// Load parses a YAML or JSON catalog document and builds a Catalog from it.
func Load(data []byte) (*Catalog, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaValidationError{Subject: "catalog", Err: fmt.Errorf("parse document: %w", err)}
	}
	return Build(raw)
}

func entryFromDoc(td TypeDoc) (TypeEntry, error) {
	if td.Name == NoPowerType && len(td.Fields) > 0 {
		return TypeEntry{}, &SchemaValidationError{
			Subject: "catalog",
			Err:     fmt.Errorf("the empty power type cannot declare fields"),
		}
	}
	entry := TypeEntry{
		Name:        td.Name,
		Description: td.Description,
		Fields:      make([]Field, 0, len(td.Fields)),
	}
	names := make([]string, len(td.Fields))
	for i, fd := range td.Fields {
		names[i] = fd.Name
	}
	if err := checkFieldNames(td.Name, names); err != nil {
		return TypeEntry{}, err
	}
	for _, fd := range td.Fields {
		f, err := fieldFromDoc(fd)
		if err != nil {
			return TypeEntry{}, err
		}
		entry.Fields = append(entry.Fields, f)
	}
	return entry, nil
}

// checkFieldNames rejects a type declaring the same field name twice.
func checkFieldNames(typeName string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return &SchemaValidationError{
				Subject: "catalog",
				Err:     fmt.Errorf("power type %q: duplicate field %q", typeName, n),
			}
		}
		seen[n] = true
	}
	return nil
}

// Names returns the power type names in sorted order; NoPowerType sorts first.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries, including NoPowerType.
func (c *Catalog) Len() int { return len(c.entries) }

// Entry returns the entry for name.
func (c *Catalog) Entry(name string) (TypeEntry, bool) {
	e, ok := c.entries[name]
	if !ok {
		return TypeEntry{}, false
	}
	return e.clone(), true
}

// Documents serializes the catalog, sorted by name.
func (c *Catalog) Documents() []TypeDoc {
	docs := make([]TypeDoc, 0, len(c.entries))
	for _, name := range c.Names() {
		docs = append(docs, c.entries[name].Doc())
	}
	return docs
}

// Validate re-serializes the catalog and checks it against CatalogSchema.
func (c *Catalog) Validate() error {
	return ValidateDocuments(c.Documents())
}
