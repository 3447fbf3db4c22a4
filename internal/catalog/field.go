package catalog

import (
	"fmt"
	"slices"
)

// Choice is one (value, label) option of a choice field.
type Choice struct {
	Value string
	Label string
}

// Field describes one configurable parameter of a power driver.
// Fields are values; build them with MakeField or ParseField so they
// always satisfy the field schema.
type Field struct {
	Name     string
	Label    string
	Kind     Kind
	Choices  []Choice
	Default  string
	Required bool
}

// FieldDoc is the wire/document form of a Field.
type FieldDoc struct {
	Name      string      `json:"name" yaml:"name"`
	Label     string      `json:"label" yaml:"label"`
	FieldType string      `json:"field_type" yaml:"field_type"`
	Required  bool        `json:"required" yaml:"required"`
	Choices   [][2]string `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default   string      `json:"default" yaml:"default"`
}

// FieldOption customizes a field built by MakeField.
type FieldOption func(*Field)

// WithKind sets the field kind. The default is KindString.
func WithKind(k Kind) FieldOption {
	return func(f *Field) { f.Kind = k }
}

// WithChoices sets the available choices, in display order.
func WithChoices(choices ...Choice) FieldOption {
	return func(f *Field) { f.Choices = append([]Choice(nil), choices...) }
}

// WithDefault sets the default value.
func WithDefault(v string) FieldOption {
	return func(f *Field) { f.Default = v }
}

// Required marks the field as mandatory.
func Required() FieldOption {
	return func(f *Field) { f.Required = true }
}

// MakeField builds a field and validates it against the field schema.
// Validation runs even when only defaults are used.
func MakeField(name, label string, opts ...FieldOption) (Field, error) {
	f := Field{Name: name, Label: label, Kind: KindString}
	for _, opt := range opts {
		opt(&f)
	}
	if err := validateFieldDoc(f.Doc()); err != nil {
		return Field{}, err
	}
	return f.clone(), nil
}

// MustField is MakeField for static driver declarations; it panics on error.
func MustField(name, label string, opts ...FieldOption) Field {
	f, err := MakeField(name, label, opts...)
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid field %q: %v", name, err))
	}
	return f
}

// ParseField validates an untrusted field document (decoded JSON/YAML or a
// FieldDoc) and converts it into a Field.
func ParseField(doc any) (Field, error) {
	raw, err := toJSONValue(doc)
	if err != nil {
		return Field{}, &SchemaValidationError{Subject: "field", Err: err}
	}
	if err := fieldSchema.Validate(raw); err != nil {
		return Field{}, &SchemaValidationError{Subject: "field", Err: err}
	}
	var fd FieldDoc
	if err := fromJSONValue(raw, &fd); err != nil {
		return Field{}, &SchemaValidationError{Subject: "field", Err: err}
	}
	return fieldFromDoc(fd)
}

// fieldFromDoc converts a schema-valid document and applies the semantic rules.
func fieldFromDoc(fd FieldDoc) (Field, error) {
	kind, err := ParseKind(fd.FieldType)
	if err != nil {
		return Field{}, &SchemaValidationError{Subject: "field", Err: err}
	}
	f := Field{
		Name:     fd.Name,
		Label:    fd.Label,
		Kind:     kind,
		Default:  fd.Default,
		Required: fd.Required,
		Choices:  make([]Choice, 0, len(fd.Choices)),
	}
	for _, c := range fd.Choices {
		f.Choices = append(f.Choices, Choice{Value: c[0], Label: c[1]})
	}
	if err := f.checkDefault(); err != nil {
		return Field{}, err
	}
	return f, nil
}

// Doc returns the document form of f.
func (f Field) Doc() FieldDoc {
	fd := FieldDoc{
		Name:      f.Name,
		Label:     f.Label,
		FieldType: string(f.Kind),
		Required:  f.Required,
		Default:   f.Default,
	}
	for _, c := range f.Choices {
		fd.Choices = append(fd.Choices, [2]string{c.Value, c.Label})
	}
	return fd
}

// Equal reports whether two fields describe the same parameter identically.
func (f Field) Equal(o Field) bool {
	return f.Name == o.Name &&
		f.Label == o.Label &&
		f.Kind == o.Kind &&
		f.Default == o.Default &&
		f.Required == o.Required &&
		slices.Equal(f.Choices, o.Choices)
}

// Check validates a parameter value for this field. An empty value is
// accepted when the field is optional or has a default.
func (f Field) Check(value string) error {
	if value == "" {
		if f.Required && f.Default == "" {
			return fmt.Errorf("%s: value is required", f.Name)
		}
		return nil
	}
	if err := f.Kind.check(f, value); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	return nil
}

// Value returns params[f.Name], falling back to the field default.
func (f Field) Value(params map[string]string) string {
	if v, ok := params[f.Name]; ok && v != "" {
		return v
	}
	return f.Default
}

func (f Field) hasChoice(value string) bool {
	for _, c := range f.Choices {
		if c.Value == value {
			return true
		}
	}
	return false
}

func (f Field) checkDefault() error {
	if f.Kind == KindChoice && f.Default != "" && !f.hasChoice(f.Default) {
		return &SchemaValidationError{
			Subject: "field",
			Err:     fmt.Errorf("%s: default %q is not among the choices", f.Name, f.Default),
		}
	}
	return nil
}

func (f Field) clone() Field {
	f.Choices = append(make([]Choice, 0, len(f.Choices)), f.Choices...)
	return f
}

func cloneFields(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.clone())
	}
	return out
}
