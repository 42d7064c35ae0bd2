package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema describes the record a generation is expected to encode.
type Schema struct {
	Name string
	// PrimaryField receives the whole text when the model answers in plain
	// prose. Empty disables the prose stub.
	PrimaryField string
	// FreeTextFields hold narrative text that models tend to fill with raw
	// quotes and newlines.
	FreeTextFields []string
	Required       []string
	JSONSchema     string

	compiled *jsonschema.Schema
	// fields is every property name at any depth.
	fields []string
	// types maps top-level property names to their JSON type.
	types map[string]string
}

// NewSchema compiles the JSON schema and indexes its property names.
func NewSchema(name, primary string, freeText, required []string, schemaJSON string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	var root map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &root); err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	s := &Schema{
		Name:           name,
		PrimaryField:   primary,
		FreeTextFields: freeText,
		Required:       required,
		JSONSchema:     schemaJSON,
		compiled:       compiled,
		types:          map[string]string{},
	}
	seen := map[string]bool{}
	collectFields(root, seen)
	for f := range seen {
		s.fields = append(s.fields, f)
	}
	sort.Strings(s.fields)
	if props, ok := root["properties"].(map[string]any); ok {
		for k, v := range props {
			if p, ok := v.(map[string]any); ok {
				if t, ok := p["type"].(string); ok {
					s.types[k] = t
				}
			}
		}
	}
	return s, nil
}

// MustSchema is NewSchema for package-level schemas.
func MustSchema(name, primary string, freeText, required []string, schemaJSON string) *Schema {
	s, err := NewSchema(name, primary, freeText, required, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

func collectFields(node any, seen map[string]bool) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	if props, ok := m["properties"].(map[string]any); ok {
		for k, v := range props {
			seen[k] = true
			collectFields(v, seen)
		}
	}
	if items, ok := m["items"]; ok {
		collectFields(items, seen)
	}
}

// Fields returns every property name declared by the schema.
func (s *Schema) Fields() []string { return s.fields }

var errNotObject = errors.New("document is not a JSON object")

// Check decodes doc and validates it. It returns the normalised document.
func (s *Schema) Check(doc string) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode: trailing data after document")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	for _, r := range s.Required {
		if _, ok := obj[r]; !ok {
			return nil, fmt.Errorf("missing required field %q", r)
		}
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Name, err)
	}
	return json.RawMessage(doc), nil
}
