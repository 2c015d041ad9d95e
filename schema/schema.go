// Package schema provides JSON Schema validation for collection documents.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultJSON is the schema applied to every collection unless configured otherwise.
const DefaultJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "_id": { "type": "string" },
    "firstName": { "type": "string" },
    "lastName": { "type": "string" },
    "email": { "type": "string", "format": "email" },
    "age": { "type": "integer" }
  },
  "required": ["firstName", "lastName", "email"]
}`

// Schema is a compiled draft-07 JSON Schema.
type Schema struct {
	Name string
	Raw  json.RawMessage

	compiled *jsonschema.Schema
}

// Compile parses and compiles a draft-07 schema. name identifies the schema in
// error messages.
func Compile(name string, raw []byte) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %q: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return &Schema{Name: name, Raw: json.RawMessage(raw), compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(name string, raw []byte) *Schema {
	s, err := Compile(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// LoadFile compiles the schema stored at path.
func LoadFile(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(path, raw)
}

var defaultSchema = sync.OnceValue(func() *Schema {
	return MustCompile("default.json", []byte(DefaultJSON))
})

// Default returns the built-in schema.
func Default() *Schema { return defaultSchema() }

// Validate checks a document against the schema and returns one message per
// violation, in the order the evaluator reports them. A nil or empty result
// means the document is valid.
func (s *Schema) Validate(doc any) []string {
	v, err := normalize(doc)
	if err != nil {
		return []string{"/: " + err.Error()}
	}
	err = s.compiled.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var msgs []string
	collect(ve, &msgs)
	return msgs
}

// Validate checks doc against s. A nil schema accepts everything.
func Validate(doc any, s *Schema) []string {
	if s == nil {
		return nil
	}
	return s.Validate(doc)
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// normalize converts doc to the generic form produced by encoding/json,
// keeping numbers as json.Number.
func normalize(doc any) (any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not valid JSON: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Provider looks up the schema that governs a collection.
type Provider interface {
	SchemaFor(collection string) *Schema
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(collection string) *Schema

func (f ProviderFunc) SchemaFor(collection string) *Schema { return f(collection) }

// StaticProvider returns the same schema for every collection.
type StaticProvider struct {
	schema *Schema
}

// NewStaticProvider returns a provider for s, or for Default when s is nil.
func NewStaticProvider(s *Schema) StaticProvider {
	if s == nil {
		s = Default()
	}
	return StaticProvider{schema: s}
}

func (p StaticProvider) SchemaFor(string) *Schema {
	if p.schema == nil {
		return Default()
	}
	return p.schema
}
