package schema_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docgate/schema"
)

func validUser() map[string]any {
	return map[string]any{
		"firstName": "Ann",
		"lastName":  "Lee",
		"email":     "ann@x.com",
		"age":       float64(30),
	}
}

func TestValidateNilSchema(t *testing.T) {
	assert.Empty(t, schema.Validate(map[string]any{"anything": "goes"}, nil))
}

func TestDefaultAcceptsValidDocument(t *testing.T) {
	assert.Empty(t, schema.Default().Validate(validUser()))

	doc := validUser()
	doc["_id"] = "1"
	delete(doc, "age")
	doc["extra"] = []any{"allowed"}
	assert.Empty(t, schema.Default().Validate(doc))
}

func TestDefaultRequiredFields(t *testing.T) {
	for _, field := range []string{"firstName", "lastName", "email"} {
		t.Run(field, func(t *testing.T) {
			doc := validUser()
			delete(doc, field)
			msgs := schema.Default().Validate(doc)
			require.NotEmpty(t, msgs)
			assert.Contains(t, strings.Join(msgs, "\n"), field)
		})
	}
}

func TestDefaultReportsAllViolations(t *testing.T) {
	msgs := schema.Default().Validate(map[string]any{
		"firstName": "Bo",
		"age":       "old",
	})
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, "lastName")
	assert.Contains(t, joined, "email")
	assert.Contains(t, joined, "/age")
}

func TestDefaultEmailFormat(t *testing.T) {
	doc := validUser()
	doc["email"] = "not-an-email"
	msgs := schema.Default().Validate(doc)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "/email")
}

func TestDefaultTypes(t *testing.T) {
	tests := []struct {
		field string
		value any
	}{
		{"firstName", float64(1)},
		{"lastName", true},
		{"age", 30.5},
		{"age", "30"},
		{"_id", float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			doc := validUser()
			doc[tt.field] = tt.value
			msgs := schema.Default().Validate(doc)
			require.Len(t, msgs, 1)
			assert.True(t, strings.HasPrefix(msgs[0], "/"+tt.field), msgs[0])
		})
	}
}

func TestValidateAcceptsGoIntegers(t *testing.T) {
	doc := validUser()
	doc["age"] = 31
	assert.Empty(t, schema.Default().Validate(doc))
}

func TestValidateJSONNumbers(t *testing.T) {
	doc := validUser()
	doc["age"] = json.Number("9007199254740993")
	assert.Empty(t, schema.Default().Validate(doc))

	doc["age"] = json.Number("30.5")
	msgs := schema.Default().Validate(doc)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "/age"), msgs[0])
}

func TestValidateNonObject(t *testing.T) {
	msgs := schema.Default().Validate([]any{"x"})
	require.NotEmpty(t, msgs)
	assert.True(t, strings.HasPrefix(msgs[0], "/: "), msgs[0])
}

func TestCompileRejectsMalformedSchema(t *testing.T) {
	_, err := schema.Compile("bad.json", []byte(`{"type": 12}`))
	assert.Error(t, err)

	_, err = schema.Compile("broken.json", []byte(`{`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"type": "object",
		"required": ["sku"],
		"properties": {"sku": {"type": "string", "minLength": 3}}
	}`), 0o644))

	s, err := schema.LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, s.Validate(map[string]any{"sku": "abc"}))
	assert.Len(t, s.Validate(map[string]any{"sku": "a"}), 1)
	assert.Len(t, s.Validate(map[string]any{}), 1)

	_, err = schema.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	p := schema.NewStaticProvider(nil)
	assert.Same(t, schema.Default(), p.SchemaFor("users"))
	assert.Same(t, p.SchemaFor("users"), p.SchemaFor("anything-else"))

	var zero schema.StaticProvider
	assert.Same(t, schema.Default(), zero.SchemaFor("users"))

	custom := schema.MustCompile("custom.json", []byte(`{"type":"object"}`))
	assert.Same(t, custom, schema.NewStaticProvider(custom).SchemaFor("users"))
}

func TestProviderFunc(t *testing.T) {
	custom := schema.MustCompile("custom.json", []byte(`{"type":"object"}`))
	var p schema.Provider = schema.ProviderFunc(func(c string) *schema.Schema {
		if c == "free" {
			return custom
		}
		return schema.Default()
	})
	assert.Empty(t, p.SchemaFor("free").Validate(map[string]any{}))
	assert.NotEmpty(t, p.SchemaFor("users").Validate(map[string]any{}))
}
