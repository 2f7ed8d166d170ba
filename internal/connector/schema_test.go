package connector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rakunlabs/connectgate/internal/connector"
)

func testSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.Field{
		{Name: "baseURL", Type: connector.FieldURL, Required: true},
		{Name: "pageSize", Type: connector.FieldInt, Required: false},
	}}
}

func TestConfigSchema_ValidatesRequiredAndTypes(t *testing.T) {
	s := testSchema()

	assert.NoError(t, s.Validate(map[string]any{"baseURL": "https://example.com"}))
	assert.NoError(t, s.Validate(map[string]any{"baseURL": "https://example.com", "pageSize": 50}))

	assert.Error(t, s.Validate(map[string]any{}), "missing required field")
	assert.Error(t, s.Validate(map[string]any{"baseURL": 123}), "wrong type")
}

func TestConfigSchema_RejectsUnknownKeys(t *testing.T) {
	s := testSchema()
	err := s.Validate(map[string]any{"baseURL": "https://example.com", "extra": "nope"})
	assert.Error(t, err)
}
