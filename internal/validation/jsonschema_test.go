package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.taskStatus)
	assert.NotNil(t, v.pageContent)
	assert.Same(t, Default(), Default())
}

func TestValidateTaskStatus_Valid(t *testing.T) {
	v := Default()

	cases := map[string]string{
		"processing": `{"task_id":"t1","status":"processing","progress":42.5,"current_step":"cloning","result":null,"error":null}`,
		"completed": `{"task_id":"t1","status":"completed","progress":100,"current_step":"done",
			"created_at":"2025-01-01T00:00:00","updated_at":"2025-01-01T00:05:00",
			"result":{"r2_structure_url":"https://h/s.json","r2_content_urls":["https://h/a.json"]},"error":null}`,
		"failed":            `{"task_id":"t1","status":"failed","progress":30,"current_step":"","error":"boom"}`,
		"minimal":           `{"task_id":"t1","status":"pending"}`,
		"null upload parts": `{"task_id":"t1","status":"completed","result":{"r2_structure_url":null,"r2_content_urls":null}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, v.ValidateTaskStatus([]byte(body)))
		})
	}
}

func TestValidateTaskStatus_Invalid(t *testing.T) {
	v := Default()

	cases := map[string]string{
		"unknown status":   `{"task_id":"t1","status":"exploded"}`,
		"missing task id":  `{"status":"pending"}`,
		"progress string":  `{"task_id":"t1","status":"pending","progress":"ten"}`,
		"urls not strings": `{"task_id":"t1","status":"completed","result":{"r2_content_urls":[1,2]}}`,
		"not an object":    `[1,2,3]`,
		"not json":         `<html>502</html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.ValidateTaskStatus([]byte(body))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidateContent(t *testing.T) {
	v := Default()

	assert.NoError(t, v.ValidateContent(map[string]any{
		"intro":    "hello",
		"sections": []any{map[string]any{"heading": "h", "body": "b"}},
		"mermaid":  "graph TD; A-->B",
	}))
	assert.NoError(t, v.ValidateContent(map[string]any{"intro": "", "sections": []any{}, "mermaid": nil}))

	err := v.ValidateContent(map[string]any{"intro": 3, "sections": "nope"})
	require.Error(t, err)
	we, ok := err.(*schema.WikiError)
	require.True(t, ok)
	violations, ok := we.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)

	assert.Error(t, v.ValidateContent("just a string"))
	assert.Error(t, v.ValidateContent(map[string]any{"intro": "missing sections"}))
}
