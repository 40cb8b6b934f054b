package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// taskStatusSchemaJSON describes GET /task/{task_id} responses.
const taskStatusSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://repowiki.dev/schemas/task-status.json",
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["pending", "processing", "completed", "failed"]},
    "progress": {"type": ["number", "null"]},
    "current_step": {"type": ["string", "null"]},
    "created_at": {"type": ["string", "null"]},
    "updated_at": {"type": ["string", "null"]},
    "result": {
      "anyOf": [
        {"type": "null"},
        {
          "type": "object",
          "properties": {
            "r2_structure_url": {"type": ["string", "null"]},
            "r2_content_urls": {
              "anyOf": [
                {"type": "null"},
                {"type": "array", "items": {"type": "string"}}
              ]
            }
          }
        }
      ]
    },
    "error": {"type": ["string", "null"]}
  }
}`

// pageContentSchemaJSON is the strict shape of a content document. Payloads
// that fail it are still salvaged by the payload parser.
const pageContentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://repowiki.dev/schemas/page-content.json",
  "type": "object",
  "required": ["intro", "sections"],
  "properties": {
    "intro": {"type": "string"},
    "sections": {"type": "array"},
    "mermaid": {"type": ["string", "null"]}
  }
}`

// JSONSchemaValidator validates Task API and Document API payloads using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	taskStatus  *jsonschema.Schema
	pageContent *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make([]*jsonschema.Schema, 0, 2)
	for _, src := range []struct{ url, doc string }{
		{"https://repowiki.dev/schemas/task-status.json", taskStatusSchemaJSON},
		{"https://repowiki.dev/schemas/page-content.json", pageContentSchemaJSON},
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src.doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", src.url, err)
		}
		if err := c.AddResource(src.url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", src.url, err)
		}
		sch, err := c.Compile(src.url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", src.url, err)
		}
		compiled = append(compiled, sch)
	}

	return &JSONSchemaValidator{taskStatus: compiled[0], pageContent: compiled[1]}, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *JSONSchemaValidator
)

// Default returns the process-wide validator. The schemas are constants, so a
// compile failure is a programming error.
func Default() *JSONSchemaValidator {
	defaultOnce.Do(func() {
		v, err := NewJSONSchemaValidator()
		if err != nil {
			panic(err)
		}
		defaultValidator = v
	})
	return defaultValidator
}

// ValidateTaskStatus validates a raw TaskStatusResponse body.
func (v *JSONSchemaValidator) ValidateTaskStatus(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "task status is not valid JSON").WithCause(err)
	}
	if err := v.taskStatus.Validate(doc); err != nil {
		return toWikiError(err)
	}
	return nil
}

// ValidateContent validates an already-decoded content document.
func (v *JSONSchemaValidator) ValidateContent(doc any) error {
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize content").WithCause(err)
	}
	if err := v.pageContent.Validate(val); err != nil {
		return toWikiError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toWikiError converts a jsonschema.ValidationError into a WikiError listing
// each leaf violation with its instance location.
func toWikiError(err error) *schema.WikiError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
