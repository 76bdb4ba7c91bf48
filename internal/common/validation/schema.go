package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationResult is the outcome of validating one document.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Summary joins the errors into one line, e.g. "priority: Must be less than or equal to 10".
func (r *ValidationResult) Summary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}

const createNotificationSchema = `{
	"type": "object",
	"required": ["notification_type", "user_id", "template_code", "request_id"],
	"properties": {
		"notification_type": {"type": "string", "enum": ["email", "push"]},
		"user_id":           {"type": "string", "minLength": 1},
		"template_code":     {"type": "string", "minLength": 1},
		"request_id":        {"type": "string", "minLength": 1},
		"variables":         {"type": ["object", "null"]},
		"priority":          {"type": ["integer", "null"], "minimum": 1, "maximum": 10},
		"metadata":          {"type": ["object", "null"]}
	}
}`

const statusUpdateSchema = `{
	"type": "object",
	"required": ["notification_id", "status"],
	"properties": {
		"notification_id": {"type": "string", "minLength": 1},
		"status":          {"type": "string", "enum": ["pending", "queued", "failed", "sent", "delivered"]},
		"timestamp":       {"type": ["string", "null"], "format": "date-time"},
		"error":           {"type": ["string", "null"]}
	}
}`

var (
	CreateNotificationSchema = mustCompile("create_notification", createNotificationSchema)
	StatusUpdateSchema       = mustCompile("status_update", statusUpdateSchema)
)

func mustCompile(name, src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("validation: compile %s schema: %v", name, err))
	}
	return schema
}

// Validate checks doc (any JSON-encodable Go value) against schema.
func Validate(schema *gojsonschema.Schema, doc interface{}) (*ValidationResult, error) {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, e := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   e.Field(),
			Message: e.Description(),
			Code:    strings.ToUpper(e.Type()),
		})
	}
	return out, nil
}
