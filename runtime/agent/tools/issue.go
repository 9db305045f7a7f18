package tools

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue represents a single validation issue for a payload.
type FieldIssue struct {
	// Field is the JSON pointer of the offending value.
	Field string
	// Constraint is the schema keyword that failed (e.g. "required").
	Constraint string
	// Message describes the issue.
	Message string
}

// ValidationError reports a payload that does not conform to the tool input
// schema.
type ValidationError struct {
	Tool   string
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", is.Field, is.Message))
	}
	return fmt.Sprintf("invalid payload for tool %s: %s", e.Tool, strings.Join(parts, "; "))
}

// issues flattens the leaf causes of a schema validation error.
func issues(ve *jsonschema.ValidationError) []FieldIssue {
	if len(ve.Causes) == 0 {
		constraint := ""
		if ve.ErrorKind != nil {
			constraint = strings.Join(ve.ErrorKind.KeywordPath(), "/")
		}
		return []FieldIssue{{
			Field:      "/" + strings.Join(ve.InstanceLocation, "/"),
			Constraint: constraint,
			Message:    ve.Error(),
		}}
	}
	var out []FieldIssue
	for _, c := range ve.Causes {
		out = append(out, issues(c)...)
	}
	return out
}
