// Package validation decodes and checks JSON request bodies for the net/http handlers.
package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/nkkko/liveflow/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_body", "Invalid request body: "+err.Error())
	}
	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError("missing_"+field, field+" is required")
	}
	return nil
}

// OneOf validates that value is one of allowed, ignoring case
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return nil
		}
	}
	return errors.ValidationError("invalid_"+field, field+" must be one of "+strings.Join(allowed, ", ")).
		WithDetails(map[string]string{field: value})
}
