package validation

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/liveflow/internal/api/errors"
)

type switchRequest struct {
	Mode string `json:"mode"`
}

func (s *switchRequest) Validate() error {
	if err := Required("mode", s.Mode); err != nil {
		return err
	}
	return OneOf("mode", s.Mode, "on", "off")
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var apiErr *errors.APIError
	require.True(t, stderrors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPCode)
	return apiErr.Code
}

func parse(body string) error {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	return ParseAndValidate(req, &switchRequest{})
}

func TestParseAndValidate(t *testing.T) {
	assert.NoError(t, parse(`{"mode":"ON"}`))

	assert.Equal(t, "empty_request_body", codeOf(t, parse("")))
	assert.Equal(t, "invalid_body", codeOf(t, parse(`{"mode":`)))
	assert.Equal(t, "missing_mode", codeOf(t, parse(`{"mode":"  "}`)))
	assert.Equal(t, "invalid_mode", codeOf(t, parse(`{"mode":"sideways"}`)))
}
