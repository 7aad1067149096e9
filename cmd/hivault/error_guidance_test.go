package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivault/internal/api"
	"hivault/internal/models"
)

func TestFormatCLIError_NetworkGuidance(t *testing.T) {
	err := &net.DNSError{Err: "dial tcp: connection refused", Name: "127.0.0.1", IsTemporary: true}
	lines := formatCLIError(err)
	assert.Contains(t, lines, "hint: ensure the media service is reachable at HIVAULT_API_URL.")
}

func TestFormatCLIError_APIUnknownServiceGuidance(t *testing.T) {
	err := &api.APIError{Status: 404, Message: "api error: 404 Not Found"}
	lines := formatCLIError(err)
	assert.Contains(t, lines, "hint: verify HIVAULT_API_URL points to the media service.")
}

func TestFormatCLIError_APIAuthGuidance(t *testing.T) {
	err := &api.APIError{Status: 401, Code: "unauthorized", Message: "unauthorized"}
	lines := formatCLIError(err)
	assert.Contains(t, lines, "hint: verify HIVAULT_API_TOKEN configuration.")
}

func TestFormatCLIError_APIInternalGuidance(t *testing.T) {
	err := &api.APIError{Status: 502, Code: "bad_gateway", Message: "upstream failed"}
	lines := formatCLIError(err)
	assert.Contains(t, lines, "hint: the service returned an internal error; retry later.")
}

func TestFormatCLIError_ExhaustedGuidance(t *testing.T) {
	err := models.NewOpError("resolve asset", models.ErrResolutionExhausted, errors.New("no source"))
	lines := formatCLIError(err)
	require.NotEmpty(t, lines)
	assert.Equal(t, err.Error(), lines[0], "error comes first")
	assert.Contains(t, lines, "hint: record a source with: hivault asset link <id> --url <url>")
}

func TestFormatCLIError_InvalidIDGuidance(t *testing.T) {
	lines := formatCLIError(models.ValidateAssetID("../etc"))
	assert.GreaterOrEqual(t, len(lines), 2, "expected id guidance, got %v", lines)
}

func TestFormatCLIError_TimeoutGuidance(t *testing.T) {
	err := fmt.Errorf("download: %w", context.DeadlineExceeded)
	lines := formatCLIError(err)
	assert.Contains(t, lines, "hint: request timed out; increase HIVAULT_HTTP_TIMEOUT for slower networks.")
}

func TestFormatCLIError_Nil(t *testing.T) {
	assert.Nil(t, formatCLIError(nil))
}

func TestUniqueLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, uniqueLines([]string{"a", "", "b", "a"}))
}
