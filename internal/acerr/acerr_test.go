package acerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("hq", 500, "boom")))
	assert.True(t, IsRetryable(NewAPIError("hq", 401, "token lapsed")))
	assert.True(t, IsRetryable(NewAPIError("hq", 503, "maintenance")))
	assert.False(t, IsRetryable(NewAPIError("hq", 404, "no such cardholder")))
	assert.False(t, IsRetryable(NewAPIError("hq", 400, "bad payload")))

	assert.True(t, IsRetryable(NewRemoteError("invalid access_point_group name: %s", "Door Z")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.False(t, IsRetryable(errors.New("plain failure")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "hq API error (status 500): boom", NewAPIError("hq", 500, "boom").Error())
	assert.Equal(t, "remote error: no PIN left", NewRemoteError("no PIN left").Error())
	assert.Equal(t, "invalid config: api_url: required", NewValidationError("api_url", "required").Error())
}
