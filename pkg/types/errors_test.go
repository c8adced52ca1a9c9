package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorTimeout(t *testing.T) {
	err := fmt.Errorf("fetching interval usage: %w", &APIError{
		Operation: "GetIntervalData",
		Timeout:   true,
		Err:       context.DeadlineExceeded,
	})

	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "GetIntervalData", apiErr.Operation)

	assert.False(t, IsTimeout(&APIError{StatusCode: 500}))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "authentication failed: invalid credentials", (&AuthError{Message: "invalid credentials"}).Error())
	assert.Equal(t, "authentication unavailable: boom", (&AuthError{Network: true, Err: errors.New("boom")}).Error())
	assert.Equal(t, "GetHourlyData: api error (status 502): bad gateway", (&APIError{Operation: "GetHourlyData", StatusCode: 502, Message: "bad gateway"}).Error())
	assert.Equal(t, "GetContactInfo: unexpected response: missing or invalid data.GetContactInfo", (&DataShapeError{Operation: "GetContactInfo", Field: "data.GetContactInfo"}).Error())
}
