package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpstreamError_Classification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusRequestEntityTooLarge, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := newUpstreamError(tc.status, "detail")
			assert.Equal(t, tc.transient, errors.Is(err, ErrTransientUpstream))
			assert.Equal(t, !tc.transient, errors.Is(err, ErrNonTransientUpstream))
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsTransient(errors.New("unclassified")))
	assert.False(t, IsTransient(fmt.Errorf("%w: bad payload", ErrNonTransientUpstream)))

	assert.True(t, IsTransient(fmt.Errorf("%w: no slot", ErrPoolExhausted)))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(&url.Error{Op: "Post", URL: "http://example", Err: errors.New("connection refused")}))
}
