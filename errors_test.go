package keyshift

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", fmt.Errorf("%w: token required", ErrValidation), http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"protocol", fmt.Errorf("%w: unexpected status 418", ErrProtocol), http.StatusBadGateway},
		{"configuration", ErrConfiguration, http.StatusInternalServerError},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}
