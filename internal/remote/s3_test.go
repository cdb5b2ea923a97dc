package remote

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestIsThrottle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "slow down code",
			err:  minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable},
			want: true,
		},
		{
			name: "http 429",
			err:  minio.ErrorResponse{Code: "TooManyRequests", StatusCode: http.StatusTooManyRequests},
			want: true,
		},
		{
			name: "http 503",
			err:  minio.ErrorResponse{Code: "ServiceUnavailable", StatusCode: http.StatusServiceUnavailable},
			want: true,
		},
		{
			name: "access denied",
			err:  minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden},
			want: false,
		},
		{
			name: "no such key",
			err:  minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound},
			want: false,
		},
		{
			name: "wrapped provider error",
			err:  fmt.Errorf("put failed: %w", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}),
			want: true,
		},
		{
			name: "plain transport error",
			err:  errors.New("connection reset"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isThrottle(tt.err))
		})
	}
}
