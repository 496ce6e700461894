package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	genai "google.golang.org/genai"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.KeyStatus
	}{
		{
			name: "nil error is valid",
			err:  nil,
			want: model.KeyStatusValid,
		},
		{
			name: "429 is quota exceeded",
			err:  genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "Quota exceeded for quota metric"},
			want: model.KeyStatusQuotaExceeded,
		},
		{
			name: "resource exhausted status without code is quota exceeded",
			err:  genai.APIError{Status: "RESOURCE_EXHAUSTED"},
			want: model.KeyStatusQuotaExceeded,
		},
		{
			name: "400 invalid api key is invalid",
			err:  genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "API key not valid. Please pass a valid API key."},
			want: model.KeyStatusInvalid,
		},
		{
			name: "403 permission denied is invalid",
			err:  genai.APIError{Code: 403, Status: "PERMISSION_DENIED", Message: "Permission denied"},
			want: model.KeyStatusInvalid,
		},
		{
			name: "401 unauthenticated is invalid",
			err:  genai.APIError{Code: 401, Status: "UNAUTHENTICATED"},
			want: model.KeyStatusInvalid,
		},
		{
			name: "500 is retryable pending",
			err:  genai.APIError{Code: 500, Status: "INTERNAL"},
			want: model.KeyStatusPending,
		},
		{
			name: "wrapped api error still classifies",
			err:  fmt.Errorf("generate: %w", genai.APIError{Code: 429}),
			want: model.KeyStatusQuotaExceeded,
		},
		{
			name: "deadline exceeded is pending",
			err:  context.DeadlineExceeded,
			want: model.KeyStatusPending,
		},
		{
			name: "plain network error is pending",
			err:  errors.New("dial tcp: connection refused"),
			want: model.KeyStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ClassifyError(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsQuotaError(t *testing.T) {
	assert.True(t, IsQuotaError(genai.APIError{Code: 429}))
	assert.False(t, IsQuotaError(genai.APIError{Code: 400, Message: "API key not valid"}))
	assert.False(t, IsQuotaError(nil))
	assert.False(t, IsQuotaError(errors.New("connection reset")))
}
