package gemini

import (
	"context"
	"errors"
	"strings"

	genai "google.golang.org/genai"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// ClassifyError maps a genai call failure to the canonical key status.
//
// The split matters: 429/RESOURCE_EXHAUSTED means the key is authentic but
// capped right now, so it must classify as quota_exceeded rather than
// invalid, or a recoverable key would be discarded permanently. Transport
// failures say nothing about the key and classify as pending for retry.
func ClassifyError(err error) (model.KeyStatus, string) {
	if err == nil {
		return model.KeyStatusValid, ""
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED":
			return model.KeyStatusQuotaExceeded, apiErr.Message
		case isAuthFailure(apiErr):
			return model.KeyStatusInvalid, apiErr.Message
		case apiErr.Code >= 500:
			return model.KeyStatusPending, apiErr.Message
		default:
			// Unrecognized 4xx on a fixed minimal request: the key itself is
			// the only variable, so treat it as a credential problem.
			return model.KeyStatusInvalid, apiErr.Message
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.KeyStatusPending, err.Error()
	}

	// Network-level failure (DNS, connect, TLS): retryable.
	return model.KeyStatusPending, err.Error()
}

// IsQuotaError reports whether the error is a quota/billing rejection. The
// dispatch pool uses this to decide between rotating to another key and
// surfacing the failure as-is.
func IsQuotaError(err error) bool {
	status, _ := ClassifyError(err)
	return status == model.KeyStatusQuotaExceeded
}

// isAuthFailure matches the provider's authentication and permission
// rejections for a bad or revoked key.
func isAuthFailure(apiErr genai.APIError) bool {
	if apiErr.Code == 401 || apiErr.Code == 403 {
		return true
	}
	if apiErr.Status == "UNAUTHENTICATED" || apiErr.Status == "PERMISSION_DENIED" {
		return true
	}
	return apiErr.Code == 400 &&
		(strings.Contains(apiErr.Message, "API key not valid") ||
			strings.Contains(apiErr.Message, "API_KEY_INVALID"))
}
