package driven

import (
	"context"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// ProbeResult is the classified outcome of one minimal provider call.
//
// The three-way split between valid, invalid, and quota_exceeded is the point:
// a quota error means the credential is authentic but capped right now, and
// collapsing it into invalid would permanently discard a key that later
// recovers capacity. Transport failures classify as pending so the
// revalidator retries them.
type ProbeResult struct {
	Status       model.KeyStatus
	Capabilities []string
	ErrorDetail  string
}

// Prober defines the driven port for probing a candidate credential against
// the target provider.
type Prober interface {
	// Probe issues one minimal call with the candidate key and classifies the
	// response. The returned error is non-nil only for programming errors;
	// provider rejections are expressed through ProbeResult.Status.
	Probe(ctx context.Context, rawKey string) (ProbeResult, error)
}
