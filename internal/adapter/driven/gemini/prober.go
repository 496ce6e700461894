// Package gemini implements the Prober port and the live dispatch client
// against the Gemini API using the official genai library.
package gemini

import (
	"context"
	"log/slog"
	"time"

	genai "google.golang.org/genai"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Prober = (*Prober)(nil)

// Prober issues one minimal generateContent call per candidate key and
// classifies the provider's response.
type Prober struct {
	model   string
	timeout time.Duration
}

// NewProber creates a Prober using the given probe model. timeout bounds each
// probe so a stalled provider cannot wedge the revalidator loop.
func NewProber(probeModel string, timeout time.Duration) *Prober {
	if probeModel == "" {
		probeModel = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prober{model: probeModel, timeout: timeout}
}

// Probe issues the minimal probe. Provider rejections are classified into the
// result; the error return is reserved for programming errors, so a failed
// probe still yields a usable classification.
func (p *Prober) Probe(ctx context.Context, rawKey string) (driven.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  rawKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		status, detail := ClassifyError(err)
		return driven.ProbeResult{Status: status, ErrorDetail: detail}, nil
	}

	_, err = cli.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: "ping"}}}},
		&genai.GenerateContentConfig{},
	)

	status, detail := ClassifyError(err)

	slog.Debug("probe classified",
		"key", model.RedactKey(rawKey),
		"status", string(status),
	)

	result := driven.ProbeResult{Status: status, ErrorDetail: detail}
	if status == model.KeyStatusValid {
		// The capability we actually verified: content generation on the
		// probe model.
		result.Capabilities = []string{"generateContent:" + p.model}
	}

	return result, nil
}
