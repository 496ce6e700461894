package gemini

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	genai "google.golang.org/genai"

	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TextGenerator = (*Generator)(nil)

// ErrEmptyResponse is returned when the provider answered without any
// candidate content.
var ErrEmptyResponse = errors.New("gemini returned no candidates")

// generatorCacheSize bounds how many per-key genai clients stay alive. The
// dispatch pool rotates across valid keys, so clients are cached per key.
const generatorCacheSize = 32

// Generator is the live-traffic Gemini client used behind the rotating
// dispatch pool. The key is supplied per call because the pool decides which
// credential serves each request.
type Generator struct {
	model   string
	clients *lru.Cache[string, *genai.Client]
}

// NewGenerator creates a Generator using the given model for all calls.
func NewGenerator(generateModel string) (*Generator, error) {
	if generateModel == "" {
		generateModel = "gemini-2.5-flash"
	}
	cache, err := lru.New[string, *genai.Client](generatorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create generator cache: %w", err)
	}
	return &Generator{model: generateModel, clients: cache}, nil
}

// clientFor returns the cached genai client for the key, building one on
// first use.
func (g *Generator) clientFor(ctx context.Context, rawKey string) (*genai.Client, error) {
	if cli, ok := g.clients.Get(rawKey); ok {
		return cli, nil
	}

	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  rawKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	g.clients.Add(rawKey, cli)
	return cli, nil
}

// GenerateText runs one generateContent call with the given key and returns
// the first candidate's text.
func (g *Generator) GenerateText(ctx context.Context, rawKey string, prompt string) (string, error) {
	cli, err := g.clientFor(ctx, rawKey)
	if err != nil {
		return "", err
	}

	resp, err := cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// GenerateTextStream streams generated chunks to onChunk. started is invoked
// before the first chunk is delivered, letting the dispatch pool pin the
// rotation decision: once output has begun flowing, failures surface as-is
// instead of being retried with another key.
func (g *Generator) GenerateTextStream(ctx context.Context, rawKey string, prompt string, started func(), onChunk func(string) error) error {
	cli, err := g.clientFor(ctx, rawKey)
	if err != nil {
		return err
	}

	stream := cli.Models.GenerateContentStream(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{},
	)

	begun := false
	for resp, err := range stream {
		if err != nil {
			if !begun {
				return err
			}
			return fmt.Errorf("stream interrupted: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if !begun {
				begun = true
				if started != nil {
					started()
				}
			}
			if err := onChunk(part.Text); err != nil {
				return err
			}
		}
	}

	return nil
}
