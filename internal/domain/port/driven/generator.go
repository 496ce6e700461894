package driven

import "context"

// TextGenerator defines the driven port for live provider traffic served with
// a pooled key. Implementations authenticate each call with the supplied raw
// key; the dispatch pool owns key selection and rotation.
type TextGenerator interface {
	// GenerateText performs one non-streaming generation.
	GenerateText(ctx context.Context, rawKey string, prompt string) (string, error)

	// GenerateTextStream performs a streaming generation. started must be
	// called before the first chunk is passed to onChunk; callers use it to
	// pin their rotation decision. A non-nil return from onChunk aborts the
	// stream.
	GenerateTextStream(ctx context.Context, rawKey string, prompt string, started func(), onChunk func(string) error) error
}
