package bot

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiResponder implements Responder on top of the Gemini API.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

// NewGeminiResponder constructs a Responder backed by Gemini.
// Model falls back to a sensible default when empty.
func NewGeminiResponder(ctx context.Context, apiKey, model string) (*GeminiResponder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("bot: missing gemini api key")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &GeminiResponder{client: client, model: model}, nil
}

// Generate starts a streaming completion for prompt with history as context.
func (r *GeminiResponder) Generate(ctx context.Context, prompt string, history []Turn) (FragmentStream, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("bot: nil responder")
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	seq := r.client.Models.GenerateContentStream(ctx, r.model, contents, nil)
	next, stop := iter.Pull2(seq)

	return &geminiStream{next: next, stop: stop}, nil
}

// geminiStream adapts the SDK's push iterator to the pull FragmentStream.
type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}

		// Chunks without text (safety metadata, usage) are skipped.
		text := resp.Text()
		if text == "" {
			continue
		}
		return text, nil
	}
}

func (s *geminiStream) Close() {
	if s.stop != nil {
		s.stop()
	}
}
