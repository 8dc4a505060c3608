package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/rcliao/agent-turns/internal/config"
)

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend creates an OpenAI backend. baseURL may point at any
// compatible server.
func NewOpenAIBackend(apiKey, baseURL string) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("openai: no model configured for tier %q", req.Tier)
	}
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// GeminiBackend calls the Gemini API through the genai SDK.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a Gemini backend.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

func (b *GeminiBackend) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("gemini: no model configured for tier %q", req.Tier)
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := b.client.Models.GenerateContent(ctx, req.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty candidates")
	}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			text.WriteString(p.Text)
		}
	}
	return text.String(), nil
}

// Responder produces a reply for a scripted backend.
type Responder func(Request) (string, error)

// ScriptedBackend replays canned replies per schema name. Each schema's queue
// is consumed in order and its last reply repeats; schemas without a queue
// fall back to the responder. It is deterministic and never touches the
// network.
type ScriptedBackend struct {
	mu        sync.Mutex
	queues    map[string][]string
	responder Responder
	calls     []Request
}

// NewScriptedBackend creates a scripted backend.
func NewScriptedBackend(script map[string][]string, fallback Responder) *ScriptedBackend {
	q := make(map[string][]string, len(script))
	for k, v := range script {
		q[k] = append([]string(nil), v...)
	}
	return &ScriptedBackend{queues: q, responder: fallback}
}

func (b *ScriptedBackend) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.calls = append(b.calls, req)
	queue := b.queues[req.Schema]
	if len(queue) > 0 {
		reply := queue[0]
		if len(queue) > 1 {
			b.queues[req.Schema] = queue[1:]
		}
		b.mu.Unlock()
		return reply, nil
	}
	responder := b.responder
	b.mu.Unlock()

	if responder == nil {
		return "", fmt.Errorf("scripted backend: no reply for %q", req.Schema)
	}
	return responder(req)
}

// Calls returns the requests seen so far.
func (b *ScriptedBackend) Calls() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.calls...)
}

// CallCount counts requests for one schema.
func (b *ScriptedBackend) CallCount(schema string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Schema == schema {
			n++
		}
	}
	return n
}

// FromConfig builds the configured network backend. The scripted provider
// needs a responder, so it is left to the caller and reported as nil.
func FromConfig(ctx context.Context, cfg config.ReasoningConfig) (Backend, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai reasoning needs an API key")
		}
		return NewOpenAIBackend(cfg.APIKey, cfg.BaseURL), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini reasoning needs an API key")
		}
		b, err := NewGeminiBackend(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "scripted", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}
