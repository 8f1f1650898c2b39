package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// errAPIKeyRequired is returned when no Anthropic API key is configured.
var errAPIKeyRequired = errors.New("API key required")

// DefaultModel is used when neither the task nor the config names a model.
const DefaultModel = "claude-sonnet-4-5"

// AnthropicGenerator streams completions from the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicGenerator creates a generator. ANTHROPIC_API_KEY takes
// precedence over apiKey.
func NewAnthropicGenerator(apiKey, model string, maxTokens int64) (*AnthropicGenerator, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or generator.api_key", errAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, p Prompt) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.Model != "" {
		params.Model = anthropic.Model(p.Model)
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = p.MaxTokens
	}
	if p.Temperature > 0 {
		params.Temperature = anthropic.Float(p.Temperature)
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	return &anthropicStream{stream: g.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	chunk  string
	usage  schema.TokenUsage
}

// Next skips events that carry no text, collecting usage on the way.
func (s *anthropicStream) Next() bool {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.usage.Input = ev.Message.Usage.InputTokens
		case anthropic.MessageDeltaEvent:
			s.usage.Output = ev.Usage.OutputTokens
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				s.chunk = d.Text
				return true
			}
		}
	}
	s.chunk = ""
	return false
}

func (s *anthropicStream) Chunk() string { return s.chunk }
func (s *anthropicStream) Usage() schema.TokenUsage { return s.usage }
func (s *anthropicStream) Err() error { return s.stream.Err() }
func (s *anthropicStream) Close() error { return s.stream.Close() }
