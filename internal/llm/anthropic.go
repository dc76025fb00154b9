package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
)

// DefaultAnthropicModel is the hosted fallback when no local model is
// configured.
const DefaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicProvider is the hosted backend. A weighted semaphore caps
// concurrent API calls so a wide sweep cannot trip rate limits.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	sem       *semaphore.Weighted
	log       *slog.Logger
}

// NewAnthropicProvider builds the provider. maxConcurrent <= 0 disables
// the concurrency cap.
func NewAnthropicProvider(apiKey, model string, maxConcurrent int, log *slog.Logger) *AnthropicProvider {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if log == nil {
		log = slog.Default()
	}
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 2048,
		sem:       sem,
		log:       log,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return "", &TransportError{Backend: p.Name(), Op: "acquire", Err: err}
		}
		defer p.sem.Release(1)
	}

	full := prompt.User
	if prompt.System != "" {
		full = prompt.System + "\n\n" + prompt.User
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(full)),
		},
	})
	if err != nil {
		return "", &TransportError{Backend: p.Name(), Op: "messages.new", Err: err}
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	p.log.Debug("anthropic completion",
		"model", p.model,
		"elapsed", time.Since(start),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return text, nil
}
