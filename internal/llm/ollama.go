package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server. Generation options are
// tuned for a 5-30B local model: low temperature, bounded prediction
// length, stop sequences that cut off rambling.
type OllamaProvider struct {
	URL    string // full generate endpoint, e.g. http://127.0.0.1:11434/api/generate
	Model  string
	Client *http.Client
	log    *slog.Logger
}

// NewOllamaProvider builds a provider against the given generate endpoint.
func NewOllamaProvider(url, model string, log *slog.Logger) *OllamaProvider {
	if log == nil {
		log = slog.Default()
	}
	return &OllamaProvider{
		URL:    url,
		Model:  model,
		Client: &http.Client{},
		log:    log,
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete renders the prompt pair into Ollama's single-prompt format and
// returns the raw completion text.
func (p *OllamaProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	full := prompt.User
	if prompt.System != "" {
		full = prompt.System + "\n\n" + prompt.User
	}

	body, err := json.Marshal(ollamaRequest{
		Model:  p.Model,
		Prompt: full,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.1,
			"top_p":       0.9,
			"top_k":       20,
			"num_predict": 1500,
			"num_ctx":     4096,
			"stop":        []string{"\n\n\n"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", &TransportError{Backend: p.Name(), Op: "generate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return "", &TransportError{
			Backend: p.Name(),
			Op:      "generate",
			Err:     fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Backend: p.Name(), Op: "decode", Err: err}
	}
	if out.Error != "" {
		return "", &TransportError{Backend: p.Name(), Op: "generate", Err: fmt.Errorf("%s", out.Error)}
	}

	p.log.Debug("ollama completion",
		"model", p.Model,
		"elapsed", time.Since(start),
		"chars", len(out.Response))
	return strings.TrimSpace(out.Response), nil
}

// Probe checks connectivity and that the model answers at all. Used by the
// doctor command.
func (p *OllamaProvider) Probe(ctx context.Context) error {
	_, err := p.Complete(ctx, Prompt{User: `Return this exact JSON: {"status": "OK"}`})
	return err
}
