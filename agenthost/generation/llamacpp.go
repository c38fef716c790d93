// Package generation connects the turn harness to a llama.cpp server.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/config"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// LlamaCppProvider implements ports.Provider over llama.cpp's OpenAI-compatible
// /v1/chat/completions endpoint.
type LlamaCppProvider struct {
	baseURL     string
	model       string
	cachePrompt bool
	client      *http.Client
	logger      zerolog.Logger
}

// NewLlamaCppProvider creates a provider from backend settings.
func NewLlamaCppProvider(cfg config.BackendConfig, logger zerolog.Logger) *LlamaCppProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = internal.DefaultBackendURL
	}
	model := cfg.Model
	if model == "" {
		model = internal.DefaultModel
	}
	return &LlamaCppProvider{
		baseURL:     baseURL,
		model:       model,
		cachePrompt: cfg.CachePrompt,
		// Timeout 0 means none; streams can legitimately run for minutes.
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "llamacpp").Logger(),
	}
}

// Complete returns the first choice of a non-streaming completion.
func (p *LlamaCppProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	ctx, cancel := withCallTimeout(ctx, opts)
	defer cancel()

	resp, err := p.post(ctx, p.request(in, opts, false))
	if err != nil {
		return ports.Completion{}, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return ports.Completion{}, fmt.Errorf("completion has no choices")
	}
	return ports.Completion{
		Text:  out.Choices[0].Message.Content,
		Raw:   out,
		Usage: out.Usage,
	}, nil
}

// Stream sends deltas as they arrive. The channel closes after a Done chunk, an
// Err chunk, or ctx cancellation.
func (p *LlamaCppProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	ctx, cancel := withCallTimeout(ctx, opts)

	resp, err := p.post(ctx, p.request(in, opts, true))
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan ports.CompletionChunk, 16)
	go func() {
		defer cancel()
		defer close(ch)
		defer resp.Body.Close()

		send := func(c ports.CompletionChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		usage, err := p.readSSE(resp.Body, func(delta string) bool {
			return send(ports.CompletionChunk{DeltaText: delta})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			send(ports.CompletionChunk{Err: err})
			return
		}
		send(ports.CompletionChunk{Done: true, Usage: usage})
	}()
	return ch, nil
}

// readSSE parses "data:" lines until [DONE] or EOF, skipping malformed chunks.
// It stops early when emit returns false.
func (p *LlamaCppProvider) readSSE(body io.Reader, emit func(string) bool) (*ports.Usage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage *ports.Usage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return usage, nil
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug().Err(err).Msg("Skipping malformed stream chunk")
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if !emit(chunk.Choices[0].Delta.Content) {
			return usage, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("read stream: %w", err)
	}
	return usage, nil
}

// Ping checks the server's /health endpoint.
func (p *LlamaCppProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (p *LlamaCppProvider) request(in ports.PromptInput, opts ports.Options, stream bool) chatRequest {
	return chatRequest{
		Model:       p.model,
		Messages:    messagesFor(in),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxNewTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
		Stream:      stream,
		CachePrompt: p.cachePrompt,
	}
}

func (p *LlamaCppProvider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	p.logger.Debug().
		Int("messages", len(body.Messages)).
		Bool("stream", body.Stream).
		Int("max_tokens", body.MaxTokens).
		Msg("Calling backend")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
}

func withCallTimeout(ctx context.Context, opts ports.Options) (context.Context, context.CancelFunc) {
	if opts.TimeoutMs > 0 {
		return context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

var _ ports.Provider = (*LlamaCppProvider)(nil)
