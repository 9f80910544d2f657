package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"CircleChat/internal/config"
)

// Message is one entry of the prompt sent to a model
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenFunc receives generated text in order. Returning an error stops
// generation and is returned by Generate.
type TokenFunc func(token string) error

// Generator streams a model answer for messages
type Generator interface {
	Name() string
	Generate(ctx context.Context, messages []Message, onToken TokenFunc) error
}

const maxLineSize = 1 << 20

// apiError builds the error for a non-200 upstream response
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
}

// scanLines calls fn for every non-empty line of r until fn reports done
func scanLines(r io.Reader, fn func(line string) (done bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, err := fn(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// FromConfig builds the generator selected by cfg.Backend
func FromConfig(cfg config.Config, client *http.Client) (Generator, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllama(cfg.OllamaHost, cfg.OllamaModel, client), nil
	case config.BackendOpenAI:
		return NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAIAPIKey, client), nil
	case config.BackendAnthropic:
		return NewAnthropic(cfg.AnthropicBaseURL, cfg.AnthropicModel, cfg.AnthropicAPIKey, client), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}
