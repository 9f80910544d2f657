package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// AnthropicStreamEvent is one "data:" payload of the messages event stream
type AnthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Anthropic streams answers from the Anthropic messages API
type Anthropic struct {
	baseURL   string
	model     string
	apiKey    string
	maxTokens int
	client    *http.Client
}

// NewAnthropic creates a generator for model
func NewAnthropic(baseURL, model, apiKey string, client *http.Client) *Anthropic {
	if client == nil {
		client = &http.Client{}
	}
	return &Anthropic{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		apiKey:    apiKey,
		maxTokens: 1024,
		client:    client,
	}
}

func (a *Anthropic) Name() string {
	return "anthropic/" + a.model
}

// Generate calls /v1/messages with streaming enabled. System messages are
// moved to the top-level system field.
func (a *Anthropic) Generate(ctx context.Context, messages []Message, onToken TokenFunc) error {
	if a.apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	reqBody := AnthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Stream:    true,
	}
	var system []string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		reqBody.Messages = append(reqBody.Messages, msg)
	}
	reqBody.System = strings.Join(system, "\n\n")

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	return scanLines(resp.Body, func(line string) (bool, error) {
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			return false, nil
		}

		var ev AnthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &ev); err != nil {
			return false, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if err := onToken(ev.Delta.Text); err != nil {
					return false, err
				}
			}
		case "error":
			if ev.Error != nil {
				return false, fmt.Errorf("anthropic error: %s", ev.Error.Message)
			}
			return false, fmt.Errorf("anthropic error")
		case "message_stop":
			return true, nil
		}
		return false, nil
	})
}
