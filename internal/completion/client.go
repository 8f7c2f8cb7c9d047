package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quilldesk/sheetsense/internal/chat"
	"github.com/quilldesk/sheetsense/internal/search"
)

const defaultCompletionTimeout = 30 * time.Second

// Client is the opaque completion collaborator: given a context bundle
// and the new user message it returns the assistant's reply. No retry
// logic lives here; retries, if any, belong to the caller.
type Client interface {
	Complete(ctx context.Context, bundle search.Bundle, userMessage string) (string, error)
}

// ClientOptions configure the HTTP chat-completions client.
type ClientOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type httpClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewClient(opts ClientOptions) Client {
	c := &httpClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       strings.TrimSpace(opts.Model),
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		httpClient:  &http.Client{Timeout: defaultCompletionTimeout},
	}
	if opts.Timeout > 0 {
		c.httpClient.Timeout = opts.Timeout
	}
	return c
}

const systemPrompt = `You are a spreadsheet assistant. Answer questions about formulas, functions and the user's workbook using the provided context. Prefer concrete formulas over prose. If the context does not cover the question, say so instead of guessing.`

func (c *httpClient) Complete(ctx context.Context, bundle search.Bundle, userMessage string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("complete: missing api key")
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("complete: missing base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("complete: missing model")
	}

	messages := buildMessages(bundle, userMessage)
	body := map[string]any{
		"model":    c.model,
		"messages": messages,
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	if c.temperature > 0 {
		body["temperature"] = c.temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("complete: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("complete: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("complete: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("complete: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("complete: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("complete: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("complete: empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("complete: empty content in response")
	}
	return content, nil
}

// buildMessages renders the bundle into chat messages: retrieved
// context goes into the system prompt, verbatim history replays as
// real turns, and the new user message comes last.
func buildMessages(bundle search.Bundle, userMessage string) []map[string]string {
	var contextParts []string
	for _, frag := range bundle.Fragments {
		if frag.Provenance == search.ProvenanceVerbatimHistory {
			continue
		}
		contextParts = append(contextParts, fmt.Sprintf("[%s] %s", frag.Provenance, frag.Text))
	}

	system := systemPrompt
	if len(contextParts) > 0 {
		system += "\n\nRetrieved context:\n" + strings.Join(contextParts, "\n")
	}

	messages := make([]map[string]string, 0, len(bundle.Fragments)+2)
	messages = append(messages, map[string]string{"role": "system", "content": system})

	for _, frag := range bundle.ByProvenance(search.ProvenanceVerbatimHistory) {
		role, text := splitVerbatim(frag.Text)
		messages = append(messages, map[string]string{"role": role, "content": text})
	}

	messages = append(messages, map[string]string{"role": chat.RoleUser, "content": userMessage})
	return messages
}

func splitVerbatim(text string) (role, content string) {
	if prefix, rest, ok := strings.Cut(text, ": "); ok {
		switch prefix {
		case chat.RoleUser, chat.RoleAssistant:
			return prefix, rest
		}
	}
	return chat.RoleUser, text
}
