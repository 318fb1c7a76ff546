// Package openaicompat provides a Provider for OpenAI-compatible chat APIs.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ineyio/quotarouter"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 8 << 20

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Provider struct {
	id         string
	baseURL    string
	apiKey     string
	model      string
	extra      map[string]any
	httpClient *http.Client
}

var _ quotarouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithExtraBody sets additional request body fields, such as temperature
// or max_tokens. Keys are sjson paths and are applied in sorted order.
func WithExtraBody(fields map[string]any) Option {
	return func(p *Provider) { p.extra = fields }
}

// New creates a provider serving registry id against baseURL.
func New(id, baseURL, apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string { return p.id }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model    string       `json:"model,omitempty"`
	Messages []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	jsonBody, err := json.Marshal(apiRequest{Model: p.model, Messages: msgs})
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("quotarouter: marshal request: %w", err)
	}
	if jsonBody, err = p.applyExtra(jsonBody); err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: extra body: %w", quotarouter.ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: create request: %w", quotarouter.ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: %w", quotarouter.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return quotarouter.ProviderResponse{}, err
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: read response: %w", quotarouter.ErrProviderUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: malformed response body", quotarouter.ErrProviderUnavailable)
	}

	parsed := gjson.ParseBytes(body)
	content := parsed.Get("choices.0.message.content")
	if !content.Exists() {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: empty choices in response", quotarouter.ErrProviderUnavailable)
	}

	return quotarouter.ProviderResponse{
		ID:      parsed.Get("id").String(),
		Content: content.String(),
		Model:   parsed.Get("model").String(),
	}, nil
}

func (p *Provider) applyExtra(body []byte) ([]byte, error) {
	if len(p.extra) == 0 {
		return body, nil
	}
	keys := make([]string, 0, len(p.extra))
	for k := range p.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		// The routed fields are owned by the dispatcher.
		if k == "model" || k == "messages" || strings.HasPrefix(k, "messages.") {
			continue
		}
		if body, err = sjson.SetBytes(body, k, p.extra[k]); err != nil {
			return nil, fmt.Errorf("set %q: %w", k, err)
		}
	}
	return body, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", quotarouter.ErrRateLimited, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", quotarouter.ErrAuthFailed, msg)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", quotarouter.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", quotarouter.ErrProviderUnavailable, resp.StatusCode, msg)
	}
}
