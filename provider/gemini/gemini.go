// Package gemini provides a Provider for the Google Gemini generateContent API.
package gemini

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

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	maxResponseBytes = 8 << 20
)

// Provider is the Gemini API adapter.
type Provider struct {
	id         string
	baseURL    string
	apiKey     string
	model      string
	genConfig  map[string]any
	httpClient *http.Client
}

var _ quotarouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithGenerationConfig sets generationConfig fields (temperature,
// maxOutputTokens, topP, ...). Keys are sjson paths below generationConfig.
func WithGenerationConfig(fields map[string]any) Option {
	return func(p *Provider) { p.genConfig = fields }
}

// New creates a provider serving registry id with the given model.
func New(id, apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		id:         id,
		baseURL:    defaultBaseURL,
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

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return quotarouter.ProviderResponse{}, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	httpResp, err := p.doRequest(ctx, url, body)
	if err != nil {
		return quotarouter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return quotarouter.ProviderResponse{}, err
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: read gemini response: %w", quotarouter.ErrProviderUnavailable, err)
	}
	if !gjson.ValidBytes(raw) {
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: malformed gemini response", quotarouter.ErrProviderUnavailable)
	}

	parsed := gjson.ParseBytes(raw)
	candidate := parsed.Get("candidates.0")
	if !candidate.Exists() {
		// A prompt blocked by safety filters has no candidates.
		if reason := parsed.Get("promptFeedback.blockReason").String(); reason != "" {
			return quotarouter.ProviderResponse{}, fmt.Errorf("%w: prompt blocked: %s", quotarouter.ErrInvalidRequest, reason)
		}
		return quotarouter.ProviderResponse{}, fmt.Errorf("%w: empty candidates in gemini response", quotarouter.ErrProviderUnavailable)
	}

	var content strings.Builder
	for _, part := range candidate.Get("content.parts").Array() {
		content.WriteString(part.Get("text").String())
	}

	model := parsed.Get("modelVersion").String()
	if model == "" {
		model = p.model
	}

	return quotarouter.ProviderResponse{
		ID:      parsed.Get("responseId").String(),
		Content: content.String(),
		Model:   model,
	}, nil
}

func (p *Provider) buildRequest(req quotarouter.ProviderRequest) ([]byte, error) {
	var gr geminiRequest
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case "assistant":
			gr.Contents = append(gr.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(gr.Contents) == 0 {
		return nil, fmt.Errorf("%w: gemini needs at least one non-system message", quotarouter.ErrInvalidRequest)
	}

	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("quotarouter: marshal gemini request: %w", err)
	}

	keys := make([]string, 0, len(p.genConfig))
	for k := range p.genConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if body, err = sjson.SetBytes(body, "generationConfig."+k, p.genConfig[k]); err != nil {
			return nil, fmt.Errorf("%w: generation config %q: %w", quotarouter.ErrInvalidRequest, k, err)
		}
	}
	return body, nil
}

func (p *Provider) doRequest(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini request: %w", quotarouter.ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quotarouter.ErrProviderUnavailable, err)
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

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
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: %s", quotarouter.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", quotarouter.ErrProviderUnavailable, resp.StatusCode, msg)
	}
}
