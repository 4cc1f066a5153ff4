package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"banana-mixer/internal/config"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
)

// Name identifies the OpenRouter provider in envelopes, logs and metrics.
const Name = "openrouter"

const (
	contentTypeJSON = "application/json"
	userAgent       = "banana-mixer/0.1"
	maxErrorBody    = 64 * 1024
)

// Provider implements the Provider interface for OpenRouter's OpenAI-compatible
// chat completions API with multimodal content.
type Provider struct {
	apiKey    string
	headers   map[string]string
	client    *http.Client
	chatURL   string
	maxTokens int
}

// New creates a new OpenRouter provider.
func New(cfg config.OpenRouterConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	headers := make(map[string]string, len(cfg.Headers)+2)
	if cfg.SiteURL != "" {
		headers["HTTP-Referer"] = cfg.SiteURL
	}
	if cfg.AppTitle != "" {
		headers["X-Title"] = cfg.AppTitle
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		apiKey:    cfg.APIKey,
		headers:   headers,
		client:    client,
		chatURL:   baseURL + "/chat/completions",
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *Provider) Name() string {
	return Name
}

// Edit sends the prompt and images as one multimodal user message.
func (p *Provider) Edit(ctx context.Context, req models.EditRequest) (*models.VendorResult, error) {
	payload := buildChatPayload(req, p.maxTokens)

	slog.Info("sending to openrouter",
		"model", payload.Model,
		"content_items", len(payload.Messages[0].Content),
		"images", len(req.ImageURLs),
		"request_id", req.RequestID,
	)

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var providerResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&providerResp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}

	result, err := providerResp.toVendorResult()
	if err != nil {
		return nil, err
	}

	slog.Info("openrouter response received",
		"model", result.Model,
		"id", result.ID,
		"finish_reason", result.FinishReason,
		"content_length", len(result.Text),
		"images", len(result.Images),
		"request_id", req.RequestID,
	)
	return result, nil
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

func buildChatPayload(req models.EditRequest, maxTokens int) chatPayload {
	items := make([]contentItem, 0, len(req.ImageURLs)+1)
	items = append(items, contentItem{Type: "text", Text: req.Prompt})
	for _, u := range req.ImageURLs {
		items = append(items, contentItem{Type: "image_url", ImageURL: &imageRef{URL: u}})
	}

	return chatPayload{
		Model:     req.Model,
		Messages:  []chatMessage{{Role: "user", Content: items}},
		MaxTokens: maxTokens,
	}
}

type chatResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []chatChoice    `json:"choices"`
	Usage   *usageBlock     `json:"usage,omitempty"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Index              int             `json:"index"`
	Message            responseMessage `json:"message"`
	FinishReason       *string         `json:"finish_reason"`
	NativeFinishReason *string         `json:"native_finish_reason"`
}

type responseMessage struct {
	Role    string          `json:"role"`
	Content *string         `json:"content"`
	Images  []responseImage `json:"images,omitempty"`
}

type responseImage struct {
	ImageURL      *imageRef `json:"image_url,omitempty"`
	URL           string    `json:"url,omitempty"`
	B64JSON       string    `json:"b64_json,omitempty"`
	RevisedPrompt string    `json:"revised_prompt,omitempty"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) toVendorResult() (*models.VendorResult, error) {
	if r.Error != nil {
		return nil, r.Error.toAPIError(http.StatusBadGateway)
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("openrouter response did not include choices")
	}

	choice := r.Choices[0]
	result := &models.VendorResult{
		Provider:           Name,
		Model:              r.Model,
		ID:                 r.ID,
		Text:               deref(choice.Message.Content),
		FinishReason:       deref(choice.FinishReason),
		NativeFinishReason: deref(choice.NativeFinishReason),
	}

	for _, img := range choice.Message.Images {
		vi := models.VendorImage{
			AltURL:        img.URL,
			B64JSON:       img.B64JSON,
			RevisedPrompt: img.RevisedPrompt,
		}
		if img.ImageURL != nil {
			vi.URL = img.ImageURL.URL
		}
		result.Images = append(result.Images, vi)
	}

	if r.Usage != nil {
		result.Usage = &models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return result, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

// toAPIError converts an error object. String codes are kept for programmatic
// matching; a numeric code in the HTTP range is taken as the status when the
// transport status is not informative.
func (o apiErrorObject) toAPIError(status int) *provider.APIError {
	apiErr := &provider.APIError{
		Provider:   Name,
		StatusCode: status,
		Message:    o.Message,
	}

	if len(o.Code) == 0 || string(o.Code) == "null" {
		return apiErr
	}

	var text string
	if err := json.Unmarshal(o.Code, &text); err == nil {
		apiErr.Code = text
		return apiErr
	}

	var num int
	if err := json.Unmarshal(o.Code, &num); err == nil {
		if status < 400 || status == http.StatusBadGateway {
			if num >= 400 && num <= 599 {
				apiErr.StatusCode = num
			}
		}
	}
	return apiErr
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr := parsed.Error.toAPIError(resp.StatusCode)
		apiErr.StatusCode = resp.StatusCode
		apiErr.Body = strings.TrimSpace(string(body))
		return apiErr
	}

	return &provider.APIError{
		Provider:   Name,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Body:       strings.TrimSpace(string(body)),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
