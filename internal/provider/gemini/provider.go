package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"banana-mixer/internal/config"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
)

// Name identifies the Gemini provider in envelopes, logs and metrics.
const Name = "gemini"

const defaultAPIVersion = "v1beta"

var apiVersionSegment = regexp.MustCompile(`^v\d+(alpha|beta)?$`)

// Finish reasons are translated to the chat completion vocabulary so the
// classifier handles every vendor alike.
var finishReasons = map[genai.FinishReason]string{
	genai.FinishReasonStop:                  "stop",
	genai.FinishReasonMaxTokens:             "length",
	genai.FinishReasonSafety:                "content_filter",
	genai.FinishReasonRecitation:            "content_filter",
	genai.FinishReasonBlocklist:             "content_filter",
	genai.FinishReasonProhibitedContent:     "content_filter",
	genai.FinishReasonSPII:                  "content_filter",
	genai.FinishReasonImageSafety:           "content_filter",
	genai.FinishReasonMalformedFunctionCall: "tool_calls",
}

// Provider generates text through the Generative Language API.
type Provider struct {
	client *genai.Client
}

// New creates a Gemini provider. A trailing API version in the base URL,
// such as /v1beta, selects the version the client speaks.
func New(cfg config.ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL, version, err := splitAPIVersion(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: version,
			Headers:    headers,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string {
	return Name
}

// Generate sends a single-turn prompt and returns the concatenated text parts.
func (p *Provider) Generate(ctx context.Context, model, prompt string) (*models.VendorResult, error) {
	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return nil, translateError(err)
	}
	return toVendorResult(resp, model), nil
}

func toVendorResult(resp *genai.GenerateContentResponse, model string) *models.VendorResult {
	result := &models.VendorResult{
		Provider: Name,
		Model:    model,
	}
	if resp == nil {
		result.FinishReason = "error"
		result.NativeFinishReason = "NO_CANDIDATES"
		return result
	}

	result.ID = resp.ResponseID
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = &models.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			result.FinishReason = "content_filter"
			result.NativeFinishReason = string(fb.BlockReason)
			return result
		}
		result.FinishReason = "error"
		result.NativeFinishReason = "NO_CANDIDATES"
		return result
	}

	first := resp.Candidates[0]
	if first.Content != nil {
		var sb strings.Builder
		for _, pt := range first.Content.Parts {
			if pt != nil && !pt.Thought {
				sb.WriteString(pt.Text)
			}
		}
		result.Text = sb.String()
	}

	native := first.FinishReason
	if native == "" || native == genai.FinishReasonUnspecified {
		native = genai.FinishReasonStop
	}
	if mapped, ok := finishReasons[native]; ok {
		result.FinishReason = mapped
	} else {
		result.FinishReason = strings.ToLower(string(native))
	}
	if result.FinishReason != "stop" {
		result.NativeFinishReason = string(native)
	}
	return result
}

// translateError turns a genai API error into a provider.APIError and wraps
// anything else.
func translateError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return fmt.Errorf("gemini request failed: %w", err)
		}
		apiErr = *ptr
	}

	out := &provider.APIError{
		Provider:   Name,
		StatusCode: apiErr.Code,
		Code:       apiErr.Status,
		Message:    apiErr.Message,
		Body:       apiErr.Error(),
	}
	if out.Message == "" {
		out.Message = out.Body
	}
	return out
}

func splitAPIVersion(raw string) (string, string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", "", errors.New("base url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse base url: %w", err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if !apiVersionSegment.MatchString(last) {
		return raw + "/", defaultAPIVersion, nil
	}
	u.Path = strings.Join(segments[:len(segments)-1], "/")
	return strings.TrimRight(u.String(), "/") + "/", last, nil
}
