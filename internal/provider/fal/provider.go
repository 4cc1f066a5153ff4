package fal

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
	"time"

	"banana-mixer/internal/config"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
)

// Name identifies the fal provider in envelopes, logs and metrics.
const Name = "fal"

const (
	contentTypeJSON = "application/json"
	userAgent       = "banana-mixer/0.1"
	maxErrorBody    = 64 * 1024
)

const (
	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
)

// Provider submits edit jobs to the fal queue API and waits for their result.
type Provider struct {
	apiKey       string
	baseURL      string
	headers      map[string]string
	client       *http.Client
	timeout      time.Duration
	pollInterval time.Duration
	numImages    int
	outputFormat string
	syncMode     bool
}

// New creates a fal provider.
func New(cfg config.FalConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Provider{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		headers:      cfg.Headers,
		client:       client,
		timeout:      cfg.Timeout,
		pollInterval: pollInterval,
		numImages:    cfg.NumImages,
		outputFormat: cfg.OutputFormat,
		syncMode:     cfg.SyncMode,
	}, nil
}

func (p *Provider) Name() string {
	return Name
}

type editInput struct {
	Prompt       string   `json:"prompt"`
	ImageURLs    []string `json:"image_urls"`
	NumImages    int      `json:"num_images,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	SyncMode     bool     `json:"sync_mode"`
}

type queueSubmission struct {
	RequestID   string `json:"request_id"`
	ResponseURL string `json:"response_url"`
	StatusURL   string `json:"status_url"`
	CancelURL   string `json:"cancel_url"`
}

type queueStatus struct {
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Logs          []queueLog `json:"logs,omitempty"`
}

type queueLog struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

type editOutput struct {
	Images      []outputImage `json:"images"`
	Description string        `json:"description"`
}

type outputImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
}

// Edit submits the job, polls until it completes and fetches the output.
func (p *Provider) Edit(ctx context.Context, req models.EditRequest) (*models.VendorResult, error) {
	if len(req.ImageURLs) == 0 {
		return nil, errors.New("fal edit requires at least one image")
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logger := slog.With("provider", Name, "model", req.Model, "request_id", req.RequestID)

	input := editInput{
		Prompt:       req.Prompt,
		ImageURLs:    req.ImageURLs,
		NumImages:    p.numImages,
		OutputFormat: p.outputFormat,
		SyncMode:     p.syncMode,
	}

	var submission queueSubmission
	if err := p.do(ctx, http.MethodPost, p.baseURL+"/"+strings.TrimLeft(req.Model, "/"), input, &submission); err != nil {
		return nil, err
	}
	if submission.RequestID == "" {
		return nil, errors.New("fal queue submission did not include a request id")
	}
	logger.Debug("fal job queued", "fal_request_id", submission.RequestID)

	statusURL := submission.StatusURL
	if statusURL == "" {
		statusURL = p.requestURL(req.Model, submission.RequestID) + "/status"
	}
	responseURL := submission.ResponseURL
	if responseURL == "" {
		responseURL = p.requestURL(req.Model, submission.RequestID)
	}

	if err := p.waitForCompletion(ctx, statusURL, logger); err != nil {
		return nil, err
	}

	var output editOutput
	if err := p.do(ctx, http.MethodGet, responseURL, nil, &output); err != nil {
		return nil, err
	}

	logger.Info("fal response received",
		"images", len(output.Images),
		"has_description", output.Description != "",
		"fal_request_id", submission.RequestID,
	)

	return output.toVendorResult(req.Model, submission.RequestID), nil
}

func (p *Provider) waitForCompletion(ctx context.Context, statusURL string, logger *slog.Logger) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	sep := "?"
	if strings.Contains(statusURL, "?") {
		sep = "&"
	}
	pollURL := statusURL + sep + "logs=1"

	for {
		var status queueStatus
		if err := p.do(ctx, http.MethodGet, pollURL, nil, &status); err != nil {
			return err
		}

		switch status.Status {
		case statusCompleted:
			return nil
		case statusInProgress:
			if len(status.Logs) > 0 {
				messages := make([]string, 0, len(status.Logs))
				for _, l := range status.Logs {
					messages = append(messages, l.Message)
				}
				logger.Debug("fal processing update", "logs", messages)
			}
		case statusInQueue:
			if status.QueuePosition != nil {
				logger.Debug("fal job waiting", "queue_position", *status.QueuePosition)
			}
		default:
			return fmt.Errorf("fal queue returned unexpected status %q", status.Status)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("fal queue wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// requestURL builds the queue URL for a request. fal addresses queued requests by
// the application owner and alias only, without any sub-path.
func (p *Provider) requestURL(model, requestID string) string {
	segments := strings.Split(strings.Trim(model, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return p.baseURL + "/" + strings.Join(segments, "/") + "/requests/" + requestID
}

func (p *Provider) do(ctx context.Context, method, url string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Key "+p.apiKey)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fal request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func (o editOutput) toVendorResult(model, requestID string) *models.VendorResult {
	images := make([]models.VendorImage, 0, len(o.Images))
	for _, img := range o.Images {
		images = append(images, models.VendorImage{
			URL:         img.URL,
			ContentType: img.ContentType,
			FileName:    img.FileName,
			FileSize:    img.FileSize,
		})
	}
	return &models.VendorResult{
		Provider:    Name,
		Model:       model,
		ID:          requestID,
		Text:        o.Description,
		Description: o.Description,
		Images:      images,
	}
}

type apiErrorBody struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

type detailEntry struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	apiErr := &provider.APIError{
		Provider:   Name,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = apiErr.Body
		return apiErr
	}
	apiErr.Message = parsed.Message

	if len(parsed.Detail) == 0 {
		return apiErr
	}

	var entries []detailEntry
	if err := json.Unmarshal(parsed.Detail, &entries); err == nil {
		for _, e := range entries {
			apiErr.Fields = append(apiErr.Fields, provider.FieldError{
				Location: locationStrings(e.Loc),
				Message:  e.Msg,
			})
		}
		return apiErr
	}

	var text string
	if err := json.Unmarshal(parsed.Detail, &text); err == nil {
		apiErr.Detail = text
		if apiErr.Message == "" {
			apiErr.Message = text
		}
	}
	return apiErr
}

func locationStrings(loc []any) []string {
	out := make([]string, 0, len(loc))
	for _, part := range loc {
		switch v := part.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, fmt.Sprintf("%d", int(v)))
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
