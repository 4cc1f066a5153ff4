package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"banana-mixer/internal/classify"
	"banana-mixer/internal/metrics"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
	"banana-mixer/internal/translator"
	"banana-mixer/internal/validator"
)

// Pipeline stages, logged at debug level. No stage is revisited.
const (
	stageDispatching = "dispatching"
	stageCalling     = "calling"
	stageNormalizing = "normalizing"
	stageClassifying = "classifying"
	stageDone        = "done"
)

// Call is one validated edit request.
type Call struct {
	Endpoint  string
	RequestID string
	Input     models.RequestInput
}

// ChatCall is one validated text generation request.
type ChatCall struct {
	Endpoint  string
	RequestID string
	Prompt    string
}

// Router dispatches validated requests to the provider selected by the registry
// and turns the outcome into an envelope.
type Router struct {
	registry  *provider.Registry
	generator provider.TextGenerator
	chatModel string
	matcher   classify.MessageMatcher
	metrics   *metrics.Collector
}

// Option configures a Router.
type Option func(*Router)

// WithTextGenerator enables Chat using g and its default model.
func WithTextGenerator(g provider.TextGenerator, model string) Option {
	return func(r *Router) {
		r.generator = g
		r.chatModel = model
	}
}

// WithMetrics records outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// WithMatcher replaces the free-text fallback matcher of every classifier.
func WithMatcher(m classify.MessageMatcher) Option {
	return func(r *Router) {
		r.matcher = m
	}
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		matcher:  classify.DefaultMatcher,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Supports reports whether a routing rule accepts modelID.
func (r *Router) Supports(modelID string) bool {
	return r.registry.Supports(modelID)
}

// DefaultModel returns the default model of the named provider.
func (r *Router) DefaultModel(providerName string) (string, bool) {
	return r.registry.DefaultModel(providerName)
}

// Routes lists the routing rules in match order.
func (r *Router) Routes() []models.Route {
	return r.registry.Routes()
}

// ChatModel returns the text generation model, or "" when chat is disabled.
func (r *Router) ChatModel() string {
	if r.generator == nil {
		return ""
	}
	return r.chatModel
}

// Edit runs the dispatch, vendor call and normalization or classification of a
// validated request.
func (r *Router) Edit(ctx context.Context, call Call) models.UnifiedResponse {
	logger := slog.With("request_id", call.RequestID, "model", call.Input.ModelID)
	logger.Debug("pipeline stage", "stage", stageDispatching)

	modelInfo, providerImpl, err := r.registry.LookupModel(call.Input.ModelID)
	if err != nil {
		// Validation rejects unrouted ids before dispatch; reaching here is a bug.
		logger.Error("dispatch reached with unrouted model", "err", err)
		return r.finish(logger, call.Endpoint, "", models.Fail(validator.UnknownModel(call.Input.ModelID)))
	}

	imageURLs, err := encodeImages(ctx, call.Input.Images)
	if err != nil {
		return r.finish(logger, call.Endpoint, providerImpl.Name(), models.Fail(classify.Internal(err)))
	}

	logger.Info("processing edit request",
		"provider", providerImpl.Name(),
		"upstream_model", modelInfo.ID,
		"images", len(call.Input.Images),
		"file_names", call.Input.FileNames(),
		"prompt_length", len(call.Input.Prompt),
	)
	logger.Debug("pipeline stage", "stage", stageCalling, "provider", providerImpl.Name())

	start := time.Now()
	res, err := providerImpl.Edit(ctx, models.EditRequest{
		Model:     modelInfo.ID,
		Prompt:    call.Input.Prompt,
		ImageURLs: imageURLs,
		RequestID: call.RequestID,
	})
	r.metrics.ObserveVendorCall(providerImpl.Name(), time.Since(start))

	if res != nil {
		if res.Provider == "" {
			res.Provider = providerImpl.Name()
		}
		if res.Model == "" {
			res.Model = modelInfo.ID
		}
	}
	return r.settle(logger, call.Endpoint, providerImpl.Name(), res, err, call.Input)
}

// Chat runs a text generation request through the configured generator.
func (r *Router) Chat(ctx context.Context, call ChatCall) models.UnifiedResponse {
	logger := slog.With("request_id", call.RequestID, "model", r.chatModel)

	if r.generator == nil {
		info := models.NewError(models.KindServer, "PROVIDER_NOT_CONFIGURED", "Chat Unavailable",
			"No text generation provider is configured", "providers.gemini is not set").
			WithHTTPStatus(http.StatusServiceUnavailable)
		return r.finish(logger, call.Endpoint, "", models.Fail(info))
	}

	logger.Debug("pipeline stage", "stage", stageCalling, "provider", r.generator.Name())

	start := time.Now()
	res, err := r.generator.Generate(ctx, r.chatModel, call.Prompt)
	r.metrics.ObserveVendorCall(r.generator.Name(), time.Since(start))

	if res != nil && res.Provider == "" {
		res.Provider = r.generator.Name()
	}
	input := models.RequestInput{Prompt: call.Prompt, ModelID: r.chatModel}
	return r.settle(logger, call.Endpoint, r.generator.Name(), res, err, input)
}

func (r *Router) settle(logger *slog.Logger, endpoint, providerName string, res *models.VendorResult, callErr error, input models.RequestInput) models.UnifiedResponse {
	classifier := classify.New(classify.ProfileFor(providerName), classify.WithMatcher(r.matcher))

	if callErr != nil {
		logger.Debug("pipeline stage", "stage", stageClassifying)
		info := classifier.ClassifyError(callErr)
		logger.Warn("vendor call failed",
			"provider", providerName,
			"type", info.Kind,
			"code", info.Code,
			"status", info.HTTPStatus,
			"err", callErr,
		)
		return r.finish(logger, endpoint, providerName, models.Fail(info))
	}
	if res == nil {
		return r.finish(logger, endpoint, providerName,
			models.Fail(classify.Internal(fmt.Errorf("provider %s returned an empty response", providerName))))
	}

	if info, failed := classifier.ClassifyFinish(res.FinishReason, res.NativeFinishReason); failed {
		logger.Debug("pipeline stage", "stage", stageClassifying)
		logger.Warn("vendor finished abnormally",
			"provider", providerName,
			"finish_reason", res.FinishReason,
			"native_finish_reason", res.NativeFinishReason,
			"type", info.Kind,
		)
		return r.finish(logger, endpoint, providerName, models.Fail(info))
	}

	logger.Debug("pipeline stage", "stage", stageNormalizing)
	return r.finish(logger, endpoint, providerName, translator.Normalize(res, input))
}

func (r *Router) finish(logger *slog.Logger, endpoint, providerName string, resp models.UnifiedResponse) models.UnifiedResponse {
	logger.Debug("pipeline stage", "stage", stageDone, "success", resp.Success)
	r.metrics.RecordResponse(endpoint, providerName, resp)
	return resp
}

// encodeImages renders every blob as a data URI, concurrently.
func encodeImages(ctx context.Context, images []models.ImageBlob) ([]string, error) {
	urls := make([]string, len(images))
	g, _ := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			if len(img.Data) == 0 {
				return fmt.Errorf("image %q is empty", img.FileName)
			}
			urls[i] = img.DataURI()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}
