package router

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banana-mixer/internal/metrics"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
)

type fakeProvider struct {
	name string
	res  *models.VendorResult
	err  error

	mu    sync.Mutex
	calls []models.EditRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Edit(_ context.Context, req models.EditRequest) (*models.VendorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.res, f.err
}

type fakeGenerator struct {
	res    *models.VendorResult
	err    error
	prompt string
	model  string
}

func (f *fakeGenerator) Name() string { return "gemini" }

func (f *fakeGenerator) Generate(_ context.Context, model, prompt string) (*models.VendorResult, error) {
	f.model, f.prompt = model, prompt
	return f.res, f.err
}

func newTestRouter(t *testing.T, fal, openrouter *fakeProvider, opts ...Option) *Router {
	t.Helper()

	registry := provider.NewRegistry()
	require.NoError(t, registry.RegisterProvider(fal, provider.Rule{Prefixes: []string{"fal-ai/"}}, "fal-ai/nano-banana/edit",
		map[string]string{"banana": "fal-ai/nano-banana/edit"}))
	require.NoError(t, registry.RegisterProvider(openrouter, provider.Rule{Contains: []string{"google/gemini", "openrouter"}},
		"google/gemini-2.5-flash-image-preview:free", nil))
	return New(registry, opts...)
}

func testInput(model string) models.RequestInput {
	return models.RequestInput{
		Prompt:  "make it blue",
		ModelID: model,
		Images: []models.ImageBlob{
			{FileName: "a.png", MimeType: "image/png", Data: []byte("aa")},
			{FileName: "b.jpg", MimeType: "image/jpeg", Data: []byte("bbb")},
		},
	}
}

func TestEditDispatchesByModel(t *testing.T) {
	fal := &fakeProvider{name: "fal", res: &models.VendorResult{Images: []models.VendorImage{{URL: "https://cdn/out.jpg"}}}}
	or := &fakeProvider{name: "openrouter", res: &models.VendorResult{Text: "ok", FinishReason: "stop"}}
	rt := newTestRouter(t, fal, or)

	resp := rt.Edit(context.Background(), Call{Endpoint: "mixer-edit", RequestID: "rid", Input: testInput("fal-ai/nano-banana/edit")})
	require.True(t, resp.Success)
	assert.Equal(t, "fal", resp.Data.ProviderID)
	assert.Equal(t, "fal-ai/nano-banana/edit", resp.Data.ModelID)
	assert.True(t, resp.Data.HasImages)
	assert.Equal(t, []string{"a.png", "b.jpg"}, resp.Data.InputFileNames)
	assert.Equal(t, []int64{2, 3}, resp.Data.InputFileSizes)

	require.Len(t, fal.calls, 1)
	assert.Empty(t, or.calls)
	call := fal.calls[0]
	assert.Equal(t, "rid", call.RequestID)
	assert.Equal(t, "make it blue", call.Prompt)
	assert.Equal(t, []string{"data:image/png;base64,YWE=", "data:image/jpeg;base64,YmJi"}, call.ImageURLs)

	resp = rt.Edit(context.Background(), Call{Input: testInput("google/gemini-2.5-flash-image-preview:free")})
	require.True(t, resp.Success)
	assert.Equal(t, "openrouter", resp.Data.ProviderID)
	require.Len(t, or.calls, 1)
}

func TestEditAliasRewritesModel(t *testing.T) {
	fal := &fakeProvider{name: "fal", res: &models.VendorResult{}}
	rt := newTestRouter(t, fal, &fakeProvider{name: "openrouter"})

	resp := rt.Edit(context.Background(), Call{Input: testInput("banana")})
	require.True(t, resp.Success)
	require.Len(t, fal.calls, 1)
	assert.Equal(t, "fal-ai/nano-banana/edit", fal.calls[0].Model)
}

func TestEditUnroutedModelFallsBack(t *testing.T) {
	fal := &fakeProvider{name: "fal"}
	or := &fakeProvider{name: "openrouter"}
	rt := newTestRouter(t, fal, or)

	resp := rt.Edit(context.Background(), Call{Input: testInput("unknown/model")})
	require.False(t, resp.Success)
	assert.Equal(t, "UNKNOWN_MODEL", resp.Error.Code)
	assert.Equal(t, http.StatusBadRequest, resp.Error.HTTPStatus)
	assert.Empty(t, fal.calls)
	assert.Empty(t, or.calls)
}

func TestEditVendorRateLimit(t *testing.T) {
	fal := &fakeProvider{name: "fal", err: &provider.APIError{Provider: "fal", StatusCode: http.StatusTooManyRequests}}
	rt := newTestRouter(t, fal, &fakeProvider{name: "openrouter"})

	resp := rt.Edit(context.Background(), Call{Input: testInput("fal-ai/nano-banana/edit")})
	require.False(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.Equal(t, models.KindRateLimit, resp.Error.Kind)
	assert.Equal(t, "FAL_RATE_LIMIT", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, http.StatusTooManyRequests, resp.Error.HTTPStatus)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode())
}

func TestEditContentFilter(t *testing.T) {
	or := &fakeProvider{name: "openrouter", res: &models.VendorResult{
		Text:               "",
		FinishReason:       "content_filter",
		NativeFinishReason: "PROHIBITED_CONTENT",
	}}
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, or)

	resp := rt.Edit(context.Background(), Call{Input: testInput("google/gemini-2.5-flash-image-preview:free")})
	require.False(t, resp.Success)
	assert.Equal(t, models.KindContentFilter, resp.Error.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Error.HTTPStatus)
	assert.False(t, resp.Error.Retryable)
}

func TestEditStopWithTextOnly(t *testing.T) {
	or := &fakeProvider{name: "openrouter", res: &models.VendorResult{Text: "A red car.", FinishReason: "stop"}}
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, or)

	resp := rt.Edit(context.Background(), Call{Input: testInput("openrouter/auto")})
	require.True(t, resp.Success)
	assert.Equal(t, "A red car.", resp.Data.Content)
	assert.False(t, resp.Data.HasImages)
	assert.Empty(t, resp.Data.Images)
}

func TestEditNetworkFailure(t *testing.T) {
	or := &fakeProvider{name: "openrouter", err: errors.New("read tcp: connection reset by peer")}
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, or)

	resp := rt.Edit(context.Background(), Call{Input: testInput("openrouter/auto")})
	require.False(t, resp.Success)
	assert.Equal(t, models.KindNetwork, resp.Error.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Error.HTTPStatus)
}

func TestEditEmptyResult(t *testing.T) {
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, &fakeProvider{name: "openrouter"})

	resp := rt.Edit(context.Background(), Call{Input: testInput("fal-ai/x")})
	require.False(t, resp.Success)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}

func TestEditRejectsEmptyImage(t *testing.T) {
	fal := &fakeProvider{name: "fal", res: &models.VendorResult{}}
	rt := newTestRouter(t, fal, &fakeProvider{name: "openrouter"})

	input := testInput("fal-ai/x")
	input.Images[1].Data = nil
	resp := rt.Edit(context.Background(), Call{Input: input})
	require.False(t, resp.Success)
	assert.Equal(t, models.KindServer, resp.Error.Kind)
	assert.Empty(t, fal.calls)
}

func TestEditRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	fal := &fakeProvider{name: "fal", res: &models.VendorResult{}}
	rt := newTestRouter(t, fal, &fakeProvider{name: "openrouter", err: &provider.APIError{StatusCode: 401}}, WithMetrics(collector))

	rt.Edit(context.Background(), Call{Endpoint: "mixer-edit", Input: testInput("fal-ai/x")})
	rt.Edit(context.Background(), Call{Endpoint: "mixer-edit", Input: testInput("openrouter/auto")})

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "banana_mixer_requests_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "banana_mixer_errors_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "banana_mixer_vendor_duration_seconds"))
}

func TestChat(t *testing.T) {
	gen := &fakeGenerator{res: &models.VendorResult{Text: "Hi there", FinishReason: "stop"}}
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, &fakeProvider{name: "openrouter"},
		WithTextGenerator(gen, "gemini-2.0-flash-exp"))

	resp := rt.Chat(context.Background(), ChatCall{Endpoint: "gemini-chat", Prompt: "Hello"})
	require.True(t, resp.Success)
	assert.Equal(t, "Hi there", resp.Data.Content)
	assert.Equal(t, "gemini", resp.Data.ProviderID)
	assert.Equal(t, "gemini-2.0-flash-exp", resp.Data.ModelID)
	assert.Equal(t, "Hello", gen.prompt)
	assert.Equal(t, "gemini-2.0-flash-exp", gen.model)
	assert.Equal(t, "gemini-2.0-flash-exp", rt.ChatModel())
}

func TestChatFinishReason(t *testing.T) {
	gen := &fakeGenerator{res: &models.VendorResult{FinishReason: "length", NativeFinishReason: "MAX_TOKENS"}}
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, &fakeProvider{name: "openrouter"},
		WithTextGenerator(gen, "gemini-2.0-flash-exp"))

	resp := rt.Chat(context.Background(), ChatCall{Prompt: "Hello"})
	require.False(t, resp.Success)
	assert.Equal(t, models.KindLengthLimit, resp.Error.Kind)
}

func TestChatWithoutGenerator(t *testing.T) {
	rt := newTestRouter(t, &fakeProvider{name: "fal"}, &fakeProvider{name: "openrouter"})

	resp := rt.Chat(context.Background(), ChatCall{Prompt: "Hello"})
	require.False(t, resp.Success)
	assert.Equal(t, "PROVIDER_NOT_CONFIGURED", resp.Error.Code)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Error.HTTPStatus)
	assert.Empty(t, rt.ChatModel())
}
