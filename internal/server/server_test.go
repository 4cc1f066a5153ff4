package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banana-mixer/internal/config"
	"banana-mixer/internal/metrics"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
	"banana-mixer/internal/router"
)

const testConfig = `
server:
  port: 8080
  metrics: true
providers:
  fal:
    api_key: fal-key
  openrouter:
    api_key: or-key
  gemini:
    api_key: gm-key
`

type countingProvider struct {
	name  string
	res   *models.VendorResult
	err   error
	calls atomic.Int32
	last  atomic.Value
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Edit(_ context.Context, req models.EditRequest) (*models.VendorResult, error) {
	p.calls.Add(1)
	p.last.Store(req)
	return p.res, p.err
}

type echoGenerator struct{}

func (echoGenerator) Name() string { return "gemini" }

func (echoGenerator) Generate(_ context.Context, _, prompt string) (*models.VendorResult, error) {
	return &models.VendorResult{Text: "echo: " + prompt, FinishReason: "stop"}, nil
}

type fixture struct {
	server     *Server
	fal        *countingProvider
	openrouter *countingProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig)
}

func newFixtureWithConfig(t *testing.T, raw string) *fixture {
	t.Helper()

	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)

	f := &fixture{
		fal: &countingProvider{name: "fal", res: &models.VendorResult{
			Images: []models.VendorImage{{URL: "https://cdn.fal/out.jpg", ContentType: "image/jpeg"}},
			Text:   "Edited.",
		}},
		openrouter: &countingProvider{name: "openrouter", res: &models.VendorResult{
			Text:         "A red car.",
			FinishReason: "stop",
		}},
	}

	registry := provider.NewRegistry()
	require.NoError(t, registry.RegisterProvider(f.fal, provider.Rule{Prefixes: cfg.Providers.Fal.Match.Prefixes},
		cfg.Providers.Fal.DefaultModel, nil))
	require.NoError(t, registry.RegisterProvider(f.openrouter, provider.Rule{Contains: cfg.Providers.OpenRouter.Match.Contains},
		cfg.Providers.OpenRouter.DefaultModel, nil))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	rt := router.New(registry,
		router.WithMetrics(collector),
		router.WithTextGenerator(echoGenerator{}, cfg.Providers.Gemini.DefaultModel),
	)

	f.server, err = New(cfg, rt, WithMetrics(collector, reg))
	require.NoError(t, err)
	return f
}

func pngData(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for field, data := range files {
		part, err := w.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, models.UnifiedResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var resp models.UnifiedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestMixerEditValidationScenarios(t *testing.T) {
	img := pngData(t)

	tests := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
		code   string
	}{
		{
			name:   "empty prompt",
			fields: map[string]string{"prompt": "", "model": "fal-ai/nano-banana/edit"},
			files:  map[string][]byte{"image_0": img},
			code:   "NO_PROMPT",
		},
		{
			name:   "no images",
			fields: map[string]string{"prompt": "edit this", "model": "fal-ai/nano-banana/edit"},
			code:   "NO_IMAGES",
		},
		{
			name:   "unknown model",
			fields: map[string]string{"prompt": "edit this", "model": "unknown/model"},
			files:  map[string][]byte{"image_0": img},
			code:   "UNKNOWN_MODEL",
		},
		{
			name:   "no model",
			fields: map[string]string{"prompt": "edit this"},
			files:  map[string][]byte{"image_0": img},
			code:   "NO_MODEL",
		},
		{
			name:   "only fields outside image_0 to image_4",
			fields: map[string]string{"prompt": "edit this", "model": "fal-ai/nano-banana/edit"},
			files:  map[string][]byte{"image_9": img, "image_5": img},
			code:   "NO_IMAGES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec, resp := f.do(t, multipartRequest(t, "/api/mixer-edit", tt.fields, tt.files))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, models.KindValidation, resp.Error.Kind)
			assert.False(t, resp.Error.Retryable)
			assert.Equal(t, int32(0), f.fal.calls.Load(), "no vendor call on invalid input")
			assert.Equal(t, int32(0), f.openrouter.calls.Load())
		})
	}
}

func TestMixerEditSuccess(t *testing.T) {
	f := newFixture(t)
	img := pngData(t)

	rec, resp := f.do(t, multipartRequest(t, "/api/mixer-edit",
		map[string]string{"prompt": "combine", "model": "fal-ai/nano-banana/edit"},
		map[string][]byte{"image_1": img, "image_0": img},
	))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.Equal(t, "fal", resp.Data.ProviderID)
	assert.Equal(t, "Edited.", resp.Data.Content)
	assert.True(t, resp.Data.HasImages)
	require.Len(t, resp.Data.Images, 1)
	assert.Equal(t, "https://cdn.fal/out.jpg", *resp.Data.Images[0].URL)
	assert.Equal(t, []string{"image_0.png", "image_1.png"}, resp.Data.InputFileNames)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	last := f.fal.last.Load().(models.EditRequest)
	assert.Len(t, last.ImageURLs, 2)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), last.RequestID)
}

func TestMixerEditIgnoresFieldsPastLastSlot(t *testing.T) {
	f := newFixture(t)
	img := pngData(t)

	rec, resp := f.do(t, multipartRequest(t, "/api/mixer-edit",
		map[string]string{"prompt": "combine", "model": "fal-ai/nano-banana/edit"},
		map[string][]byte{
			"image_0": img, "image_1": img, "image_2": img, "image_3": img, "image_4": img, "image_5": img,
		},
	))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.Equal(t, []string{"image_0.png", "image_1.png", "image_2.png", "image_3.png", "image_4.png"},
		resp.Data.InputFileNames)
	assert.Len(t, f.fal.last.Load().(models.EditRequest).ImageURLs, 5)
}

func TestMixerEditTooManyImages(t *testing.T) {
	f := newFixtureWithConfig(t, testConfig+"uploads:\n  max_images: 2\n")
	img := pngData(t)

	rec, resp := f.do(t, multipartRequest(t, "/api/mixer-edit",
		map[string]string{"prompt": "combine", "model": "fal-ai/nano-banana/edit"},
		map[string][]byte{"image_0": img, "image_1": img, "image_2": img},
	))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TOO_MANY_IMAGES", resp.Error.Code)
	assert.Equal(t, int32(0), f.fal.calls.Load())
}

func TestMixerEditEmptyImage(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("prompt", "edit this"))
	require.NoError(t, w.WriteField("model", "fal-ai/nano-banana/edit"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image_0"; filename="blank.png"`)
	h.Set("Content-Type", "image/png")
	_, err := w.CreatePart(h)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/mixer-edit", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec, resp := f.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "EMPTY_IMAGE", resp.Error.Code)
	assert.Equal(t, models.KindValidation, resp.Error.Kind)
	assert.False(t, resp.Error.Retryable)
	assert.Equal(t, int32(0), f.fal.calls.Load())
}

func TestMixerEditVendorFailure(t *testing.T) {
	f := newFixture(t)
	f.openrouter.res = nil
	f.openrouter.err = &provider.APIError{Provider: "openrouter", StatusCode: http.StatusTooManyRequests, Message: "slow down"}

	rec, resp := f.do(t, multipartRequest(t, "/api/mixer-edit",
		map[string]string{"prompt": "edit", "model": "google/gemini-2.5-flash-image-preview:free"},
		map[string][]byte{"image_0": pngData(t)},
	))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindRateLimit, resp.Error.Kind)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, "slow down", resp.Error.Message)
}

func TestSingleImageEndpoints(t *testing.T) {
	f := newFixture(t)
	img := pngData(t)

	rec, resp := f.do(t, multipartRequest(t, "/api/image-edit",
		map[string]string{"prompt": "sunset"}, map[string][]byte{"image": img}))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.Equal(t, "fal", resp.Data.ProviderID)
	assert.Equal(t, "fal-ai/nano-banana/edit", f.fal.last.Load().(models.EditRequest).Model)

	rec, resp = f.do(t, multipartRequest(t, "/api/openrouter-edit",
		map[string]string{"prompt": "describe"}, map[string][]byte{"image": img}))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.Equal(t, "A red car.", resp.Data.Content)
	assert.False(t, resp.Data.HasImages)

	rec, resp = f.do(t, multipartRequest(t, "/api/image-edit", map[string]string{"prompt": "sunset"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_IMAGES", resp.Error.Code)
}

func TestMixerEditRejectsNonMultipart(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/mixer-edit", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec, resp := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FORM", resp.Error.Code)
}

func TestGeminiChat(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/gemini-chat", strings.NewReader(`{"message":"Hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec, resp := f.do(t, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.Equal(t, "echo: Hello", resp.Data.Content)
	assert.Equal(t, "gemini", resp.Data.ProviderID)

	req = httptest.NewRequest(http.MethodPost, "/api/gemini-chat", strings.NewReader(`{"message":""}`))
	rec, resp = f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_PROMPT", resp.Error.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/gemini-chat", strings.NewReader(`{not json`))
	rec, resp = f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", resp.Error.Code)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindValidation, resp.Error.Kind)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, http.StatusNotFound, resp.Error.HTTPStatus)
}

func TestPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	f.server.app.GET("/boom", func(echo.Context) error { panic("kaboom") })

	rec, resp := f.do(t, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindServer, resp.Error.Kind)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Contains(t, resp.Error.Details, "kaboom")
}

func TestHealthModelsAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var catalogue modelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalogue))
	require.Len(t, catalogue.Routes, 2)
	assert.Equal(t, "fal", catalogue.Routes[0].Provider)
	assert.Equal(t, "gemini-2.0-flash-exp", catalogue.ChatModel)

	f.do(t, multipartRequest(t, "/api/mixer-edit", map[string]string{"prompt": ""}, map[string][]byte{"image_0": pngData(t)}))

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `banana_mixer_errors_total{code="NO_PROMPT",type="validation"} 1`)
}

func TestIndexedFilesOrdering(t *testing.T) {
	fh := func(name string) []*multipart.FileHeader { return []*multipart.FileHeader{{Filename: name}} }
	form := &multipart.Form{File: map[string][]*multipart.FileHeader{
		"image_4":  fh("four"),
		"image_2":  fh("two"),
		"image_0":  fh("zero"),
		"image_5":  fh("skip"),
		"image_10": fh("skip"),
		"image_02": fh("skip"),
		"image_-1": fh("skip"),
		"image_x":  fh("skip"),
		"other":    fh("skip"),
	}}

	files := indexedFiles(form, mixerImageField, mixerImageSlots)
	require.Len(t, files, 3)
	assert.Equal(t, "zero", files[0].Filename)
	assert.Equal(t, "two", files[1].Filename)
	assert.Equal(t, "four", files[2].Filename)
}
