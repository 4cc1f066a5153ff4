package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"banana-mixer/internal/classify"
	"banana-mixer/internal/config"
	"banana-mixer/internal/metrics"
	"banana-mixer/internal/models"
	"banana-mixer/internal/provider/fal"
	"banana-mixer/internal/provider/openrouter"
	"banana-mixer/internal/router"
	"banana-mixer/internal/validator"
)

const (
	maxJSONBodyBytes    = 1 << 20 // 1 MiB
	multipartOverhead   = 1 << 20
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 60 * time.Second
	writeTimeout        = 150 * time.Second
	idleTimeout         = 120 * time.Second
)

// Endpoint names, used as the route label of metrics.
const (
	endpointImageEdit      = "image-edit"
	endpointMixerEdit      = "mixer-edit"
	endpointOpenRouterEdit = "openrouter-edit"
	endpointGeminiChat     = "gemini-chat"
)

const (
	mixerImageField  = "image_"
	singleImageField = "image"
)

// mixerImageSlots is the number of image_<N> fields the mixer form defines.
const mixerImageSlots = validator.DefaultMaxImages

type Server struct {
	cfg       config.Config
	router    *router.Router
	validator *validator.Validator
	metrics   *metrics.Collector
	gatherer  prometheus.Gatherer
	app       *echo.Echo
	address   string
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request outcomes on c and exposes g on /metrics.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = envelopeErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.BodyLimit(bodyLimit(cfg.Uploads)))

	srv := &Server{
		cfg:       cfg,
		router:    rt,
		validator: validator.New(rt, cfg.Uploads.MaxImages, cfg.Uploads.MaxImageBytes),
		app:       e,
		address:   fmt.Sprintf(":%d", cfg.Server.Port),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo instance, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.gatherer != nil)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/models", s.handleModels)
	if s.gatherer != nil && s.cfg.Server.Metrics {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.app.POST("/api/mixer-edit", s.handleMixerEdit)
	s.app.POST("/api/image-edit", s.singleImageHandler(endpointImageEdit, fal.Name))
	s.app.POST("/api/openrouter-edit", s.singleImageHandler(endpointOpenRouterEdit, openrouter.Name))
	s.app.POST("/api/gemini-chat", s.handleGeminiChat)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelsResponse struct {
	Routes    []models.Route `json:"routes"`
	ChatModel string         `json:"chatModel,omitempty"`
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, modelsResponse{
		Routes:    s.router.Routes(),
		ChatModel: s.router.ChatModel(),
	})
}

func (s *Server) handleMixerEdit(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return formError(err)
	}

	return s.edit(c, endpointMixerEdit, validator.Form{
		Prompt: formValue(form, "prompt"),
		Model:  formValue(form, "model"),
		Files:  indexedFiles(form, mixerImageField, mixerImageSlots),
	})
}

// singleImageHandler serves the one-image endpoints, which always use the
// default model of the named provider.
func (s *Server) singleImageHandler(endpoint, providerName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		form, err := c.MultipartForm()
		if err != nil {
			return formError(err)
		}

		modelID, ok := s.router.DefaultModel(providerName)
		if !ok {
			return s.respond(c, endpoint, "", models.Fail(providerNotConfigured(providerName)))
		}

		var files []*multipart.FileHeader
		if fhs := form.File[singleImageField]; len(fhs) > 0 {
			files = fhs[:1]
		}
		return s.edit(c, endpoint, validator.Form{
			Prompt: formValue(form, "prompt"),
			Model:  modelID,
			Files:  files,
		})
	}
}

func (s *Server) edit(c echo.Context, endpoint string, form validator.Form) error {
	input, err := s.validator.Validate(form)
	if err != nil {
		return s.reject(c, endpoint, err)
	}

	resp := s.router.Edit(c.Request().Context(), router.Call{
		Endpoint:  endpoint,
		RequestID: requestID(c),
		Input:     input,
	})
	return c.JSON(resp.StatusCode(), resp)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleGeminiChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return s.respond(c, endpointGeminiChat, "", models.Fail(err.Info))
	}

	prompt, err := validator.ValidatePrompt(req.Message)
	if err != nil {
		return s.reject(c, endpointGeminiChat, err)
	}

	resp := s.router.Chat(c.Request().Context(), router.ChatCall{
		Endpoint:  endpointGeminiChat,
		RequestID: requestID(c),
		Prompt:    prompt,
	})
	return c.JSON(resp.StatusCode(), resp)
}

func (s *Server) reject(c echo.Context, endpoint string, err error) error {
	var vErr *validator.Error
	if !errors.As(err, &vErr) {
		return err
	}
	slog.Info("request rejected",
		"request_id", requestID(c),
		"endpoint", endpoint,
		"code", vErr.Info.Code,
	)
	return s.respond(c, endpoint, "", models.Fail(vErr.Info))
}

func (s *Server) respond(c echo.Context, endpoint, providerName string, resp models.UnifiedResponse) error {
	s.metrics.RecordResponse(endpoint, providerName, resp)
	return c.JSON(resp.StatusCode(), resp)
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// indexedFiles collects the first file of every field named prefix<N> with
// 0 <= N < slots, ordered by N. Other fields are ignored.
func indexedFiles(form *multipart.Form, prefix string, slots int) []*multipart.FileHeader {
	type indexed struct {
		index int
		file  *multipart.FileHeader
	}

	var found []indexed
	for key, fhs := range form.File {
		suffix, ok := strings.CutPrefix(key, prefix)
		if !ok || len(fhs) == 0 {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 || n >= slots || suffix != strconv.Itoa(n) {
			continue
		}
		found = append(found, indexed{index: n, file: fhs[0]})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	files := make([]*multipart.FileHeader, 0, len(found))
	for _, f := range found {
		files = append(files, f.file)
	}
	return files
}

func formError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return &validator.Error{Info: models.Validation("INVALID_FORM", "Invalid Form",
		"The request must be multipart/form-data", err.Error())}
}

func providerNotConfigured(name string) models.ErrorInfo {
	return models.NewError(models.KindServer, "PROVIDER_NOT_CONFIGURED", "Provider Unavailable",
		fmt.Sprintf("The %s provider is not configured", name), "providers."+name+" is not set").
		WithHTTPStatus(http.StatusServiceUnavailable)
}

func bodyLimit(u config.UploadsConfig) string {
	maxImages, maxBytes := int64(u.MaxImages), u.MaxImageBytes
	if maxImages <= 0 {
		maxImages = validator.DefaultMaxImages
	}
	if maxBytes <= 0 {
		maxBytes = validator.DefaultMaxImageBytes
	}
	limit := maxImages*maxBytes + multipartOverhead
	return fmt.Sprintf("%dK", limit>>10)
}

func decodeRequestBody[T any](c echo.Context, target *T) *validator.Error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxJSONBodyBytes)

	invalid := func(details string) *validator.Error {
		return &validator.Error{Info: models.Validation("INVALID_JSON", "Invalid Request",
			"The request body must be a JSON object", details)}
	}

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("request body is required")
		}
		return invalid(fmt.Sprintf("invalid JSON payload: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return invalid("request body must contain a single JSON object")
	}
	return nil
}

// envelopeErrorHandler renders every error escaping a handler as a failure
// envelope. Framework errors below 500 are validation failures; anything else
// is an internal server error.
func envelopeErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var info models.ErrorInfo
	var vErr *validator.Error
	var he *echo.HTTPError

	switch {
	case errors.As(err, &vErr):
		info = vErr.Info
	case errors.As(err, &he) && he.Code < http.StatusInternalServerError:
		status := http.StatusText(he.Code)
		info = models.Validation(statusCode(he.Code), status, fmt.Sprint(he.Message), err.Error()).
			WithHTTPStatus(he.Code)
	default:
		slog.Error("unhandled error", "request_id", requestID(c), "err", err)
		info = classify.Internal(err)
	}

	resp := models.Fail(info)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(resp.StatusCode())
		return
	}
	_ = c.JSON(resp.StatusCode(), resp)
}

// statusCode turns an HTTP status into an upper snake case error code.
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "BAD_REQUEST"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}

func printStartupBanner(port int, metricsEnabled bool) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("banana-mixer ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /api/models")
	if metricsEnabled {
		fmt.Println("  GET  /metrics")
	}
	fmt.Println("  POST /api/mixer-edit")
	fmt.Println("  POST /api/image-edit")
	fmt.Println("  POST /api/openrouter-edit")
	fmt.Println("  POST /api/gemini-chat")
	fmt.Printf("Example:\n  curl http://%s:%d/api/mixer-edit -F prompt='make it sunset' -F model=fal-ai/nano-banana/edit -F image_0=@photo.jpg\n\n", host, port)
}
