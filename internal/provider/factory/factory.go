package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"banana-mixer/internal/config"
	"banana-mixer/internal/provider"
	falProvider "banana-mixer/internal/provider/fal"
	geminiProvider "banana-mixer/internal/provider/gemini"
	openrouterProvider "banana-mixer/internal/provider/openrouter"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs the image edit providers from
// configuration and appends their routing rules to the registry. fal is
// registered before OpenRouter so its prefix rule is evaluated first.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	if fc := cfg.Providers.Fal; fc != nil {
		fal, err := falProvider.New(*fc, newHTTPClient(fc.Timeout))
		if err != nil {
			return fmt.Errorf("initialise fal provider: %w", err)
		}
		if err := registry.RegisterProvider(fal, ruleFor(fc.Match), fc.DefaultModel, fc.Aliases); err != nil {
			return fmt.Errorf("register fal provider: %w", err)
		}
	}

	if oc := cfg.Providers.OpenRouter; oc != nil {
		openrouter, err := openrouterProvider.New(*oc, newHTTPClient(oc.Timeout))
		if err != nil {
			return fmt.Errorf("initialise openrouter provider: %w", err)
		}
		if err := registry.RegisterProvider(openrouter, ruleFor(oc.Match), oc.DefaultModel, oc.Aliases); err != nil {
			return fmt.Errorf("register openrouter provider: %w", err)
		}
	}

	return nil
}

// NewTextGenerator builds the chat provider. It returns a nil generator when
// Gemini is not configured.
func NewTextGenerator(cfg config.Config) (provider.TextGenerator, string, error) {
	gc := cfg.Providers.Gemini
	if gc == nil {
		return nil, "", nil
	}

	gemini, err := geminiProvider.New(*gc, newHTTPClient(gc.Timeout))
	if err != nil {
		return nil, "", fmt.Errorf("initialise gemini provider: %w", err)
	}
	return gemini, gc.DefaultModel, nil
}

func ruleFor(m config.MatchConfig) provider.Rule {
	return provider.Rule{
		Prefixes: append([]string(nil), m.Prefixes...),
		Contains: append([]string(nil), m.Contains...),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
