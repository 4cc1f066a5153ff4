package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banana-mixer/internal/models"
)

type stubProvider struct {
	name string
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Edit(context.Context, models.EditRequest) (*models.VendorResult, error) {
	return &models.VendorResult{Provider: s.name}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(stubProvider{"fal"}, Rule{Prefixes: []string{"fal-ai/"}},
		"fal-ai/nano-banana/edit", map[string]string{"banana": "fal-ai/nano-banana/edit"}))
	require.NoError(t, r.RegisterProvider(stubProvider{"openrouter"}, Rule{Contains: []string{"google/gemini", "openrouter"}},
		"google/gemini-2.5-flash-image-preview:free", nil))
	return r
}

func TestLookupModel(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		model    string
		provider string
		upstream string
	}{
		{"fal-ai/nano-banana/edit", "fal", "fal-ai/nano-banana/edit"},
		{"fal-ai/flux-pro/kontext", "fal", "fal-ai/flux-pro/kontext"},
		{"google/gemini-2.5-flash-image-preview:free", "openrouter", "google/gemini-2.5-flash-image-preview:free"},
		{"openrouter/auto", "openrouter", "openrouter/auto"},
		{"banana", "fal", "fal-ai/nano-banana/edit"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			info, p, err := r.LookupModel(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, p.Name())
			assert.Equal(t, tt.upstream, info.ID)
			assert.Equal(t, tt.model, info.Requested)
		})
	}
}

func TestLookupModelFirstRuleWins(t *testing.T) {
	r := newTestRegistry(t)

	_, p, err := r.LookupModel("fal-ai/openrouter-bridge")
	require.NoError(t, err)
	assert.Equal(t, "fal", p.Name())
}

func TestLookupModelUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.LookupModel("unknown/model")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownModel))
	assert.False(t, r.Supports("unknown/model"))
	assert.True(t, r.Supports("fal-ai/x"))
}

func TestRegisterProviderRejects(t *testing.T) {
	r := newTestRegistry(t)

	err := r.RegisterProvider(stubProvider{"fal"}, Rule{Prefixes: []string{"x/"}}, "", nil)
	assert.ErrorIs(t, err, ErrDuplicateRoute)

	err = r.RegisterProvider(stubProvider{"empty"}, Rule{}, "", nil)
	assert.ErrorContains(t, err, "routing rule must not be empty")

	err = r.RegisterProvider(stubProvider{"other"}, Rule{Prefixes: []string{"o/"}}, "", map[string]string{"banana": "o/b"})
	assert.ErrorContains(t, err, `alias "banana" conflicts`)

	assert.Error(t, r.RegisterProvider(nil, Rule{Prefixes: []string{"n/"}}, "", nil))
}

func TestRoutesAndDefaults(t *testing.T) {
	r := newTestRegistry(t)

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "fal", routes[0].Provider)
	assert.Equal(t, []string{"fal-ai/"}, routes[0].Prefixes)
	assert.Equal(t, "openrouter", routes[1].Provider)

	model, ok := r.DefaultModel("openrouter")
	assert.True(t, ok)
	assert.Equal(t, "google/gemini-2.5-flash-image-preview:free", model)

	_, ok = r.DefaultModel("missing")
	assert.False(t, ok)
}

func TestAPIErrorFieldSummary(t *testing.T) {
	err := &APIError{
		Provider:   "fal",
		StatusCode: 422,
		Message:    "bad input",
		Fields: []FieldError{
			{Location: []string{"body", "image_urls"}, Message: "field required"},
			{Location: []string{"body", "prompt"}, Message: "too long"},
		},
	}

	assert.Equal(t, "body.image_urls - field required, body.prompt - too long", err.FieldSummary())
	assert.Equal(t, "fal error (status 422): bad input", err.Error())
	assert.Empty(t, (&APIError{}).FieldSummary())
}
