// Package classify maps vendor failures onto the closed error taxonomy.
//
// Two trigger paths exist. ClassifyError handles an error returned by a vendor
// adapter: HTTP status checks come first, then structured transport causes, and
// only then the free-text MessageMatcher. ClassifyFinish handles a transport
// success whose finish reason is not the normal "stop" sentinel. Both are pure:
// the same input always yields the same ErrorInfo.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"banana-mixer/internal/models"
	"banana-mixer/internal/provider"
)

const finishStop = "stop"

// Classifier converts vendor failures for one vendor profile.
type Classifier struct {
	profile Profile
	matcher MessageMatcher
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMatcher replaces the free-text fallback matcher.
func WithMatcher(m MessageMatcher) Option {
	return func(c *Classifier) {
		if m != nil {
			c.matcher = m
		}
	}
}

// New constructs a classifier for profile.
func New(profile Profile, opts ...Option) *Classifier {
	c := &Classifier{
		profile: profile,
		matcher: DefaultMatcher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Vendor returns the vendor name of the profile.
func (c *Classifier) Vendor() string {
	return c.profile.Vendor
}

// ClassifyError maps an adapter error to a failure record.
func (c *Classifier) ClassifyError(err error) models.ErrorInfo {
	if err == nil {
		return c.fromLabel(models.KindUnknown, "")
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		if info, ok := c.fromStatus(apiErr); ok {
			return info
		}
		return c.fromLabel(models.KindUnknown, err.Error())
	}

	if info, ok := c.fromTransport(err); ok {
		return info
	}

	message := err.Error()
	if m, ok := c.matcher.Match(message); ok {
		return models.NewError(m.Kind, m.Code, m.Title, message, message)
	}

	info := c.fromLabel(models.KindUnknown, message)
	info.Message = message
	return info
}

func (c *Classifier) fromStatus(apiErr *provider.APIError) (models.ErrorInfo, bool) {
	var (
		kind  models.ErrorKind
		label Label
	)

	switch status := apiErr.StatusCode; {
	case status == http.StatusUnprocessableEntity && c.profile.UnprocessableIsValidation:
		kind = models.KindValidation
	case status == http.StatusBadRequest:
		kind = models.KindValidation
	case status == http.StatusUnauthorized:
		kind = models.KindAuthentication
	case status == http.StatusForbidden:
		kind = models.KindAuthorization
	case status == http.StatusTooManyRequests:
		kind = models.KindRateLimit
	case status == http.StatusInternalServerError, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		kind = models.KindServer
	default:
		return models.ErrorInfo{}, false
	}

	label = c.profile.label(kind)
	if apiErr.StatusCode == http.StatusServiceUnavailable && c.profile.ServiceUnavailable != nil {
		label = *c.profile.ServiceUnavailable
	}

	message := label.Message
	if apiErr.Message != "" {
		message = apiErr.Message
	}

	details := apiErr.Message
	if kind == models.KindValidation {
		if summary := apiErr.FieldSummary(); summary != "" {
			details = summary
		} else if apiErr.Detail != "" {
			details = apiErr.Detail
		}
	}
	if details == "" {
		details = apiErr.Error()
	}

	code := label.Code
	if apiErr.Code != "" {
		code = apiErr.Code
	}

	info := models.NewError(kind, code, label.Title, message, details).WithHTTPStatus(apiErr.StatusCode)
	return info, true
}

// fromTransport recognises structured network failures that carry no status.
func (c *Classifier) fromTransport(err error) (models.ErrorInfo, bool) {
	label := genericLabels[models.KindNetwork]
	details := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewError(models.KindNetwork, "NETWORK_TIMEOUT", label.Title, "The provider did not respond in time", details), true
	case errors.Is(err, context.Canceled):
		return models.NewError(models.KindNetwork, "REQUEST_CANCELLED", label.Title, "The request was cancelled before the provider responded", details), true
	case errors.Is(err, syscall.ECONNRESET):
		return models.NewError(models.KindNetwork, "NETWORK_TIMEOUT", label.Title, "The connection to the provider was reset", details), true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewError(models.KindNetwork, "NETWORK_TIMEOUT", label.Title, "The provider did not respond in time", details), true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return models.NewError(models.KindNetwork, "NETWORK_ERROR", label.Title, label.Message, details), true
	}
	return models.ErrorInfo{}, false
}

func (c *Classifier) fromLabel(kind models.ErrorKind, details string) models.ErrorInfo {
	label := c.profile.label(kind)
	if details == "" {
		details = label.Message
	}
	return models.NewError(kind, label.Code, label.Title, label.Message, details)
}

// ClassifyFinish inspects the finish reason of a transport success. It returns
// false when the response is a true success and should be normalized.
func (c *Classifier) ClassifyFinish(reason, native string) (models.ErrorInfo, bool) {
	if !c.profile.ReportsFinishReason || reason == finishStop {
		return models.ErrorInfo{}, false
	}

	details := "Model finish reason: " + reason
	if native != "" {
		details += " (" + native + ")"
	}

	switch reason {
	case "content_filter":
		message := "content is prohibited"
		if native != "" {
			message = strings.ReplaceAll(strings.ToLower(native), "_", " ")
		}
		return models.NewError(models.KindContentFilter, "CONTENT_FILTER", "Content Prohibited", message, details), true
	case "length":
		return models.NewError(models.KindLengthLimit, "LENGTH_LIMIT", "Response Too Long",
			"The response was truncated due to length limits", details), true
	case "function_call", "tool_calls":
		return models.NewError(models.KindToolCall, "TOOL_CALL_ERROR", "Tool Call Issue",
			"The model tried to call a function but encountered an issue", details), true
	default:
		return models.NewError(models.KindModel, "MODEL_ISSUE", "Processing Issue",
			"The AI model encountered an issue while processing your request", details), true
	}
}

// Internal is the fallback for failures inside the gateway itself.
func Internal(err error) models.ErrorInfo {
	details := "Unknown server error"
	if err != nil {
		details = err.Error()
	}
	return models.NewError(models.KindServer, "INTERNAL_ERROR", "Server Error", "Internal server error occurred", details)
}
