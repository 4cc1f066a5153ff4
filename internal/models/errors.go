package models

import "net/http"

// ErrorKind is the closed taxonomy of failures reported to callers.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindRateLimit      ErrorKind = "rate_limit"
	KindContentFilter  ErrorKind = "content_filter"
	KindLengthLimit    ErrorKind = "length_limit"
	KindToolCall       ErrorKind = "tool_call"
	KindNetwork        ErrorKind = "network"
	KindServer         ErrorKind = "server"
	KindModel          ErrorKind = "model"
	KindUnknown        ErrorKind = "unknown"
)

type kindDefaults struct {
	status    int
	retryable bool
}

var defaultsByKind = map[ErrorKind]kindDefaults{
	KindValidation:     {http.StatusBadRequest, false},
	KindAuthentication: {http.StatusUnauthorized, false},
	KindAuthorization:  {http.StatusForbidden, false},
	KindRateLimit:      {http.StatusTooManyRequests, true},
	KindContentFilter:  {http.StatusUnprocessableEntity, false},
	KindLengthLimit:    {http.StatusInternalServerError, true},
	KindToolCall:       {http.StatusInternalServerError, true},
	KindNetwork:        {http.StatusServiceUnavailable, true},
	KindServer:         {http.StatusInternalServerError, true},
	KindModel:          {http.StatusInternalServerError, true},
	KindUnknown:        {http.StatusInternalServerError, true},
}

// Kinds returns every member of the taxonomy.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindValidation, KindAuthentication, KindAuthorization, KindRateLimit,
		KindContentFilter, KindLengthLimit, KindToolCall, KindNetwork,
		KindServer, KindModel, KindUnknown,
	}
}

// Valid reports whether k belongs to the taxonomy.
func (k ErrorKind) Valid() bool {
	_, ok := defaultsByKind[k]
	return ok
}

// DefaultStatus is the HTTP status used when no vendor detail overrides it.
func (k ErrorKind) DefaultStatus() int {
	if d, ok := defaultsByKind[k]; ok {
		return d.status
	}
	return http.StatusInternalServerError
}

// DefaultRetryable is the retry hint used when no vendor detail overrides it.
func (k ErrorKind) DefaultRetryable() bool {
	if d, ok := defaultsByKind[k]; ok {
		return d.retryable
	}
	return true
}

// NeverRetryable reports kinds for which retryable must always be false.
func (k ErrorKind) NeverRetryable() bool {
	switch k {
	case KindValidation, KindAuthentication, KindAuthorization, KindContentFilter:
		return true
	}
	return false
}

// ErrorInfo is the failure record of the envelope.
type ErrorInfo struct {
	Kind       ErrorKind `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Details    string    `json:"details"`
	Code       string    `json:"code"`
	Retryable  bool      `json:"retryable"`
	HTTPStatus int       `json:"httpStatus"`
}

// NewError builds an ErrorInfo with the kind's default status and retry hint.
func NewError(kind ErrorKind, code, title, message, details string) ErrorInfo {
	if !kind.Valid() {
		kind = KindUnknown
	}
	return ErrorInfo{
		Kind:       kind,
		Title:      title,
		Message:    message,
		Details:    details,
		Code:       code,
		Retryable:  kind.DefaultRetryable(),
		HTTPStatus: kind.DefaultStatus(),
	}
}

// WithHTTPStatus overrides the status when it is a 4xx or 5xx code.
func (e ErrorInfo) WithHTTPStatus(status int) ErrorInfo {
	if status >= 400 && status <= 599 {
		e.HTTPStatus = status
	}
	return e
}

// WithRetryable overrides the retry hint. Kinds that are never retryable ignore true.
func (e ErrorInfo) WithRetryable(retryable bool) ErrorInfo {
	e.Retryable = retryable && !e.Kind.NeverRetryable()
	return e
}

// Validation builds a validation failure.
func Validation(code, title, message, details string) ErrorInfo {
	return NewError(KindValidation, code, title, message, details)
}
