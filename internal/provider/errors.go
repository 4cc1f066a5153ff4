package provider

import (
	"fmt"
	"strings"
)

// FieldError is one per-field validation entry reported by a vendor.
type FieldError struct {
	Location []string
	Message  string
}

// String renders the entry as "loc.joined - msg".
func (f FieldError) String() string {
	return strings.Join(f.Location, ".") + " - " + f.Message
}

// APIError is a non-2xx vendor response decoded into explicit fields.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Code       string
	Detail     string
	Fields     []FieldError
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (status %d)", e.Provider, e.StatusCode)
}

// FieldSummary joins the per-field entries with ", ".
func (e *APIError) FieldSummary() string {
	if len(e.Fields) == 0 {
		return ""
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}
