package classify

import "banana-mixer/internal/models"

// Label is the code/title/message triple a vendor uses for one error kind.
type Label struct {
	Code    string
	Title   string
	Message string
}

// Profile holds the vendor-specific vocabulary of the classifier.
type Profile struct {
	Vendor string
	// UnprocessableIsValidation marks vendors whose 422 means malformed parameters.
	UnprocessableIsValidation bool
	// ReportsFinishReason enables the finish reason path.
	ReportsFinishReason bool
	Labels              map[models.ErrorKind]Label
	// ServiceUnavailable labels a 503 from the vendor, when it differs from Labels[server].
	ServiceUnavailable *Label
}

func (p Profile) label(kind models.ErrorKind) Label {
	if l, ok := p.Labels[kind]; ok {
		return l
	}
	if l, ok := genericLabels[kind]; ok {
		return l
	}
	return genericLabels[models.KindUnknown]
}

var genericLabels = map[models.ErrorKind]Label{
	models.KindValidation:     {Code: "BAD_REQUEST", Title: "Invalid Request", Message: "The request was rejected by the provider"},
	models.KindAuthentication: {Code: "UNAUTHORIZED", Title: "Authentication Failed", Message: "The provider rejected the configured credentials"},
	models.KindAuthorization:  {Code: "FORBIDDEN", Title: "Access Denied", Message: "The provider denied access to this resource"},
	models.KindRateLimit:      {Code: "RATE_LIMIT", Title: "Rate Limit Exceeded", Message: "The provider rate limit was exceeded"},
	models.KindServer:         {Code: "INTERNAL_SERVER_ERROR", Title: "Server Error", Message: "The provider reported an internal error"},
	models.KindNetwork:        {Code: "NETWORK_TIMEOUT", Title: "Network Error", Message: "The provider could not be reached"},
	models.KindUnknown:        {Code: "UNKNOWN_ERROR", Title: "Processing Error", Message: "An unexpected error occurred"},
}

var profiles = map[string]Profile{
	"fal": {
		Vendor:                    "fal",
		UnprocessableIsValidation: true,
		Labels: map[models.ErrorKind]Label{
			models.KindValidation:     {Code: "FAL_VALIDATION_ERROR", Title: "FAL AI Validation Error", Message: "Invalid request parameters for FAL AI"},
			models.KindAuthentication: {Code: "FAL_AUTH_ERROR", Title: "FAL AI Authentication Error", Message: "Invalid FAL AI API key"},
			models.KindAuthorization:  {Code: "FAL_FORBIDDEN", Title: "FAL AI Access Denied", Message: "FAL AI denied access to this model"},
			models.KindRateLimit:      {Code: "FAL_RATE_LIMIT", Title: "FAL AI Rate Limit", Message: "FAL AI rate limit exceeded"},
			models.KindServer:         {Code: "FAL_SERVER_ERROR", Title: "FAL AI Server Error", Message: "FAL AI reported an internal error"},
			models.KindUnknown:        {Code: "FAL_ERROR", Title: "FAL AI Error", Message: "Failed to process images with FAL AI"},
		},
	},
	"openrouter": {
		Vendor:              "openrouter",
		ReportsFinishReason: true,
		Labels: map[models.ErrorKind]Label{
			models.KindUnknown: {Code: "UNKNOWN_ERROR", Title: "Processing Error", Message: "Failed to process images with OpenRouter"},
		},
		ServiceUnavailable: &Label{Code: "SERVICE_UNAVAILABLE", Title: "Service Unavailable", Message: "OpenRouter is temporarily unavailable"},
	},
	"gemini": {
		Vendor:              "gemini",
		ReportsFinishReason: true,
		Labels: map[models.ErrorKind]Label{
			models.KindUnknown: {Code: "UNKNOWN_ERROR", Title: "Processing Error", Message: "Failed to get response from Gemini"},
		},
		ServiceUnavailable: &Label{Code: "SERVICE_UNAVAILABLE", Title: "Service Unavailable", Message: "Gemini is temporarily unavailable"},
	},
}

// ProfileFor returns the registered profile of vendor, or a generic profile
// that reports finish reasons.
func ProfileFor(vendor string) Profile {
	if p, ok := profiles[vendor]; ok {
		return p
	}
	return Profile{Vendor: vendor, ReportsFinishReason: true}
}
