package classify

import (
	"strings"

	"banana-mixer/internal/models"
)

// MessageMatcher classifies an error from its free-text message. It is only
// consulted when the error carries no HTTP status and no structured cause, and
// is the place to plug in structured vendor codes once they exist.
type MessageMatcher interface {
	Match(message string) (Match, bool)
}

// Match is the result of a successful message match.
type Match struct {
	Kind  models.ErrorKind
	Code  string
	Title string
}

// KeywordRule matches when the message contains any keyword, case-insensitively.
type KeywordRule struct {
	Keywords []string
	Match    Match
}

// KeywordMatcher evaluates rules in order; the first hit wins.
type KeywordMatcher []KeywordRule

// DefaultMatcher reproduces the historical keyword fallbacks.
var DefaultMatcher = KeywordMatcher{
	{
		Keywords: []string{"API key"},
		Match:    Match{Kind: models.KindAuthentication, Code: "INVALID_API_KEY", Title: "API Key Error"},
	},
	{
		Keywords: []string{"timeout", "ECONNRESET", "connection reset"},
		Match:    Match{Kind: models.KindNetwork, Code: "NETWORK_TIMEOUT", Title: "Network Error"},
	},
	{
		Keywords: []string{"rate limit"},
		Match:    Match{Kind: models.KindRateLimit, Code: "RATE_LIMIT", Title: "Rate Limit Exceeded"},
	},
}

// Match implements MessageMatcher.
func (m KeywordMatcher) Match(message string) (Match, bool) {
	lower := strings.ToLower(message)
	for _, rule := range m {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Match, true
			}
		}
	}
	return Match{}, false
}
