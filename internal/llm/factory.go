package llm

import (
	"net/http"
	"strings"
)

// Factory is the constructor shape of a provider client. The concrete
// constructors live in the provider subpackages; the daemon's buildLLMClient
// picks and constructs the provider directly, and no Factory values are
// registered anywhere.
type Factory func(httpClient *http.Client) Client

// NormalizeProvider maps arbitrary provider spellings onto the two supported
// names, defaulting to "openai".
func NormalizeProvider(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic", "claude":
		return "anthropic"
	default:
		return "openai"
	}
}
