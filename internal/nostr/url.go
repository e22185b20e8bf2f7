package nostr

import (
	"net/url"
	"strings"

	"unlock-server/internal/util"
)

// NormalizeRelayURL validates a relay URL and returns its canonical form
// (lowercase scheme and host, no trailing slash). Invalid URLs yield "".
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || strings.Count(relayURL, "://") != 1 {
		return ""
	}
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, " ") {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if len(host) < 3 {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	// .onion, .local and .internal relays are unreachable from the service
	if util.IsInternalHost(host) {
		return ""
	}

	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimRight(parsed.Path, "/")
	}
	return result
}
