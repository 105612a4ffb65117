package realtime

import (
	"net/url"
	"strings"
)

const (
	// DefaultRealtimePath is the well-known realtime path on the backend.
	DefaultRealtimePath = "/ws"
	// DefaultWebSocketURL is used when no usable base URL is configured.
	DefaultWebSocketURL = "ws://localhost:8000" + DefaultRealtimePath
)

// WebSocketURL derives the realtime endpoint from the backend base URL by swapping the scheme
// (http→ws, https→wss) and fixing the path. Absent or malformed base URLs fall back to
// DefaultWebSocketURL.
func WebSocketURL(baseURL, path string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return DefaultWebSocketURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return DefaultWebSocketURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return DefaultWebSocketURL
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultRealtimePath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parsed.Path = path
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}
