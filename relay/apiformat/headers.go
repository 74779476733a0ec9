package apiformat

import (
	"net/http"
	"regexp"
	"strings"
)

// hopByHopHeaders are connection-scoped and must never be forwarded in either
// direction, per RFC 7230 §6.1.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
	"host":                {},
}

// IsHopByHopHeader reports whether a header must be dropped when proxying.
func IsHopByHopHeader(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

// BuildUpstreamHeaders assembles the header set for an upstream call:
// client headers minus hop-by-hop and protected ones, then the endpoint's
// static extra headers, then the auth headers, which always win.
func BuildUpstreamHeaders(def Definition, clientHeaders http.Header, credential string) (map[string]string, error) {
	protected := map[string]struct{}{}
	for _, name := range def.ProtectedHeaders {
		protected[strings.ToLower(name)] = struct{}{}
	}

	out := map[string]string{}
	for name, values := range clientHeaders {
		lower := strings.ToLower(name)
		if IsHopByHopHeader(lower) {
			continue
		}
		if _, ok := protected[lower]; ok {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}

	for name, value := range def.ExtraHeaders {
		out[name] = value
	}

	handler, err := GetAuthHandler(def.AuthMethod)
	if err != nil {
		return nil, err
	}
	for name, value := range handler.BuildHeaders(credential) {
		out[name] = value
	}
	return out, nil
}

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
	apiKeyPattern      = regexp.MustCompile(`\b(sk|AIza|AKIA)[A-Za-z0-9_-]{10,}\b`)
	urlPattern         = regexp.MustCompile(`https?://[^\s"']+`)
	queryKeyPattern    = regexp.MustCompile(`([?&]key=)[^&\s"']+`)
)

// SanitizeErrorMessage strips credentials and internal URLs from a message
// before it reaches a client or a persisted record.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return msg
	}
	msg = bearerTokenPattern.ReplaceAllString(msg, "bearer [REDACTED]")
	msg = queryKeyPattern.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = apiKeyPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	return msg
}

// SanitizeHeadersForLog masks credential-bearing headers for structured logs.
func SanitizeHeadersForLog(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		switch strings.ToLower(name) {
		case "authorization", "x-api-key", "x-goog-api-key", "proxy-authorization":
			out[name] = "[REDACTED]"
		default:
			out[name] = value
		}
	}
	return out
}
