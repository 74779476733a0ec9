package apiformat

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"
)

// AuthHandler extracts a credential from an inbound request and rebuilds the
// upstream headers (or query) that carry it.
type AuthHandler interface {
	// ExtractCredential pulls the raw secret from the client request.
	// An empty return means the request carries no credential for this method.
	ExtractCredential(headers http.Header, query url.Values) string
	// BuildHeaders returns the header set carrying credential upstream.
	BuildHeaders(credential string) map[string]string
}

type bearerAuth struct{}

func (bearerAuth) ExtractCredential(headers http.Header, _ url.Values) string {
	raw := headers.Get("Authorization")
	if raw == "" {
		return ""
	}
	if token, ok := strings.CutPrefix(raw, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(raw)
}

func (bearerAuth) BuildHeaders(credential string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + credential}
}

type apiKeyAuth struct{}

func (apiKeyAuth) ExtractCredential(headers http.Header, _ url.Values) string {
	return strings.TrimSpace(headers.Get("x-api-key"))
}

func (apiKeyAuth) BuildHeaders(credential string) map[string]string {
	return map[string]string{"x-api-key": credential}
}

// googKeyAuth accepts both the x-goog-api-key header and the ?key= query
// parameter, preferring the query parameter, and always emits the header form
// upstream so credentials never appear in upstream URLs.
type googKeyAuth struct{}

func (googKeyAuth) ExtractCredential(headers http.Header, query url.Values) string {
	if key := strings.TrimSpace(query.Get("key")); key != "" {
		return key
	}
	return strings.TrimSpace(headers.Get("x-goog-api-key"))
}

func (googKeyAuth) BuildHeaders(credential string) map[string]string {
	return map[string]string{"x-goog-api-key": credential}
}

// oauth2Auth rides on bearer tokens; the distinction from AuthBearer is the
// token's provenance, not its transport.
type oauth2Auth struct{ bearerAuth }

type queryKeyAuth struct{ googKeyAuth }

var authHandlers = map[AuthMethod]AuthHandler{
	AuthBearer:   bearerAuth{},
	AuthApiKey:   apiKeyAuth{},
	AuthGoogKey:  googKeyAuth{},
	AuthOAuth2:   oauth2Auth{},
	AuthQueryKey: queryKeyAuth{},
}

// GetAuthHandler returns the handler for an auth method.
func GetAuthHandler(method AuthMethod) (AuthHandler, error) {
	h, ok := authHandlers[method]
	if !ok {
		return nil, errors.Errorf("no auth handler for method %q", method)
	}
	return h, nil
}

// ExtractClientCredential scans the inbound request for a credential in
// priority order: ?key=, x-goog-api-key, x-api-key, Authorization bearer.
// It returns the credential and the auth method it arrived by.
func ExtractClientCredential(headers http.Header, query url.Values) (string, AuthMethod) {
	if key := strings.TrimSpace(query.Get("key")); key != "" {
		return key, AuthQueryKey
	}
	if key := strings.TrimSpace(headers.Get("x-goog-api-key")); key != "" {
		return key, AuthGoogKey
	}
	if key := strings.TrimSpace(headers.Get("x-api-key")); key != "" {
		return key, AuthApiKey
	}
	if cred := (bearerAuth{}).ExtractCredential(headers, query); cred != "" {
		return cred, AuthBearer
	}
	return "", ""
}
