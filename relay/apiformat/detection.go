package apiformat

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// RequestContext is the result of format detection: what surface the client
// is speaking to and the credential it presented.
type RequestContext struct {
	Endpoint     Signature
	EndpointType EndpointType
	AuthMethod   AuthMethod
	Credential   string
}

// detectEndpointType classifies the route before family resolution.
// First match wins; order is significant because several prefixes overlap.
func detectEndpointType(path string) EndpointType {
	switch {
	case strings.HasPrefix(path, "/upload/v1beta/files"), strings.HasPrefix(path, "/v1beta/files"):
		return EndpointFiles
	case strings.HasPrefix(path, "/v1/videos"),
		strings.Contains(path, ":predictLongRunning"),
		strings.HasPrefix(path, "/v1beta/operations"):
		return EndpointVideo
	case strings.HasPrefix(path, "/v1/models"), strings.HasPrefix(path, "/v1beta/models") && !strings.Contains(path, ":"):
		return EndpointModels
	case strings.Contains(path, "/embeddings"), strings.Contains(path, ":embedContent"):
		return EndpointEmbedding
	case strings.Contains(path, "/images"):
		return EndpointImage
	case strings.Contains(path, "/audio"):
		return EndpointAudio
	default:
		return EndpointChat
	}
}

// DetectRequestContext resolves the endpoint signature, auth method, and
// credential for an inbound request. Path rules are tried first; when no path
// rule matches, the credential headers themselves disambiguate the family.
func DetectRequestContext(path string, headers http.Header, query url.Values) RequestContext {
	endpointType := detectEndpointType(path)
	credential, authMethod := ExtractClientCredential(headers, query)

	ctx := RequestContext{
		EndpointType: endpointType,
		AuthMethod:   authMethod,
		Credential:   credential,
	}

	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		// Claude Code sends OAuth bearer tokens; the console API uses x-api-key.
		if authMethod == AuthBearer {
			ctx.Endpoint = Signature{FamilyClaude, KindCLI}
		} else {
			ctx.Endpoint = Signature{FamilyClaude, KindChat}
		}
		return ctx

	case strings.Contains(path, "/responses"):
		ctx.Endpoint = Signature{FamilyOpenAI, KindCLI}
		return ctx

	case strings.HasPrefix(path, "/v1beta/"), strings.HasPrefix(path, "/upload/v1beta/"):
		if endpointType == EndpointVideo {
			ctx.Endpoint = Signature{FamilyGemini, KindVideo}
		} else {
			ctx.Endpoint = Signature{FamilyGemini, KindChat}
		}
		return ctx

	case strings.HasPrefix(path, "/v1/videos"):
		ctx.Endpoint = Signature{FamilyOpenAI, KindVideo}
		return ctx

	case strings.HasPrefix(path, "/v1/chat/completions"):
		ctx.Endpoint = Signature{FamilyOpenAI, KindChat}
		return ctx
	}

	// Header heuristic fallback for unrecognized paths.
	switch {
	case headers.Get("x-api-key") != "" && headers.Get("anthropic-version") != "":
		ctx.Endpoint = Signature{FamilyClaude, KindChat}
	case query.Get("key") != "" || headers.Get("x-goog-api-key") != "":
		ctx.Endpoint = Signature{FamilyGemini, KindChat}
	case authMethod == AuthBearer || headers.Get("x-api-key") != "":
		ctx.Endpoint = Signature{FamilyOpenAI, KindChat}
	}
	return ctx
}

// DetectFromResponse guesses the family that produced a response body. Used
// when a misconfigured upstream answers in a dialect other than the one the
// endpoint is registered for.
func DetectFromResponse(body []byte) (Family, bool) {
	switch {
	case gjson.GetBytes(body, "candidates").Exists():
		return FamilyGemini, true
	case gjson.GetBytes(body, "type").String() == "message",
		gjson.GetBytes(body, "stop_reason").Exists():
		return FamilyClaude, true
	case gjson.GetBytes(body, "choices").Exists(),
		strings.HasPrefix(gjson.GetBytes(body, "object").String(), "chat.completion"):
		return FamilyOpenAI, true
	}
	return "", false
}
