package controller

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
	"github.com/aetherlab/aether/relay/scheduler"
)

// maxUpstreamErrorBody bounds how much of an upstream error body is read for
// classification and client reporting.
const maxUpstreamErrorBody = 1 << 20

// maxUpstreamResponseBody bounds a buffered non-streaming response.
const maxUpstreamResponseBody = 32 << 20

// requestContext returns the detected format context, preferring the one the
// middleware stamped onto the gin context.
func requestContext(c *gin.Context) apiformat.RequestContext {
	if v, ok := c.Get(ctxkey.RequestContext); ok {
		if rc, ok := v.(apiformat.RequestContext); ok {
			return rc
		}
	}
	return apiformat.DetectRequestContext(c.Request.URL.Path, c.Request.Header, c.Request.URL.Query())
}

// candidateTarget is one candidate resolved down to a callable upstream:
// definition, URL, headers, and the decrypted credential.
type candidateTarget struct {
	ProviderSig apiformat.Signature
	Definition  apiformat.Definition
	URL         string
	Headers     map[string]string
	Credential  string
}

// resolveCandidate turns a scheduled candidate into a callable target.
// Endpoint misconfiguration surfaces as provider_not_available so the
// dispatcher can advance; a decryption failure is reported as its own kind.
func resolveCandidate(cand *scheduler.Candidate, clientHeaders http.Header) (*candidateTarget, *relayerr.Error) {
	providerSig, err := apiformat.ParseKey(cand.ProviderFormat)
	if err != nil {
		return nil, relayerr.NotAvailable("endpoint " + cand.Endpoint.SignatureKey() + " has an invalid format")
	}
	def, err := apiformat.ResolveDefinition(providerSig)
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}
	credential, err := credentialCipher.Decrypt(cand.Key.EncryptedKey)
	if err != nil {
		return nil, relayerr.New(relayerr.KindDecryption, "cannot decrypt upstream credential")
	}
	headers, err := apiformat.BuildUpstreamHeaders(def, clientHeaders, credential)
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}
	return &candidateTarget{
		ProviderSig: providerSig,
		Definition:  def,
		URL:         buildUpstreamURL(cand.Endpoint, def, cand.MappedModel),
		Headers:     headers,
		Credential:  credential,
	}, nil
}

// buildUpstreamURL joins the endpoint base with the path override or the
// definition's default path, substituting the mapped model name.
func buildUpstreamURL(endpoint *model.ProviderEndpoint, def apiformat.Definition, mappedModel string) string {
	base := strings.TrimSuffix(endpoint.BaseURL, "/")
	path := def.DefaultPath
	if endpoint.PathOverride != "" {
		path = endpoint.PathOverride
	}
	path = strings.ReplaceAll(path, "{model}", mappedModel)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// prepareUpstreamBody converts the client body into the provider dialect when
// needed, rewrites the model name, and applies the endpoint's body rules.
func prepareUpstreamBody(cand *scheduler.Candidate, clientFamily, providerFamily apiformat.Family, body []byte) ([]byte, *relayerr.Error) {
	out := body
	if cand.NeedsConversion {
		converted, err := convert.Default.ConvertRequest(clientFamily, providerFamily, body)
		if err != nil {
			return nil, &relayerr.Error{
				Kind:       relayerr.KindInvalidRequest,
				StatusCode: http.StatusBadRequest,
				Message:    err.Error(),
			}
		}
		out = converted
	}

	if cand.MappedModel != "" {
		if updated, err := sjson.SetBytes(out, "model", cand.MappedModel); err == nil {
			out = updated
		}
	}

	rules, err := cand.Endpoint.DecodeBodyRules()
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}
	out, aerr := applyBodyRules(out, rules)
	if aerr != nil {
		return nil, relayerr.NotAvailable(aerr.Error())
	}
	return out, nil
}

// applyBodyRules rewrites the upstream body per the endpoint's directives, in
// order. A delete of a missing path is a no-op.
func applyBodyRules(body []byte, rules []model.BodyRule) ([]byte, error) {
	var err error
	for _, rule := range rules {
		if rule.Path == "" {
			continue
		}
		if rule.Delete {
			body, err = sjson.DeleteBytes(body, rule.Path)
		} else {
			body, err = sjson.SetRawBytes(body, rule.Path, rule.Set)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "apply body rule %q", rule.Path)
		}
	}
	return body, nil
}

// openUpstream issues the upstream call. Network failures map to
// provider_not_available so failover proceeds.
func openUpstream(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, *relayerr.Error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := upstreamClient.Do(req)
	if err != nil {
		return nil, relayerr.NotAvailable(apiformat.SanitizeErrorMessage(err.Error()))
	}
	return resp, nil
}

// classifyUpstreamFailure consumes a non-2xx upstream response and decides
// whether failover may continue. 5xx and 429 are retryable; remaining 4xx
// reflect the request itself and terminate the attempt loop.
func classifyUpstreamFailure(resp *http.Response, providerFamily apiformat.Family, providerName string) *relayerr.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
	_ = resp.Body.Close()

	message := apiformat.SanitizeErrorMessage(string(raw))
	status := ""
	if parser, err := convert.Default.Normalizer(providerFamily); err == nil && parser.IsErrorResponse(raw) {
		parsed := parser.ParseError(raw)
		message = apiformat.SanitizeErrorMessage(parsed.Message)
		status = parsed.Status
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &relayerr.Error{
			Kind:       relayerr.KindProviderNotAvailable,
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    message,
			Status:     status,
		}
	}
	return &relayerr.Error{
		Kind:       relayerr.KindInvalidRequest,
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    message,
		Status:     status,
	}
}

// extractGeminiModel pulls the model segment out of a
// /v1beta/models/{model}:verb path.
func extractGeminiModel(path string) string {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
