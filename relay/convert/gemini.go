package convert

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/relay/apiformat"
)

type geminiNormalizer struct{}

func (geminiNormalizer) Family() apiformat.Family { return apiformat.FamilyGemini }

// Gemini requests do not carry the model in the body; the router injects it
// from the path into the internal form before conversion.
func (geminiNormalizer) ParseRequest(body []byte) (*Request, error) {
	root := gjson.ParseBytes(body)
	if !root.Get("contents").Exists() {
		return nil, errors.New("gemini request missing contents")
	}
	out := &Request{
		Model: root.Get("model").String(),
	}
	if sys := root.Get("systemInstruction.parts"); sys.Exists() {
		sys.ForEach(func(_, part gjson.Result) bool {
			out.System += part.Get("text").String()
			return true
		})
	}
	root.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role == "model" {
			role = "assistant"
		} else if role == "" {
			role = "user"
		}
		var text string
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			text += part.Get("text").String()
			return true
		})
		out.Messages = append(out.Messages, Message{Role: role, Content: text})
		return true
	})
	cfg := root.Get("generationConfig")
	if cfg.Exists() {
		out.MaxTokens = int(cfg.Get("maxOutputTokens").Int())
		if v := cfg.Get("temperature"); v.Exists() {
			f := v.Float()
			out.Temperature = &f
		}
		if v := cfg.Get("topP"); v.Exists() {
			f := v.Float()
			out.TopP = &f
		}
		cfg.Get("stopSequences").ForEach(func(_, s gjson.Result) bool {
			out.StopSeqs = append(out.StopSeqs, s.String())
			return true
		})
	}
	return out, nil
}

func (geminiNormalizer) BuildRequest(req *Request) ([]byte, error) {
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		} else if role != "model" {
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	out := map[string]any{"contents": contents}
	// Gemini carries the model in the URL, not the body. The router strips
	// this field when building the upstream path; keeping it here preserves
	// the model across conversion round trips.
	if req.Model != "" {
		out["model"] = req.Model
	}
	if req.System != "" {
		out["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	genCfg := map[string]any{}
	if req.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genCfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genCfg["topP"] = *req.TopP
	}
	if len(req.StopSeqs) > 0 {
		genCfg["stopSequences"] = req.StopSeqs
	}
	if len(genCfg) > 0 {
		out["generationConfig"] = genCfg
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode gemini request")
}

func (n geminiNormalizer) ParseResponse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil, errors.New("gemini response has no candidates")
	}
	var content string
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		content += part.Get("text").String()
		return true
	})
	return &Response{
		Model:      root.Get("modelVersion").String(),
		Role:       "assistant",
		Content:    content,
		StopReason: candidate.Get("finishReason").String(),
		Usage:      n.ExtractUsage(body),
	}, nil
}

func (geminiNormalizer) BuildResponse(resp *Response) ([]byte, error) {
	out := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": resp.Content}},
			},
			"finishReason": stopReasonToGemini(resp.StopReason),
			"index":        0,
		}},
	}
	if resp.Model != "" {
		out["modelVersion"] = resp.Model
	}
	if resp.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":        resp.Usage.InputTokens,
			"candidatesTokenCount":    resp.Usage.OutputTokens,
			"cachedContentTokenCount": resp.Usage.CachedTokens,
			"totalTokenCount":         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode gemini response")
}

func (n geminiNormalizer) ParseStreamChunk(data []byte) (*StreamChunk, error) {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil
	}
	chunk := &StreamChunk{Model: root.Get("modelVersion").String()}
	candidate := root.Get("candidates.0")
	if candidate.Exists() {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			chunk.DeltaText += part.Get("text").String()
			return true
		})
		if candidate.Get("finishReason").Exists() {
			chunk.Finished = true
		}
	}
	if usage := n.ExtractUsage(data); usage != nil {
		chunk.Usage = usage
	}
	return chunk, nil
}

func (geminiNormalizer) BuildStreamChunk(chunk *StreamChunk) ([]byte, error) {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": chunk.DeltaText}},
		},
		"index": 0,
	}
	if chunk.Finished {
		candidate["finishReason"] = "STOP"
	}
	out := map[string]any{"candidates": []map[string]any{candidate}}
	if chunk.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     chunk.Usage.InputTokens,
			"candidatesTokenCount": chunk.Usage.OutputTokens,
			"totalTokenCount":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode gemini stream chunk")
}

func (geminiNormalizer) ExtractUsage(body []byte) *Usage {
	usage := gjson.GetBytes(body, "usageMetadata")
	if !usage.Exists() || usage.Type == gjson.Null {
		return nil
	}
	return &Usage{
		InputTokens:  int(usage.Get("promptTokenCount").Int()),
		OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
		CachedTokens: int(usage.Get("cachedContentTokenCount").Int()),
	}
}

func (geminiNormalizer) ExtractText(body []byte) string {
	var text string
	gjson.GetBytes(body, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").String()
		return true
	})
	return text
}

// IsErrorResponse also handles the array-wrapped errors Gemini emits on some
// batch surfaces: [{"error": {...}}].
func (geminiNormalizer) IsErrorResponse(body []byte) bool {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	e := root.Get("error")
	return e.Exists() && e.IsObject()
}

func (geminiNormalizer) ParseError(body []byte) *UpstreamError {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	e := root.Get("error")
	if !e.Exists() {
		return &UpstreamError{Code: 500, Message: "unrecognized upstream error"}
	}
	return &UpstreamError{
		Code:    int(e.Get("code").Int()),
		Message: e.Get("message").String(),
		Status:  e.Get("status").String(),
	}
}

// ParseVideoRequest decodes a Veo predictLongRunning body.
func (geminiNormalizer) ParseVideoRequest(body []byte) (*VideoRequest, error) {
	root := gjson.ParseBytes(body)
	instance := root.Get("instances.0")
	if !instance.Exists() {
		return nil, errors.New("gemini video request missing instances")
	}
	params := root.Get("parameters")
	return &VideoRequest{
		Model:           root.Get("model").String(),
		Prompt:          instance.Get("prompt").String(),
		DurationSeconds: int(params.Get("durationSeconds").Int()),
		Resolution:      params.Get("resolution").String(),
		AspectRatio:     params.Get("aspectRatio").String(),
	}, nil
}

func (geminiNormalizer) BuildVideoRequest(req *VideoRequest) ([]byte, error) {
	params := map[string]any{}
	if req.DurationSeconds > 0 {
		params["durationSeconds"] = req.DurationSeconds
	}
	if req.Resolution != "" {
		params["resolution"] = req.Resolution
	}
	if req.AspectRatio != "" {
		params["aspectRatio"] = req.AspectRatio
	}
	out := map[string]any{
		"instances": []map[string]any{{"prompt": req.Prompt}},
	}
	if len(params) > 0 {
		out["parameters"] = params
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode gemini video request")
}

// ParseVideoPoll decodes a long-running operation status document.
func (geminiNormalizer) ParseVideoPoll(body []byte) (*VideoPollResult, error) {
	root := gjson.ParseBytes(body)
	result := &VideoPollResult{}
	if e := root.Get("error"); e.Exists() && e.IsObject() {
		result.Failed = true
		result.ErrorMessage = e.Get("message").String()
		return result, nil
	}
	if !root.Get("done").Bool() {
		if p := root.Get("metadata.progressPercent"); p.Exists() {
			result.ProgressPercent = int(p.Int())
		}
		return result, nil
	}
	result.Done = true
	result.ProgressPercent = 100
	response := root.Get("response")
	response.Get("generateVideoResponse.generatedSamples").ForEach(func(_, sample gjson.Result) bool {
		if uri := sample.Get("video.uri").String(); uri != "" {
			result.VideoURLs = append(result.VideoURLs, uri)
		}
		return true
	})
	// Newer operation payloads nest videos under predictions.
	if len(result.VideoURLs) == 0 {
		response.Get("predictions").ForEach(func(_, pred gjson.Result) bool {
			if uri := pred.Get("videoUri").String(); uri != "" {
				result.VideoURLs = append(result.VideoURLs, uri)
			}
			return true
		})
	}
	if len(result.VideoURLs) > 0 {
		result.VideoURL = result.VideoURLs[0]
	}
	if d := response.Get("generateVideoResponse.generatedSamples.0.video.durationSeconds"); d.Exists() {
		v := d.Float()
		result.VideoDurationSeconds = &v
	}
	return result, nil
}

// NormalizeGeminiOperationId strips the models/{model}/operations/ prefix so
// bare ids, full resource names, and projects-scoped names all collapse to
// the trailing operation id.
func NormalizeGeminiOperationId(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "/operations/"); i >= 0 {
		return id[i+len("/operations/"):]
	}
	return strings.TrimPrefix(id, "operations/")
}

func stopReasonToGemini(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "STOP":
		return "STOP"
	case "length", "max_tokens", "MAX_TOKENS":
		return "MAX_TOKENS"
	default:
		return strings.ToUpper(reason)
	}
}
