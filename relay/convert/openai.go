package convert

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/relay/apiformat"
)

type openaiNormalizer struct{}

func (openaiNormalizer) Family() apiformat.Family { return apiformat.FamilyOpenAI }

type openaiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

// contentToText flattens an OpenAI content value: plain string, or an array
// of parts where only text parts survive translation.
func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var text string
	gjson.ParseBytes(raw).ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
		return true
	})
	return text
}

func (openaiNormalizer) ParseRequest(body []byte) (*Request, error) {
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "decode openai chat request")
	}
	if req.Model == "" {
		return nil, errors.New("openai chat request missing model")
	}
	out := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		StopSeqs:    req.Stop,
	}
	for _, m := range req.Messages {
		text := contentToText(m.Content)
		if m.Role == "system" || m.Role == "developer" {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += text
			continue
		}
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: text})
	}
	return out, nil
}

func (openaiNormalizer) BuildRequest(req *Request) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	out := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.Stream {
		out["stream"] = true
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.StopSeqs) > 0 {
		out["stop"] = req.StopSeqs
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode openai chat request")
}

func (n openaiNormalizer) ParseResponse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, errors.New("openai response has no choices")
	}
	resp := &Response{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		Role:       choice.Get("message.role").String(),
		Content:    choice.Get("message.content").String(),
		StopReason: choice.Get("finish_reason").String(),
		Usage:      n.ExtractUsage(body),
	}
	return resp, nil
}

func (openaiNormalizer) BuildResponse(resp *Response) ([]byte, error) {
	out := map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    roleOr(resp.Role, "assistant"),
				"content": resp.Content,
			},
			"finish_reason": stopReasonToOpenAI(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": resp.Usage.CachedTokens,
			},
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode openai chat response")
}

func (n openaiNormalizer) ParseStreamChunk(data []byte) (*StreamChunk, error) {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil
	}
	chunk := &StreamChunk{
		ID:    root.Get("id").String(),
		Model: root.Get("model").String(),
	}
	choice := root.Get("choices.0")
	if choice.Exists() {
		chunk.DeltaText = choice.Get("delta.content").String()
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null {
			chunk.Finished = true
		}
	}
	if usage := n.ExtractUsage(data); usage != nil {
		chunk.Usage = usage
		chunk.Finished = true
	}
	return chunk, nil
}

func (openaiNormalizer) BuildStreamChunk(chunk *StreamChunk) ([]byte, error) {
	delta := map[string]any{}
	if chunk.DeltaText != "" {
		delta["content"] = chunk.DeltaText
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if chunk.Finished {
		choice["finish_reason"] = "stop"
	}
	out := map[string]any{
		"id":      chunk.ID,
		"object":  "chat.completion.chunk",
		"model":   chunk.Model,
		"choices": []map[string]any{choice},
	}
	if chunk.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     chunk.Usage.InputTokens,
			"completion_tokens": chunk.Usage.OutputTokens,
			"total_tokens":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode openai stream chunk")
}

func (openaiNormalizer) ExtractUsage(body []byte) *Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return nil
	}
	return &Usage{
		InputTokens:  int(usage.Get("prompt_tokens").Int()),
		OutputTokens: int(usage.Get("completion_tokens").Int()),
		CachedTokens: int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

func (openaiNormalizer) ExtractText(body []byte) string {
	return gjson.GetBytes(body, "choices.0.message.content").String()
}

func (openaiNormalizer) IsErrorResponse(body []byte) bool {
	e := gjson.GetBytes(body, "error")
	return e.Exists() && e.IsObject()
}

func (openaiNormalizer) ParseError(body []byte) *UpstreamError {
	e := gjson.GetBytes(body, "error")
	if !e.Exists() {
		return &UpstreamError{Code: 500, Message: "unrecognized upstream error"}
	}
	code := int(e.Get("code").Int())
	if code == 0 {
		code = int(gjson.GetBytes(body, "status_code").Int())
	}
	return &UpstreamError{
		Code:    code,
		Message: e.Get("message").String(),
		Type:    e.Get("type").String(),
	}
}

type openaiVideoRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds int    `json:"seconds,omitempty"`
	Size    string `json:"size,omitempty"`
}

func (openaiNormalizer) ParseVideoRequest(body []byte) (*VideoRequest, error) {
	var req openaiVideoRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "decode openai video request")
	}
	if req.Model == "" {
		return nil, errors.New("openai video request missing model")
	}
	return &VideoRequest{
		Model:           req.Model,
		Prompt:          req.Prompt,
		DurationSeconds: req.Seconds,
		Resolution:      req.Size,
	}, nil
}

func (openaiNormalizer) BuildVideoRequest(req *VideoRequest) ([]byte, error) {
	out := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
	}
	if req.DurationSeconds > 0 {
		out["seconds"] = req.DurationSeconds
	}
	if req.Resolution != "" {
		out["size"] = req.Resolution
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode openai video request")
}

func (openaiNormalizer) ParseVideoPoll(body []byte) (*VideoPollResult, error) {
	root := gjson.ParseBytes(body)
	status := root.Get("status").String()
	result := &VideoPollResult{
		ProgressPercent: int(root.Get("progress").Int()),
	}
	switch status {
	case "completed":
		result.Done = true
		result.ProgressPercent = 100
	case "failed":
		result.Failed = true
		result.ErrorMessage = root.Get("error.message").String()
	}
	if d := root.Get("seconds"); d.Exists() {
		v := d.Float()
		result.VideoDurationSeconds = &v
	}
	return result, nil
}

func roleOr(role, fallback string) string {
	if role == "" {
		return fallback
	}
	return role
}

func stopReasonToOpenAI(reason string) string {
	switch reason {
	case "", "end_turn", "stop", "STOP":
		return "stop"
	case "max_tokens", "length", "MAX_TOKENS":
		return "length"
	default:
		return reason
	}
}
