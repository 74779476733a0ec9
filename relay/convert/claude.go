package convert

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/relay/apiformat"
)

type claudeNormalizer struct{}

func (claudeNormalizer) Family() apiformat.Family { return apiformat.FamilyClaude }

type claudeRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []openaiMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

func (claudeNormalizer) ParseRequest(body []byte) (*Request, error) {
	var req claudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "decode claude messages request")
	}
	if req.Model == "" {
		return nil, errors.New("claude messages request missing model")
	}
	out := &Request{
		Model:       req.Model,
		System:      contentToText(req.System),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		StopSeqs:    req.StopSequences,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: contentToText(m.Content)})
	}
	return out, nil
}

func (claudeNormalizer) BuildRequest(req *Request) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		// Claude only accepts user/assistant turns.
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, map[string]any{"role": role, "content": m.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	out := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if req.System != "" {
		out["system"] = req.System
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.Stream {
		out["stream"] = true
	}
	if len(req.StopSeqs) > 0 {
		out["stop_sequences"] = req.StopSeqs
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode claude messages request")
}

func (n claudeNormalizer) ParseResponse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	if root.Get("type").String() != "message" {
		return nil, errors.New("claude response is not a message")
	}
	var content string
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content += block.Get("text").String()
		}
		return true
	})
	return &Response{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		Role:       root.Get("role").String(),
		Content:    content,
		StopReason: root.Get("stop_reason").String(),
		Usage:      n.ExtractUsage(body),
	}, nil
}

func (claudeNormalizer) BuildResponse(resp *Response) ([]byte, error) {
	out := map[string]any{
		"id":    resp.ID,
		"type":  "message",
		"role":  roleOr(resp.Role, "assistant"),
		"model": resp.Model,
		"content": []map[string]any{
			{"type": "text", "text": resp.Content},
		},
		"stop_reason": stopReasonToClaude(resp.StopReason),
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":                resp.Usage.InputTokens,
			"output_tokens":               resp.Usage.OutputTokens,
			"cache_read_input_tokens":     resp.Usage.CachedTokens,
			"cache_creation_input_tokens": resp.Usage.CacheCreationTokens,
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode claude message response")
}

// ParseStreamChunk decodes the claude event stream: message_start carries
// input usage, content_block_delta carries text, message_delta carries output
// usage, message_stop terminates.
func (claudeNormalizer) ParseStreamChunk(data []byte) (*StreamChunk, error) {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil
	}
	switch root.Get("type").String() {
	case "message_start":
		msg := root.Get("message")
		chunk := &StreamChunk{
			ID:    msg.Get("id").String(),
			Model: msg.Get("model").String(),
		}
		if usage := msg.Get("usage"); usage.Exists() {
			chunk.Usage = &Usage{
				InputTokens:         int(usage.Get("input_tokens").Int()),
				CachedTokens:        int(usage.Get("cache_read_input_tokens").Int()),
				CacheCreationTokens: int(usage.Get("cache_creation_input_tokens").Int()),
			}
		}
		return chunk, nil
	case "content_block_delta":
		return &StreamChunk{DeltaText: root.Get("delta.text").String()}, nil
	case "message_delta":
		chunk := &StreamChunk{}
		if usage := root.Get("usage"); usage.Exists() {
			chunk.Usage = &Usage{OutputTokens: int(usage.Get("output_tokens").Int())}
		}
		return chunk, nil
	case "message_stop":
		return &StreamChunk{Finished: true}, nil
	}
	return nil, nil
}

func (claudeNormalizer) BuildStreamChunk(chunk *StreamChunk) ([]byte, error) {
	var out map[string]any
	switch {
	case chunk.Finished && chunk.DeltaText == "":
		out = map[string]any{"type": "message_stop"}
	case chunk.Usage != nil && chunk.DeltaText == "" && chunk.ID != "":
		out = map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":    chunk.ID,
				"type":  "message",
				"role":  "assistant",
				"model": chunk.Model,
				"usage": map[string]any{
					"input_tokens":                chunk.Usage.InputTokens,
					"cache_read_input_tokens":     chunk.Usage.CachedTokens,
					"cache_creation_input_tokens": chunk.Usage.CacheCreationTokens,
				},
			},
		}
	case chunk.Usage != nil && chunk.DeltaText == "":
		out = map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]any{"output_tokens": chunk.Usage.OutputTokens},
		}
	default:
		out = map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk.DeltaText},
		}
	}
	raw, err := json.Marshal(out)
	return raw, errors.Wrap(err, "encode claude stream event")
}

func (claudeNormalizer) ExtractUsage(body []byte) *Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(body, "message.usage")
	}
	if !usage.Exists() || usage.Type == gjson.Null {
		return nil
	}
	return &Usage{
		InputTokens:         int(usage.Get("input_tokens").Int()),
		OutputTokens:        int(usage.Get("output_tokens").Int()),
		CachedTokens:        int(usage.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
}

func (claudeNormalizer) ExtractText(body []byte) string {
	var text string
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
		return true
	})
	return text
}

func (claudeNormalizer) IsErrorResponse(body []byte) bool {
	root := gjson.ParseBytes(body)
	if root.Get("type").String() == "error" {
		return true
	}
	e := root.Get("error")
	return e.Exists() && e.IsObject()
}

func (claudeNormalizer) ParseError(body []byte) *UpstreamError {
	e := gjson.GetBytes(body, "error")
	if !e.Exists() {
		return &UpstreamError{Code: 500, Message: "unrecognized upstream error"}
	}
	code := int(e.Get("code").Int())
	errType := e.Get("type").String()
	if code == 0 {
		code = claudeErrorTypeToStatus(errType)
	}
	return &UpstreamError{
		Code:    code,
		Message: e.Get("message").String(),
		Type:    errType,
	}
}

func claudeErrorTypeToStatus(errType string) int {
	switch errType {
	case "invalid_request_error":
		return 400
	case "authentication_error":
		return 401
	case "permission_error":
		return 403
	case "not_found_error":
		return 404
	case "rate_limit_error":
		return 429
	case "overloaded_error":
		return 529
	default:
		return 500
	}
}

// Claude has no video surface; these exist to satisfy the Normalizer
// contract and always fail.
func (claudeNormalizer) ParseVideoRequest([]byte) (*VideoRequest, error) {
	return nil, errors.New("claude does not support video generation")
}

func (claudeNormalizer) BuildVideoRequest(*VideoRequest) ([]byte, error) {
	return nil, errors.New("claude does not support video generation")
}

func (claudeNormalizer) ParseVideoPoll([]byte) (*VideoPollResult, error) {
	return nil, errors.New("claude does not support video generation")
}

func stopReasonToClaude(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "STOP":
		return "end_turn"
	case "length", "max_tokens", "MAX_TOKENS":
		return "max_tokens"
	default:
		return reason
	}
}
