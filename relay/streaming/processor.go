package streaming

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
)

// scanBufferSize bounds a single SSE line; generous because some providers
// ship whole images inside one data line.
const scanBufferSize = 4 * 1024 * 1024

// Processor turns a raw upstream line stream into a safe SSE stream for the
// client while maintaining the relay Context. One processor serves one
// attempt; it owns the upstream body for the duration of Stream.
type Processor struct {
	Ctx              *Context
	Registry         *convert.Registry
	ClientFamily     apiformat.Family
	ProviderFamily   apiformat.Family
	ProviderName     string
	NeedsConversion  bool
	MaxPrefetchLines int

	parser      convert.Normalizer
	eventParser EventParser
}

// NewProcessor wires a processor for one candidate attempt. parser is the
// provider-family normalizer used for usage and error extraction.
func NewProcessor(ctx *Context, registry *convert.Registry, clientFamily, providerFamily apiformat.Family, providerName string, needsConversion bool, maxPrefetchLines int) (*Processor, error) {
	parser, err := registry.Normalizer(providerFamily)
	if err != nil {
		return nil, err
	}
	if maxPrefetchLines <= 0 {
		maxPrefetchLines = 5
	}
	return &Processor{
		Ctx:              ctx,
		Registry:         registry,
		ClientFamily:     clientFamily,
		ProviderFamily:   providerFamily,
		ProviderName:     providerName,
		NeedsConversion:  needsConversion,
		MaxPrefetchLines: maxPrefetchLines,
		parser:           parser,
	}, nil
}

// NewScanner wraps an upstream body with the line splitter used by prefetch
// and streaming.
func NewScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	return scanner
}

// Prefetch reads up to MaxPrefetchLines lines before the first byte reaches
// the client and screens them for embedded upstream errors. It returns the
// raw prefetched lines to splice ahead of the live stream.
//
// A [DONE] line ends prefetch normally. An HTML body means the endpoint's
// base URL points at something that is not an API; a JSON body recognized by
// the provider parser as an error is surfaced as embedded_error. Both leave
// the client untouched so the scheduler can try the next candidate.
func (p *Processor) Prefetch(scanner *bufio.Scanner) ([]string, error) {
	var lines []string
	for len(lines) < p.MaxPrefetchLines && scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		lines = append(lines, line)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ":") {
			continue
		}
		if payload, ok := StripDataPrefix(trimmed); ok {
			if payload == "[DONE]" {
				break
			}
			if isJSONObject(payload) && p.parser.IsErrorResponse([]byte(payload)) {
				return nil, p.embeddedError([]byte(payload))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, relayerr.NotAvailable("upstream read failed: " + err.Error())
	}

	buffer := strings.TrimSpace(strings.TrimPrefix(strings.Join(lines, "\n"), "\ufeff"))
	lowered := strings.ToLower(buffer)
	if strings.HasPrefix(lowered, "<!doctype") || strings.HasPrefix(lowered, "<html") {
		return nil, relayerr.NotAvailable("upstream returned HTML; base_url likely misconfigured")
	}
	if strings.HasPrefix(buffer, "{") || strings.HasPrefix(buffer, "[") {
		if p.parser.IsErrorResponse([]byte(buffer)) {
			return nil, p.embeddedError([]byte(buffer))
		}
	}
	return lines, nil
}

func (p *Processor) embeddedError(body []byte) *relayerr.Error {
	parsed := p.parser.ParseError(body)
	msg := apiformat.SanitizeErrorMessage(parsed.Message)
	return relayerr.Embedded(p.ProviderName, parsed.Code, msg, parsed.Status)
}

// Stream forwards the prefetched lines and then the live tail to the client.
// It owns body and closes it on every exit path. clientGone fires when the
// downstream connection drops.
func (p *Processor) Stream(w http.ResponseWriter, body io.ReadCloser, scanner *bufio.Scanner, prefetched []string, clientGone <-chan struct{}) error {
	defer func() {
		if err := body.Close(); err != nil {
			logger.Logger.Debug("close upstream body", zap.Error(err))
		}
	}()

	flusher, _ := w.(http.Flusher)
	write := func(s string) error {
		if _, err := io.WriteString(w, s); err != nil {
			return errors.Wrap(err, "write to client")
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	emit := func(line string) error {
		select {
		case <-clientGone:
			p.Ctx.MarkFailed(499, "client_disconnected")
			return relayerr.ClientDisconnected()
		default:
		}
		return p.handleLine(line, write)
	}

	for _, line := range prefetched {
		if err := emit(line); err != nil {
			return err
		}
	}
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if err := emit(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		p.Ctx.MarkFailed(500, apiformat.SanitizeErrorMessage(err.Error()))
		return errors.Wrap(err, "upstream stream read")
	}
	if event := p.eventParser.Flush(); event != nil {
		p.handleSSEEvent(event)
	}
	return nil
}

// handleLine processes one upstream line: blank lines flush the pending SSE
// event and are forwarded as event boundaries; data lines are re-emitted
// verbatim (or converted) and counted.
func (p *Processor) handleLine(line string, write func(string) error) error {
	if line == "" {
		if event := p.eventParser.Feed(""); event != nil {
			p.handleSSEEvent(event)
		}
		return write("\n")
	}

	p.eventParser.Feed(line)
	p.Ctx.ChunkCount++

	if !p.NeedsConversion {
		return write(line + "\n")
	}
	return p.writeConverted(line, write)
}

// writeConverted translates a data line into the client dialect. Non-data
// lines (event names, comments) are dropped; the converted payload carries
// its own framing.
func (p *Processor) writeConverted(line string, write func(string) error) error {
	payload, ok := StripDataPrefix(strings.TrimSpace(line))
	if !ok {
		return nil
	}
	if payload == "[DONE]" {
		if p.ClientFamily == apiformat.FamilyOpenAI {
			return write("data: [DONE]\n")
		}
		return nil
	}
	converted, err := p.Registry.ConvertStreamChunk(p.ProviderFamily, p.ClientFamily, []byte(payload))
	if err != nil {
		logger.Logger.Debug("stream chunk conversion failed", zap.Error(err))
		return nil
	}
	if converted == nil {
		return nil
	}
	if p.ClientFamily == apiformat.FamilyClaude {
		if eventType := gjson.GetBytes(converted, "type").String(); eventType != "" {
			if err := write("event: " + eventType + "\n"); err != nil {
				return err
			}
		}
	}
	return write("data: " + string(converted) + "\n")
}

// handleSSEEvent digests one completed SSE event: counts it, records the
// parsed chunk, folds usage into the context, and tracks completion markers.
func (p *Processor) handleSSEEvent(event *Event) {
	if event.Data == "" {
		return
	}
	if event.Data == "[DONE]" {
		p.Ctx.HasCompletion = true
		return
	}
	if !isJSONObject(event.Data) {
		return
	}
	p.Ctx.DataCount++
	p.Ctx.ParsedChunks = append(p.Ctx.ParsedChunks, []byte(event.Data))

	if usage := p.parser.ExtractUsage([]byte(event.Data)); usage != nil {
		p.Ctx.UpdateUsage(usage.InputTokens, usage.OutputTokens, usage.CachedTokens, usage.CacheCreationTokens)
	}
	if chunk, err := p.parser.ParseStreamChunk([]byte(event.Data)); err == nil && chunk != nil {
		p.Ctx.CollectedText += chunk.DeltaText
		if chunk.Finished {
			p.Ctx.HasCompletion = true
		}
	}

	if event.Name == "response.completed" || event.Name == "message_stop" {
		p.Ctx.HasCompletion = true
	}
	if t := gjson.Get(event.Data, "type").String(); t == "message_stop" || t == "response.completed" {
		p.Ctx.HasCompletion = true
	}
}

func isJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// BuildSSEHeaders returns the response headers for a streaming reply.
// no-transform and no buffering keep intermediaries from batching events.
func BuildSSEHeaders() map[string]string {
	return map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache, no-transform",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
}
