package streaming

import "strings"

// Event is one server-sent event accumulated from raw lines.
type Event struct {
	Name string
	Data string
}

// EventParser assembles SSE events line by line. Feed returns a completed
// event when a blank line flushes the current one, else nil.
type EventParser struct {
	name    string
	data    []string
	started bool
}

// Feed consumes one line (already stripped of its trailing newline and CR).
func (p *EventParser) Feed(line string) *Event {
	if line == "" {
		if !p.started {
			return nil
		}
		event := &Event{Name: p.name, Data: strings.Join(p.data, "\n")}
		p.name = ""
		p.data = nil
		p.started = false
		return event
	}
	// Comment lines keep the connection alive; they carry no fields.
	if strings.HasPrefix(line, ":") {
		return nil
	}
	p.started = true
	switch {
	case strings.HasPrefix(line, "data:"):
		p.data = append(p.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	case strings.HasPrefix(line, "event:"):
		p.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	}
	return nil
}

// Flush returns any partially accumulated event at end of stream.
func (p *EventParser) Flush() *Event {
	if !p.started {
		return nil
	}
	event := &Event{Name: p.name, Data: strings.Join(p.data, "\n")}
	p.name = ""
	p.data = nil
	p.started = false
	return event
}

// StripDataPrefix removes a leading "data:" marker and one optional space.
func StripDataPrefix(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimPrefix(rest, " "), true
	}
	return line, false
}
