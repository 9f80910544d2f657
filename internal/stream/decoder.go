package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"CircleChat/internal/session"
)

const (
	dataPrefix = "data: "

	// MaxLineSize caps a single buffered event line (1MB)
	MaxLineSize = 1 << 20
)

// LineBuffer turns arbitrarily split reads into complete lines.
// A trailing partial line stays buffered until its newline arrives.
type LineBuffer struct {
	pending []byte
}

// Write appends p and returns every line it completed, without the
// terminating "\n" or "\r\n".
func (b *LineBuffer) Write(p []byte) [][]byte {
	b.pending = append(b.pending, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(b.pending[:i], []byte("\r"))
		lines = append(lines, append([]byte(nil), line...))
		b.pending = b.pending[i+1:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// Len returns the number of buffered bytes not yet forming a line
func (b *LineBuffer) Len() int {
	return len(b.pending)
}

// Remainder returns and clears the buffered partial line
func (b *LineBuffer) Remainder() []byte {
	rest := bytes.TrimSuffix(b.pending, []byte("\r"))
	b.pending = nil
	return rest
}

type wireEvent struct {
	Type    string           `json:"type"`
	Content string           `json:"content"`
	Sources []session.Source `json:"sources"`
}

// Decoder classifies "data: " lines into events. It enforces the stream
// contract: at most one sources event and nothing after done.
type Decoder struct {
	lines       LineBuffer
	logger      *slog.Logger
	sourcesSeen bool
	done        bool
}

// NewDecoder creates a decoder that logs skipped lines to logger
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed consumes raw bytes and returns the events they completed
func (d *Decoder) Feed(p []byte) []Event {
	if d.done {
		return nil
	}
	var events []Event
	for _, line := range d.lines.Write(p) {
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
			if ev.Kind == KindDone {
				break
			}
		}
	}
	return events
}

// Flush decodes a final line that ended without a newline
func (d *Decoder) Flush() []Event {
	rest := d.lines.Remainder()
	if d.done || len(rest) == 0 {
		return nil
	}
	if ev, ok := d.decodeLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// Done reports whether the done event was seen
func (d *Decoder) Done() bool {
	return d.done
}

// Pending returns the size of the buffered partial line
func (d *Decoder) Pending() int {
	return d.lines.Len()
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	if d.done || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := line[len(dataPrefix):]

	var we wireEvent
	if err := json.Unmarshal(payload, &we); err != nil {
		d.logger.Warn("skipping malformed stream event", "error", &MalformedEventError{Line: string(payload), Err: err})
		return Event{}, false
	}

	switch we.Type {
	case "chunk":
		return Event{Kind: KindChunk, Content: we.Content}, true
	case "sources":
		if d.sourcesSeen {
			d.logger.Warn("ignoring repeated sources event")
			return Event{}, false
		}
		d.sourcesSeen = true
		sources := we.Sources
		if sources == nil {
			sources = []session.Source{}
		}
		return Event{Kind: KindSources, Sources: sources}, true
	case "done":
		d.done = true
		return Event{Kind: KindDone}, true
	default:
		d.logger.Warn("skipping unknown stream event", "error",
			&MalformedEventError{Line: string(payload), Err: fmt.Errorf("unknown type %q", we.Type)})
		return Event{}, false
	}
}
