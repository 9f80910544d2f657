package session

import (
	"fmt"
	"strings"
	"time"
)

// Event is anything that can be applied to a conversation with Reduce
type Event interface {
	event()
}

// Submit appends a user message and its assistant placeholder
type Submit struct {
	Text        string
	At          time.Time
	UserID      string
	AssistantID string
}

// Chunk appends streamed text to the in-flight answer
type Chunk struct {
	Generation uint64
	Text       string
}

// SourcesArrived attaches the citation list of the in-flight answer
type SourcesArrived struct {
	Generation uint64
	Sources    []Source
}

// Completed marks the in-flight answer as finished
type Completed struct {
	Generation uint64
}

// Failed replaces the in-flight answer with a diagnostic
type Failed struct {
	Generation uint64
	Err        error
}

// Reset discards the transcript and starts over from Greeting
type Reset struct {
	Greeting Message
}

// TopicSwitched changes the active topic. A transcript with more than the
// greeting is reset at the same time.
type TopicSwitched struct {
	Topic    string
	Greeting Message
}

func (Submit) event()         {}
func (Chunk) event()          {}
func (SourcesArrived) event() {}
func (Completed) event()      {}
func (Failed) event()         {}
func (Reset) event()          {}
func (TopicSwitched) event()  {}

// ErrorContent is the text shown in place of an answer that failed
func ErrorContent(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return fmt.Sprintf("Sorry, I encountered an error: %s. Please try again.", msg)
}

// Reduce applies e to s and returns the new state. s is never modified.
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case Submit:
		return reduceSubmit(s, ev)
	case Chunk:
		return updateStreaming(s, ev.Generation, func(m *Message) {
			m.Content += ev.Text
		})
	case SourcesArrived:
		return updateStreaming(s, ev.Generation, func(m *Message) {
			m.Sources = DedupSources(ev.Sources)
		})
	case Completed:
		return updateStreaming(s, ev.Generation, func(m *Message) {
			m.IsStreaming = false
		})
	case Failed:
		return updateStreaming(s, ev.Generation, func(m *Message) {
			m.Content = ErrorContent(ev.Err)
			m.IsStreaming = false
		})
	case Reset:
		return State{
			Generation: s.Generation + 1,
			Topic:      s.Topic,
			Messages:   []Message{ev.Greeting},
		}
	case TopicSwitched:
		if !NeedsConfirmation(s) {
			out := s.Clone()
			out.Topic = ev.Topic
			return out
		}
		return State{
			Generation: s.Generation + 1,
			Topic:      ev.Topic,
			Messages:   []Message{ev.Greeting},
		}
	default:
		return s
	}
}

func reduceSubmit(s State, ev Submit) State {
	text := strings.TrimSpace(ev.Text)
	if text == "" || IsBusy(s) {
		return s
	}
	out := s.Clone()
	out.Messages = append(out.Messages,
		Message{
			ID:        ev.UserID,
			Role:      RoleUser,
			Content:   text,
			Timestamp: ev.At,
		},
		Message{
			ID:          ev.AssistantID,
			Role:        RoleAssistant,
			Timestamp:   ev.At,
			IsStreaming: true,
		},
	)
	return out
}

// updateStreaming applies fn to the streaming message when gen is current.
func updateStreaming(s State, gen uint64, fn func(*Message)) State {
	if gen != s.Generation {
		return s
	}
	idx, ok := Streaming(s)
	if !ok {
		return s
	}
	out := s.Clone()
	fn(&out.Messages[idx])
	return out
}
