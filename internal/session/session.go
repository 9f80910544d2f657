package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultGreeting seeds every new conversation
const DefaultGreeting = "Hello! I'm here to answer your questions about menopause and women's health. What would you like to know?"

// Message represents a single chat message
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Sources     []Source  `json:"sources,omitempty"`
	IsStreaming bool      `json:"isStreaming"`
}

// SourceMetadata describes where a source excerpt came from.
// A nil Source encodes a citation without a URL.
type SourceMetadata struct {
	Source       *string `json:"source"`
	Title        string  `json:"title,omitempty"`
	Organization string  `json:"organization,omitempty"`
}

// Source represents a citation excerpt attached to an assistant answer
type Source struct {
	Content  string         `json:"content"`
	Metadata SourceMetadata `json:"metadata"`
}

// URL returns the source URL or an empty string when none was given
func (s Source) URL() string {
	if s.Metadata.Source == nil {
		return ""
	}
	return *s.Metadata.Source
}

// Turn is the role/content pair sent back to the server as history
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is one conversation as held by the active client session.
// Generation increases on every reset so that events belonging to a
// discarded conversation can be recognised and dropped.
type State struct {
	Generation uint64    `json:"generation"`
	Topic      string    `json:"topic"`
	Messages   []Message `json:"messages"`
}

// NewID returns a fresh message identifier
func NewID() string {
	return uuid.NewString()
}

// GreetingMessage builds the synthetic assistant message that opens a conversation
func GreetingMessage(text string, at time.Time) Message {
	if text == "" {
		text = DefaultGreeting
	}
	return Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		Content:   text,
		Timestamp: at,
	}
}

// NewState creates a conversation holding only the greeting
func NewState(topic string, greeting Message) State {
	return State{
		Topic:    topic,
		Messages: []Message{greeting},
	}
}

// Streaming returns the index of the message currently streaming
func Streaming(s State) (int, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsStreaming {
			return i, true
		}
	}
	return -1, false
}

// IsBusy reports whether a response is in flight
func IsBusy(s State) bool {
	_, ok := Streaming(s)
	return ok
}

// NeedsConfirmation reports whether discarding the conversation would lose anything
func NeedsConfirmation(s State) bool {
	return len(s.Messages) > 1
}

// History maps the transcript to the turns sent as context with the next question.
// The streaming placeholder is left out because it has nothing to say yet.
func History(s State) []Turn {
	turns := make([]Turn, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if msg.IsStreaming {
			continue
		}
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

// Clone returns a deep copy that shares no slices with s
func (s State) Clone() State {
	out := State{
		Generation: s.Generation,
		Topic:      s.Topic,
		Messages:   make([]Message, len(s.Messages)),
	}
	for i, msg := range s.Messages {
		if msg.Sources != nil {
			msg.Sources = append([]Source(nil), msg.Sources...)
		}
		out.Messages[i] = msg
	}
	return out
}
