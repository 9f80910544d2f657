package stream

import "CircleChat/internal/session"

// Kind discriminates stream events
type Kind int

const (
	KindChunk Kind = iota + 1
	KindSources
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindSources:
		return "sources"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item delivered by Client.Stream.
// Content is set for KindChunk, Sources for KindSources and Err for KindError.
type Event struct {
	Kind    Kind
	Content string
	Sources []session.Source
	Err     error
}

// Terminal reports whether no further events follow e
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// Request is one question plus the conversation it belongs to
type Request struct {
	Question   string
	History    []session.Turn
	Collection string
}

// requestBody is the JSON posted to the chat endpoint
type requestBody struct {
	Question   string         `json:"question"`
	History    []session.Turn `json:"history"`
	Collection string         `json:"collection,omitempty"`
}

func newRequestBody(req Request) requestBody {
	history := req.History
	if history == nil {
		history = []session.Turn{}
	}
	return requestBody{
		Question:   req.Question,
		History:    history,
		Collection: req.Collection,
	}
}

// Handlers is the callback form of a stream consumer
type Handlers struct {
	OnChunk    func(text string)
	OnSources  func(sources []session.Source)
	OnComplete func()
	OnError    func(err error)
}

// Dispatch drains events into h until the channel closes.
func Dispatch(events <-chan Event, h Handlers) {
	for ev := range events {
		switch ev.Kind {
		case KindChunk:
			if h.OnChunk != nil {
				h.OnChunk(ev.Content)
			}
		case KindSources:
			if h.OnSources != nil {
				h.OnSources(ev.Sources)
			}
		case KindDone:
			if h.OnComplete != nil {
				h.OnComplete()
			}
		case KindError:
			if h.OnError != nil {
				h.OnError(ev.Err)
			}
		}
	}
}
