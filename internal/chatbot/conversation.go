package chatbot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"CircleChat/internal/analytics"
	"CircleChat/internal/session"
	"CircleChat/internal/stream"

	"github.com/google/uuid"
)

var (
	ErrEmptyInput     = errors.New("message cannot be empty")
	ErrBusy           = errors.New("a response is still streaming")
	ErrEmptyTopic     = errors.New("topic cannot be empty")
	ErrUnknownMessage = errors.New("no message with that ID")
	ErrNothingToRetry = errors.New("no user message to retry")
)

// Streamer opens the event stream for one question. *stream.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req stream.Request) <-chan stream.Event
}

// ConversationOptions configures a Conversation
type ConversationOptions struct {
	Streamer    Streamer
	Topic       string
	Greeting    string
	RetryPolicy session.RetryPolicy
	Tracker     *analytics.Tracker
	Logger      *slog.Logger
}

// inflight is the cancel handle of the stream currently being consumed
type inflight struct {
	cancel context.CancelFunc
}

// Conversation owns the state of the active conversation. Every change goes
// through session.Reduce while the lock is held, so user actions and stream
// events never interleave inside an update.
type Conversation struct {
	mu       sync.Mutex
	id       string
	state    session.State
	current  *inflight
	subs     []func(session.State)
	notifyMu sync.Mutex
	wg       sync.WaitGroup

	streamer Streamer
	policy   session.RetryPolicy
	greeting string
	tracker  *analytics.Tracker
	logger   *slog.Logger
}

// NewConversation creates a conversation on topic holding only the greeting
func NewConversation(opts ConversationOptions) *Conversation {
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = session.NearestPrecedingUser
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conversation{
		id:       uuid.NewString(),
		state:    session.NewState(opts.Topic, session.GreetingMessage(opts.Greeting, time.Now())),
		streamer: opts.Streamer,
		policy:   opts.RetryPolicy,
		greeting: opts.Greeting,
		tracker:  opts.Tracker,
		logger:   opts.Logger,
	}
}

// ID identifies the current transcript. It changes on every reset.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Snapshot returns a copy of the current state
func (c *Conversation) Snapshot() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe registers fn to receive every new state, in order.
// fn runs while updates are held back and must not call into the Conversation.
func (c *Conversation) Subscribe(fn func(session.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Wait blocks until no stream is being consumed
func (c *Conversation) Wait() {
	c.wg.Wait()
}

// Submit sends text as the next question. It returns once the exchange has
// started; the answer arrives through subscribers.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if session.IsBusy(c.state) {
		c.mu.Unlock()
		return ErrBusy
	}

	history := session.History(c.state)
	now := time.Now()
	c.state = session.Reduce(c.state, session.Submit{
		Text:        text,
		At:          now,
		UserID:      session.NewID(),
		AssistantID: session.NewID(),
	})
	gen := c.state.Generation
	req := stream.Request{
		Question:   text,
		History:    history,
		Collection: c.state.Topic,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	handle := &inflight{cancel: cancel}
	c.current = handle
	c.wg.Add(1)
	c.publishLocked()

	c.tracker.Track(analytics.EventSubmit, map[string]any{
		"topic":          req.Collection,
		"history_length": len(history),
	})
	c.logger.Info("submitted question", "topic", req.Collection, "generation", gen, "history_length", len(history))

	go c.consume(streamCtx, handle, gen, req, now)
	return nil
}

// consume applies the events of one stream, tagged with the generation the
// stream was started in.
func (c *Conversation) consume(ctx context.Context, handle *inflight, gen uint64, req stream.Request, start time.Time) {
	defer c.wg.Done()
	defer func() {
		handle.cancel()
		c.mu.Lock()
		if c.current == handle {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	terminated := false
	for ev := range c.streamer.Stream(ctx, req) {
		switch ev.Kind {
		case stream.KindChunk:
			c.apply(session.Chunk{Generation: gen, Text: ev.Content})
		case stream.KindSources:
			c.apply(session.SourcesArrived{Generation: gen, Sources: ev.Sources})
		case stream.KindDone:
			terminated = true
			c.apply(session.Completed{Generation: gen})
			c.tracker.Track(analytics.EventComplete, map[string]any{
				"topic":       req.Collection,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		case stream.KindError:
			terminated = true
			c.apply(session.Failed{Generation: gen, Err: ev.Err})
			c.tracker.Track(analytics.EventError, map[string]any{
				"topic": req.Collection,
				"error": ev.Err.Error(),
			})
		}
	}

	if !terminated {
		// the stream was cancelled before it could report how it ended
		err := ctx.Err()
		if err == nil {
			err = errors.New("stream closed unexpectedly")
		}
		c.apply(session.Failed{Generation: gen, Err: err})
	}
}

// Retry resends the user question that produced the message with the given
// ID, as chosen by the retry policy.
func (c *Conversation) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	idx, ok := session.IndexOf(c.state, messageID)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	text, ok := c.policy(c.state.Messages, idx)
	c.mu.Unlock()
	if !ok {
		return ErrNothingToRetry
	}

	c.tracker.Track(analytics.EventRetry, nil)
	return c.Submit(ctx, text)
}

// NewConversation discards the transcript and starts over with the greeting.
// A response still streaming is cancelled and its late events are ignored.
func (c *Conversation) NewConversation() {
	c.mu.Lock()
	c.cancelLocked()
	c.state = session.Reduce(c.state, session.Reset{Greeting: session.GreetingMessage(c.greeting, time.Now())})
	c.id = uuid.NewString()
	c.logger.Info("started new conversation", "topic", c.state.Topic, "generation", c.state.Generation)
	c.publishLocked()

	c.tracker.Track(analytics.EventReset, nil)
}

// SwitchTopic makes topic the active topic. When the transcript holds more
// than the greeting, confirm is asked first and a true answer also starts a
// new conversation. It reports whether the topic changed.
func (c *Conversation) SwitchTopic(topic string, confirm func() bool) (bool, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return false, ErrEmptyTopic
	}

	snap := c.Snapshot()
	if snap.Topic == topic {
		return false, nil
	}
	if session.NeedsConfirmation(snap) && confirm != nil && !confirm() {
		return false, nil
	}

	c.mu.Lock()
	from := c.state.Topic
	reset := session.NeedsConfirmation(c.state)
	if reset {
		c.cancelLocked()
		c.id = uuid.NewString()
	}
	c.state = session.Reduce(c.state, session.TopicSwitched{
		Topic:    topic,
		Greeting: session.GreetingMessage(c.greeting, time.Now()),
	})
	c.logger.Info("switched topic", "from", from, "to", topic, "reset", reset)
	c.publishLocked()

	c.tracker.Track(analytics.EventTopicSwitch, map[string]any{
		"from":  from,
		"to":    topic,
		"reset": reset,
	})
	return true, nil
}

// Stop cancels the response in flight, if any. Its placeholder is resolved
// with the cancellation error.
func (c *Conversation) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Restore replaces the conversation with a saved transcript
func (c *Conversation) Restore(id string, saved session.State) {
	c.mu.Lock()
	c.cancelLocked()
	next := saved.Clone()
	next.Generation = c.state.Generation + 1
	for i := range next.Messages {
		next.Messages[i].IsStreaming = false
	}
	if len(next.Messages) == 0 {
		next.Messages = []session.Message{session.GreetingMessage(c.greeting, time.Now())}
	}
	c.state = next
	c.id = id
	c.publishLocked()
}

func (c *Conversation) apply(ev session.Event) {
	c.mu.Lock()
	next := session.Reduce(c.state, ev)
	c.state = next
	c.publishLocked()
}

// cancelLocked stops the stream in flight, if any
func (c *Conversation) cancelLocked() {
	if c.current != nil {
		c.current.cancel()
		c.current = nil
	}
}

// publishLocked hands the new state to subscribers and releases c.mu.
// notifyMu is taken before c.mu is released so that subscribers observe
// states in the order they were produced.
func (c *Conversation) publishLocked() {
	snap := c.state.Clone()
	subs := append(([]func(session.State))(nil), c.subs...)
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
