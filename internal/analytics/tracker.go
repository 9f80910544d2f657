package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event names tracked by the chat client
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventSubmit       = "chat_submit"
	EventComplete     = "chat_complete"
	EventError        = "chat_error"
	EventRetry        = "chat_retry"
	EventReset        = "chat_reset"
	EventTopicSwitch  = "topic_switch"
)

// Event is one analytics record as sent to the sink
type Event struct {
	SessionID  string         `json:"session_id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Options configures a Tracker
type Options struct {
	URL           string
	HTTPClient    *http.Client
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Logger        *slog.Logger
}

// Tracker delivers events to the analytics sink in the background.
// Track never blocks; failures are logged and the batch is dropped.
// All methods are safe on a nil *Tracker.
type Tracker struct {
	url       string
	client    *http.Client
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	sessionID string
	started   time.Time

	queue   chan Event
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// New starts a tracker for opts.URL. An empty URL disables analytics and
// returns nil.
func New(opts Options) *Tracker {
	if opts.URL == "" {
		return nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Tracker{
		url:       opts.URL,
		client:    opts.HTTPClient,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		logger:    opts.Logger,
		sessionID: uuid.NewString(),
		started:   time.Now(),
		queue:     make(chan Event, opts.QueueSize),
		flushCh:   make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	t.Track(EventSessionStart, nil)
	return t
}

// SessionID identifies this client session in every event
func (t *Tracker) SessionID() string {
	if t == nil {
		return ""
	}
	return t.sessionID
}

// Dropped returns how many events were discarded because the queue was full
func (t *Tracker) Dropped() int64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Track queues an event without blocking
func (t *Tracker) Track(name string, props map[string]any) {
	if t == nil {
		return
	}
	ev := Event{
		SessionID:  t.sessionID,
		Name:       name,
		Properties: props,
		Timestamp:  time.Now().UTC(),
	}
	select {
	case <-t.stop:
		t.dropped.Add(1)
	case t.queue <- ev:
	default:
		if n := t.dropped.Add(1); n == 1 || n%100 == 0 {
			t.logger.Warn("analytics queue full, dropping events", "dropped", n)
		}
	}
}

// Flush delivers everything queued so far
func (t *Tracker) Flush(ctx context.Context) {
	if t == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case t.flushCh <- ack:
	case <-t.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Close records session_end, flushes the queue and stops the worker
func (t *Tracker) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.Track(EventSessionEnd, map[string]any{
		"duration_ms": time.Since(t.started).Milliseconds(),
	})
	t.once.Do(func() { close(t.stop) })
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to flush analytics: %w", ctx.Err())
	}
}

func (t *Tracker) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, t.batchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		t.post(batch)
		batch = make([]Event, 0, t.batchSize)
	}
	drain := func() {
		for {
			select {
			case ev := <-t.queue:
				batch = append(batch, ev)
				if len(batch) >= t.batchSize {
					send()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case <-t.stop:
			drain()
			send()
			return
		case ack := <-t.flushCh:
			drain()
			send()
			close(ack)
		case <-ticker.C:
			send()
		case ev := <-t.queue:
			batch = append(batch, ev)
			if len(batch) >= t.batchSize {
				send()
			}
		}
	}
}

func (t *Tracker) post(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.send(ctx, batch); err != nil {
		t.logger.Warn("failed to deliver analytics batch", "events", len(batch), "error", err)
		return
	}
	t.logger.Debug("delivered analytics batch", "events", len(batch))
}

func (t *Tracker) send(ctx context.Context, batch []Event) error {
	jsonData, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
