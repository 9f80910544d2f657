package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const readBufferSize = 32 * 1024

// Options configures a Client
type Options struct {
	Endpoint    string        // http(s):// or ws(s):// chat endpoint
	HTTPClient  *http.Client  // used for http(s) endpoints
	IdleTimeout time.Duration // zero disables the idle timeout
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
}

// transport opens the raw event stream for one request
type transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Client streams answers from a chat endpoint. It keeps no state between
// calls and never retries.
type Client struct {
	endpoint    string
	transport   transport
	idleTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	duration    metric.Float64Histogram
	chunks      metric.Int64Counter
}

// NewClient creates a client for opts.Endpoint. The transport is chosen from
// the URL scheme.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("circlechat/stream")
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("circlechat/stream")
	}

	c := &Client{
		endpoint:    opts.Endpoint,
		idleTimeout: opts.IdleTimeout,
		logger:      logger,
		tracer:      tracer,
	}

	switch u.Scheme {
	case "http", "https":
		httpClient := opts.HTTPClient
		if httpClient == nil {
			// No overall timeout: a stream lives as long as the answer does.
			httpClient = &http.Client{}
		}
		c.transport = &httpTransport{endpoint: u, client: httpClient}
	case "ws", "wss":
		c.transport = newWebSocketTransport(u, logger)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	c.duration, err = meter.Float64Histogram(
		"chat.stream.duration",
		metric.WithDescription("Chat stream duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}
	c.chunks, err = meter.Int64Counter(
		"chat.stream.chunks",
		metric.WithDescription("Number of chunk events received"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "error", err)
	}

	return c, nil
}

// Endpoint returns the configured endpoint URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Stream sends req and returns the events of the answer. The channel yields
// chunks in arrival order, at most one sources event, then exactly one done
// or error event before it is closed. If ctx is cancelled while the consumer
// is not reading, the terminal event may be dropped.
func (c *Client) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		c.run(ctx, req, out)
	}()
	return out
}

type readResult struct {
	data []byte
	err  error
}

func (c *Client) run(ctx context.Context, req Request, out chan<- Event) {
	ctx, span := c.tracer.Start(ctx, "chat_stream", trace.WithAttributes(
		attribute.String("chat.collection", req.Collection),
		attribute.Int("chat.history_length", len(req.History)),
	))
	defer span.End()

	start := time.Now()
	outcome := "error"
	chunkCount := 0
	defer func() {
		span.SetAttributes(
			attribute.String("chat.outcome", outcome),
			attribute.Int("chat.chunks", chunkCount),
		)
		if c.duration != nil {
			c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("chat stream failed", "endpoint", c.endpoint, "error", err)
		emit(ctx, out, Event{Kind: KindError, Err: err})
	}

	if strings.TrimSpace(req.Question) == "" {
		fail(ErrEmptyQuestion)
		return
	}

	body, err := c.transport.Open(ctx, req)
	if err != nil {
		fail(err)
		return
	}

	reads := make(chan readResult)
	stop := make(chan struct{})
	go func() {
		defer close(reads)
		buf := make([]byte, readBufferSize)
		for {
			n, err := body.Read(buf)
			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- readResult{data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		close(stop)
		body.Close()
		for range reads {
		}
	}()

	var idle <-chan time.Time
	resetIdle := func() {}
	if c.idleTimeout > 0 {
		timer := time.NewTimer(c.idleTimeout)
		defer timer.Stop()
		idle = timer.C
		resetIdle = func() { timer.Reset(c.idleTimeout) }
	}

	dec := NewDecoder(c.logger)

	// deliver forwards decoded events and reports whether the stream is over
	deliver := func(events []Event) bool {
		for _, ev := range events {
			if ev.Kind == KindChunk {
				chunkCount++
				if c.chunks != nil {
					c.chunks.Add(ctx, 1)
				}
			}
			if !emit(ctx, out, ev) {
				return true
			}
			if ev.Kind == KindDone {
				outcome = "done"
				return true
			}
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			fail(&TransportError{Op: "read", Err: ctx.Err()})
			return
		case <-idle:
			fail(&TransportError{Op: "read", Err: ErrIdleTimeout})
			return
		case r, ok := <-reads:
			if !ok {
				fail(&TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
				return
			}
			if len(r.data) > 0 {
				resetIdle()
				if deliver(dec.Feed(r.data)) {
					return
				}
				if dec.Pending() > MaxLineSize {
					fail(&TransportError{Op: "read", Err: ErrLineTooLong})
					return
				}
			}
			if r.err == nil {
				continue
			}
			if errors.Is(r.err, io.EOF) {
				if deliver(dec.Flush()) {
					return
				}
				// the body ended cleanly but the answer never completed
				fail(&TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
				return
			}
			fail(&TransportError{Op: "read", Err: r.err})
			return
		}
	}
}

// emit sends ev unless ctx is cancelled first
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
