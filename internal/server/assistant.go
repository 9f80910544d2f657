package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"CircleChat/internal/backend"
	"CircleChat/internal/cache"
	"CircleChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ChatRequest is the body of POST /api/chat and the first websocket frame
type ChatRequest struct {
	Question   string         `json:"question"`
	History    []session.Turn `json:"history"`
	Collection string         `json:"collection,omitempty"`
}

// Frame is one event of the answer stream
type Frame struct {
	Type    string
	Content string
	Sources []session.Source
}

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case "chunk":
		return json.Marshal(struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}{f.Type, f.Content})
	case "sources":
		sources := f.Sources
		if sources == nil {
			sources = []session.Source{}
		}
		return json.Marshal(struct {
			Type    string           `json:"type"`
			Sources []session.Source `json:"sources"`
		}{f.Type, sources})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{f.Type})
	}
}

// EmitFunc writes one frame to the client
type EmitFunc func(Frame) error

// Assistant answers questions from a collection with a generator
type Assistant struct {
	library   *Library
	generator backend.Generator
	cache     cache.Store
	topK      int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// AssistantOptions configures an Assistant
type AssistantOptions struct {
	Library   *Library
	Generator backend.Generator
	Cache     cache.Store // nil disables caching
	TopK      int
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// NewAssistant creates the answer pipeline
func NewAssistant(opts AssistantOptions) *Assistant {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("circlechat/server")
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	return &Assistant{
		library:   opts.Library,
		generator: opts.Generator,
		cache:     opts.Cache,
		topK:      opts.TopK,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
	}
}

// Answer streams the answer to req as chunk frames, then one sources frame,
// then done. The collection must already be validated.
func (a *Assistant) Answer(ctx context.Context, req ChatRequest, emit EmitFunc) error {
	ctx, span := a.tracer.Start(ctx, "assistant_answer", trace.WithAttributes(
		attribute.String("chat.collection", req.Collection),
		attribute.Int("chat.history_length", len(req.History)),
	))
	defer span.End()

	err := a.answer(ctx, span, req, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Assistant) answer(ctx context.Context, span trace.Span, req ChatRequest, emit EmitFunc) error {
	cacheKey := cache.GenerateCacheKey(req.Collection, req.History, req.Question)
	if a.cache != nil {
		cached, ok, err := a.cache.Get(ctx, cacheKey)
		if err != nil {
			a.logger.Warn("cache lookup failed", "error", err)
		}
		if ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			a.logger.Info("cache hit", "key", cacheKey[:16])
			return replay(cached, emit)
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	sources, err := a.library.Retrieve(req.Collection, req.Question, a.topK)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("chat.sources", len(sources)))

	var answer strings.Builder
	err = a.generator.Generate(ctx, buildPrompt(req, sources), func(token string) error {
		answer.WriteString(token)
		return emit(Frame{Type: "chunk", Content: token})
	})
	if err != nil {
		return fmt.Errorf("failed to generate answer with %s: %w", a.generator.Name(), err)
	}

	if err := emit(Frame{Type: "sources", Sources: sources}); err != nil {
		return err
	}
	// Cached before done so a follow-up request always sees it.
	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, cache.CachedAnswer{Content: answer.String(), Sources: sources}); err != nil {
			a.logger.Warn("failed to cache answer", "error", err)
		}
	}
	return emit(Frame{Type: "done"})
}

// replay sends a cached answer as a single chunk
func replay(cached cache.CachedAnswer, emit EmitFunc) error {
	if cached.Content != "" {
		if err := emit(Frame{Type: "chunk", Content: cached.Content}); err != nil {
			return err
		}
	}
	if err := emit(Frame{Type: "sources", Sources: cached.Sources}); err != nil {
		return err
	}
	return emit(Frame{Type: "done"})
}

// buildPrompt grounds the question in the retrieved sources
func buildPrompt(req ChatRequest, sources []session.Source) []backend.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a careful health information assistant for the topic %q. ", req.Collection)
	sb.WriteString("Answer in plain language using the numbered context below. ")
	sb.WriteString("If the context does not cover the question, say so and suggest talking to a clinician.\n\nContext:\n")
	if len(sources) == 0 {
		sb.WriteString("(no matching documents)\n")
	}
	for i, src := range sources {
		fmt.Fprintf(&sb, "[%d] %s", i+1, src.Metadata.Title)
		if src.Metadata.Organization != "" {
			fmt.Fprintf(&sb, " (%s)", src.Metadata.Organization)
		}
		fmt.Fprintf(&sb, ": %s\n", src.Content)
	}

	messages := make([]backend.Message, 0, len(req.History)+2)
	messages = append(messages, backend.Message{Role: "system", Content: sb.String()})
	for _, turn := range req.History {
		messages = append(messages, backend.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(messages, backend.Message{Role: "user", Content: req.Question})
}
