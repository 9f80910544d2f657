package chatbot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CircleChat/internal/analytics"
	"CircleChat/internal/config"
	"CircleChat/internal/session"
	"CircleChat/internal/store"
	"CircleChat/internal/stream"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options carries what the terminal front end needs besides configuration
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	In     io.Reader
	Out    io.Writer
}

// ChatBot represents the interactive terminal application
type ChatBot struct {
	config     config.Config
	conv       *Conversation
	store      *store.Store
	tracker    *analytics.Tracker
	logger     *slog.Logger
	httpClient *http.Client
	scanner    *bufio.Scanner
	out        io.Writer
	printer    *printer
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config, opts Options) (*ChatBot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := stream.NewClient(stream.Options{
		Endpoint:    cfg.Endpoint,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
		Tracer:      opts.Tracer,
		Meter:       opts.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream client: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	tracker := analytics.New(analytics.Options{
		URL:           cfg.AnalyticsURL,
		BatchSize:     cfg.AnalyticsBatchSize,
		FlushInterval: cfg.AnalyticsFlushInterval,
		Logger:        logger,
	})

	policy := session.NearestPrecedingUser
	if cfg.RetryPolicy == config.RetryLast {
		policy = session.LastUser
	}

	conv := NewConversation(ConversationOptions{
		Streamer:    client,
		Topic:       cfg.Collection,
		Greeting:    cfg.Greeting,
		RetryPolicy: policy,
		Tracker:     tracker,
		Logger:      logger,
	})

	in, out := opts.In, opts.Out
	if in == nil {
		in = strings.NewReader("")
	}
	if out == nil {
		out = io.Discard
	}

	cb := &ChatBot{
		config:     cfg,
		conv:       conv,
		store:      db,
		tracker:    tracker,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		scanner:    bufio.NewScanner(in),
		out:        out,
		printer:    &printer{out: out},
	}
	conv.Subscribe(cb.printer.update)

	if cfg.SessionID != "" {
		saved, err := db.LoadConversation(context.Background(), cfg.SessionID)
		if err != nil {
			logger.Warn("failed to load conversation, starting a new one", "error", err)
		} else {
			conv.Restore(cfg.SessionID, saved)
			logger.Info("loaded existing conversation", "conversation_id", cfg.SessionID)
		}
	}

	return cb, nil
}

// Conversation exposes the conversation driven by the terminal
func (cb *ChatBot) Conversation() *Conversation {
	return cb.conv
}

// save journals the current transcript unless it holds only the greeting
func (cb *ChatBot) save(ctx context.Context) error {
	id := cb.conv.ID()
	snap := cb.conv.Snapshot()
	if !session.NeedsConfirmation(snap) {
		return nil
	}
	if err := cb.store.SaveConversation(ctx, id, snap); err != nil {
		return err
	}
	cb.logger.Info("conversation saved", "conversation_id", id, "message_count", len(snap.Messages))
	return nil
}

// confirm asks a yes/no question on the terminal; anything but y/yes is no
func (cb *ChatBot) confirm(question string) bool {
	fmt.Fprintf(cb.out, "%s [y/N] ", question)
	if !cb.scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(cb.scanner.Text()))
	return answer == "y" || answer == "yes"
}

// listTopics fetches the collections offered by the chat endpoint
func (cb *ChatBot) listTopics(ctx context.Context) ([]string, error) {
	u, err := url.Parse(cb.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/collections"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var listResp struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	names := make([]string, 0, len(listResp.Collections))
	for _, c := range listResp.Collections {
		names = append(names, c.Name)
	}
	return names, nil
}

// retryTarget resolves the message a /retry refers to: the nth message of the
// transcript (1-based) or, without an argument, the last assistant answer.
func retryTarget(s session.State, arg string) (string, error) {
	if arg == "" {
		for i := len(s.Messages) - 1; i >= 0; i-- {
			if s.Messages[i].Role == session.RoleAssistant {
				return s.Messages[i].ID, nil
			}
		}
		return "", ErrNothingToRetry
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.Messages) {
		return "", fmt.Errorf("usage: /retry [n] with n between 1 and %d", len(s.Messages))
	}
	return s.Messages[n-1].ID, nil
}

// ask submits a question and blocks until its answer has finished
func (cb *ChatBot) ask(submit func() error) error {
	fmt.Fprint(cb.out, "Bot: ")
	if err := submit(); err != nil {
		fmt.Fprintln(cb.out)
		return err
	}
	cb.conv.Wait()
	fmt.Fprintln(cb.out)
	return nil
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		if err := cb.save(ctx); err != nil {
			cb.logger.Error("failed to save current conversation", "error", err)
		}
		cb.conv.NewConversation()
		fmt.Fprintln(cb.out, "Started new conversation:", cb.conv.ID())
		return false, nil

	case "/topic":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /topic <name>")
		}
		topic := strings.Join(parts[1:], " ")
		switched, err := cb.conv.SwitchTopic(topic, func() bool {
			if !cb.confirm("Switching topics will start a new conversation. Continue?") {
				return false
			}
			if err := cb.save(ctx); err != nil {
				cb.logger.Error("failed to save current conversation", "error", err)
			}
			return true
		})
		if err != nil {
			return false, err
		}
		if switched {
			fmt.Fprintf(cb.out, "Switched to topic %s\n", topic)
		} else {
			fmt.Fprintf(cb.out, "Staying on topic %s\n", cb.conv.Snapshot().Topic)
		}
		return false, nil

	case "/topics":
		topics, err := cb.listTopics(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list topics: %w", err)
		}
		current := cb.conv.Snapshot().Topic
		fmt.Fprintln(cb.out, "\nAvailable topics:")
		for i, name := range topics {
			marker := ""
			if name == current {
				marker = " (current)"
			}
			fmt.Fprintf(cb.out, "%d. %s%s\n", i+1, name, marker)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/retry":
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}
		id, err := retryTarget(cb.conv.Snapshot(), arg)
		if err != nil {
			return false, err
		}
		return false, cb.ask(func() error { return cb.conv.Retry(ctx, id) })

	case "/history":
		list, err := cb.store.ListConversations(ctx, 10)
		if err != nil {
			return false, err
		}
		if len(list) == 0 {
			fmt.Fprintln(cb.out, "No saved conversations.")
			return false, nil
		}
		fmt.Fprintln(cb.out, "\nSaved conversations:")
		for _, sum := range list {
			fmt.Fprintf(cb.out, "%s  %-12s %3d messages  %s\n",
				sum.ID, sum.Topic, sum.MessageCount, sum.UpdatedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/save":
		if err := cb.save(ctx); err != nil {
			return false, fmt.Errorf("failed to save conversation: %w", err)
		}
		fmt.Fprintln(cb.out, "Saved conversation:", cb.conv.ID())
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit     - Exit the chat")
		fmt.Fprintln(cb.out, "  /new             - Start a new conversation")
		fmt.Fprintln(cb.out, "  /topic <name>    - Switch topic (asks before clearing the conversation)")
		fmt.Fprintln(cb.out, "  /topics          - List topics offered by the server")
		fmt.Fprintln(cb.out, "  /retry [n]       - Ask again for message n, or for the last answer")
		fmt.Fprintln(cb.out, "  /history         - List saved conversations")
		fmt.Fprintln(cb.out, "  /save            - Save this conversation")
		fmt.Fprintln(cb.out, "  /help            - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

// Run starts the chat loop and returns when input ends, /quit is entered or
// ctx is cancelled.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.close()

	snap := cb.conv.Snapshot()
	fmt.Fprintln(cb.out, "=== CircleChat ===")
	fmt.Fprintf(cb.out, "Conversation: %s\n", cb.conv.ID())
	fmt.Fprintf(cb.out, "Topic: %s\n", snap.Topic)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)
	for _, msg := range snap.Messages {
		printMessage(cb.out, msg)
	}

	for ctx.Err() == nil {
		fmt.Fprint(cb.out, "You: ")
		if !cb.scanner.Scan() {
			break
		}

		input := strings.TrimSpace(cb.scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.ask(func() error { return cb.conv.Submit(ctx, input) }); err != nil {
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}

	if err := cb.save(context.Background()); err != nil {
		cb.logger.Error("failed to save conversation on exit", "error", err)
		return err
	}
	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

func (cb *ChatBot) close() {
	cb.conv.Stop()
	cb.conv.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cb.tracker.Close(ctx); err != nil {
		cb.logger.Warn("failed to flush analytics", "error", err)
	}
	if err := cb.store.Close(); err != nil {
		cb.logger.Error("failed to close database", "error", err)
	}
}
