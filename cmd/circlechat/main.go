package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CircleChat/internal/chatbot"
	"CircleChat/internal/config"
	"CircleChat/internal/store"
	"CircleChat/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	endpoint    string
	collection  string
	resume      string
	retryPolicy string
	dbPath      string
	idleTimeout time.Duration
	debug       bool
	historySize int
)

var rootCmd = &cobra.Command{
	Use:   "circlechat",
	Short: "CircleChat - streaming health Q&A in the terminal",
	Long: `CircleChat asks a chat server questions about one topic collection at a
time and streams the answer, followed by the sources it was drawn from.

Type /help inside the chat for the list of commands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateClient(); err != nil {
			return err
		}
		return runChat(cmd.Context(), cfg)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		summaries, err := db.ListConversations(cmd.Context(), historySize)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No saved conversations.")
			return nil
		}
		for _, s := range summaries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %3d messages  %s\n",
				s.ID, s.Topic, s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nResume with: circlechat --resume <id>")
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&dbPath, "db", "", "SQLite database for saved conversations")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")

	f := rootCmd.Flags()
	f.StringVar(&endpoint, "endpoint", "", "Chat endpoint (http(s):// for SSE, ws(s):// for websocket)")
	f.StringVar(&collection, "collection", "", "Topic collection to ask about")
	f.StringVar(&resume, "resume", "", "Resume a saved conversation by ID")
	f.StringVar(&retryPolicy, "retry-policy", "", "Which question /retry resends (nearest|last)")
	f.DurationVar(&idleTimeout, "idle-timeout", 0, "Give up on a stream after this long without data (0 disables)")

	historyCmd.Flags().IntVarP(&historySize, "limit", "n", 20, "Number of conversations to list")
	rootCmd.AddCommand(historyCmd)
}

// loadConfig layers explicitly set flags over the file and environment
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = endpoint
	}
	if flags.Changed("collection") {
		cfg.Collection = collection
	}
	if flags.Changed("resume") {
		cfg.SessionID = resume
	}
	if flags.Changed("retry-policy") {
		cfg.RetryPolicy = retryPolicy
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout = idleTimeout
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPath
	}
	if flags.Changed("debug") {
		cfg.Debug = debug
	}
	return cfg, nil
}

func runChat(ctx context.Context, cfg config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, "circlechat", cfg.Level())
	if err != nil {
		return err
	}
	defer logFile.Close()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir, "circlechat")
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("starting circlechat", "endpoint", cfg.Endpoint, "collection", cfg.Collection, "version", telemetry.Version)

	bot, err := chatbot.NewChatBot(cfg, chatbot.Options{
		Logger: logger,
		Tracer: tracer,
		Meter:  meter,
		In:     os.Stdin,
		Out:    os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
