package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"CircleChat/internal/backend"
	"CircleChat/internal/cache"
	"CircleChat/internal/config"
	"CircleChat/internal/server"
	"CircleChat/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	listenAddr  string
	backendName string
	libraryPath string
	redisAddr   string
	collection  string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "chatserver",
	Short: "Reference chat server for CircleChat",
	Long: `chatserver answers questions from YAML topic collections with a local or
hosted language model, streaming the answer over SSE (POST /api/chat) or
websocket (GET /api/chat/ws).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.ListenAddr = listenAddr
		}
		if flags.Changed("backend") {
			cfg.Backend = backendName
		}
		if flags.Changed("library") {
			cfg.LibraryPath = libraryPath
		}
		if flags.Changed("redis") {
			cfg.RedisAddr = redisAddr
		}
		if flags.Changed("collection") {
			cfg.Collection = collection
		}
		if flags.Changed("debug") {
			cfg.Debug = debug
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&listenAddr, "listen", "", "Address to listen on")
	f.StringVar(&backendName, "backend", "", "LLM backend (ollama|openai|anthropic)")
	f.StringVar(&libraryPath, "library", "", "YAML file with the topic collections")
	f.StringVar(&redisAddr, "redis", "", "Redis address for the shared answer cache (in-process cache when empty)")
	f.StringVar(&collection, "collection", "", "Collection used when a request names none")
	f.BoolVar(&debug, "debug", false, "Enable debug logging")
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, "chatserver", cfg.Level())
	if err != nil {
		return err
	}
	defer logFile.Close()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir, "chatserver")
	if err != nil {
		return err
	}
	defer cleanup()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	library, err := server.LoadLibrary(cfg.LibraryPath)
	if err != nil {
		return err
	}
	if !library.Has(cfg.Collection) {
		return fmt.Errorf("default collection %q is not in %s", cfg.Collection, cfg.LibraryPath)
	}

	generator, err := backend.FromConfig(cfg, &http.Client{})
	if err != nil {
		return err
	}

	var store cache.Store = cache.NewMemory(cfg.CacheTTL)
	if cfg.RedisAddr != "" {
		client, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer client.Close()
		store = cache.NewRedis(client, cfg.CacheTTL)
		logger.Info("using redis answer cache", "addr", cfg.RedisAddr)
	}

	srv := server.New(server.Options{
		Assistant: server.NewAssistant(server.AssistantOptions{
			Library:   library,
			Generator: generator,
			Cache:     store,
			TopK:      cfg.TopK,
			Logger:    logger,
			Tracer:    tracer,
		}),
		Library:           library,
		DefaultCollection: cfg.Collection,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger,
		Meter:             meter,
	})

	logger.Info("starting chatserver",
		"backend", generator.Name(),
		"collections", len(library.Collections()),
		"version", telemetry.Version,
	)
	return srv.Run(ctx, cfg.ListenAddr)
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
