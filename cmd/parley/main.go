package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"parley/internal/catalog"
	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/crypto"
	"parley/internal/metrics"
	"parley/internal/providers"
	"parley/internal/storage"
	"parley/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().Str("driver", cfg.DB.Driver).Msg("starting parley")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	// A crash mid-stream leaves turns flagged as generating, which would
	// block their conversations on the next run.
	if n, err := store.FailInterruptedTurns(ctx, time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("failed to sweep interrupted turns")
	} else if n > 0 {
		log.Warn().Int64("turns", n).Msg("failed turns interrupted by a previous run")
	}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	models := catalog.New(catalog.Config{
		HTTPClient: &http.Client{Timeout: cfg.HTTP.DiscoveryTimeout},
		Redis:      rdb,
		CacheTTL:   cfg.Redis.ModelCacheTTL,
		Logger:     log.Logger,
		Metrics:    m,
	})
	orchestrator := chat.New(chat.Config{
		Store:      store,
		Keyring:    keyring,
		HTTPClient: &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		Logger:     log.Logger,
		Metrics:    m,
	})
	defer orchestrator.Close()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	repl := &repl{
		store:        store,
		keyring:      keyring,
		catalog:      models,
		orchestrator: orchestrator,
	}
	go func() {
		repl.run(ctx)
		cancel()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

type repl struct {
	store        *storage.Store
	keyring      *crypto.Keyring
	catalog      *catalog.Catalog
	orchestrator *chat.Orchestrator

	current storage.Conversation
}

func (r *repl) run(ctx context.Context) {
	fmt.Println("parley ready, /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if strings.HasPrefix(line, "/") {
			r.command(ctx, line)
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) command(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(`commands:
  /provider <key> <api-key> [base-url]   store provider credentials
  /models [key]                          list models for a provider
  /new <provider> <model>                start a conversation
  /open <id>                             switch to a conversation
  /list                                  list conversations
  /system <prompt>                       set the system prompt
  /cancel                                cancel the in-flight response
  /quit                                  exit`)
	case "/provider":
		if len(fields) < 3 {
			fmt.Println("usage: /provider <key> <api-key> [base-url]")
			return
		}
		r.setProvider(ctx, fields[1], fields[2], fields[3:])
	case "/models":
		key := r.current.ProviderKey
		if len(fields) > 1 {
			key = fields[1]
		}
		r.listModels(ctx, key)
	case "/new":
		if len(fields) < 3 {
			fmt.Println("usage: /new <provider> <model>")
			return
		}
		conv, err := r.orchestrator.CreateConversation(ctx, storage.Conversation{
			ProviderKey: fields[1],
			Model:       fields[2],
			Stream:      true,
		})
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		r.current = conv
		fmt.Printf("conversation %s (%s / %s)\n", conv.ID, conv.ProviderKey, conv.Model)
	case "/open":
		if len(fields) < 2 {
			fmt.Println("usage: /open <id>")
			return
		}
		conv, err := r.store.GetConversation(ctx, fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		r.current = conv
		fmt.Printf("switched to %s (%s / %s)\n", conv.ID, conv.ProviderKey, conv.Model)
	case "/list":
		convs, err := r.store.ListConversations(ctx, false)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		for _, c := range convs {
			marker := " "
			if c.Starred {
				marker = "*"
			}
			fmt.Printf("%s %s  %s / %s  %s\n", marker, c.ID, c.ProviderKey, c.Model, c.Name)
		}
	case "/system":
		if r.current.ID == "" {
			fmt.Println("no conversation, /new first")
			return
		}
		r.current.SystemPrompt = strings.TrimSpace(strings.TrimPrefix(line, "/system"))
		if err := r.store.UpdateConversationSettings(ctx, r.current); err != nil {
			fmt.Println("error:", err)
		}
	case "/cancel":
		if r.current.ID != "" {
			r.orchestrator.Cancel(r.current.ID)
		}
	default:
		fmt.Println("unknown command, /help for usage")
	}
}

func (r *repl) setProvider(ctx context.Context, key, apiKey string, rest []string) {
	sealed, err := r.keyring.Seal(apiKey)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	now := time.Now().UTC()
	profile := storage.ProviderProfile{
		Key:       strings.ToLower(key),
		EncAPIKey: &sealed,
		Mode:      string(providers.ModeChat),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(rest) > 0 {
		profile.BaseURL = rest[0]
	}
	if err := r.store.UpsertProviderProfile(ctx, profile); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("provider %s configured\n", profile.Key)
}

func (r *repl) listModels(ctx context.Context, key string) {
	if key == "" {
		fmt.Println("usage: /models <key>")
		return
	}
	profile := providers.Profile{Key: providers.ParseKey(key)}
	if rec, err := r.store.GetProviderProfile(ctx, key); err == nil {
		profile.BaseURL = rec.BaseURL
		profile.AzureEndpoint = rec.AzureEndpoint
		profile.AzureDeployment = rec.AzureDeployment
		profile.AzureAPIVersion = rec.AzureAPIVersion
		profile.Local = rec.Local
		if rec.EncAPIKey != nil && *rec.EncAPIKey != "" {
			if apiKey, err := r.keyring.Open(*rec.EncAPIKey); err == nil {
				profile.APIKey = apiKey
			}
		}
	}

	models, err := r.catalog.ListModels(ctx, profile)
	if err != nil {
		if cached, ok := r.catalog.Cached(ctx, profile.Key); ok {
			fmt.Println("discovery failed, showing cached list:", err)
			models = cached
		} else {
			fmt.Println("error:", err)
			return
		}
	}
	if len(models) == 0 {
		fmt.Println("no models reported")
		return
	}
	for _, m := range models {
		fmt.Println(" ", m)
	}
}

func (r *repl) send(ctx context.Context, text string) {
	if r.current.ID == "" {
		fmt.Println("no conversation, /new first")
		return
	}

	events, err := r.orchestrator.Send(ctx, r.current.ID, text, "", "")
	if err != nil {
		if errors.Is(err, chat.ErrBusy) {
			fmt.Println("still generating, /cancel to abort")
			return
		}
		fmt.Println("error:", err)
		return
	}

	for ev := range events {
		switch ev.Kind {
		case stream.EventChunk:
			fmt.Print(ev.Chunk)
		case stream.EventCompleted:
			fmt.Println()
		case stream.EventCancelled:
			fmt.Println("\n[cancelled]")
		case stream.EventFailed:
			fmt.Printf("\n[failed: %v]\n", ev.Err)
		}
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
