// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/api/httpapi"
	"github.com/osa030/voicebox/internal/app/autoplay"
	"github.com/osa030/voicebox/internal/app/filter"
	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/app/queue"
	"github.com/osa030/voicebox/internal/app/resolver"
	"github.com/osa030/voicebox/internal/app/session"
	"github.com/osa030/voicebox/internal/infra/audio/transcode"
	"github.com/osa030/voicebox/internal/infra/cache"
	"github.com/osa030/voicebox/internal/infra/config"
	"github.com/osa030/voicebox/internal/infra/discord"
	"github.com/osa030/voicebox/internal/infra/lastfm"
	"github.com/osa030/voicebox/internal/infra/logger"
	"github.com/osa030/voicebox/internal/infra/search"
	"github.com/osa030/voicebox/internal/infra/spotify"
	"github.com/osa030/voicebox/internal/infra/ytdlp"
)

var (
	app        = kingpin.New("voicebox-server", "voicebox music bot server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	logCloser, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logCloser.Close()

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the main server logic. Using a separate function ensures
// deferred cleanup runs even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolution cache
	store, err := openStore(ctx, cfg.Cache)
	if err != nil {
		return errors.Wrap(err, "failed to open cache store")
	}
	resolutionCache := cache.New(cache.Config{SweepInterval: cfg.SweepInterval()}, store)
	defer resolutionCache.Close()
	resolutionCache.Start(ctx)

	// Extraction pipeline
	pool := resolver.NewPool(resolver.PoolConfig{
		Workers:       cfg.Resolver.Workers,
		QueueDepth:    cfg.Resolver.QueueDepth,
		Timeout:       cfg.ResolveTimeout(),
		RatePerSecond: cfg.Resolver.RatePerSecond,
		Burst:         cfg.Resolver.Burst,
	})
	defer pool.Close()

	extractor := ytdlp.New(ytdlp.Config{Executable: cfg.Resolver.YtdlpPath})
	opts := []resolver.Option{resolver.WithSearchers(search.NewMusic(), search.NewVideo())}
	if cfg.SpotifyEnabled() {
		spotifyClient, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create Spotify client")
		}
		opts = append(opts, resolver.WithLinkExpanders(spotifyClient))
	} else {
		zlog.Info().Msg("Spotify credentials not configured, Spotify links are disabled")
	}
	res := resolver.New(resolver.Config{MaxPlaylistItems: cfg.Resolver.ExpandLimit}, pool, resolutionCache, extractor, opts...)

	// Admission filters
	chain, err := filter.BuildChain(cfg.EnabledFilters())
	if err != nil {
		return errors.Wrap(err, "invalid filter config")
	}

	// Discord
	bot, err := discord.New(discord.Config{
		Token:    cfg.Discord.Token,
		GuildIDs: cfg.Discord.GuildIDs,
		Stream:   transcode.Stream,
	}, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create discord client")
	}

	sessionOpts := []session.Option{session.WithFilters(chain)}
	if len(cfg.Autoplay.Providers) > 0 {
		src, err := buildAutoplay(cfg, res, resolutionCache)
		if err != nil {
			return errors.Wrap(err, "invalid autoplay config")
		}
		sessionOpts = append(sessionOpts, session.WithAutoplay(src))
	}

	sessionMgr := session.NewManager(session.Config{
		Playback: playback.Config{
			Queue: queue.Config{
				MaxQueueSize: cfg.Queue.MaxSize,
				MaxBatchSize: cfg.Queue.MaxBatch,
				HistorySize:  cfg.Queue.HistorySize,
			},
			ResolveTimeout:  cfg.ResolveTimeout(),
			ConnectAttempts: cfg.Playback.ConnectAttempts,
			ConnectBackoff:  cfg.ConnectBackoff(),
			AloneGrace:      cfg.AloneGrace(),
		},
		ExpandLimit:   cfg.Resolver.ExpandLimit,
		Autoplay:      cfg.Autoplay.Enabled,
		AutoplayCount: cfg.Autoplay.CandidateCount,
	}, bot.Transport, res, sessionOpts...)
	bot.Attach(sessionMgr)

	announcer := discord.NewAnnouncer(bot.Post, cfg)
	defer announcer.Close()
	sessionMgr.Notifier().Subscribe(announcer, announcer.Events()...)

	// Admin HTTP server
	api := httpapi.New(httpapi.Config{
		Token:          cfg.Admin.Token,
		RequestsPerMin: cfg.Admin.RequestsPerMin,
	}, sessionMgr, resolutionCache, promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting admin server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	if err := bot.Open(ctx); err != nil {
		sessionMgr.Close()
		_ = server.Close()
		return errors.Wrap(err, "failed to connect to discord")
	}

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		runErr = errors.Wrap(err, "admin server error")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Admin.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	// Sessions first so every voice connection is closed before the gateway
	sessionMgr.Close()
	bot.Close(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return runErr
}

// openStore returns the durable cache layer. The memory backend has none.
func openStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		zlog.Info().Msgf("Using sqlite cache: path=%s", cfg.SQLitePath)
		return cache.OpenSQLite(cache.SQLiteConfig{Path: cfg.SQLitePath})
	case "redis":
		zlog.Info().Msgf("Using redis cache: addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
		return cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		zlog.Info().Msg("Using in-memory cache")
		return nil, nil
	}
}

// buildAutoplay creates the provider chain. The Last.fm client is created
// only when a lastfm provider is configured.
func buildAutoplay(cfg *config.Config, res autoplay.Resolver, c *cache.Cache) (*autoplay.Chain, error) {
	specs := make([]autoplay.ProviderSpec, 0, len(cfg.Autoplay.Providers))
	needLastFM := false
	for _, p := range cfg.Autoplay.Providers {
		specs = append(specs, autoplay.ProviderSpec{
			Type:        p.Type,
			DisplayName: p.DisplayName,
			Settings:    p.Settings,
		})
		if p.Type == "lastfm" {
			needLastFM = true
		}
	}

	var listings autoplay.ListingSource
	if needLastFM {
		client, err := lastfm.New(lastfm.Config{APIKey: cfg.LastFM.APIKey}, c)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create Last.fm client")
		}
		listings = client
	}
	return autoplay.NewChainFromSpecs(specs, res, listings)
}

// printFilters prints available filters.
func printFilters() {
	registered := filter.GetRegistered()
	fmt.Println("Available Filters:")
	for _, name := range filter.Names() {
		f := registered[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// sh -c allows redirection and pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
