package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/earthengine"
	"github.com/woozymasta/cropstress/internal/logger"
	"github.com/woozymasta/cropstress/internal/server"
	"github.com/woozymasta/cropstress/internal/stress"
	"github.com/woozymasta/cropstress/internal/tiles"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile  string        `short:"c" long:"config"       env:"CONFIG_FILE"    description:"Path to configuration file" default:"config.yaml"`
	Addr        string        `short:"a" long:"addr"         env:"LISTEN_ADDRESS" description:"Address to listen on"       default:"0.0.0.0"`
	Port        int           `short:"p" long:"port"         env:"LISTEN_PORT"    description:"Port to listen on"          default:"8080"`
	Project     string        `short:"P" long:"project"      env:"EE_PROJECT"     description:"Earth Engine cloud project, overrides the config"`
	Credentials string        `long:"credentials"            env:"GOOGLE_APPLICATION_CREDENTIALS" description:"Service account or authorized user JSON file"`
	NoAuth      bool          `long:"no-auth"                env:"NO_AUTH"        description:"Fail instead of starting the interactive login"`
	SessionIdle time.Duration `long:"session-idle"           env:"SESSION_IDLE"   description:"Drop page sessions idle for this long" default:"1h"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Setup Logging
	opts.Logger.Setup()

	// Load Config
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if opts.Project != "" {
		cfg.Project = opts.Project
	}
	if opts.Credentials != "" {
		cfg.Auth.Credentials = opts.Credentials
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := initEarthEngine(ctx, cfg, opts.NoAuth)
	if err != nil {
		log.Fatal().Err(err).Str("project", cfg.Project).Msg("Earth Engine initialization failed")
	}

	fetcher := &tiles.Fetcher{
		Client:    &http.Client{Timeout: 30 * time.Second},
		Cache:     tiles.Cache{Dir: cfg.CacheDir},
		Converter: tiles.Converter{TileSize: cfg.TileSize},
	}

	srvCtx, err := server.NewServerContext(cfg, stress.NewPipeline(client), client, fetcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	listenAddr := fmt.Sprintf("%s:%d", opts.Addr, opts.Port)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           server.RequestLogger(srvCtx.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go sweepSessions(ctx, srvCtx.Sessions, opts.SessionIdle)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().
		Str("addr", listenAddr).
		Str("project", cfg.Project).
		Int("base_layers", len(cfg.BaseLayers)).
		Int("zoom_limit", cfg.ZoomLimit).
		Msg("Web server started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Server stopped")
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("Configuration file not found, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

// initEarthEngine initializes the platform client, running the interactive
// login once when no usable credentials are found.
func initEarthEngine(ctx context.Context, cfg *config.Config, noAuth bool) (*earthengine.Client, error) {
	authOpts := earthengine.AuthOptions{
		Endpoint:        cfg.Auth.Endpoint,
		Project:         cfg.Project,
		CredentialsFile: cfg.Auth.Credentials,
		TokenFile:       cfg.Auth.TokenFile,
		ClientID:        cfg.Auth.ClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
	}

	res := earthengine.Initialize(ctx, authOpts)
	if res.Status == earthengine.NeedsAuth && !noAuth {
		log.Warn().Err(res.Err).Msg("Earth Engine credentials missing or rejected, starting login")

		if err := earthengine.Authenticate(ctx, authOpts, os.Stderr); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		res = earthengine.Initialize(ctx, authOpts.AfterLogin())
	}

	if res.Status != earthengine.Initialized {
		return nil, fmt.Errorf("%s: %w", res.Status, res.Err)
	}

	return res.Client, nil
}

func sweepSessions(ctx context.Context, store *server.SessionStore, idle time.Duration) {
	if idle <= 0 {
		return
	}

	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep(idle)
		}
	}
}
