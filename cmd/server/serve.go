package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ivugurura/radio-sync/config"
	"github.com/ivugurura/radio-sync/internal/analytics"
	"github.com/ivugurura/radio-sync/internal/api"
	"github.com/ivugurura/radio-sync/internal/events"
	"github.com/ivugurura/radio-sync/internal/geo"
	"github.com/ivugurura/radio-sync/internal/listeners"
	"github.com/ivugurura/radio-sync/internal/pipeline"
	"github.com/ivugurura/radio-sync/internal/resolver"
	"github.com/ivugurura/radio-sync/internal/stream"
)

func serveCmd() *cobra.Command {
	var (
		envFile string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the radio HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg := config.LoadConfig()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides LISTEN_ADDR")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	enricher := geo.NewEnricher(cfg.GeoIPDBPath, cfg.IPHashSalt, cfg.EnableGeoIp)
	defer enricher.Close()

	search, err := resolver.New(cfg.ResolverCommand, cfg.ResolverCacheSize)
	if err != nil {
		return err
	}

	hub := events.NewHub(64, cfg.FrontendURL)
	store := listeners.NewStore()
	reporter := analytics.NewReporter(
		analytics.NewClient(cfg.BackendAPI, cfg.BackendAPIKey),
		store,
		cfg.StationID,
		cfg.EventFlushInterval,
	)

	broadcaster := stream.NewBroadcaster(
		stream.WithListenerQueueSize(cfg.ListenerQueueSize),
		stream.WithWriteTimeout(cfg.ListenerWriteTimeout),
		stream.WithListenerStore(store),
		stream.WithCountHook(stream.CountPublisher(hub)),
	)
	source := pipeline.New(pipeline.Config{
		FetchCommand:     cfg.FetchCommand,
		TranscodeCommand: cfg.TranscodeCommand,
		BitrateKbps:      cfg.DefaultBitrateKbps,
	})
	coord := stream.NewCoordinator(source, broadcaster,
		stream.WithPublisher(stream.MultiPublisher{hub, reporter}),
		stream.WithBytesPerSecond(cfg.BytesPerSecond()),
		stream.WithStartupTimeout(cfg.StartupTimeout),
		stream.WithRetryDelay(cfg.RetryDelay),
		stream.WithJoinWait(cfg.JoinWait),
		stream.WithMaxBufferBytes(cfg.MaxBufferBytes),
		stream.WithPacing(cfg.PaceOutput),
	)
	hub.SetGreeting(api.StatusGreeting(coord))

	srv := api.NewServer(api.ServerConfig{Addr: cfg.ListenAddr, FrontendURL: cfg.FrontendURL}, api.Deps{
		Coordinator: coord,
		Searcher:    search,
		Enricher:    enricher,
		Listeners:   store,
		Hub:         hub,
	})

	if cfg.BackendAPI == "" {
		log.Printf("Analytics: BACKEND_API not set, sessions are only kept in memory")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Println("Server stopped")
	return err
}
