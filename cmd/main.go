package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/natachat/internal/api"
	"github.com/pelusa-v/natachat/internal/auth"
	"github.com/pelusa-v/natachat/internal/chat"
	"github.com/pelusa-v/natachat/internal/config"
	"github.com/pelusa-v/natachat/internal/handlers"
	"github.com/pelusa-v/natachat/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		apiBase    string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "natachat",
		Short:         "Local chat session gateway for the natachat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if apiBase != "" {
				cfg.APIBase = apiBase
				cfg.WSBase = ""
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			setupLogging(cfg.LogLevel)
			if err := run(cmd.Context(), cfg); err != nil {
				log.Error().Err(err).Msg("gateway stopped")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "gateway listen address")
	cmd.Flags().StringVar(&apiBase, "api-base", "", "backend base URL")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source auth.Source = auth.StaticToken(cfg.Token)
	if cfg.TokenFile != "" {
		source = auth.FileToken(cfg.TokenFile)
	}
	identity := auth.NewProvider(source)

	client := api.New(cfg.APIBase, identity)
	client.Timeout = cfg.RequestTimeout

	wsBase := cfg.WSBase
	if wsBase == "" {
		wsBase = transport.WebsocketBase(cfg.APIBase)
	}
	dialer := transport.NewDialer(wsBase, cfg.HandshakeTimeout)

	conn := chat.NewConnManager(dialer, identity)
	session := chat.NewSession(client, client, conn, chat.Config{
		SendTimeout: cfg.SendTimeout,
		NoticeTTL:   cfg.NoticeTTL,
		Suggestions: cfg.Suggestions,
	})
	defer session.Close()

	// a directory failure leaves an offline-like session; keep serving
	if err := session.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("starting without persisted rooms")
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handlers.New(session).Register(app)
	app.Static("/", "./public")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Str("api_base", cfg.APIBase).Str("ws_base", wsBase).Msg("gateway listening")
		return errors.Wrap(app.Listen(cfg.Listen), "listen")
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(5 * time.Second)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
