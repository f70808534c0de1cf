package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentworkforce/slackrelay/internal/config"
	"github.com/agentworkforce/slackrelay/internal/eventsapi"
	"github.com/agentworkforce/slackrelay/internal/httpapi"
	"github.com/agentworkforce/slackrelay/internal/logging"
	"github.com/agentworkforce/slackrelay/internal/rtm"
	"github.com/agentworkforce/slackrelay/internal/sessions"
	"github.com/agentworkforce/slackrelay/internal/webapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	addr       string
	mode       string
	logLevel   string
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	flagSet := pflag.NewFlagSet("slackrelay", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", strings.TrimSpace(os.Getenv("SLACKRELAY_CONFIG")), "path to a YAML config file")
	flagSet.StringVar(&f.addr, "addr", "", "listen address (overrides config)")
	flagSet.StringVar(&f.mode, "mode", "", "session mode: rtm or events (overrides config)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return cliFlags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

func (f cliFlags) apply(cfg *config.Config) {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.mode != "" {
		cfg.Slack.Mode = f.mode
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Sink: cfg.Logging.Sink})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range cfg.Warnings {
		logger.Warn("config_env_invalid", zap.String("detail", warning))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer a.Close()
	a.dispatcher.Start(ctx)
	a.authorizeBotTokens(ctx, cfg.Slack.BotTokens)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	logger.Info("slackrelay_listening", zap.String("addr", cfg.Server.Addr), zap.String("mode", string(a.sessions.Mode())))

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("slackrelay_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type app struct {
	queue      eventsapi.EnvelopeQueue
	sessions   *sessions.Manager
	dispatcher *eventsapi.Dispatcher
	server     *httpapi.Server
	logger     *zap.Logger
}

func buildQueue(cfg *config.Config) (eventsapi.EnvelopeQueue, error) {
	dsn, err := cfg.QueueDSN()
	if err != nil {
		return nil, err
	}
	queue, err := eventsapi.BuildEnvelopeQueueFromDSN(dsn, cfg.Storage.QueueSize)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = eventsapi.NewInMemoryEnvelopeQueue(cfg.Storage.QueueSize)
	}
	return queue, nil
}

func connectOptions(cfg *config.Config) rtm.ConnectOptions {
	return rtm.ConnectOptions{
		SimpleLatest: cfg.RTM.SimpleLatest,
		NoUnreads:    cfg.RTM.NoUnreads,
		MPIMAware:    cfg.RTM.MPIMAware,
		PingInterval: cfg.RTM.PingInterval,
		Timeout:      cfg.RTM.PongTimeout,
		Reconnect:    cfg.RTM.Reconnect,
	}
}

func buildApp(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	mode, err := sessions.ParseMode(cfg.Slack.Mode)
	if err != nil {
		return nil, err
	}
	queue, err := buildQueue(cfg)
	if err != nil {
		return nil, err
	}
	manager := sessions.NewManager(sessions.ManagerOptions{
		Mode:           mode,
		ConnectOptions: connectOptions(cfg),
		ClientOptions: rtm.ClientOptions{
			Dialer:    rtm.WebsocketDialer{},
			Logger:    logger.Named("rtm"),
			Metrics:   rtm.NewMetrics(reg),
			SendRate:  cfg.RTM.SendRate,
			SendBurst: cfg.RTM.SendBurst,
		},
		WebAPI: webapi.Options{
			BaseURL:           cfg.Slack.APIBaseURL,
			Logger:            logger.Named("webapi"),
			RequestsPerSecond: cfg.Slack.APIRate,
		},
		OAuth: sessions.OAuthConfig{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			RedirectURL:  cfg.Slack.OAuthRedirectURI,
		},
		Logger: logger.Named("sessions"),
	})
	dispatcher := eventsapi.NewDispatcher(queue, manager, eventsapi.DispatcherOptions{
		Workers:      cfg.Dispatch.Workers,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryDelay:   cfg.Dispatch.RetryDelay,
		DedupeWindow: cfg.Dispatch.DedupeWindow,
		Logger:       logger.Named("eventsapi"),
		Registerer:   reg,
	})
	server, err := httpapi.NewServer(httpapi.Deps{
		Sessions:   manager,
		Dispatcher: dispatcher,
		Gatherer:   gatherer,
		Logger:     logger.Named("httpapi"),
	}, httpapi.ServerConfig{
		SigningSecret:      cfg.Slack.SigningSecret,
		JWTSecret:          cfg.Auth.JWTSecret,
		RateLimitPerSecond: cfg.Auth.RateLimitRPS,
		RateLimitBurst:     cfg.Auth.RateLimitBurst,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		OAuthClientID:      cfg.Slack.ClientID,
		OAuthScopes:        cfg.Slack.Scopes,
		OAuthRedirectURL:   cfg.Slack.InstallRedirectURL,
	})
	if err != nil {
		dispatcher.Close()
		manager.Close()
		_ = queue.Close()
		return nil, err
	}
	if cfg.Slack.SigningSecret == "" {
		logger.Warn("slack_signing_secret_unset", zap.String("detail", "using the development secret; Events API requests from Slack will be rejected"))
	}
	return &app{queue: queue, sessions: manager, dispatcher: dispatcher, server: server, logger: logger}, nil
}

// authorizeBotTokens starts a session per configured token. A token that
// fails is logged and skipped so one revoked install does not block the
// rest.
func (a *app) authorizeBotTokens(ctx context.Context, tokens []string) int {
	authorized := 0
	for _, token := range tokens {
		authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		team, err := a.sessions.Authorize(authCtx, token)
		cancel()
		if err != nil {
			a.logger.Warn("bot_token_rejected", zap.String("token", redactToken(token)), zap.Error(err))
			continue
		}
		a.logger.Info("bot_token_authorized", zap.String("team", team.ID))
		authorized++
	}
	return authorized
}

func (a *app) Close() {
	a.dispatcher.Close()
	a.sessions.Close()
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("envelope_queue_close_failed", zap.Error(err))
	}
}

// redactToken keeps the token type prefix and the last four characters.
func redactToken(token string) string {
	if len(token) <= 8 {
		return "<redacted>"
	}
	prefix, _, _ := strings.Cut(token, "-")
	return prefix + "-..." + token[len(token)-4:]
}
