package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentworkforce/slackrelay/internal/clock"
	"github.com/agentworkforce/slackrelay/internal/config"
	"github.com/agentworkforce/slackrelay/internal/logging"
	"github.com/agentworkforce/slackrelay/internal/rtm"
	"github.com/agentworkforce/slackrelay/internal/teamfs"
	"github.com/agentworkforce/slackrelay/internal/webapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath    string
	mountpoint    string
	token         string
	tokenFile     string
	allowOther    bool
	debug         bool
	retryInterval time.Duration
	retryJitter   float64
	set           map[string]bool
}

func parseFlags(args []string) (cliFlags, error) {
	f := cliFlags{set: map[string]bool{}}
	flagSet := pflag.NewFlagSet("slackrelay-mount", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", strings.TrimSpace(os.Getenv("SLACKRELAY_CONFIG")), "path to a YAML config file")
	flagSet.StringVar(&f.mountpoint, "mountpoint", "", "directory to mount the team filesystem on")
	flagSet.StringVar(&f.token, "token", "", "Slack token (prefer --token-file)")
	flagSet.StringVar(&f.tokenFile, "token-file", "", "file holding the Slack token; rewrites reconnect with the new token")
	flagSet.BoolVar(&f.allowOther, "allow-other", false, "let other users read the mount")
	flagSet.BoolVar(&f.debug, "debug", false, "log FUSE requests")
	flagSet.DurationVar(&f.retryInterval, "retry-interval", 0, "base delay before retrying a failed connect")
	flagSet.Float64Var(&f.retryJitter, "retry-jitter", 0, "retry jitter ratio (0.0-1.0)")
	if err := flagSet.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return cliFlags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	flagSet.Visit(func(fl *pflag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

func (f cliFlags) apply(cfg *config.MountConfig) {
	if f.set["mountpoint"] {
		cfg.Mountpoint = f.mountpoint
	}
	if f.set["token"] {
		cfg.Token = f.token
	}
	if f.set["token-file"] {
		cfg.TokenFile = f.tokenFile
	}
	if f.set["allow-other"] {
		cfg.AllowOther = f.allowOther
	}
	if f.set["debug"] {
		cfg.Debug = f.debug
	}
	if f.set["retry-interval"] {
		cfg.RetryInterval = f.retryInterval
	}
	if f.set["retry-jitter"] {
		cfg.RetryJitter = f.retryJitter
	}
}

// resolveToken prefers an explicit token over the token file.
func resolveToken(cfg config.MountConfig) (string, error) {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return token, nil
	}
	if cfg.TokenFile != "" {
		return config.ReadTokenFile(cfg.TokenFile)
	}
	return "", errors.New("token is required (--token, --token-file, SLACKRELAY_TOKEN or SLACKRELAY_TOKEN_FILE)")
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
	f.apply(&cfg.Mount)
	if strings.TrimSpace(cfg.Mount.Mountpoint) == "" {
		return errors.New("mountpoint is required (--mountpoint or SLACKRELAY_MOUNTPOINT)")
	}
	if cfg.Mount.RetryInterval <= 0 {
		cfg.Mount.RetryInterval = 5 * time.Second
	}
	cfg.Mount.RetryJitter = clampJitterRatio(cfg.Mount.RetryJitter)
	token, err := resolveToken(cfg.Mount)
	if err != nil {
		return err
	}

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

	starter := newRotatingStarter(token, webapi.Options{
		BaseURL:           cfg.Slack.APIBaseURL,
		Logger:            logger.Named("webapi"),
		RequestsPerSecond: cfg.Slack.APIRate,
	})
	client := rtm.NewClient(starter, rtm.ClientOptions{
		Logger:    logger.Named("rtm"),
		SendRate:  cfg.RTM.SendRate,
		SendBurst: cfg.RTM.SendBurst,
	})
	defer client.Close()

	connectOpts := rtm.ConnectOptions{
		SimpleLatest: cfg.RTM.SimpleLatest,
		NoUnreads:    cfg.RTM.NoUnreads,
		MPIMAware:    cfg.RTM.MPIMAware,
		PingInterval: cfg.RTM.PingInterval,
		Timeout:      cfg.RTM.PongTimeout,
		Reconnect:    cfg.RTM.Reconnect,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	retry := newReconnector(ctx, client, connectOpts, reconnectorOptions{
		Interval: cfg.Mount.RetryInterval,
		Jitter:   cfg.Mount.RetryJitter,
		Sample:   rng.Float64,
		Logger:   logger,
	})
	defer retry.Stop()
	client.SetConnectionListener(retry)

	server, err := teamfs.Mount(teamfs.Options{
		Mountpoint: cfg.Mount.Mountpoint,
		Source:     client,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
		Logger:     logger.Named("teamfs"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Unmount(); err != nil {
			logger.Warn("teamfs_unmount_failed", zap.Error(err))
		}
	}()

	// A failed first connect is retried by the listener.
	retry.Connect()

	if cfg.Mount.TokenFile != "" {
		go func() {
			err := config.WatchFile(ctx, cfg.Mount.TokenFile, func() {
				reloadToken(cfg.Mount.TokenFile, starter, retry, logger)
			})
			if err != nil {
				logger.Warn("token_watch_failed", zap.String("path", cfg.Mount.TokenFile), zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("mount_stopping", zap.Error(ctx.Err()))
	return nil
}

func reloadToken(path string, starter *rotatingStarter, retry *reconnector, logger *zap.Logger) bool {
	token, err := config.ReadTokenFile(path)
	if err != nil {
		logger.Warn("token_reload_failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if !starter.SetToken(token) {
		return false
	}
	logger.Info("token_rotated", zap.String("path", path))
	retry.Connect()
	return true
}

// rotatingStarter starts each session with whatever token is current, so
// a rotated token takes effect on the next connect.
type rotatingStarter struct {
	opts  webapi.Options
	mu    sync.RWMutex
	token string
}

func newRotatingStarter(token string, opts webapi.Options) *rotatingStarter {
	return &rotatingStarter{opts: opts, token: strings.TrimSpace(token)}
}

// SetToken reports whether token differs from the current one.
func (s *rotatingStarter) SetToken(token string) bool {
	token = strings.TrimSpace(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || token == s.token {
		return false
	}
	s.token = token
	return true
}

func (s *rotatingStarter) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *rotatingStarter) StartRTM(ctx context.Context, opts webapi.RTMStartOptions) (webapi.RTMStartResponse, error) {
	return webapi.NewClient(s.Token(), s.opts).StartRTM(ctx, opts)
}

type reconnectorOptions struct {
	Interval time.Duration
	Jitter   float64
	// Sample returns values in [0, 1) for jitter.
	Sample  func() float64
	Clock   clock.Clock
	Timeout time.Duration
	Logger  *zap.Logger
}

// reconnector is the client's ConnectionListener. Every failed connect
// schedules another attempt after a jittered delay until one succeeds or
// the context ends.
type reconnector struct {
	ctx    context.Context
	client *rtm.Client
	opts   rtm.ConnectOptions
	cfg    reconnectorOptions

	mu       sync.Mutex
	timer    clock.Timer
	attempts int
	stopped  bool
}

func newReconnector(ctx context.Context, client *rtm.Client, opts rtm.ConnectOptions, cfg reconnectorOptions) *reconnector {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Sample == nil {
		cfg.Sample = func() float64 { return 0.5 }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &reconnector{ctx: ctx, client: client, opts: opts, cfg: cfg}
}

func (r *reconnector) Connect() {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.client.Connect(ctx, r.opts); err != nil {
		r.cfg.Logger.Debug("mount_connect_attempt_failed", zap.Error(err))
	}
}

func (r *reconnector) Connected(*rtm.Client) {
	r.mu.Lock()
	attempts := r.attempts
	r.attempts = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.cfg.Logger.Info("mount_connected", zap.Int("retries", attempts))
}

func (r *reconnector) Disconnected(*rtm.Client) {}

func (r *reconnector) ConnectionFailed(err error, _ *rtm.Client) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.attempts++
	delay := jitteredIntervalWithSample(r.cfg.Interval, r.cfg.Jitter, r.cfg.Sample())
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.cfg.Clock.AfterFunc(delay, r.Connect)
	r.cfg.Logger.Warn("mount_connect_retry_scheduled",
		zap.Int("attempt", r.attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

func (r *reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
