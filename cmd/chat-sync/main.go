package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/config"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/identity"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.String("ws", cfg.WSBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(api.NewHTTPClient(cfg.HTTPTimeout), cfg.APIBaseURL)

	token, user, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}
	client.SetToken(token)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	pushManager := push.NewManager(push.Config{
		BaseURL:        cfg.WSBaseURL,
		Header:         header,
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        m,
	}, logger.With(slog.String("service", "push")))

	con := newConsole(os.Stdout, appState, user, logger)

	coord := chatsync.New(chatsync.Config{
		API:             client,
		Push:            pushManager,
		User:            user,
		Logger:          logger.With(slog.String("service", "sync")),
		Metrics:         m,
		SnapshotTimeout: cfg.SnapshotTimeout,
		InitialChatID:   appState.LastChat(user.ID),
		Observer:        con.observe,
	})
	con.attach(coord)

	if err := coord.Start(ctx); err != nil {
		return sessionError(cfg, appState, err, logger)
	}

	con.locked(con.printChats)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
		})
	}

	g.Go(func() error {
		return coord.Run(gctx)
	})

	g.Go(func() error {
		return con.run(gctx, os.Stdin)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		logger.Info("chat-sync stopped")
		return nil
	}

	return sessionError(cfg, appState, err, logger)
}

// sessionError drops the cached token when the backend rejected it, so the
// next start signs in again.
func sessionError(cfg *config.Config, appState *state.State, err error, logger *slog.Logger) error {
	if errors.Is(err, apperrors.ErrAuth) {
		if cerr := appState.ClearToken(cfg.APIBaseURL); cerr != nil {
			logger.Warn("failed to clear cached token", slog.String("error", cerr.Error()))
		}

		return fmt.Errorf("credential rejected, sign in again: %w", err)
	}

	return err
}

// authenticate picks the first usable credential: the cached token, then
// CHAT_ACCESS_TOKEN, then a fresh login.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (string, models.User, error) {
	now := time.Now()

	if token := appState.Token(cfg.APIBaseURL); token != "" {
		logger.Debug("trying cached token")

		if !identity.Expired(token, now) {
			if user, err := identity.Decode(token); err == nil {
				logger.Info("authenticated with cached token", slog.String("username", user.Username))
				return token, user, nil
			}
		}

		logger.Debug("cached token unusable, trying other credentials")
	}

	if cfg.AccessToken != "" {
		user, err := identity.Decode(cfg.AccessToken)
		if err == nil {
			logger.Info("authenticated with access token", slog.String("username", user.Username))
			return cfg.AccessToken, user, nil
		}

		if !cfg.HasLogin() {
			return "", models.User{}, fmt.Errorf("CHAT_ACCESS_TOKEN: %w", err)
		}

		logger.Warn("access token unusable, signing in", slog.String("error", err.Error()))
	}

	if !cfg.HasLogin() {
		return "", models.User{}, errors.New("no credentials: set CHAT_ACCESS_TOKEN or CHAT_USERNAME and CHAT_PASSWORD")
	}

	logger.Info("signing in", slog.String("username", cfg.Username))

	token, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return "", models.User{}, fmt.Errorf("signing in: %w", err)
	}

	user, err := identity.Decode(token)
	if err != nil {
		return "", models.User{}, fmt.Errorf("reading issued token: %w", err)
	}

	if err := appState.SetToken(cfg.APIBaseURL, token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	logger.Info("signed in", slog.String("username", user.Username), slog.String("user_id", user.ID))

	return token, user, nil
}

// serveMetrics exposes the registry on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting metrics server", slog.String("listen", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}
