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

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/config"
	"github.com/alexjbarnes/roomsync/internal/logging"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/outbox"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/session"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/alexjbarnes/roomsync/matrix"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			fmt.Println(auth.GenerateAPIKey())
			return
		case "logout":
			if err := logout(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

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
	logger.Info("roomsync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("outbox", cfg.UploadDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer appState.Close()

	sess, err := login(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableSync {
		g.Go(func() error {
			return sess.Run(gctx)
		})
	} else {
		// Uploads still need the monitor to come back after an outage.
		g.Go(func() error {
			return ignoreCanceled(sess.Monitor().Run(gctx))
		})
	}

	if cfg.UploadDir != "" {
		w := outbox.New(cfg.UploadDir, sess.Uploads(), logger.With(slog.String("service", "outbox")))
		g.Go(func() error {
			return ignoreCanceled(w.Watch(gctx))
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sess, logger)
		})
	}

	return g.Wait()
}

func openState(cfg *config.Config) (*state.State, error) {
	var (
		st  *state.State
		err error
	)

	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return st, nil
}

func login(ctx context.Context, cfg *config.Config, appState *state.State, logger *slog.Logger) (*session.Session, error) {
	client := matrix.NewClient(cfg.HomeserverURL, nil)

	sess, err := session.Login(ctx, client, appState, session.Options{
		UserID:           cfg.UserID,
		Password:         cfg.Password,
		AccessToken:      cfg.AccessToken,
		DeviceName:       cfg.DeviceName,
		UploadWorkers:    cfg.UploadWorkers,
		HistoryWorkers:   cfg.HistoryWorkers,
		UploadQueueLimit: cfg.UploadQueueLimit,
		CachePageDelay:   cfg.CachePageDelay,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		SyncTimeout:      cfg.SyncTimeout,
		StreamURL:        cfg.SyncStreamURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	return sess, nil
}

// logout revokes the stored session and wipes the local cache.
func logout() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	appState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer appState.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := login(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	return sess.Logout(ctx)
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, sess *session.Session, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	store := auth.NewStore()
	for _, k := range keys {
		store.AddAPIKey(k.UserID, k.Key)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		History:   sess.Retriever(),
		Uploads:   sess.Uploads(),
		Client:    sess.Client(),
		PageLimit: cfg.HistoryPageLimit,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	var ready func() bool
	if cfg.EnableSync {
		ready = sess.Ready
	}

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:      store,
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
			Ready:      ready,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", store.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
