package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halation/darkroom/internal/config"
	"github.com/halation/darkroom/internal/connectivity"
	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/film"
	"github.com/halation/darkroom/internal/images"
	"github.com/halation/darkroom/internal/ledger"
	"github.com/halation/darkroom/internal/logging"
	"github.com/halation/darkroom/internal/remote"
	syncengine "github.com/halation/darkroom/internal/sync"
	"github.com/halation/darkroom/internal/sync/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func logLevel(name string) logging.LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func serve(cfg *config.Config) error {
	logging.Init(os.Stdout, logLevel(cfg.LogLevel))

	if cfg.UserID == "" {
		return apperrors.New(apperrors.ErrInvalid, "user_id must be configured")
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database.DB); err != nil {
		return err
	}

	notifier := db.NewNotifier()
	repo := db.NewRepository(database.DB, notifier)
	defer repo.Close()

	client := remote.NewClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout.Std(),
	})

	led := ledger.NewService(repo, client)

	pool := images.NewPool(cfg.Images.QueueSize, cfg.Images.Workers, images.Identity)
	pool.Start()
	defer pool.Stop()

	q := queue.New(repo)

	// Start offline; the first successful probe (or an explicit
	// connectivity report) flips it online.
	monitor := connectivity.NewMonitor(false)

	engine := syncengine.NewEngine(cfg.UserID, repo, q, monitor, client,
		syncengine.WithThumbnailWidth(uint(cfg.Images.ThumbnailWidth)))

	windows := film.Windows{
		Digital: cfg.Development.DigitalWindow.Std(),
		Print:   cfg.Development.PrintWindow.Std(),
	}
	costs := film.Costs{
		SpeedUp:       cfg.Costs.SpeedUp,
		PrintPerPhoto: cfg.Costs.PrintPerPhoto,
	}
	assetsDir := filepath.Join(cfg.DataDir, "assets")
	service := film.NewService(repo, led, q, pool, client, assetsDir, windows, costs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.Run(ctx)

	hub := NewHub()
	go hub.BridgeChanges(ctx, notifier, engine)

	api := &apiServer{
		userID:  cfg.UserID,
		service: service,
		ledger:  led,
		engine:  engine,
		monitor: monitor,
	}

	mux := http.NewServeMux()
	api.routes(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("darkroom core listening", map[string]interface{}{
			"addr": cfg.ListenAddr, "data_dir": cfg.DataDir,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("server shutdown failed", err)
	}

	logging.Info("darkroom core stopped")
	return nil
}
