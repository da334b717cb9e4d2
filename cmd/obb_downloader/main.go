package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/obb_downloader/internal/config"
	"github.com/italolelis/obb_downloader/internal/downloader"
	"github.com/italolelis/obb_downloader/internal/filesystem"
	"github.com/italolelis/obb_downloader/internal/http/rest"
	"github.com/italolelis/obb_downloader/internal/license"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/notifier"
	"github.com/italolelis/obb_downloader/internal/scheduler"
	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/storage/sqlite"
	"github.com/italolelis/obb_downloader/internal/telemetry"
	"github.com/italolelis/obb_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("obb downloader starting...", "log_level", cfg.LogLevel, "package", cfg.PackageName, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.ErrorContext(ctx, "DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedDownloadRepository(database, tel)

	md, err := store.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	// =========================================================================
	// Start Downloader
	layout := filesystem.Layout{Root: cfg.StorageRoot, PackageName: cfg.PackageName}
	space := filesystem.NewDiskSpace(cfg.StorageRoot)

	monitor := netgate.NewMonitor(
		netgate.Snapshot{Connected: true, WifiEnabled: true},
		cfg.AllowCellular || md.CellularAllowed(),
		cfg.MaxBytesOverMobile,
	)

	engine := transfer.NewEngine(transferConfig(cfg), store, layout, space, transfer.WithTelemetry(tel))

	recorder := notifier.NewRecorder()

	opts := []downloader.Option{downloader.WithTelemetry(tel), downloader.WithSpace(space)}
	if cfg.LicenseURL != "" {
		opts = append(opts, downloader.WithLicenseGate(license.NewGate(ctx, license.Config{
			URL:          cfg.LicenseURL,
			PackageName:  cfg.PackageName,
			VersionCode:  cfg.VersionCode,
			Token:        cfg.LicenseToken,
			ClientID:     cfg.LicenseClientID,
			ClientSecret: cfg.LicenseClientSecret,
			TokenURL:     cfg.LicenseTokenURL,
		}, store, layout)))
	}

	dl := downloader.NewDownloader(
		downloader.Config{WatchdogInterval: cfg.WatchdogInterval},
		store,
		engine,
		monitor,
		buildNotifier(cfg, recorder),
		layout,
		opts...,
	)

	if err := dl.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore download control: %w", err)
	}

	watchdog := scheduler.NewWatchdog(dl)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, store, dl, monitor, watchdog, recorder, tel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchdog.Run(ctx)
	})

	g.Go(func() error {
		logger.InfoContext(ctx, "Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.InfoContext(ctx, "start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.InfoContext(ctx, "waiting for downloads...",
		"storage_dir", layout.Dir(),
		"watchdog_interval", cfg.WatchdogInterval.String(),
		"cellular_allowed", monitor.CellularAllowed(),
	)

	return g.Wait()
}

func transferConfig(cfg *config.Config) transfer.Config {
	return transfer.Config{
		BufferSize:          cfg.Transfer.BufferSize,
		ProgressMinBytes:    cfg.Transfer.ProgressMinBytes,
		ProgressMinInterval: cfg.Transfer.ProgressMinInterval,
		MaxRetries:          cfg.Transfer.MaxRetries,
		MinRetryAfter:       cfg.Transfer.MinRetryAfter,
		MaxRetryAfter:       cfg.Transfer.MaxRetryAfter,
		MaxRedirects:        cfg.Transfer.MaxRedirects,
		ConnectTimeout:      cfg.Transfer.ConnectTimeout,
		ReadTimeout:         cfg.Transfer.ReadTimeout,
		ContentType:         cfg.Transfer.ContentType,
		UserAgent:           cfg.Transfer.UserAgent,
		MaxBytesPerSecond:   cfg.MaxBytesPerSecond,
	}
}

func buildNotifier(cfg *config.Config, recorder *notifier.Recorder) notifier.Notifier {
	sinks := notifier.Multi{recorder, notifier.LogNotifier{}}

	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	return sinks
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	store storage.DownloadRepository,
	dl *downloader.Downloader,
	monitor *netgate.Monitor,
	watchdog *scheduler.Watchdog,
	recorder *notifier.Recorder,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewControlHandler(
		cfg.Control.Username,
		cfg.Control.Password,
		store,
		dl.Control(),
		monitor,
		watchdog,
		recorder,
		tel,
	)

	r := chi.NewRouter()
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
