// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/epub-forge/internal/api"
	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/ebook"
	"github.com/yourusername/epub-forge/internal/jobs"
	applog "github.com/yourusername/epub-forge/internal/log"
)

// version はビルド時に -ldflags で上書きします。
var version = "0.1.0"

// shutdownGrace は終了時に実行中の変換を待つ上限です。
const shutdownGrace = 5 * time.Second

var (
	flagVerbose bool
	flagEnvFile string
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "env file to load instead of .env.local")
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("epub-forge failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "epub-forge",
	Short:        "EPUB to PDF conversion service",
	SilenceUsage: true,
	RunE:         doServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API, the sweeper and the job workers",
	RunE:  doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version of epub-forge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("epub-forge: %s\n", version)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			}
		}
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	// 設定の読み込み
	cfg, err := config.LoadFrom(flagEnvFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := applog.New(flagVerbose || cfg.DebugMode)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presets, err := ebook.LoadPresets(cfg.PresetsFile, nil)
	if err != nil {
		return err
	}

	svc, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.store.Close(); err != nil {
			logger.Warn("failed to close state backend", slog.Any("error", err))
		}
	}()

	sweeper := jobs.NewSweeper(svc.manager, cfg.JobTimeout, logger)
	if err := sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	streamer := jobs.NewStreamer(svc.manager, cfg.StreamInterval, cfg.StreamMaxMisses, logger)
	calibre := ebook.NewVersionProbe(cfg.EbookConvertPath, time.Minute)
	srv := api.NewServer(cfg, svc.manager, streamer, presets, calibre, version, logger)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	sessionStore, err := api.NewSessionStore(cfg.SessionSecret, cfg.GinMode == gin.ReleaseMode)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET is not set, sessions will not survive a restart")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(srv, sessionStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server", slog.String("addr", httpServer.Addr), slog.String("mode", cfg.GinMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if svc.queue != nil {
		g.Go(func() error {
			return svc.queue.Run(gctx)
		})
	}

	err = g.Wait()
	svc.abandonAfter(shutdownGrace, logger)
	logger.Info("server stopped")
	return err
}
