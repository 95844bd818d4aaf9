package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/ebook"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/storage"
)

type jobServices struct {
	manager *jobs.Manager
	store   *jobs.Store
	queue   *jobs.QueueDispatcher
	local   *jobs.GoDispatcher
}

// abandonAfter は実行中の変換が終わるのを最大 grace だけ待ちます。
// 残ったジョブは放棄し、次回起動時に中断扱いになります。
func (s *jobServices) abandonAfter(grace time.Duration, logger *slog.Logger) {
	if s.local == nil {
		return
	}
	if !s.local.WaitTimeout(grace) {
		logger.Warn("abandoning running conversions", slog.Duration("grace", grace))
	}
}

func newStateBackend(ctx context.Context, cfg *config.Config) (jobs.Backend, error) {
	switch cfg.StateBackend {
	case config.StateBackendRedis:
		return jobs.NewRedisBackend(ctx, cfg.StateRedisURL)
	case config.StateBackendPostgres:
		return jobs.NewPostgresBackend(ctx, cfg.StatePostgresURL)
	default:
		return jobs.NewFileBackend(filepath.Join(cfg.TempDir, "state"))
	}
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jobServices, error) {
	backend, err := newStateBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state backend: %w", cfg.StateBackend, err)
	}

	store := jobs.NewStore(backend, jobs.NewRegistry(), jobs.NewArtifactIndex(), logger)
	if err := store.Load(ctx); err != nil {
		logger.Warn("failed to load saved state", slog.Any("error", err))
	}

	files, err := storage.NewLocal(filepath.Join(cfg.TempDir, "files"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(store, files, ebook.CalibreMeta{Path: cfg.EbookMetaPath}, jobs.Options{
		ConvertPath:     cfg.EbookConvertPath,
		MaxFileSize:     cfg.MaxFileSize,
		MetadataTimeout: cfg.MetadataTimeout,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := &jobServices{manager: manager, store: store}
	if cfg.QueueRedisURL != "" {
		queue, err := jobs.NewQueueDispatcher(cfg.QueueRedisURL, manager, 0, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		manager.UseDispatcher(queue)
		svc.queue = queue
		logger.Info("conversions run through the asynq queue")
	} else {
		// 変換はリクエストではなくサーバーの生存期間に紐づく
		svc.local = jobs.NewGoDispatcher(context.WithoutCancel(ctx), manager)
		manager.UseDispatcher(svc.local)
	}
	return svc, nil
}
