package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/epub-forge/internal/storage"
)

// Sweeper は保持期間を過ぎた終了済みジョブとその一時ファイルを定期的に削除します。
type Sweeper struct {
	registry  *Registry
	index     *ArtifactIndex
	store     *Store
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(m *Manager, retention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:  m.registry,
		index:     m.index,
		store:     m.store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start は schedule（cron 式または @every）で掃除を開始します。
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if n := s.Sweep(ctx); n > 0 {
			s.logger.Info("swept expired jobs", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop はスケジュールを止め、実行中の掃除が終わるまで待ちます。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep は期限切れのジョブを1回分削除し、削除件数を返します。
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	evicted := 0

	for _, rec := range s.registry.List(1) {
		if !rec.Status.Terminal() || rec.CompletedTime == nil {
			continue
		}
		if now.Sub(*rec.CompletedTime) < s.retention {
			continue
		}

		s.logger.Debug("cleaning up job after timeout", slog.String("job_id", rec.ID))
		if err := storage.Remove(rec.InputPath, rec.OutputPath); err != nil {
			s.logger.Error("error deleting job files", slog.String("job_id", rec.ID), slog.Any("error", err))
		}

		s.store.Forget(rec.ID)
		s.registry.Remove(rec.ID)
		if err := s.store.SaveJobs(ctx, false); err != nil {
			s.logger.Error("error saving jobs", slog.Any("error", err))
		}

		s.index.Remove(rec.ID)
		if err := s.store.SaveArtifacts(ctx, false); err != nil {
			s.logger.Error("error saving completed files", slog.Any("error", err))
		}
		evicted++
	}

	return evicted + s.sweepOrphans(ctx, now)
}

// sweepOrphans はレコードを持たない索引エントリのうち、ファイルが消えたか保持期間を過ぎたものを削除します。
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time) int {
	removed := 0
	for id, art := range s.index.List() {
		if s.registry.Has(id) {
			continue
		}
		info, err := os.Stat(art.Path)
		if err == nil && now.Sub(info.ModTime()) < s.retention {
			continue
		}
		if err == nil {
			if rmErr := storage.Remove(art.Path); rmErr != nil {
				s.logger.Error("error deleting artifact", slog.String("job_id", id), slog.Any("error", rmErr))
			}
		}
		s.store.Forget(id)
		s.index.Remove(id)
		removed++
	}
	if removed > 0 {
		if err := s.store.SaveArtifacts(ctx, false); err != nil {
			s.logger.Error("error saving completed files", slog.Any("error", err))
		}
	}
	return removed
}
