package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourusername/epub-forge/internal/storage"
)

const (
	notFoundDetails = "The conversion job was not found. This can happen when the page was reloaded, " +
		"the server was restarted, or the job already finished and expired. Please start a new conversion."
	connectionLostDetails = "The connection to the server was interrupted. " +
		"If the conversion finished, the PDF should appear automatically."
)

// Streamer は1件のジョブの状態を終了するまで定期的に送り続けます。
type Streamer struct {
	registry  *Registry
	index     *ArtifactIndex
	store     *Store
	logger    *slog.Logger
	interval  time.Duration
	maxMisses int
}

// NewStreamer は Streamer を作成します。
func NewStreamer(m *Manager, interval time.Duration, maxMisses int, logger *slog.Logger) *Streamer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxMisses <= 0 {
		maxMisses = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		registry:  m.registry,
		index:     m.index,
		store:     m.store,
		logger:    logger,
		interval:  interval,
		maxMisses: maxMisses,
	}
}

// Stream は id の状態を emit に渡します。終了イベントを送った時点で nil を返します。
// emit がエラーを返した場合やコンテキストが終わった場合はそのエラーを返します。
func (s *Streamer) Stream(ctx context.Context, id string, emit func(Event) error) error {
	ctx = logWithJob(ctx, id)

	inRegistry := s.registry.Has(id)
	if !inRegistry {
		s.logger.DebugContext(ctx, "job not in memory, trying storage")
		if found, err := s.store.ReloadJob(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "error reloading jobs", slog.Any("error", err))
		} else {
			inRegistry = found || s.registry.Has(id)
		}
	}
	_, inIndex := s.index.Get(id)
	if !inRegistry && !inIndex {
		if _, err := s.store.ReloadArtifact(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "error reloading completed files", slog.Any("error", err))
		}
		_, inIndex = s.index.Get(id)
	}

	if !inRegistry && !inIndex {
		s.logger.WarnContext(ctx, "job not found in active or completed jobs")
		return emit(notFoundEvent())
	}

	if !inRegistry {
		if ev, ok := s.completedFromIndex(id); ok {
			s.logger.InfoContext(ctx, "found completed job in completed files")
			return emit(ev)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	misses := 0
	for {
		if rec, err := s.registry.View(id, LogTailLimit); err == nil {
			misses = 0
			ev := eventFromRecord(rec)
			if err := emit(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				s.logger.InfoContext(ctx, "stream finished", slog.String("status", string(ev.Status)))
				return nil
			}
		} else if ev, ok := s.completedFromIndex(id); ok {
			return emit(ev)
		} else {
			if misses == 0 {
				s.logger.WarnContext(ctx, "connection to job lost, waiting for it to reappear")
			}
			misses++
			if misses >= s.maxMisses {
				s.logger.WarnContext(ctx, "maximum reconnection attempts reached")
				return emit(connectionLostEvent())
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Streamer) completedFromIndex(id string) (Event, bool) {
	art, ok := s.index.Get(id)
	if !ok {
		return Event{}, false
	}
	if _, exists := storage.NonEmpty(art.Path); !exists {
		return Event{}, false
	}
	return Event{
		Status:   StatusCompleted,
		Progress: 100,
		Message:  completedMessage,
		Author:   art.Author,
		Title:    art.Title,
	}, true
}

func eventFromRecord(rec Record) Event {
	ev := Event{
		Status:       rec.Status,
		Progress:     rec.Progress,
		Message:      rec.Message,
		DetailedLogs: rec.DetailedLogs,
		ErrorDetails: rec.ErrorDetails,
		Author:       rec.Author,
		Title:        rec.Title,
	}
	if rec.Status == StatusFailed {
		ev.Code = CodeJobFailed
	}
	return ev
}

func notFoundEvent() Event {
	return Event{
		Status:       StatusFailed,
		Message:      "Job not found",
		ErrorDetails: notFoundDetails,
		Code:         CodeJobNotFound,
	}
}

func connectionLostEvent() Event {
	return Event{
		Status:       StatusFailed,
		Message:      "Connection lost",
		ErrorDetails: connectionLostDetails,
		Code:         CodeConnectionLost,
	}
}
