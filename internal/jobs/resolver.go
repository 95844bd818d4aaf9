package jobs

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/yourusername/epub-forge/internal/storage"
)

// Download は配布可能な変換済みファイルです。File は呼び出し側で閉じてください。
type Download struct {
	File     *os.File
	Filename string
	Size     int64
	ModTime  time.Time
	ETag     string
}

// Resolve はジョブIDから変換済みファイルを探して開きます。
// レジストリ、索引の順に探し、どちらにもなければ保存済みの状態を読み直します。
// ファイルがディスクにない場合は ErrJobNotFound を返します。
func (m *Manager) Resolve(ctx context.Context, id string) (*Download, error) {
	ctx = logWithJob(ctx, id)

	if _, inIndex := m.index.Get(id); !inIndex && !m.registry.Has(id) {
		m.logger.DebugContext(ctx, "job not in memory, trying storage")
		if _, err := m.store.ReloadJob(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "error reloading jobs", slog.Any("error", err))
		}
		if _, err := m.store.ReloadArtifact(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "error reloading completed files", slog.Any("error", err))
		}
	}

	if rec, err := m.registry.View(id, 1); err == nil && rec.Status == StatusCompleted {
		if dl, err := openDownload(rec.OutputPath, downloadName(id, rec.Author, rec.Title)); err == nil {
			m.index.Put(id, Artifact{Path: rec.OutputPath, Author: rec.Author, Title: rec.Title})
			m.persistArtifacts(ctx)
			m.logger.InfoContext(ctx, "sending file from jobs", slog.String("path", rec.OutputPath))
			return dl, nil
		}
	}

	if art, ok := m.index.Get(id); ok {
		if dl, err := openDownload(art.Path, downloadName(id, art.Author, art.Title)); err == nil {
			m.logger.InfoContext(ctx, "sending file from completed files", slog.String("path", art.Path))
			return dl, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Lookup はステータス表示用にジョブの状態を返します。
// レジストリにない場合は保存済みのジョブを読み直し、それでもなければ索引から完了状態を組み立てます。
func (m *Manager) Lookup(ctx context.Context, id string, logLimit int) (Record, error) {
	ctx = logWithJob(ctx, id)

	if !m.registry.Has(id) {
		if _, err := m.store.ReloadJob(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "error reloading jobs", slog.Any("error", err))
		}
	}
	if rec, err := m.registry.View(id, logLimit); err == nil {
		return rec, nil
	}

	if art, ok := m.index.Get(id); ok {
		if _, exists := storage.NonEmpty(art.Path); exists {
			return Record{
				ID:         id,
				Status:     StatusCompleted,
				Progress:   100,
				Message:    completedMessage,
				OutputPath: art.Path,
				Author:     art.Author,
				Title:      art.Title,
			}, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// DownloadName はダウンロード時のファイル名を返します。
func DownloadName(id, author, title string) string {
	return downloadName(id, author, title)
}

func openDownload(path, filename string) (*Download, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	return &Download{
		File:     f,
		Filename: filename,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		ETag:     modTimeETag(info.ModTime()),
	}, nil
}

// downloadName は author-title.pdf を返します。どちらかが空なら IDの先頭8文字を使います。
func downloadName(id, author, title string) string {
	if author != "" && title != "" {
		return author + "-" + title + ".pdf"
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "converted_" + short + ".pdf"
}

func modTimeETag(t time.Time) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(strconv.FormatInt(t.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
