package jobs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/epub-forge/internal/ebook"
	applog "github.com/yourusername/epub-forge/internal/log"
	"github.com/yourusername/epub-forge/internal/storage"
)

type stubMeta struct {
	meta ebook.Metadata
	err  error
}

func (s stubMeta) Extract(context.Context, string) (ebook.Metadata, error) {
	return s.meta, s.err
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []TaskPayload
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, TaskPayload{JobID: jobID, Command: cmd})
	return nil
}

type testEnv struct {
	dir     string
	backend *FileBackend
	store   *Store
	manager *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	files, err := storage.NewLocal(filepath.Join(dir, "files"))
	require.NoError(t, err)

	store := NewStore(backend, NewRegistry(), NewArtifactIndex(), applog.Discard())
	manager, err := NewManager(store, files, stubMeta{meta: ebook.Metadata{Author: "jane_doe", Title: "a_book"}}, Options{
		MaxFileSize:   1024 * 1024,
		BatchLines:    10,
		BatchInterval: time.Second,
	}, applog.Discard())
	require.NoError(t, err)

	return &testEnv{dir: dir, backend: backend, store: store, manager: manager}
}

// reopen は同じ保存先から新しいプロセスを起動した状態を作ります。
func (e *testEnv) reopen(t *testing.T) *Store {
	t.Helper()
	store := NewStore(e.backend, NewRegistry(), NewArtifactIndex(), applog.Discard())
	require.NoError(t, store.Load(context.Background()))
	return store
}

// seedJob は starting 状態のジョブを入力ファイル付きで登録します。
func (e *testEnv) seedJob(t *testing.T, id string, input []byte) Record {
	t.Helper()
	in, out := e.manager.files.Paths(id)
	if input != nil {
		require.NoError(t, os.WriteFile(in, input, 0o644))
	}
	rec := Record{
		ID:         id,
		Status:     StatusStarting,
		Message:    startingMessage,
		InputPath:  in,
		OutputPath: out,
		Author:     "jane_doe",
		Title:      "a_book",
	}
	require.NoError(t, e.manager.registry.Create(rec))
	return rec
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
}

// writeTool は $1 を入力、$2 を出力として受け取るシェルスクリプトを作成します。
func writeTool(t *testing.T, body string) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func toolCommand(path string, rec Record) Command {
	return Command{Path: "sh", Args: []string{path, rec.InputPath, rec.OutputPath}}
}

const successfulTool = `echo "Processing... 10%"
echo "Rendering 57%"
echo "Done 100%"
printf '%%PDF-1.4 fake' > "$2"`

func epubBytes(t *testing.T, size int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte("application/epub+zip"))
	require.NoError(t, err)

	w, err = zw.CreateHeader(&zip.FileHeader{Name: "OEBPS/content.opf", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("x"), size))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func upload(name string, data []byte) Upload {
	return Upload{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func waitTerminal(t *testing.T, r *Registry, id string) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = r.Get(id)
		return err == nil && rec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return rec
}

var errBoom = errors.New("boom")
