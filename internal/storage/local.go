// Package storage はアップロードと変換結果の一時ファイルを管理します。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local は一時ディレクトリ配下にジョブごとのファイルを割り当てます。
// 入力と出力のパスはジョブIDから決まるため、ジョブ間で共有されることはありません。
type Local struct {
	dir string
}

// NewLocal はディレクトリを作成して Local を返します。
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Dir は保存先ディレクトリを返します。
func (l *Local) Dir() string {
	return l.dir
}

// Paths はジョブの入力と出力のパスを返します。
func (l *Local) Paths(jobID string) (input, output string) {
	return filepath.Join(l.dir, jobID+".epub"), filepath.Join(l.dir, jobID+".pdf")
}

// WriteInput は r の内容をジョブの入力ファイルに書き込み、書き込んだバイト数を返します。
// 既存ファイルがある場合は上書きせずエラーにします。
func (l *Local) WriteInput(jobID string, r io.Reader) (path string, n int64, err error) {
	path, _ = l.Paths(jobID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create input file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	n, err = io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write input file: %w", err)
	}
	return path, n, nil
}

// Remove はファイルを削除します。存在しない場合は何もしません。
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NonEmpty はファイルが存在しサイズが0より大きいかを返します。
func NonEmpty(path string) (fs.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return nil, false
	}
	return info, true
}
