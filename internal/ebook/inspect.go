package ebook

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const sniffLen = 3072

// CheckUpload はファイル名とサイズを検証します。
func CheckUpload(filename string, size, maxSize int64) error {
	if strings.TrimSpace(filename) == "" {
		return newError(CodeInvalidInput, "EPUBファイルを選択してください。", nil)
	}
	if size == 0 {
		return newError(CodeEmptyFile, "ファイルが空です。", nil)
	}
	if !strings.EqualFold(filepath.Ext(filename), ".epub") {
		return newError(CodeInvalidExtension, "EPUBファイル（.epub）のみアップロードできます。", nil)
	}
	if maxSize > 0 && size > maxSize {
		return newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズは最大 %dMB までです。", maxSize/(1024*1024)), nil)
	}
	return nil
}

// SniffEPUB はファイル先頭を読み、ZIP コンテナであることを確認します。
// EPUB は ZIP のサブタイプとして判定されるため、親をたどって application/zip を探します。
func SniffEPUB(r io.Reader) error {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return newError(CodeInvalidFile, "ファイルの読み込みに失敗しました。", err)
	}
	if n == 0 {
		return newError(CodeEmptyFile, "ファイルが空です。", nil)
	}

	for mt := mimetype.Detect(head[:n]); mt != nil; mt = mt.Parent() {
		if mt.Is("application/zip") {
			return nil
		}
	}
	return newError(CodeInvalidFile, "有効なEPUBファイルではありません。", nil)
}

// PageCount は変換後PDFのページ数を返します。
func PageCount(path string) (int, error) {
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return pages, nil
}
