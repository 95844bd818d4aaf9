package ebook

import "fmt"

// エラーコード
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeEmptyFile        = "EMPTY_FILE"
	CodeInvalidExtension = "INVALID_EXTENSION"
	CodeInvalidFile      = "INVALID_FILE"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
)

// Error は利用者に返すエラーコードとメッセージを保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
