package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"

	"github.com/aura-webinar/recording-sync/internal/models"
)

// Error attaches an upload error code to an underlying error.
type Error struct {
	Code string
	Err  error
}

// NewError wraps err with code.
func NewError(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var permanentCodes = map[string]bool{
	models.ErrorCodeFileNotFound:       true,
	models.ErrorCodeAccessDenied:       true,
	models.ErrorCodeInvalidCredentials: true,
	models.ErrorCodeBucketNotFound:     true,
}

// IsPermanentCode reports whether the code must not be retried.
func IsPermanentCode(code string) bool {
	return permanentCodes[code]
}

// IsPermanentError reports whether err classifies as a non-retryable failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	return IsPermanentCode(ErrorCode(err))
}

// ErrorCode classifies err into one of the upload error codes.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return models.ErrorCodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return models.ErrorCodeAccessDenied
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorCodeTimeout
		}
		return models.ErrorCodeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return models.ErrorCodeTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "econnreset"):
		return models.ErrorCodeNetwork
	}
	return models.ErrorCodeUnknown
}
