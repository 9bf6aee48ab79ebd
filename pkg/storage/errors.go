package storage

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/retry"
)

var apiErrorCodes = map[string]string{
	"AccessDenied":          models.ErrorCodeAccessDenied,
	"AllAccessDisabled":     models.ErrorCodeAccessDenied,
	"InvalidAccessKeyId":    models.ErrorCodeInvalidCredentials,
	"SignatureDoesNotMatch": models.ErrorCodeInvalidCredentials,
	"ExpiredToken":          models.ErrorCodeInvalidCredentials,
	"InvalidToken":          models.ErrorCodeInvalidCredentials,
	"NoSuchBucket":          models.ErrorCodeBucketNotFound,
	"RequestTimeout":        models.ErrorCodeTimeout,
	"SlowDown":              models.ErrorCodeNetwork,
	"ServiceUnavailable":    models.ErrorCodeNetwork,
	"InternalError":         models.ErrorCodeNetwork,
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func codeFor(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.ErrorCodeStorageUnavailable
	}
	if code, ok := apiErrorCodes[apiCode(err)]; ok {
		return code
	}
	return retry.ErrorCode(err)
}

func isPermanent(err error) bool {
	return retry.IsPermanentCode(codeFor(err))
}

// classify wraps err with its upload error code so callers can decide on retries.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *retry.Error
	if errors.As(err, &coded) {
		return err
	}
	return retry.NewError(codeFor(err), fmt.Errorf("%s: %w", op, err))
}
