package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/retry"
)

func TestObjectURL(t *testing.T) {
	aws := S3Config{Bucket: "recs", Region: "us-east-1"}
	assert.Equal(t, "https://recs.s3.us-east-1.amazonaws.com/recordings/2024/01/15/cam1/a.mp4",
		objectURL(aws, "recordings/2024/01/15/cam1/a.mp4"))

	wasabi := S3Config{Bucket: "recs", Endpoint: "https://s3.wasabisys.com/"}
	assert.Equal(t, "https://s3.wasabisys.com/recs/recordings/cam%201/a.mp4", objectURL(wasabi, "recordings/cam 1/a.mp4"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&smithy.GenericAPIError{Code: "AccessDenied"}, models.ErrorCodeAccessDenied},
		{&smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, models.ErrorCodeInvalidCredentials},
		{&smithy.GenericAPIError{Code: "NoSuchBucket"}, models.ErrorCodeBucketNotFound},
		{&smithy.GenericAPIError{Code: "SlowDown"}, models.ErrorCodeNetwork},
		{fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "RequestTimeout"}), models.ErrorCodeTimeout},
		{errors.New("weird"), models.ErrorCodeUnknown},
	}
	for _, tc := range cases {
		err := classify("put", tc.err)
		assert.Equal(t, tc.want, retry.ErrorCode(err), tc.err.Error())
	}
	assert.NoError(t, classify("put", nil))
	assert.True(t, retry.IsPermanentError(classify("put", &smithy.GenericAPIError{Code: "NoSuchBucket"})))
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	s := &S3{breaker: newBreaker(S3Config{BreakerFailures: 2, BreakerCooldown: time.Minute}, zap.NewNop())}
	transient := func() (any, error) { return nil, errors.New("connection reset") }

	for i := 0; i < 2; i++ {
		_, err := s.execute("put", transient)
		assert.Equal(t, models.ErrorCodeNetwork, retry.ErrorCode(err))
	}
	_, err := s.execute("put", func() (any, error) { return "never", nil })
	assert.Equal(t, models.ErrorCodeStorageUnavailable, retry.ErrorCode(err))
	assert.False(t, retry.IsPermanentError(err))
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	var states []string
	s := &S3{breaker: newBreaker(S3Config{BreakerFailures: 1, OnBreakerChange: func(st string) { states = append(states, st) }}, zap.NewNop())}
	denied := func() (any, error) { return nil, &smithy.GenericAPIError{Code: "AccessDenied"} }

	for i := 0; i < 3; i++ {
		_, err := s.execute("put", denied)
		assert.Equal(t, models.ErrorCodeAccessDenied, retry.ErrorCode(err))
	}
	out, err := s.execute("head", func() (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	assert.Empty(t, states)
}

func TestProgressReader(t *testing.T) {
	var last, total int64
	r := newProgressReader(bytes.NewReader(make([]byte, 1000)), 1000, func(sent, size int64) {
		last, total = sent, size
	})
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, int64(1000), last)
	assert.Equal(t, int64(1000), total)

	plain := bytes.NewReader(nil)
	assert.Same(t, plain, newProgressReader(plain, 0, nil))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, `attachment; filename="a.mp4"`, AttachmentDisposition("recordings/2024/01/15/cam1/a.mp4"))
	assert.Equal(t, "video/mp4", contentTypeFor("x/A.MP4"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("x/a.bin"))
	assert.False(t, isNotFound(nil))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	_, err := NewS3(context.Background(), S3Config{}, nil)
	assert.Error(t, err)
}
