package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultPartSize = 5 * 1024 * 1024
	contentTypeMP4  = "video/mp4"
)

// S3Config holds S3 client configuration. Endpoint is set for S3-compatible
// stores such as Wasabi or MinIO.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	Bucket               string
	UsePathStyle         bool
	PresignExpireMinutes int
	PartSize             int64
	UploadConcurrency    int

	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// OnBreakerChange is called with the new state name whenever the breaker changes state.
	OnBreakerChange func(state string)
}

// ProgressFunc receives bytes read so far and the total size.
type ProgressFunc func(sent, total int64)

// PutResult describes a stored object.
type PutResult struct {
	Key  string
	URL  string
	ETag string
	Size int64
}

// ObjectInfo is the result of HeadObject. Exists is false for a missing key.
type ObjectInfo struct {
	Exists       bool
	Size         int64
	ETag         string
	LastModified time.Time
}

// PresignOptions controls pre-signed download URLs.
type PresignOptions struct {
	ExpiresIn          time.Duration
	ContentType        string
	ContentDisposition string
}

// S3 provides object storage operations for recordings.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	breaker  *gobreaker.CircuitBreaker[any]
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using credentials from .env/config", zap.String("region", cfg.Region), zap.String("bucket", cfg.Bucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	partSize := cfg.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = defaultPartSize
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		if cfg.UploadConcurrency > 0 {
			u.Concurrency = cfg.UploadConcurrency
		}
	})
	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: uploader,
		breaker:  newBreaker(cfg, logger),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

func newBreaker(cfg S3Config, logger *zap.Logger) *gobreaker.CircuitBreaker[any] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "object-storage",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Permanent errors say nothing about the store's availability.
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if cfg.OnBreakerChange != nil {
				cfg.OnBreakerChange(to.String())
			}
		},
	})
}

func (s *S3) execute(op string, fn func() (any, error)) (any, error) {
	out, err := s.breaker.Execute(fn)
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// Bucket returns the recordings bucket name.
func (s *S3) Bucket() string { return s.cfg.Bucket }

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// ObjectURL returns the unsigned URL of an object: virtual-hosted style on AWS,
// <endpoint>/<bucket>/<key> for custom endpoints.
func (s *S3) ObjectURL(key string) string {
	return objectURL(s.cfg, key)
}

func objectURL(cfg S3Config, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/" + strings.TrimLeft(escaped, "/")
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, strings.TrimLeft(escaped, "/"))
}

// Put uploads a local file with multipart streaming and reports progress.
func (s *S3) Put(ctx context.Context, localPath, key string, metadata map[string]string, progress ProgressFunc) (*PutResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, classify("open", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, classify("stat", err)
	}
	size := info.Size()

	out, err := s.execute("put", func() (any, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(key),
			Body:          newProgressReader(f, size, progress),
			ContentType:   aws.String(contentTypeFor(key)),
			ContentLength: aws.Int64(size),
			Metadata:      metadata,
		}
		return s.uploader.Upload(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	res := &PutResult{Key: key, URL: s.ObjectURL(key), Size: size}
	if up, ok := out.(*manager.UploadOutput); ok && up.ETag != nil {
		res.ETag = strings.Trim(*up.ETag, `"`)
	}
	return res, nil
}

// HeadObject returns object metadata. A missing object is not an error.
func (s *S3) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.execute("head", func() (any, error) {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return nil, nil
		}
		return head, err
	})
	if err != nil {
		return nil, err
	}
	head, _ := out.(*s3.HeadObjectOutput)
	if head == nil {
		return &ObjectInfo{Exists: false}, nil
	}
	info := &ObjectInfo{Exists: true, Size: aws.ToInt64(head.ContentLength), ETag: strings.Trim(aws.ToString(head.ETag), `"`)}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

// DeleteObject removes an object. Deleting a missing key succeeds.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.execute("delete", func() (any, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
	})
	return err
}

// Presign returns a pre-signed GET URL, optionally overriding the response
// content type and disposition.
func (s *S3) Presign(ctx context.Context, key string, opts PresignOptions) (string, error) {
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = s.PresignExpire()
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		input.ResponseContentType = aws.String(opts.ContentType)
	}
	if opts.ContentDisposition != "" {
		input.ResponseContentDisposition = aws.String(opts.ContentDisposition)
	}
	req, err := s.presign.PresignGetObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = expires
	})
	if err != nil {
		return "", classify("presign get", err)
	}
	return req.URL, nil
}

// AttachmentDisposition builds a Content-Disposition header for downloading key.
func AttachmentDisposition(key string) string {
	return fmt.Sprintf(`attachment; filename="%s"`, path.Base(key))
}

func contentTypeFor(key string) string {
	if strings.EqualFold(path.Ext(key), ".mp4") {
		return contentTypeMP4
	}
	return "application/octet-stream"
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk) || apiCode(err) == "NotFound"
}
