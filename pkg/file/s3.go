package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API used by S3Store.
// It satisfies s3.ListObjectsV2APIClient, so listings use the SDK paginator.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config contains configuration for S3 storage.
type S3Config struct {
	Bucket         string `env:"S3_BUCKET"`
	Region         string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Endpoint       string `env:"S3_ENDPOINT"`                              // Optional: for S3-compatible services
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`   // For S3-compatible services like MinIO
	LocalDir       string `env:"BLOB_LOCAL_DIR" envDefault:"./data/blobs"` // Used by NewBlobStore when Bucket is empty
}

// S3Option configures S3Store.
type S3Option func(*s3Options)

type s3Options struct {
	httpClient      *http.Client
	s3Client        S3Client
	s3ClientOptions []func(*s3.Options)
	uploadTimeout   time.Duration
}

// WithS3Client sets a pre-configured client. Useful for testing with mocks.
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) {
		o.s3Client = client
	}
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) {
		o.httpClient = client
	}
}

// WithS3ClientOption adds a custom S3 client option.
func WithS3ClientOption(option func(*s3.Options)) S3Option {
	return func(o *s3Options) {
		o.s3ClientOptions = append(o.s3ClientOptions, option)
	}
}

// WithS3UploadTimeout bounds a single Put. Without it the caller's deadline applies.
func WithS3UploadTimeout(timeout time.Duration) S3Option {
	return func(o *s3Options) {
		o.uploadTimeout = timeout
	}
}

// S3Store implements BlobStore for Amazon S3 and S3-compatible services.
// It is safe for concurrent use.
type S3Store struct {
	client        S3Client
	bucket        string
	uploadTimeout time.Duration
}

// NewS3Store creates a store for cfg.Bucket.
func NewS3Store(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	options := &s3Options{}
	for _, opt := range opts {
		opt(options)
	}

	client := options.s3Client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		if options.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(options.httpClient))
		}

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadConfig, err)
		}

		client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
			for _, opt := range options.s3ClientOptions {
				opt(o)
			}
		})
	}

	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		uploadTimeout: options.uploadTimeout,
	}, nil
}

// NewBlobStore returns an S3 store when a bucket is configured and a local store otherwise.
func NewBlobStore(ctx context.Context, cfg S3Config, opts ...S3Option) (BlobStore, error) {
	if cfg.Bucket == "" {
		return NewLocalStore(cfg.LocalDir)
	}
	return NewS3Store(ctx, cfg, opts...)
}

// Put uploads body. Non-seekable bodies are buffered so the SDK can sign the payload.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, meta Metadata) (*ObjectInfo, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}

	rs, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToOpenFile, err)
		}
		rs = bytes.NewReader(data)
	}
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToOpenFile, err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToOpenFile, err)
	}

	if meta.ContentType == "" {
		meta.ContentType = ContentType(key)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(meta.ContentType),
		Metadata:      meta.Attributes,
	})
	if err != nil {
		return nil, classifyS3Error(err, "upload file")
	}

	return &ObjectInfo{
		Key:          key,
		Size:         size,
		ContentType:  meta.ContentType,
		LastModified: time.Now(),
		Metadata:     meta.Attributes,
	}, nil
}

// Open streams the object body.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "open file")
	}
	return out.Body, nil
}

// List pages through every object under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, "list objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				ContentType:  ContentType(key),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return objects, nil
}

// Delete removes a single object. S3 deletes are idempotent, so the object is checked first.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err, "check file")
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err, "delete file")
	}
	return nil
}

// classifyS3Error converts S3 errors to package errors.
func classifyS3Error(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s operation", ErrOperationTimeout, operation)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s operation", ErrOperationCanceled, operation)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "AccessDenied":
			return fmt.Errorf("%w: %s operation", ErrAccessDenied, operation)
		case "RequestTimeout":
			return fmt.Errorf("%w: %s operation", ErrRequestTimeout, operation)
		case "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%w: %s operation", ErrServiceUnavailable, operation)
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrFileNotFound, err)
		case "NoSuchBucket":
			return ErrBucketNotFound
		default:
			return fmt.Errorf("%s operation failed (code: %s): %w", operation, code, err)
		}
	}

	return fmt.Errorf("%s operation failed: %w", operation, err)
}
