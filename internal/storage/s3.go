package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/forgebuild/cachet/internal/fingerprint"
)

// S3Config configures the S3-backed object store.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores
	KeyPrefix string

	// Static credentials; when empty the SDK's default chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the slice of the S3 client the cache uses; tests substitute a
// fake.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Cache is a Backend storing entries as objects in a bucket. It
// tolerates eventual consistency: a just-written object that is not yet
// visible simply reads as a miss.
type S3Cache struct {
	client s3API
	bucket string
	prefix string
	retry  RetryPolicy
}

// NewS3Cache builds an S3 backend from cfg. Credentials and region come
// from cfg when set, otherwise from the environment/default chain.
func NewS3Cache(ctx context.Context, cfg S3Config, retry RetryPolicy) (*S3Cache, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 cache requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Cache{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.KeyPrefix,
		retry:  retry,
	}, nil
}

// Location implements Backend.
func (c *S3Cache) Location() string {
	return fmt.Sprintf("s3 (%s)", c.bucket)
}

// Get implements Backend.
func (c *S3Cache) Get(ctx context.Context, key fingerprint.Key) (*Entry, error) {
	var entry *Entry

	err := withRetry(ctx, c.retry, func() error {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.objectKey(key)),
		})
		if err != nil {
			return classifyS3Error("get", err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return netErr("get", err)
		}

		entry, err = DecodeEntryBytes(data)
		if err != nil {
			return ioErr("get", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Put implements Backend.
func (c *S3Cache) Put(ctx context.Context, key fingerprint.Key, entry *Entry) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return ioErr("put", err)
	}

	return withRetry(ctx, c.retry, func() error {
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.objectKey(key)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return classifyS3Error("put", err)
		}
		return nil
	})
}

func (c *S3Cache) objectKey(key fingerprint.Key) string {
	return path.Join(c.prefix, key.String())
}

// classifyS3Error maps SDK failures onto the storage error taxonomy.
func classifyS3Error(op string, err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return authErr(op, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return authErr(op, err)
		}
	}

	return netErr(op, err)
}
