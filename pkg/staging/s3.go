package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// NameS3 identifies the S3 stager.
const NameS3 = "s3"

// DefaultAWSRegion is used for AWS S3 when neither config nor the SDK
// resolves a region. S3-compatible endpoints get no default.
const DefaultAWSRegion = "us-east-1"

// MaxFetchSize bounds objects read back by Fetch.
const MaxFetchSize = 64 << 20

// S3Config configures the S3 stager.
type S3Config struct {
	// Bucket and Prefix locate staged job directories: s3://Bucket/Prefix/<job dir>/<file>.
	Bucket string
	Prefix string

	// Region is optional; the SDK resolves it from env or profile first.
	Region string

	// Endpoint selects an S3-compatible store (MinIO, Wasabi, ...).
	Endpoint string

	// Profile selects a shared AWS config profile.
	Profile string

	// AccessKeyID and SecretAccessKey override the default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// S3ConfigFromURI fills Bucket and Prefix from an s3://bucket/prefix URI.
func S3ConfigFromURI(uri string, base S3Config) (S3Config, error) {
	loc, err := ParseS3URI(uri)
	if err != nil {
		return S3Config{}, err
	}
	base.Bucket = loc.Bucket
	base.Prefix = loc.Key
	return base, nil
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("s3 staging bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("s3 access key id and secret access key must be set together")
	}
	return nil
}

// S3 stages files as objects in a bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 stager using the SDK's default credential chain
// unless explicit credentials are configured.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Stager: NameS3, Location: "s3://" + cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func (s *S3) Name() string { return NameS3 }

// Key returns the object key for name in jobDir. Only the last element of
// jobDir is used so local and remote layouts share a key.
func (s *S3) Key(jobDir, name string) string {
	return joinKey(s.prefix, path.Base(strings.TrimRight(jobDir, "/")), name)
}

// Stage uploads data and returns its s3:// URI.
func (s *S3) Stage(ctx context.Context, jobDir, name string, data []byte) (string, error) {
	if strings.TrimSpace(jobDir) == "" || strings.TrimSpace(name) == "" {
		return "", &Error{Op: "Stage", Stager: NameS3, Err: errors.New("job directory and file name are required")}
	}
	key := s.Key(jobDir, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", s.wrapError("Stage", key, err)
	}
	return S3Location{Bucket: s.bucket, Key: key}.String(), nil
}

// Fetch reads back an object referenced by an s3:// URI.
func (s *S3) Fetch(ctx context.Context, uri string) ([]byte, error) {
	loc, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if loc.Key == "" {
		return nil, fmt.Errorf("%w: %q: missing object key", ErrInvalidURI, uri)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, s.wrapError("Fetch", loc.Key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxFetchSize+1))
	if err != nil {
		return nil, s.wrapError("Fetch", loc.Key, err)
	}
	if len(data) > MaxFetchSize {
		return nil, &Error{Op: "Fetch", Stager: NameS3, Location: uri, Err: fmt.Errorf("object exceeds %d bytes", MaxFetchSize)}
	}
	return data, nil
}

// wrapError maps S3 errors onto this package's sentinels.
func (s *S3) wrapError(op, key string, err error) error {
	wrapped := &Error{
		Op:       op,
		Stager:   NameS3,
		Location: S3Location{Bucket: s.bucket, Key: key}.String(),
		Err:      err,
		Cause:    err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}

var _ Stager = (*S3)(nil)
