// Package cloudtest holds helpers for S3 staging tests run against a local
// moto or MinIO endpoint. Tests using it carry the cloudintegration build
// tag and skip when the endpoint is down.
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/geoproc/pkg/staging"
)

// Endpoint is the S3-compatible server, overridable with GEOPROC_TEST_S3_ENDPOINT.
var Endpoint = envOr("GEOPROC_TEST_S3_ENDPOINT", "http://localhost:5555")

const region = "us-east-1"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SkipIfUnavailable skips t unless Endpoint answers HTTP.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint, nil)
	if err == nil {
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
			return
		}
	}
	t.Skipf("s3 endpoint %s not reachable: %v", Endpoint, err)
}

// StagingConfig points S3 staging at Endpoint with throwaway credentials.
func StagingConfig(bucket, prefix string) staging.S3Config {
	return staging.S3Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Endpoint:        Endpoint,
		Region:          region,
		AccessKeyID:     "testing",
		SecretAccessKey: "testing",
		ForcePathStyle:  true,
	}
}

func client(t *testing.T) *s3.Client {
	t.Helper()
	return s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("testing", "testing", ""),
	})
}

// CreateBucket makes a bucket named after the test and empties and removes it
// on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := client(t)

	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}
	name = fmt.Sprintf("%s-%d", strings.Trim(name, "-"), time.Now().UnixNano()%100000)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	if err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, c, name) })
	return name
}

func deleteBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			_, _ = c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// GetObject returns the body of bucket/key.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := client(t).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return data
}
