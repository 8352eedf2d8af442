//go:build cloudintegration

package staging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoproc/pkg/staging"
	"github.com/3leaps/geoproc/test/cloudtest"
)

func TestS3_StageAndFetch_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	s, err := staging.NewS3(ctx, cloudtest.StagingConfig(bucket, "jobs"))
	require.NoError(t, err)

	ref, err := s.Stage(ctx, "/scratch/geoproc_job_abc", "job.json", []byte(`{"version":1}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/jobs/geoproc_job_abc/job.json", ref)
	assert.Equal(t, `{"version":1}`, string(cloudtest.GetObject(t, ctx, bucket, "jobs/geoproc_job_abc/job.json")))

	data, err := s.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(data))
}

func TestS3_FetchMissing_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	s, err := staging.NewS3(ctx, cloudtest.StagingConfig(bucket, ""))
	require.NoError(t, err)

	_, err = s.Fetch(ctx, "s3://"+bucket+"/nope/job.json")
	require.Error(t, err)
	assert.True(t, staging.IsNotFound(err))
}
