package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoproc/pkg/process"
)

func TestBundle_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := &Job{
		ID:        "job-1",
		Process:   process.Returner{},
		Request:   helloRequest(),
		Workdir:   dir,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	path := filepath.Join(dir, BundleFile)
	require.NoError(t, WriteBundle(path, j.Bundle()))

	b, err := ReadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "job-1", b.JobID)
	assert.Equal(t, "returner", b.Process)
	assert.Equal(t, dir, b.Workdir)
	assert.Equal(t, "hello", b.Request.LiteralValue("text", ""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is cleaned up")
}

func TestBundle_RemoteDropsWorkdir(t *testing.T) {
	b := &Bundle{Version: BundleVersion, JobID: "j", Process: "p", Workdir: "/local/dir"}
	r := b.Remote()
	assert.Empty(t, r.Workdir)
	assert.Equal(t, "/local/dir", b.Workdir)
}

func TestDecodeBundle_Errors(t *testing.T) {
	_, err := DecodeBundle([]byte(" "))
	require.Error(t, err)

	_, err = DecodeBundle([]byte(`{"version":1,"process":"p"}`))
	require.ErrorContains(t, err, "job_id")

	_, err = DecodeBundle([]byte(`{"version":99,"job_id":"j","process":"p"}`))
	require.ErrorContains(t, err, "newer")

	_, err = ReadBundle(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "not found")
}
