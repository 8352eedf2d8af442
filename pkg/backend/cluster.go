package backend

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/remote"
	"github.com/3leaps/geoproc/pkg/staging"
	"github.com/3leaps/geoproc/pkg/status"
)

const (
	// ScriptFile is the batch script staged next to the bundle.
	ScriptFile = "submit.sh"

	SchedulerSlurm = "slurm"

	// StagingSSH stages bundles on the login host filesystem.
	StagingSSH = "ssh"

	DefaultRemoteDir     = "geoproc/jobs"
	DefaultLaunchCommand = "geoproc launch"
	DefaultSubmitCommand = "sbatch"
	DefaultCancelCommand = "scancel"
)

//go:embed templates/slurm.sh.tmpl
var slurmTemplate string

var scriptTemplate = template.Must(template.New("slurm").
	Funcs(template.FuncMap{"quote": remote.Quote}).
	Parse(slurmTemplate))

var (
	submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)
	parsableRe  = regexp.MustCompile(`^(\d+)(;\S+)?$`)
	batchIDRe   = regexp.MustCompile(`^\d+$`)
)

// Resources are the scheduler resource requests for every job.
type Resources struct {
	Time      string
	Memory    string
	CPUs      int
	Partition string
}

// ClusterConfig configures the cluster backend.
type ClusterConfig struct {
	SSH remote.Config

	// RemoteDir holds per-job directories on the login host. Relative paths
	// resolve against the remote user's home.
	RemoteDir string

	LaunchCommand string
	SubmitCommand string
	CancelCommand string
	Scheduler     string

	// StatusDSN is the store the remote worker reports to. It must be
	// reachable from the compute nodes.
	StatusDSN       string
	StatusAuthToken string

	Resources Resources

	// Staging is "ssh" or an s3://bucket/prefix URI.
	Staging string

	// S3 supplies region, endpoint and credentials for S3 staging.
	S3 staging.S3Config
}

func (c *ClusterConfig) applyDefaults() {
	if c.RemoteDir == "" {
		c.RemoteDir = DefaultRemoteDir
	}
	if c.LaunchCommand == "" {
		c.LaunchCommand = DefaultLaunchCommand
	}
	if c.SubmitCommand == "" {
		c.SubmitCommand = DefaultSubmitCommand
	}
	if c.CancelCommand == "" {
		c.CancelCommand = DefaultCancelCommand
	}
	if c.Scheduler == "" {
		c.Scheduler = SchedulerSlurm
	}
	if c.Staging == "" {
		c.Staging = StagingSSH
	}
}

// Validate checks the configuration after defaults are applied.
func (c ClusterConfig) Validate() error {
	if strings.TrimSpace(c.SSH.Host) == "" {
		return errors.New("cluster host is required")
	}
	if strings.TrimSpace(c.StatusDSN) == "" {
		return errors.New("cluster status dsn is required")
	}
	if d, err := status.DriverFor(c.StatusDSN); err == nil && d == status.DriverSQLite {
		return errors.New("cluster status dsn must be a network store (libsql, postgres or redis)")
	}
	if c.Scheduler != SchedulerSlurm {
		return fault.NotSupported("cluster", fmt.Sprintf("scheduler %q is not supported", c.Scheduler))
	}
	if c.Staging != StagingSSH && !staging.IsS3URI(c.Staging) {
		return fmt.Errorf("cluster staging must be %q or an s3:// uri, got %q", StagingSSH, c.Staging)
	}
	return nil
}

// DialFunc opens the SSH channel to the login host.
type DialFunc func(ctx context.Context, cfg remote.Config) (remote.Runner, error)

// S3Func creates the S3 stager.
type S3Func func(ctx context.Context, cfg staging.S3Config) (staging.Stager, error)

// ClusterOption customizes a Cluster.
type ClusterOption func(*Cluster)

// WithDialer replaces the SSH dialer.
func WithDialer(d DialFunc) ClusterOption {
	return func(c *Cluster) { c.dial = d }
}

// WithS3Stager replaces the S3 stager constructor.
func WithS3Stager(f S3Func) ClusterOption {
	return func(c *Cluster) { c.newS3 = f }
}

// WithClusterLogger sets the logger.
func WithClusterLogger(l *zap.Logger) ClusterOption {
	return func(c *Cluster) {
		if l != nil {
			c.logger = l
		}
	}
}

// Cluster submits jobs to a Slurm-style batch scheduler over SSH.
//
// Only the process id, request and job id travel to the cluster. The remote
// launch command recreates a workdir there and reports to the same status
// store; Start returns once the scheduler has accepted the job.
type Cluster struct {
	cfg    ClusterConfig
	store  status.Store
	logger *zap.Logger
	dial   DialFunc
	newS3  S3Func
}

// NewCluster returns a cluster backend. store receives the owner of
// submitted jobs and is read by Cancel.
func NewCluster(store status.Store, cfg ClusterConfig, opts ...ClusterOption) (*Cluster, error) {
	if store == nil {
		return nil, errors.New("status store is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		cfg:    cfg,
		store:  store,
		logger: zap.NewNop(),
		dial: func(ctx context.Context, rc remote.Config) (remote.Runner, error) {
			return remote.Dial(ctx, rc)
		},
		newS3: func(ctx context.Context, sc staging.S3Config) (staging.Stager, error) {
			return staging.NewS3(ctx, sc)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cluster) Name() string { return NameCluster }

// JobDir is the remote directory of a job.
func (c *Cluster) JobDir(j *job.Job) string {
	base := job.WorkdirPrefix + j.ID
	if j.Workdir != "" {
		base = filepath.Base(j.Workdir)
	}
	return path.Join(c.cfg.RemoteDir, base)
}

// Start stages the bundle and launch script, then submits the script.
func (c *Cluster) Start(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job is required")
	}
	log := c.logger.With(zap.String("job_id", j.ID), zap.String("host", c.cfg.SSH.Host))

	data, err := j.Bundle().Remote().Marshal()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	runner, err := c.dial(ctx, c.cfg.SSH)
	if err != nil {
		return fault.Transport("connect to cluster", false, err)
	}
	defer func() { _ = runner.Close() }()

	jobDir := c.JobDir(j)
	sshStager := staging.NewSSH(runner)

	viaSSH := c.cfg.Staging == StagingSSH
	var bundleStager staging.Stager = sshStager
	if !viaSSH {
		s3cfg, err := staging.S3ConfigFromURI(c.cfg.Staging, c.cfg.S3)
		if err != nil {
			return err
		}
		s3Stager, err := c.newS3(ctx, s3cfg)
		if err != nil {
			return fault.Transport("stage bundle", false, err)
		}
		bundleStager = s3Stager
	}

	bundleRef, err := bundleStager.Stage(ctx, jobDir, job.BundleFile, data)
	if err != nil {
		return fault.Transport("stage bundle", false, err)
	}
	if viaSSH {
		// The batch script runs in the job directory.
		bundleRef = job.BundleFile
	}
	log.Debug("bundle staged", zap.String("stager", bundleStager.Name()), zap.String("ref", bundleRef))

	script, err := c.renderScript(j, bundleRef)
	if err != nil {
		return err
	}
	if _, err := sshStager.Stage(ctx, jobDir, ScriptFile, script); err != nil {
		return fault.Transport("stage script", false, err)
	}

	cmd := fmt.Sprintf("cd %s && %s %s", remote.Quote(jobDir), c.cfg.SubmitCommand, ScriptFile)
	out, err := runner.Run(ctx, cmd, nil)
	if err != nil {
		var cmdErr *remote.CommandError
		return fault.Transport("submit", !errors.As(err, &cmdErr), err)
	}

	batchID, ok := parseBatchID(out)
	if !ok {
		return fault.Transport("submit", true, fmt.Errorf("unrecognized %s output %q", c.cfg.SubmitCommand, strings.TrimSpace(string(out))))
	}
	log = log.With(zap.String("batch_id", batchID))
	log.Info("job submitted")

	owner := c.owner(batchID)
	err = c.store.Update(ctx, j.ID, status.Update{
		Phase:   status.PhaseAccepted,
		Owner:   owner,
		Message: fmt.Sprintf("submitted to %s as batch job %s", c.cfg.Scheduler, batchID),
	})
	switch {
	case err == nil:
	case status.IsTerminal(err), errors.Is(err, status.ErrPhaseRegression):
		// The remote worker already reported; its record wins.
	default:
		log.Warn("failed to record batch owner", zap.String("owner", owner), zap.Error(err))
	}
	return nil
}

type scriptData struct {
	JobName          string
	StdoutFile       string
	StderrFile       string
	Resources        Resources
	StatusDSN        string
	StatusAuthToken  string
	S3Endpoint       string
	S3Region         string
	S3ForcePathStyle bool
	Scheduler        string
	Host             string
	LaunchCommand    string
	BundleRef        string
}

func (c *Cluster) renderScript(j *job.Job, bundleRef string) ([]byte, error) {
	name := "geoproc"
	if p := j.ProcessID(); p != "" {
		name += "-" + p
	}
	d := scriptData{
		JobName:         name,
		StdoutFile:      StdoutFile,
		StderrFile:      StderrFile,
		Resources:       c.cfg.Resources,
		StatusDSN:       c.cfg.StatusDSN,
		StatusAuthToken: c.cfg.StatusAuthToken,
		Scheduler:       c.cfg.Scheduler,
		Host:            c.cfg.SSH.Host,
		LaunchCommand:   c.cfg.LaunchCommand,
		BundleRef:       bundleRef,
	}
	if staging.IsS3URI(c.cfg.Staging) {
		d.S3Endpoint = c.cfg.S3.Endpoint
		d.S3Region = c.cfg.S3.Region
		d.S3ForcePathStyle = c.cfg.S3.ForcePathStyle
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render batch script: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Cluster) owner(batchID string) string {
	return fmt.Sprintf("%s:%s@%s", c.cfg.Scheduler, batchID, c.cfg.SSH.Host)
}

// batchIDFromOwner extracts the scheduler job id from an owner this backend
// (or the remote worker) recorded.
func (c *Cluster) batchIDFromOwner(owner string) (string, bool) {
	tag, host, ok := splitOwner(owner)
	if !ok || host != c.cfg.SSH.Host {
		return "", false
	}
	id, found := strings.CutPrefix(tag, c.cfg.Scheduler+":")
	// The id ends up in a remote shell command line.
	if !found || !batchIDRe.MatchString(id) {
		return "", false
	}
	return id, true
}

func parseBatchID(out []byte) (string, bool) {
	text := strings.TrimSpace(string(out))
	if m := submittedRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := parsableRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

// Cancel asks the scheduler to cancel the job. Confirmation arrives later
// through the status store when the worker exits.
func (c *Cluster) Cancel(ctx context.Context, jobID string) (CancelOutcome, error) {
	rec, outcome, err := loadForCancel(ctx, c.store, jobID)
	if err != nil || outcome != "" {
		return outcome, err
	}

	batchID, ok := c.batchIDFromOwner(rec.Owner)
	if !ok {
		return CancelUnknown, nil
	}

	runner, err := c.dial(ctx, c.cfg.SSH)
	if err != nil {
		return CancelUnknown, fault.Transport("connect to cluster", false, err)
	}
	defer func() { _ = runner.Close() }()

	if _, err := runner.Run(ctx, c.cfg.CancelCommand+" "+batchID, nil); err != nil {
		var cmdErr *remote.CommandError
		return CancelUnknown, fault.Transport("cancel", !errors.As(err, &cmdErr), err)
	}
	c.logger.Info("cancel requested", zap.String("job_id", jobID), zap.String("batch_id", batchID))
	return CancelRequested, nil
}

var _ Backend = (*Cluster)(nil)
