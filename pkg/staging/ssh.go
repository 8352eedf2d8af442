package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/3leaps/geoproc/pkg/remote"
)

// NameSSH identifies the SSH stager.
const NameSSH = "ssh"

// SSH writes files to the login host's filesystem through a remote shell.
// The cluster is expected to share that filesystem with its compute nodes.
type SSH struct {
	runner remote.Runner
}

// NewSSH returns a stager that writes through runner.
func NewSSH(runner remote.Runner) *SSH {
	return &SSH{runner: runner}
}

func (s *SSH) Name() string { return NameSSH }

// Stage creates jobDir if needed and writes data to jobDir/name, readable
// only by the remote user. The returned reference is the remote path.
func (s *SSH) Stage(ctx context.Context, jobDir, name string, data []byte) (string, error) {
	if strings.TrimSpace(jobDir) == "" || strings.TrimSpace(name) == "" {
		return "", &Error{Op: "Stage", Stager: NameSSH, Err: errors.New("job directory and file name are required")}
	}
	if strings.Contains(name, "/") {
		return "", &Error{Op: "Stage", Stager: NameSSH, Location: name, Err: fmt.Errorf("file name must not contain '/'")}
	}

	target := path.Join(jobDir, name)
	cmd := fmt.Sprintf("umask 077 && mkdir -p %s && cat > %s", remote.Quote(jobDir), remote.Quote(target))
	if _, err := s.runner.Run(ctx, cmd, bytes.NewReader(data)); err != nil {
		return "", &Error{Op: "Stage", Stager: NameSSH, Location: target, Err: err}
	}
	return target, nil
}

var _ Stager = (*SSH)(nil)
