package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/geoproc/pkg/request"
)

// BundleVersion is the current bundle format version.
const BundleVersion = 1

// BundleFile is the bundle file name inside a workdir.
const BundleFile = "job.json"

// Bundle is the message handed to an executor: everything needed to run a
// job in another process or on another host.
//
// NOTE: The schema is designed for backward-compatible extension (additive
// fields). Remote bundles omit Workdir; the launcher creates its own.
type Bundle struct {
	Version   int              `json:"version"`
	JobID     string           `json:"job_id"`
	Process   string           `json:"process"`
	Request   *request.Request `json:"request"`
	Workdir   string           `json:"workdir,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Remote returns a copy of b without host-local fields.
func (b *Bundle) Remote() *Bundle {
	cp := *b
	cp.Workdir = ""
	return &cp
}

// Validate checks required fields.
func (b *Bundle) Validate() error {
	if b == nil {
		return errors.New("bundle is nil")
	}
	if strings.TrimSpace(b.JobID) == "" {
		return errors.New("bundle job_id is required")
	}
	if strings.TrimSpace(b.Process) == "" {
		return errors.New("bundle process is required")
	}
	if b.Version > BundleVersion {
		return fmt.Errorf("bundle version %d is newer than supported version %d", b.Version, BundleVersion)
	}
	return nil
}

// Marshal encodes the bundle as indented JSON with a trailing newline.
func (b *Bundle) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeBundle parses and validates a bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("bundle is empty")
	}
	var b Bundle
	if err := json.Unmarshal([]byte(trimmed), &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteBundle writes b to path atomically (temp file + rename).
func WriteBundle(path string, b *Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := b.Marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp bundle file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp bundle file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename bundle file: %w", err)
	}
	return nil
}

// ReadBundle loads a bundle from path.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bundle file not found: %s", path)
		}
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return DecodeBundle(data)
}
