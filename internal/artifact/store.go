// Package artifact publishes finished reports to permanent storage and
// returns the link written back to the queue.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caseflow/internal/logging"
)

// Metadata travels with a published report.
type Metadata struct {
	CaseID string
	Model  string
	RunID  string
}

// Store publishes a locally written report and returns its permanent link.
type Store interface {
	Upload(ctx context.Context, localPath string, meta Metadata) (string, error)
}

// UploadError reports a failed publish. The local backup file survives, so
// the report is recoverable by hand.
type UploadError struct {
	CaseID string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to publish report for case %s: %v", e.CaseID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// LocalStore publishes reports into a dated directory tree under a base
// path and links them with file:// URLs.
type LocalStore struct {
	Base string
}

// Upload copies the report into Base/<date>/<case>.md and returns the link.
func (s *LocalStore) Upload(_ context.Context, localPath string, meta Metadata) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", &UploadError{CaseID: meta.CaseID, Err: err}
	}

	dir := filepath.Join(s.Base, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &UploadError{CaseID: meta.CaseID, Err: err}
	}

	dest := filepath.Join(dir, meta.CaseID+".md")
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", &UploadError{CaseID: meta.CaseID, Err: err}
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	link := "file://" + filepath.ToSlash(abs)
	logging.Artifact("Published report for case %s: %s", meta.CaseID, link)
	return link, nil
}
