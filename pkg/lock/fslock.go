package lock

import (
	"os"
	"path/filepath"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

// FSLock is the spec-mandated Lock Manager: a job is locked iff
// logsDir/<job_id>/.lock exists as a directory, created via the atomic
// mkdir test-and-set (spec.md §4.3). Grounded on ralph_loop.py's
// `os.mkdir(lock_dir)` / FileExistsError handling.
type FSLock struct {
	LogsRoot string
}

func NewFSLock(logsRoot string) *FSLock {
	return &FSLock{LogsRoot: logsRoot}
}

func (l *FSLock) lockDir(jobID string) string {
	return filepath.Join(l.LogsRoot, jobID, ".lock")
}

func (l *FSLock) TryAcquire(jobID string) (Result, error) {
	dir := l.lockDir(jobID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return Busy, apperr.Wrapf(err, apperr.TypeFsFailure, "mkdir parent for lock %s", dir)
	}
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		return Acquired, nil
	}
	if os.IsExist(err) {
		return Busy, nil
	}
	return Busy, apperr.Wrapf(err, apperr.TypeFsFailure, "creating lock dir %s", dir)
}

// Release removes the lock directory, ignoring errors per spec.md §4.3
// ("Releasing is best-effort").
func (l *FSLock) Release(jobID string) error {
	_ = os.Remove(l.lockDir(jobID))
	return nil
}
