package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/grafthq/graft/internal/scan"
)

// lockTarget takes the advisory lock on a target directory for the
// duration of an apply or rollback. The engine itself is lock-free;
// this guards against two graft processes racing on one tree.
func lockTarget(dir string) (release func(), err error) {
	l := flock.New(filepath.Join(dir, scan.LockFileName))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock target: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("target %s is in use by another graft process", dir)
	}
	return func() {
		_ = l.Unlock()
		_ = os.Remove(l.Path())
	}, nil
}
