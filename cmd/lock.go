package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockFileName lives in the output directory, so concurrent runs
// against different corpora are fine while two runs against the same
// one are not.
const lockFileName = "chrono.lock"

// acquireLock takes the per-output-directory run lock. locked=false
// with a nil error means another process holds it.
func acquireLock(outputDir string) (locked bool, release func(), err error) {
	fl := flock.New(filepath.Join(outputDir, lockFileName))
	locked, err = fl.TryLock()
	if err != nil {
		return false, nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return false, nil, nil
	}
	return true, func() { _ = fl.Unlock() }, nil
}
