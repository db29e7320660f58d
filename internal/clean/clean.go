// Package clean removes generated directories: the build output and the
// devserve cache.
package clean

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run deletes every existing path in paths and returns how many were removed.
// Each directory is first renamed aside so a concurrent build never sees a
// half-deleted tree, then the renamed copies are deleted in parallel.
func Run(out io.Writer, paths ...string) (int, error) {
	start := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	removed := 0

	for _, p := range paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return removed, err
		}
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			continue
		}

		tempPath, err := moveAside(absPath)
		if err != nil {
			_, _ = fmt.Fprintf(out, "⚠️ Rename failed (%v), deleting synchronously...\n", err)
			tempPath = absPath
		} else {
			_, _ = fmt.Fprintf(out, "🧹 Removing '%s'...\n", absPath)
		}
		removed++

		wg.Add(1)
		go func(target, original string) {
			defer wg.Done()
			if err := os.RemoveAll(target); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to remove '%s': %w", original, err)
				}
				mu.Unlock()
			}
		}(tempPath, absPath)
	}
	wg.Wait()

	if firstErr != nil {
		return removed, firstErr
	}
	_, _ = fmt.Fprintf(out, "🧹 Clean finished in %v.\n", time.Since(start).Round(time.Millisecond))
	return removed, nil
}

func moveAside(absPath string) (string, error) {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	tempPath := filepath.Join(dir, fmt.Sprintf("%s_deleting_%d", base, time.Now().UnixNano()))
	if err := os.Rename(absPath, tempPath); err != nil {
		return "", err
	}
	return tempPath, nil
}
