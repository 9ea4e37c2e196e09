package imaging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Sweeper removes scratch files older than the pipeline's TTL. Per-file
// deletion is scheduled with an individual timer at Process time as a
// best-effort measure, but that alone cannot survive a process restart —
// Sweeper's StartupSweep closes that gap by scanning the scratch
// directory's mtimes once at boot.
type Sweeper struct {
	scratchDir string
	ttl        time.Duration
}

// NewSweeper builds a Sweeper bound to the same scratch directory and
// TTL as a Pipeline.
func NewSweeper(scratchDir string, ttl time.Duration) *Sweeper {
	return &Sweeper{scratchDir: scratchDir, ttl: ttl}
}

// StartupSweep deletes any file in the scratch directory whose
// modification time is already older than ttl. Called once during
// composition-root startup before the HTTP server begins accepting
// traffic, so artifacts orphaned by a crash do not linger indefinitely.
func (s *Sweeper) StartupSweep() (int, error) {
	entries, err := os.ReadDir(s.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.scratchDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("imaging startup sweep removed stale artifacts", "count", removed)
	}
	return removed, nil
}

// ScheduleDelete arms a best-effort timer that removes path after the
// sweeper's TTL elapses, or immediately if ctx is canceled first — used
// as the per-artifact cleanup Process sets up alongside the startup
// sweep's crash-recovery net.
func (s *Sweeper) ScheduleDelete(ctx context.Context, paths ...string) {
	go func() {
		timer := time.NewTimer(s.ttl)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				slog.Warn("imaging: scheduled delete failed", "path", p, "error", err)
			}
		}
	}()
}
