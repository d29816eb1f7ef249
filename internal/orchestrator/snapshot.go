package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sagecode/sage/internal/observability"
)

// Snapshotter copies files aside before a mutating tool touches them, so a
// bad edit can be recovered by hand. Snapshots are best effort: failures are
// logged, never fatal.
type Snapshotter struct {
	dir string
	log *observability.Logger
}

// NewSnapshotter creates a snapshotter rooted at dir. An empty dir disables
// snapshots.
func NewSnapshotter(dir string, log *observability.Logger) *Snapshotter {
	return &Snapshotter{dir: dir, log: log}
}

// Capture snapshots the file paths a tool call is about to mutate. Paths
// that do not exist yet (file creation) are skipped.
func (s *Snapshotter) Capture(ctx context.Context, toolName string, args map[string]any) {
	if s == nil || s.dir == "" {
		return
	}
	for _, path := range candidatePaths(args) {
		if err := s.copyFile(path); err != nil {
			if !os.IsNotExist(err) {
				s.log.Warn(ctx, "snapshot failed", "tool", toolName, "path", path, "error", err)
			}
		}
	}
}

// candidatePaths pulls likely file paths out of tool arguments. Mutating
// tools conventionally name their target "path" or "file_path".
func candidatePaths(args map[string]any) []string {
	var paths []string
	for _, key := range []string{"path", "file_path"} {
		if v, ok := args[key].(string); ok && v != "" {
			paths = append(paths, v)
		}
	}
	return paths
}

func (s *Snapshotter) copyFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano())
	dst, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
