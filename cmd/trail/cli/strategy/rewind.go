package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
)

// RewindPoint is one checkpoint the user can restore the working tree to.
type RewindPoint struct {
	CommitHash  plumbing.Hash
	Message     string
	SessionID   string
	MetadataDir string
	Date        time.Time
	IsTask      bool
	ToolUseID   string
}

// FileStat counts the line changes a restore applies to one file.
type FileStat struct {
	Added   int
	Removed int
}

// RewindPreview describes what a rewind would change.
type RewindPreview struct {
	// FilesToRestore are paths whose content will be rewritten.
	FilesToRestore []string
	// RestoreStats maps each restored path to the line changes the restore
	// applies (current content -> checkpoint content).
	RestoreStats map[string]FileStat
	// FilesToDelete are untracked paths that will be removed (created after
	// the checkpoint, not present at session start).
	FilesToDelete []string
}

// ErrNotFound is returned when a rewind point cannot be resolved.
var ErrNotFound = errors.New("rewind point not found")

// ListRewindPoints walks the shadow refs of this worktree's sessions and
// returns step commits newest-first, up to limit.
func (s *Shadow) ListRewindPoints(ctx context.Context, limit int) ([]RewindPoint, error) {
	states, err := s.sessions.FindByWorktree(ctx, s.worktreePath)
	if err != nil {
		return nil, err
	}

	var points []RewindPoint
	for _, state := range states {
		tip, err := s.git.ResolveRef(paths.ShadowRefForCommit(state.BaseCommit, state.WorktreeID))
		if err != nil {
			continue
		}
		iter, err := s.git.Repo().Log(&git.LogOptions{From: tip})
		if err != nil {
			continue
		}
		collectErr := iter.ForEach(func(c *object.Commit) error {
			sessionID, hasSession := trailers.ParseSession(c.Message)
			if !hasSession {
				return nil
			}
			subject := c.Message
			if idx := strings.Index(subject, "\n"); idx > 0 {
				subject = subject[:idx]
			}
			point := RewindPoint{
				CommitHash: c.Hash,
				Message:    subject,
				SessionID:  sessionID,
				Date:       c.Author.When,
			}
			if taskDir, ok := trailers.ParseTaskMetadata(c.Message); ok {
				point.IsTask = true
				point.MetadataDir = taskDir
				point.ToolUseID = toolUseIDFromTaskDir(taskDir)
			} else if metadataDir, ok := trailers.ParseMetadata(c.Message); ok {
				point.MetadataDir = metadataDir
			}
			points = append(points, point)
			return nil
		})
		iter.Close()
		if collectErr != nil {
			continue
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Date.After(points[j].Date) })
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

// PreviewRewind reports which files a rewind to the given point would
// rewrite or delete, without touching the working tree.
func (s *Shadow) PreviewRewind(ctx context.Context, point RewindPoint) (*RewindPreview, error) {
	targetEntries, err := s.pointEntries(point)
	if err != nil {
		return nil, err
	}

	preserved := s.untrackedAtSessionStart(ctx, point.SessionID)

	preview := &RewindPreview{RestoreStats: make(map[string]FileStat)}
	for path := range targetEntries {
		if paths.IsInfrastructurePath(path) {
			continue
		}
		blob, err := s.git.ReadBlob(targetEntries[path].Hash)
		if err != nil {
			continue
		}
		abs := filepath.Join(s.worktreePath, filepath.FromSlash(path))
		current, err := os.ReadFile(abs) //nolint:gosec // path from checkpoint tree
		if err != nil {
			current = nil
		}
		if string(blob) == string(current) {
			continue
		}
		preview.FilesToRestore = append(preview.FilesToRestore, path)
		added, removed := DiffStats(current, blob)
		preview.RestoreStats[path] = FileStat{Added: added, Removed: removed}
	}

	status, err := s.git.WorktreeStatus()
	if err == nil {
		for path, st := range status {
			if st.Worktree != git.Untracked || paths.IsInfrastructurePath(path) {
				continue
			}
			if _, inTarget := targetEntries[path]; inTarget {
				continue
			}
			if preserved[path] {
				continue
			}
			preview.FilesToDelete = append(preview.FilesToDelete, path)
		}
	}

	sort.Strings(preview.FilesToRestore)
	sort.Strings(preview.FilesToDelete)
	return preview, nil
}

// Rewind restores the working tree to the given checkpoint: every file in
// the checkpoint tree is rewritten, and untracked files created after the
// checkpoint are removed. Files untracked at session start are preserved.
// The user's refs are never moved.
func (s *Shadow) Rewind(ctx context.Context, point RewindPoint) error {
	logCtx := logging.WithComponent(ctx, "rewind")

	targetEntries, err := s.pointEntries(point)
	if err != nil {
		return err
	}
	preview, err := s.PreviewRewind(ctx, point)
	if err != nil {
		return err
	}

	for _, path := range preview.FilesToRestore {
		entry := targetEntries[path]
		blob, err := s.git.ReadBlob(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to read %s from checkpoint: %w", path, err)
		}
		abs := filepath.Join(s.worktreePath, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		mode := os.FileMode(0o644)
		if entry.Mode == filemode.Executable {
			mode = 0o755
		}
		if err := os.WriteFile(abs, blob, mode); err != nil {
			return fmt.Errorf("failed to restore %s: %w", path, err)
		}
	}

	for _, path := range preview.FilesToDelete {
		abs := filepath.Join(s.worktreePath, filepath.FromSlash(path))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			logging.Warn(logCtx, "failed to remove file during rewind",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
		}
	}

	logging.Info(logCtx, "rewind complete",
		slog.String("commit", point.CommitHash.String()[:7]),
		slog.Int("restored", len(preview.FilesToRestore)),
		slog.Int("deleted", len(preview.FilesToDelete)),
	)
	return nil
}

// pointEntries flattens the checkpoint commit's tree, dropping the engine's
// own metadata subtree.
func (s *Shadow) pointEntries(point RewindPoint) (map[string]entryMap, error) {
	treeHash, err := s.git.CommitTree(point.CommitHash)
	if err != nil {
		return nil, ErrNotFound
	}
	flat, err := s.git.FlattenTree(treeHash)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]entryMap, len(flat))
	for path, entry := range flat {
		if paths.IsInfrastructurePath(path) {
			continue
		}
		entries[path] = entryMap{Mode: entry.Mode, Hash: entry.Hash}
	}
	return entries, nil
}

type entryMap struct {
	Mode filemode.FileMode
	Hash plumbing.Hash
}

// untrackedAtSessionStart builds the preserve set for a session's rewinds.
func (s *Shadow) untrackedAtSessionStart(ctx context.Context, sessionID string) map[string]bool {
	preserved := make(map[string]bool)
	if sessionID == "" {
		return preserved
	}
	state, err := s.sessions.Load(ctx, sessionID)
	if err != nil || state == nil {
		return preserved
	}
	for _, path := range state.UntrackedFilesAtStart {
		preserved[path] = true
	}
	return preserved
}

// toolUseIDFromTaskDir extracts the tool-use ID from a task metadata path
// (…/tasks/<toolUseID>).
func toolUseIDFromTaskDir(dir string) string {
	parts := strings.Split(dir, "/")
	if len(parts) >= 2 && parts[len(parts)-2] == "tasks" {
		return parts[len(parts)-1]
	}
	return ""
}
