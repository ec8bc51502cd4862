package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/jsonutil"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
	"github.com/trailhq/trail/cmd/trail/cli/validation"
)

// Store reads and writes checkpoints through the object-store adapter.
type Store struct {
	git *gitstore.Store

	// metadataRef is the committed-checkpoint ref, optionally
	// project-namespaced.
	metadataRef string

	// worktreeRoot resolves repo-relative file paths for snapshotting.
	worktreeRoot string
}

// NewStore creates a checkpoint store over an open repository. projectID
// namespaces the metadata ref for shared side repositories; "" uses the
// default ref.
func NewStore(git *gitstore.Store, projectID string) *Store {
	root, err := git.WorktreeRoot()
	if err != nil {
		root = "."
	}
	return &Store{
		git:          git,
		metadataRef:  paths.MetadataRef(projectID),
		worktreeRoot: root,
	}
}

// Git exposes the underlying adapter for callers that need raw reads.
func (s *Store) Git() *gitstore.Store { return s.git }

// MetadataRefName returns the metadata ref this store targets.
func (s *Store) MetadataRefName() string { return s.metadataRef }

// WriteTemporary snapshots one agent step onto the shadow ref for
// (BaseCommit, WorktreeID). The candidate tree is the user's HEAD tree with
// the step's file changes applied and the metadata subtree grafted at
// MetadataDir. If the candidate tree equals the shadow tip's tree the write
// is skipped (dedup) and the existing tip returned.
func (s *Store) WriteTemporary(ctx context.Context, opts WriteTemporaryOptions) (WriteTemporaryResult, error) {
	_ = ctx

	if opts.BaseCommit == "" {
		return WriteTemporaryResult{}, errors.New("BaseCommit is required for temporary checkpoint")
	}
	if err := validation.ValidateSessionID(opts.SessionID); err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("invalid temporary checkpoint options: %w", err)
	}

	shadowRef := paths.ShadowRefForCommit(opts.BaseCommit, opts.WorktreeID)

	base, err := s.shadowBase(shadowRef, opts.BaseCommit)
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("failed to resolve shadow base: %w", err)
	}

	treeHash, err := s.buildStepTree(base.tree, opts)
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("failed to build step tree: %w", err)
	}

	// Dedup: identical tree to the existing tip means nothing new to record.
	if base.tipExists && treeHash == base.tree {
		return WriteTemporaryResult{CommitHash: base.tip, Skipped: true}, nil
	}

	commitHash, err := s.git.CreateCommit(gitstore.CommitOptions{
		Tree:    treeHash,
		Parent:  base.parent,
		Message: opts.CommitMessage,
		Author:  gitstore.Signature(opts.Author),
	})
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("failed to create step commit: %w", err)
	}

	if err := s.git.SetRef(shadowRef, commitHash, base.tip); err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("failed to advance shadow ref: %w", err)
	}

	return WriteTemporaryResult{CommitHash: commitHash}, nil
}

// WriteTemporaryTask snapshots a subagent step. Identical to WriteTemporary
// except the metadata subtree lands under the task path and records the
// tool-use identity.
func (s *Store) WriteTemporaryTask(ctx context.Context, opts WriteTaskOptions) (plumbing.Hash, error) {
	_ = ctx

	if opts.BaseCommit == "" {
		return plumbing.ZeroHash, errors.New("BaseCommit is required for task checkpoint")
	}
	if err := validation.ValidateSessionID(opts.SessionID); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("invalid task checkpoint options: %w", err)
	}
	if err := validation.ValidateToolUseID(opts.ToolUseID); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("invalid task checkpoint options: %w", err)
	}

	shadowRef := paths.ShadowRefForCommit(opts.BaseCommit, opts.WorktreeID)
	base, err := s.shadowBase(shadowRef, opts.BaseCommit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve shadow base: %w", err)
	}

	entries, err := s.git.FlattenTree(base.tree)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to flatten base tree: %w", err)
	}
	s.applyFileChanges(entries, opts.ModifiedFiles, opts.NewFiles, opts.DeletedFiles)

	taskDir := paths.TaskMetadataDir(opts.SessionID, opts.ToolUseID)

	meta := taskStepMetadata{
		SessionID: opts.SessionID,
		ToolUseID: opts.ToolUseID,
		AgentID:   opts.AgentID,
		Timestamp: time.Now().UTC(),
	}
	metaJSON, err := jsonutil.MarshalIndentWithNewline(meta, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to marshal task metadata: %w", err)
	}
	if err := s.addBlobEntry(entries, taskDir+"/"+paths.CheckpointFileName, metaJSON); err != nil {
		return plumbing.ZeroHash, err
	}

	if opts.TranscriptPath != "" {
		if content, readErr := os.ReadFile(opts.TranscriptPath); readErr == nil {
			if err := s.addBlobEntry(entries, taskDir+"/"+paths.TranscriptFileName, content); err != nil {
				logging.Warn(context.Background(), "failed to embed subagent transcript",
					slog.String("session_id", opts.SessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	treeHash, err := s.git.WriteTree(entries)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to build task tree: %w", err)
	}

	commitHash, err := s.git.CreateCommit(gitstore.CommitOptions{
		Tree:    treeHash,
		Parent:  base.parent,
		Message: opts.CommitMessage,
		Author:  gitstore.Signature(opts.Author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to create task commit: %w", err)
	}

	if err := s.git.SetRef(shadowRef, commitHash, base.tip); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to advance shadow ref: %w", err)
	}
	return commitHash, nil
}

// ReadTemporary reads the tip of the shadow ref for (baseCommit, worktreeID).
// Returns (nil, nil) when the ref does not exist.
func (s *Store) ReadTemporary(ctx context.Context, baseCommit, worktreeID string) (*ReadTemporaryResult, error) {
	_ = ctx

	shadowRef := paths.ShadowRefForCommit(baseCommit, worktreeID)
	tip, err := s.git.ResolveRef(shadowRef)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return nil, nil //nolint:nilnil // absent shadow ref is an expected case
		}
		return nil, err
	}

	treeHash, err := s.git.CommitTree(tip)
	if err != nil {
		return nil, fmt.Errorf("failed to read shadow tip tree: %w", err)
	}
	message, err := s.git.CommitMessage(tip)
	if err != nil {
		return nil, fmt.Errorf("failed to read shadow tip message: %w", err)
	}
	when, _ := s.git.CommitTime(tip)

	sessionID, _ := trailers.ParseSession(message)
	metadataDir, _ := trailers.ParseMetadata(message)

	return &ReadTemporaryResult{
		CommitHash:  tip,
		TreeHash:    treeHash,
		SessionID:   sessionID,
		MetadataDir: metadataDir,
		Timestamp:   when,
	}, nil
}

// ListTemporary enumerates all shadow refs with their tip info. The metadata
// ref shares the prefix and is excluded by classification.
func (s *Store) ListTemporary(ctx context.Context) ([]TemporaryInfo, error) {
	_ = ctx

	refs, err := s.git.ListRefs(paths.ShadowRefPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow refs: %w", err)
	}

	var infos []TemporaryInfo
	for _, ref := range refs {
		if !paths.IsShadowRef(ref.Name) {
			continue
		}
		commitPrefix, worktreeHash, ok := paths.ParseShadowRef(ref.Name)
		if !ok {
			continue
		}

		info := TemporaryInfo{
			RefName:      ref.Name,
			BaseCommit:   commitPrefix,
			WorktreeHash: worktreeHash,
			LatestCommit: ref.Hash,
		}
		if message, err := s.git.CommitMessage(ref.Hash); err == nil {
			info.SessionID, _ = trailers.ParseSession(message)
		}
		if when, err := s.git.CommitTime(ref.Hash); err == nil {
			info.Timestamp = when
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ShadowRefExists reports whether a shadow ref exists for the base commit.
func (s *Store) ShadowRefExists(baseCommit, worktreeID string) bool {
	return s.git.RefExists(paths.ShadowRefForCommit(baseCommit, worktreeID))
}

// DeleteShadowRef removes the shadow ref for the base commit. Missing refs
// are ignored: cleanup is idempotent.
func (s *Store) DeleteShadowRef(baseCommit, worktreeID string) error {
	return s.git.DeleteRef(paths.ShadowRefForCommit(baseCommit, worktreeID))
}

// RenameShadowRef re-homes a shadow ref after a history rewrite moved the
// base commit. The new name is created at the old tip, then the old ref is
// deleted. If the target already exists the rename is refused with a
// conflict so existing work is never clobbered.
func (s *Store) RenameShadowRef(oldBase, newBase, worktreeID string) error {
	oldName := paths.ShadowRefForCommit(oldBase, worktreeID)
	newName := paths.ShadowRefForCommit(newBase, worktreeID)
	if oldName == newName {
		return nil
	}

	tip, err := s.git.ResolveRef(oldName)
	if err != nil {
		return err
	}
	if s.git.RefExists(newName) {
		return fmt.Errorf("shadow ref %s already exists", newName)
	}
	if err := s.git.SetRef(newName, tip, plumbing.ZeroHash); err != nil {
		return err
	}
	return s.git.DeleteRef(oldName)
}

// shadowBaseInfo describes where the next step commit attaches.
type shadowBaseInfo struct {
	// tip is the current ref target (ZeroHash when the ref is being created);
	// it is the compare-and-set expectation for the ref update.
	tip       plumbing.Hash
	tipExists bool

	// parent is the new commit's parent: the shadow tip, or the base commit
	// for the first step.
	parent plumbing.Hash

	// tree is the tree the step builds on.
	tree plumbing.Hash
}

// shadowBase resolves the attach point for the next step commit: the shadow
// tip and its tree when the ref exists, otherwise the base commit itself.
func (s *Store) shadowBase(shadowRef, baseCommit string) (shadowBaseInfo, error) {
	if tip, err := s.git.ResolveRef(shadowRef); err == nil {
		treeHash, terr := s.git.CommitTree(tip)
		if terr != nil {
			return shadowBaseInfo{}, terr
		}
		return shadowBaseInfo{tip: tip, tipExists: true, parent: tip, tree: treeHash}, nil
	}

	baseHash := plumbing.NewHash(baseCommit)
	treeHash, err := s.git.CommitTree(baseHash)
	if err != nil {
		// The base commit may have been rewritten away; anchor on HEAD.
		head, herr := s.git.Head()
		if herr != nil {
			return shadowBaseInfo{}, err
		}
		baseHash = head
		treeHash, err = s.git.CommitTree(head)
		if err != nil {
			return shadowBaseInfo{}, err
		}
	}
	return shadowBaseInfo{parent: baseHash, tree: treeHash}, nil
}

// buildStepTree builds the candidate tree for a step: base tree, file changes
// applied from the working tree, metadata subtree grafted at MetadataDir.
func (s *Store) buildStepTree(baseTreeHash plumbing.Hash, opts WriteTemporaryOptions) (plumbing.Hash, error) {
	entries, err := s.git.FlattenTree(baseTreeHash)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to flatten base tree: %w", err)
	}

	s.applyFileChanges(entries, opts.ModifiedFiles, opts.NewFiles, opts.DeletedFiles)

	// Graft the metadata subtree: drop whatever was at MetadataDir, then add
	// the step record and any on-disk metadata files.
	for path := range entries {
		if path == opts.MetadataDir || strings.HasPrefix(path, opts.MetadataDir+"/") {
			delete(entries, path)
		}
	}

	meta := stepMetadata{
		SessionID:     opts.SessionID,
		BaseCommit:    opts.BaseCommit,
		ModifiedFiles: opts.ModifiedFiles,
		NewFiles:      opts.NewFiles,
		DeletedFiles:  opts.DeletedFiles,
	}
	metaJSON, err := jsonutil.MarshalIndentWithNewline(meta, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to marshal step metadata: %w", err)
	}
	if err := s.addBlobEntry(entries, opts.MetadataDir+"/"+paths.CheckpointFileName, metaJSON); err != nil {
		return plumbing.ZeroHash, err
	}

	if opts.MetadataDirAbs != "" {
		if err := s.addDirectory(entries, opts.MetadataDirAbs, opts.MetadataDir); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to add metadata directory: %w", err)
		}
	}

	return s.git.WriteTree(entries)
}

// applyFileChanges folds the step's modified/new/deleted paths into the
// flattened entries, reading content from the working tree. Files that
// vanished since detection are treated as deletions.
func (s *Store) applyFileChanges(entries map[string]gitstore.Entry, modified, added, deleted []string) {
	for _, file := range deleted {
		delete(entries, file)
	}

	changed := make([]string, 0, len(modified)+len(added))
	changed = append(changed, modified...)
	changed = append(changed, added...)

	for _, file := range changed {
		absPath := filepath.Join(s.worktreeRoot, file)
		info, err := os.Lstat(absPath)
		if err != nil {
			delete(entries, file)
			continue
		}

		mode := filemode.Regular
		if info.Mode()&0o111 != 0 {
			mode = filemode.Executable
		}
		if info.Mode()&os.ModeSymlink != 0 {
			mode = filemode.Symlink
		}

		content, err := os.ReadFile(absPath) //nolint:gosec // path is repo root + agent-reported relative path
		if err != nil {
			continue
		}
		blobHash, err := s.git.WriteBlob(content)
		if err != nil {
			continue
		}
		entries[file] = gitstore.Entry{Mode: mode, Hash: blobHash}
	}
}

// addBlobEntry writes content as a blob and records it at path.
func (s *Store) addBlobEntry(entries map[string]gitstore.Entry, path string, content []byte) error {
	blobHash, err := s.git.WriteBlob(content)
	if err != nil {
		return fmt.Errorf("failed to write blob for %s: %w", path, err)
	}
	entries[path] = gitstore.Entry{Mode: filemode.Regular, Hash: blobHash}
	return nil
}

// addDirectory walks an on-disk directory and adds each regular file under
// the given tree prefix. Symlinks are skipped so a link cannot pull outside
// content into the checkpoint.
func (s *Store) addDirectory(entries map[string]gitstore.Entry, dirAbs, dirRel string) error {
	err := filepath.Walk(dirAbs, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(dirAbs, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		content, err := os.ReadFile(path) //nolint:gosec // path comes from walking the metadata directory
		if err != nil {
			return nil //nolint:nilerr // unreadable metadata files are skipped
		}
		return s.addBlobEntry(entries, filepath.ToSlash(filepath.Join(dirRel, rel)), content)
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to walk %s: %w", dirAbs, err)
	}
	return nil
}
