package strategy

import (
	"context"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
)

// Overlap analysis compares the user's staged or committed content against
// the shadow tip at byte level. Filename intersection alone is insufficient:
// the user may have reverted the agent's edits and replaced them with
// unrelated content, in which case the commit must not be linked to the
// session.
//
// The distinction that makes this sound:
//   - Files that already exist in the comparison base (HEAD or the commit's
//     parent) count as overlap on name alone — the user is editing the
//     agent's work, whatever the final bytes are.
//   - Files that are new require an exact content match against the shadow
//     tip, which is what detects the reverted-and-replaced case.

// stagedOverlap reports whether the staged paths intersect filesTouched with
// content backing: pre-existing files on name, new files by blob-hash match
// against the shadow tip.
func (s *Shadow) stagedOverlap(stagedFiles, filesTouched []string, shadowTip plumbing.Hash) bool {
	logCtx := logging.WithComponent(context.Background(), "overlap")

	touched := make(map[string]bool, len(filesTouched))
	for _, f := range filesTouched {
		touched[f] = true
	}

	head, err := s.git.Head()
	if err != nil {
		return hasOverlappingFiles(stagedFiles, filesTouched)
	}
	headTree, err := s.git.CommitTree(head)
	if err != nil {
		return hasOverlappingFiles(stagedFiles, filesTouched)
	}
	headEntries, err := s.git.FlattenTree(headTree)
	if err != nil {
		return hasOverlappingFiles(stagedFiles, filesTouched)
	}

	shadowEntries := s.shadowEntries(shadowTip)
	if shadowEntries == nil {
		return hasOverlappingFiles(stagedFiles, filesTouched)
	}

	for _, staged := range stagedFiles {
		if !touched[staged] {
			continue
		}

		if _, inHead := headEntries[staged]; inHead {
			logging.Debug(logCtx, "staged overlap: pre-existing file",
				slog.String("file", staged),
			)
			return true
		}

		stagedHash, err := s.git.StagedHash(staged)
		if err != nil || stagedHash == plumbing.ZeroHash {
			continue
		}
		shadowEntry, inShadow := shadowEntries[staged]
		if !inShadow {
			continue
		}
		if stagedHash == shadowEntry.Hash {
			logging.Debug(logCtx, "staged overlap: new file content match",
				slog.String("file", staged),
			)
			return true
		}
		logging.Debug(logCtx, "staged overlap: new file content mismatch",
			slog.String("file", staged),
		)
	}
	return false
}

// committedOverlap reports whether the commit at head incorporated any of the
// session's work: the name-status diff against the parent must touch
// filesTouched, and for newly-added paths the committed bytes must match the
// shadow tip.
func (s *Shadow) committedOverlap(head, parent plumbing.Hash, committedFiles map[string]gitstore.ChangeKind, filesTouched []string, shadowTip plumbing.Hash) bool {
	logCtx := logging.WithComponent(context.Background(), "overlap")

	headTree, err := s.git.CommitTree(head)
	if err != nil {
		return len(filesTouched) > 0
	}
	headEntries, err := s.git.FlattenTree(headTree)
	if err != nil {
		return len(filesTouched) > 0
	}

	var parentEntries map[string]gitstore.Entry
	if parent != plumbing.ZeroHash {
		if parentTree, err := s.git.CommitTree(parent); err == nil {
			parentEntries, _ = s.git.FlattenTree(parentTree)
		}
	}

	shadowEntries := s.shadowEntries(shadowTip)
	if shadowEntries == nil {
		return len(filesTouched) > 0
	}

	for _, path := range filesTouched {
		if _, changed := committedFiles[path]; !changed {
			continue
		}
		headEntry, inHead := headEntries[path]
		if !inHead {
			// The commit deleted the path; a deletion the agent also made
			// counts as incorporated work.
			if committedFiles[path] == gitstore.Deleted {
				if _, inShadow := shadowEntries[path]; !inShadow {
					logging.Debug(logCtx, "committed overlap: deletion matches shadow",
						slog.String("file", path),
					)
					return true
				}
			}
			continue
		}

		if parentEntries != nil {
			if _, inParent := parentEntries[path]; inParent {
				logging.Debug(logCtx, "committed overlap: modified pre-existing file",
					slog.String("file", path),
				)
				return true
			}
		}

		shadowEntry, inShadow := shadowEntries[path]
		if !inShadow {
			continue
		}
		if headEntry.Hash == shadowEntry.Hash {
			logging.Debug(logCtx, "committed overlap: new file content match",
				slog.String("file", path),
			)
			return true
		}
		logging.Debug(logCtx, "committed overlap: new file content mismatch",
			slog.String("file", path),
		)
	}
	return false
}

// remainingAgentChanges returns the subset of filesTouched that still differs
// between the shadow tip and the new HEAD — the work to carry forward.
//
// A path remains when it was not committed at all, or when the committed
// bytes differ from the shadow tip (partial staging, e.g. git add -p).
func (s *Shadow) remainingAgentChanges(head plumbing.Hash, filesTouched []string, committedFiles map[string]gitstore.ChangeKind, shadowTip plumbing.Hash) []string {
	logCtx := logging.WithComponent(context.Background(), "overlap")

	shadowEntries := s.shadowEntries(shadowTip)
	if shadowEntries == nil {
		return subtractByName(filesTouched, committedFiles)
	}
	headTree, err := s.git.CommitTree(head)
	if err != nil {
		return subtractByName(filesTouched, committedFiles)
	}
	headEntries, err := s.git.FlattenTree(headTree)
	if err != nil {
		return subtractByName(filesTouched, committedFiles)
	}

	var remaining []string
	for _, path := range filesTouched {
		if _, committed := committedFiles[path]; !committed {
			remaining = append(remaining, path)
			continue
		}

		shadowEntry, inShadow := shadowEntries[path]
		if !inShadow {
			// The agent's final state for this path is "absent". Fully
			// committed when the commit also drops it.
			if _, inHead := headEntries[path]; inHead {
				remaining = append(remaining, path)
			}
			continue
		}

		headEntry, inHead := headEntries[path]
		if !inHead || headEntry.Hash != shadowEntry.Hash {
			remaining = append(remaining, path)
			logging.Debug(logCtx, "carry-forward: content not fully committed",
				slog.String("file", path),
			)
		}
	}
	return remaining
}

// shadowEntries flattens the shadow tip's tree, or nil when unavailable.
func (s *Shadow) shadowEntries(shadowTip plumbing.Hash) map[string]gitstore.Entry {
	if shadowTip == plumbing.ZeroHash {
		return nil
	}
	treeHash, err := s.git.CommitTree(shadowTip)
	if err != nil {
		return nil
	}
	entries, err := s.git.FlattenTree(treeHash)
	if err != nil {
		return nil
	}
	return entries
}

// hasOverlappingFiles is the filename-only fallback used when content
// comparison is impossible.
func hasOverlappingFiles(stagedFiles, filesTouched []string) bool {
	touched := make(map[string]bool, len(filesTouched))
	for _, f := range filesTouched {
		touched[f] = true
	}
	for _, staged := range stagedFiles {
		if touched[staged] {
			return true
		}
	}
	return false
}

// subtractByName returns filesTouched minus committedFiles, by name only.
func subtractByName(filesTouched []string, committedFiles map[string]gitstore.ChangeKind) []string {
	var remaining []string
	for _, f := range filesTouched {
		if _, committed := committedFiles[f]; !committed {
			remaining = append(remaining, f)
		}
	}
	return remaining
}
