package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailhq/trail/cmd/trail/cli/checkpoint"
	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
)

const testSessionID = "2026-08-05-e2e-session"

// testRepo bundles a throwaway repository with a wired coordinator.
type testRepo struct {
	dir    string
	repo   *git.Repository
	wt     *git.Worktree
	shadow *Shadow
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	gs := gitstore.New(repo)
	cs := checkpoint.NewStore(gs, "")
	ss := session.NewStoreWithDir(filepath.Join(dir, ".git", "trail-sessions"))

	return &testRepo{
		dir:    dir,
		repo:   repo,
		wt:     wt,
		shadow: NewWithStores(gs, cs, ss, dir, ""),
	}
}

func (r *testRepo) writeFile(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(r.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (r *testRepo) commit(t *testing.T, message string, stage ...string) plumbing.Hash {
	t.Helper()
	for _, name := range stage {
		_, err := r.wt.Add(name)
		require.NoError(t, err)
	}
	hash, err := r.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

// prepareMessage runs the prepare-commit-msg flow over a message file and
// returns the resulting contents.
func (r *testRepo) prepareMessage(t *testing.T, subject string) string {
	t.Helper()
	msgFile := filepath.Join(r.dir, ".git", "COMMIT_EDITMSG")
	require.NoError(t, os.WriteFile(msgFile, []byte(subject+"\n"), 0o600))
	require.NoError(t, r.shadow.PrepareCommitMsg(context.Background(), msgFile, "", ""))
	content, err := os.ReadFile(msgFile)
	require.NoError(t, err)
	return string(content)
}

func TestSingleFileSingleCommitPromotion(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	c0 := r.commit(t, "init", "a.txt")

	// Agent modifies a.txt; the step lands on the shadow ref for C0.
	r.writeFile(t, "a.txt", "hello from the agent\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
		Subject:       "edit a.txt",
	}))

	shadowRef := paths.ShadowRefForCommit(c0.String(), "")
	require.True(t, r.shadow.Git().RefExists(shadowRef), "shadow ref should exist after step")

	// User stages the agent's work and writes a commit message.
	_, err := r.wt.Add("a.txt")
	require.NoError(t, err)
	message := r.prepareMessage(t, "fix: a")
	cpID, found := trailers.ParseCheckpoint(message)
	require.True(t, found, "trailer should be injected: %q", message)

	c1 := r.commit(t, message)
	require.NoError(t, r.shadow.PostCommit(ctx))

	// The checkpoint is durable and names exactly the committed file.
	summary, err := r.shadow.Checkpoints().ReadCommitted(ctx, cpID)
	require.NoError(t, err)
	require.NotNil(t, summary, "committed checkpoint should exist")
	assert.Equal(t, []string{"a.txt"}, summary.FilesTouched)

	// The shadow ref for C0 is gone and the session is reset onto C1.
	assert.False(t, r.shadow.Git().RefExists(shadowRef), "old shadow ref should be deleted")
	state, err := r.shadow.Sessions().Load(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, c1.String(), state.BaseCommit)
	assert.Empty(t, state.FilesTouched)
	assert.Equal(t, cpID, state.LastCheckpointID)
}

func TestPartialPromotionCarriesForward(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	c0 := r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "agent edit\n")
	r.writeFile(t, "b.txt", "agent new file\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
		NewFiles:      []string{"b.txt"},
		Subject:       "edit a and b",
	}))

	// Stage only a.txt.
	_, err := r.wt.Add("a.txt")
	require.NoError(t, err)
	message := r.prepareMessage(t, "fix: a only")
	cpID, found := trailers.ParseCheckpoint(message)
	require.True(t, found)

	c1 := r.commit(t, message)
	require.NoError(t, r.shadow.PostCommit(ctx))

	summary, err := r.shadow.Checkpoints().ReadCommitted(ctx, cpID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, []string{"a.txt"}, summary.FilesTouched, "summary holds only committed files")

	state, err := r.shadow.Sessions().Load(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, c1.String(), state.BaseCommit)
	assert.Equal(t, []string{"b.txt"}, state.FilesTouched, "uncommitted work carries forward")

	// The carry-forward shadow ref anchored at C1 holds the still-modified b.txt.
	oldRef := paths.ShadowRefForCommit(c0.String(), "")
	newRef := paths.ShadowRefForCommit(c1.String(), "")
	assert.False(t, r.shadow.Git().RefExists(oldRef), "old shadow ref should be deleted")
	require.True(t, r.shadow.Git().RefExists(newRef), "carry-forward shadow ref should exist")

	tip, err := r.shadow.Git().ResolveRef(newRef)
	require.NoError(t, err)
	content, err := r.shadow.Git().ReadFileAtCommit(tip, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "agent new file\n", string(content))
}

func TestHistoryRewriteMigratesShadowRef(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	c0 := r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "agent work\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	// The user rewrites history: HEAD moves without the engine seeing it.
	r.writeFile(t, "unrelated.txt", "user change\n")
	c1 := r.commit(t, "user commit", "unrelated.txt")
	require.NotEqual(t, c0, c1)

	// Next step re-homes the shadow ref onto the new tip.
	r.writeFile(t, "a.txt", "agent work v2\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	oldRef := paths.ShadowRefForCommit(c0.String(), "")
	newRef := paths.ShadowRefForCommit(c1.String(), "")
	assert.False(t, r.shadow.Git().RefExists(oldRef), "old shadow ref should be renamed away")
	assert.True(t, r.shadow.Git().RefExists(newRef), "shadow ref should follow the new base")

	state, err := r.shadow.Sessions().Load(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, c1.String(), state.BaseCommit)

	// No data loss: the first step's snapshot is still reachable.
	tip, err := r.shadow.Git().ResolveRef(newRef)
	require.NoError(t, err)
	content, err := r.shadow.Git().ReadFileAtCommit(tip, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "agent work v2\n", string(content))
}

func TestDedupSkipsIdenticalStep(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	c0 := r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "same content\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	shadowRef := paths.ShadowRefForCommit(c0.String(), "")
	tipBefore, err := r.shadow.Git().ResolveRef(shadowRef)
	require.NoError(t, err)

	// Identical working-tree content: the second step must be a no-op.
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	tipAfter, err := r.shadow.Git().ResolveRef(shadowRef)
	require.NoError(t, err)
	assert.Equal(t, tipBefore, tipAfter, "shadow ref must not advance on dedup")

	state, err := r.shadow.Sessions().Load(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.StepCount, "step count must not increment on skip")
}

func TestValidateCommitMsgStripsTrailerOnlyMessage(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	msgFile := filepath.Join(r.dir, ".git", "COMMIT_EDITMSG")
	message := "\nTrail-Checkpoint: a3b2c4d5e6f7\n\n# Please enter a commit message\n"
	require.NoError(t, os.WriteFile(msgFile, []byte(message), 0o600))

	err := r.shadow.ValidateCommitMsg(ctx, msgFile)
	require.ErrorIs(t, err, ErrEmptyMessage)

	content, readErr := os.ReadFile(msgFile)
	require.NoError(t, readErr)
	assert.NotContains(t, string(content), "Trail-Checkpoint")
}

func TestValidateCommitMsgKeepsRealMessage(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	msgFile := filepath.Join(r.dir, ".git", "COMMIT_EDITMSG")
	message := "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7\n"
	require.NoError(t, os.WriteFile(msgFile, []byte(message), 0o600))

	require.NoError(t, r.shadow.ValidateCommitMsg(ctx, msgFile))
	content, err := os.ReadFile(msgFile)
	require.NoError(t, err)
	assert.Equal(t, message, string(content))
}

func TestPrepareCommitMsgIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "agent edit\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))
	_, err := r.wt.Add("a.txt")
	require.NoError(t, err)

	msgFile := filepath.Join(r.dir, ".git", "COMMIT_EDITMSG")
	require.NoError(t, os.WriteFile(msgFile, []byte("fix: a\n"), 0o600))
	require.NoError(t, r.shadow.PrepareCommitMsg(ctx, msgFile, "", ""))
	first, err := os.ReadFile(msgFile)
	require.NoError(t, err)

	require.NoError(t, r.shadow.PrepareCommitMsg(ctx, msgFile, "", ""))
	second, err := os.ReadFile(msgFile)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "prepare-commit-msg must be idempotent")
}

func TestPrepareCommitMsgSkipsUnrelatedStaging(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	r.writeFile(t, "b.txt", "agent file\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID: testSessionID,
		NewFiles:  []string{"b.txt"},
	}))

	// User stages an unrelated file only.
	r.writeFile(t, "c.txt", "user file\n")
	_, err := r.wt.Add("c.txt")
	require.NoError(t, err)

	message := r.prepareMessage(t, "docs: c")
	_, found := trailers.ParseCheckpoint(message)
	assert.False(t, found, "unrelated staging must not get a trailer")
}

func TestPrepareCommitMsgRevertedAndReplaced(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	// Agent creates a new file; user throws it away and writes different
	// content at the same path.
	r.writeFile(t, "new.txt", "agent version\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID: testSessionID,
		NewFiles:  []string{"new.txt"},
	}))
	r.writeFile(t, "new.txt", "completely different user version\n")
	_, err := r.wt.Add("new.txt")
	require.NoError(t, err)

	message := r.prepareMessage(t, "feat: my own new.txt")
	_, found := trailers.ParseCheckpoint(message)
	assert.False(t, found, "reverted-and-replaced content must not be linked")
}

func TestCommittedCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "agent edit\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))
	_, err := r.wt.Add("a.txt")
	require.NoError(t, err)
	message := r.prepareMessage(t, "fix: a")
	cpID, found := trailers.ParseCheckpoint(message)
	require.True(t, found)
	r.commit(t, message)
	require.NoError(t, r.shadow.PostCommit(ctx))

	// The checkpoint is listed newest-first and its session hydrates.
	infos, err := r.shadow.Checkpoints().ListCommitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, cpID, infos[0].CheckpointID)
	assert.Equal(t, testSessionID, infos[0].SessionID)

	content, err := r.shadow.Checkpoints().ReadSessionContent(ctx, cpID, 1)
	require.NoError(t, err)
	assert.Equal(t, testSessionID, content.Metadata.SessionID)
	assert.Equal(t, Name, content.Metadata.Strategy)
}

func TestPreviewRewindReportsLineStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "one\ntwo\nthree\n")
	r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "one\nagent line\nthree\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	points, err := r.shadow.ListRewindPoints(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, points)

	// User keeps editing after the checkpoint; the preview counts the lines
	// a restore would put back and take away.
	r.writeFile(t, "a.txt", "one\nuser rewrite\nthree\nfour\n")

	preview, err := r.shadow.PreviewRewind(ctx, points[0])
	require.NoError(t, err)
	require.Contains(t, preview.FilesToRestore, "a.txt")
	stat := preview.RestoreStats["a.txt"]
	assert.Equal(t, 1, stat.Added, "restore brings back the agent line")
	assert.Equal(t, 2, stat.Removed, "restore drops the user rewrite and the extra line")
}

func TestOrphanShadowRefCleanup(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	r.writeFile(t, "a.txt", "hello\n")
	c0 := r.commit(t, "init", "a.txt")

	r.writeFile(t, "a.txt", "agent edit\n")
	require.NoError(t, r.shadow.RecordStep(ctx, Step{
		SessionID:     testSessionID,
		ModifiedFiles: []string{"a.txt"},
	}))

	// A live session references the ref: nothing is orphaned.
	orphans, err := r.shadow.OrphanShadowRefs(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Remove the session out of band; the ref becomes an orphan.
	require.NoError(t, r.shadow.Sessions().Delete(ctx, testSessionID))
	orphans, err = r.shadow.OrphanShadowRefs(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	removed, err := r.shadow.CleanOrphanShadowRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{paths.ShadowRefForCommit(c0.String(), "")}, removed)
}
