package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
)

const testSession = "2026-08-05-roundtrip"

var testAuthor = Signature{Name: "trail", Email: "checkpoints@trail.invalid"}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644))
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return NewStore(gitstore.New(repo), ""), dir
}

func TestWriteCommittedReadBack(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	cpID := checkpointid.MustParse("a1b2c3d4e5f6")
	transcript := []byte(`{"type":"user"}` + "\n" + `{"type":"assistant"}` + "\n")

	require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID:     cpID,
		SessionID:        testSession,
		Strategy:         "shadow",
		Branch:           "main",
		Transcript:       transcript,
		Prompts:          []string{"first prompt", "second prompt"},
		Context:          []byte("# context\n"),
		FilesTouched:     []string{"a.txt"},
		CheckpointsCount: 2,
		Author:           testAuthor,
		Agent:            agent.TypeClaudeCode,
		TokenUsage:       &agent.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}))

	summary, err := store.ReadCommitted(ctx, cpID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, cpID, summary.CheckpointID)
	assert.Equal(t, []string{"a.txt"}, summary.FilesTouched)
	assert.Equal(t, 2, summary.CheckpointsCount)
	require.Len(t, summary.Sessions, 1)

	content, err := store.ReadSessionContent(ctx, cpID, 1)
	require.NoError(t, err)
	assert.Equal(t, transcript, content.Transcript)
	assert.Equal(t, "first prompt\n---\nsecond prompt", content.Prompts)
	assert.Equal(t, "# context\n", content.Context)
	assert.Equal(t, testSession, content.Metadata.SessionID)
	assert.Equal(t, agent.TypeClaudeCode, content.Metadata.Agent)
}

func TestWriteCommittedUnknownCheckpointAbsent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	summary, err := store.ReadCommitted(ctx, checkpointid.MustParse("000000000000"))
	require.NoError(t, err)
	assert.Nil(t, summary, "absent checkpoint reads as nil, nil")
}

func TestWriteCommittedSecondSessionAppends(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	cpID := checkpointid.MustParse("a1b2c3d4e5f6")

	require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID:     cpID,
		SessionID:        "2026-08-05-one",
		Strategy:         "shadow",
		Transcript:       []byte("t1\n"),
		FilesTouched:     []string{"a.txt"},
		CheckpointsCount: 1,
		Author:           testAuthor,
	}))
	require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID:     cpID,
		SessionID:        "2026-08-05-two",
		Strategy:         "shadow",
		Transcript:       []byte("t2\n"),
		FilesTouched:     []string{"b.txt"},
		CheckpointsCount: 3,
		Author:           testAuthor,
	}))

	summary, err := store.ReadCommitted(ctx, cpID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Len(t, summary.Sessions, 2)
	assert.Equal(t, 4, summary.CheckpointsCount, "counts aggregate across sessions")
	assert.Equal(t, []string{"a.txt", "b.txt"}, summary.FilesTouched)

	second, err := store.ReadSessionContent(ctx, cpID, 2)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-05-two", second.Metadata.SessionID)
	assert.Equal(t, []byte("t2\n"), second.Transcript)

	byID, err := store.ReadSessionContentByID(ctx, cpID, "2026-08-05-one")
	require.NoError(t, err)
	assert.Equal(t, []byte("t1\n"), byID.Transcript)
}

func TestUpdateCommittedReplacesArtifacts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	cpID := checkpointid.MustParse("a1b2c3d4e5f6")

	require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID:     cpID,
		SessionID:        testSession,
		Strategy:         "shadow",
		Transcript:       []byte("partial\n"),
		Prompts:          []string{"p1"},
		CheckpointsCount: 1,
		Author:           testAuthor,
	}))

	require.NoError(t, store.UpdateCommitted(ctx, UpdateCommittedOptions{
		CheckpointID: cpID,
		SessionID:    testSession,
		Transcript:   []byte("full transcript\n"),
		Prompts:      []string{"p1", "p2"},
		Author:       testAuthor,
	}))

	content, err := store.ReadSessionContent(ctx, cpID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("full transcript\n"), content.Transcript)
	assert.Equal(t, "p1\n---\np2", content.Prompts)
}

func TestUpdateCommittedMissingCheckpoint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	err := store.UpdateCommitted(ctx, UpdateCommittedOptions{
		CheckpointID: checkpointid.MustParse("00000000cafe"),
		SessionID:    testSession,
		Author:       testAuthor,
	})
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestListCommittedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := checkpointid.MustParse("aaaaaaaaaaaa")
	second := checkpointid.MustParse("bbbbbbbbbbbb")
	for _, cpID := range []checkpointid.CheckpointID{first, second} {
		require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
			CheckpointID:     cpID,
			SessionID:        testSession,
			Strategy:         "shadow",
			Transcript:       []byte("t\n"),
			FilesTouched:     []string{"a.txt"},
			CheckpointsCount: 1,
			Author:           testAuthor,
		}))
	}

	infos, err := store.ListCommitted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, second, infos[0].CheckpointID, "newest first")
	assert.Equal(t, first, infos[1].CheckpointID)

	limited, err := store.ListCommitted(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second, limited[0].CheckpointID)
}

func TestMetadataRefShape(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	cpID := checkpointid.MustParse("a1b2c3d4e5f6")
	require.NoError(t, store.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID:     cpID,
		SessionID:        testSession,
		Strategy:         "shadow",
		Transcript:       []byte("t\n"),
		CheckpointsCount: 1,
		Author:           testAuthor,
	}))

	// The metadata ref's root tree holds only two-hex-char shard directories.
	tip, err := store.Git().ResolveRef(store.MetadataRefName())
	require.NoError(t, err)
	treeHash, err := store.Git().CommitTree(tip)
	require.NoError(t, err)
	entries, err := store.Git().FlattenTree(treeHash)
	require.NoError(t, err)
	for path := range entries {
		require.GreaterOrEqual(t, len(path), 3, "no file may live at the root: %s", path)
		assert.Equal(t, byte('/'), path[2], "root entries must be 2-hex shards: %s", path)
	}
}

func TestWriteTemporaryRename(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)

	head, err := store.Git().Head()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("agent\n"), 0o644))
	result, err := store.WriteTemporary(ctx, WriteTemporaryOptions{
		SessionID:     testSession,
		BaseCommit:    head.String(),
		ModifiedFiles: []string{"a.txt"},
		MetadataDir:   ".trail/metadata/sessions/" + testSession,
		CommitMessage: "step\n\nTrail-Session: " + testSession + "\n",
		Author:        testAuthor,
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)

	// First step's parent is the base commit.
	parent, err := store.Git().CommitParent(result.CommitHash)
	require.NoError(t, err)
	assert.Equal(t, head, parent)

	// Rename to a rewritten base.
	newBase := "0123456789abcdef0123456789abcdef01234567"
	require.NoError(t, store.RenameShadowRef(head.String(), newBase, ""))
	assert.False(t, store.ShadowRefExists(head.String(), ""))
	assert.True(t, store.ShadowRefExists(newBase, ""))

	read, err := store.ReadTemporary(ctx, newBase, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, result.CommitHash, read.CommitHash)
	assert.Equal(t, testSession, read.SessionID)

	// Renaming onto an existing target is refused.
	err = store.RenameShadowRef(newBase, newBase, "")
	require.NoError(t, err, "same-name rename is a no-op")
}

func TestReadTemporaryAbsent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	read, err := store.ReadTemporary(ctx, "ffffffffffffffffffffffffffffffffffffffff", "")
	require.NoError(t, err)
	assert.Nil(t, read)
}

func TestJoinSplitPrompts(t *testing.T) {
	prompts := []string{"one", "two", "three"}
	joined := JoinPrompts(prompts)
	assert.Equal(t, "one\n---\ntwo\n---\nthree", joined)
	assert.Equal(t, prompts, SplitPrompts(joined))
	assert.Nil(t, SplitPrompts(""))
}
