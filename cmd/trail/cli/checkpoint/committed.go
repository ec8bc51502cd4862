package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/jsonutil"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
	"github.com/trailhq/trail/cmd/trail/cli/validation"
)

// promptSeparator joins individual prompts inside prompt.txt.
const promptSeparator = "\n---\n"

// JoinPrompts renders the prompt list into prompt.txt content.
func JoinPrompts(prompts []string) string {
	return strings.Join(prompts, promptSeparator)
}

// SplitPrompts is the inverse of JoinPrompts.
func SplitPrompts(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, promptSeparator)
}

// shardState is the slice of the metadata ref a single checkpoint write
// touches: the tip, the root tree's immediate entries (sibling shards carried
// by hash, never read), and the flattened contents of the one shard the
// checkpoint lives in.
type shardState struct {
	tip plumbing.Hash

	// rootEntries are the tip root tree's immediate entries.
	rootEntries []object.TreeEntry

	// shardName is the two-hex-char shard directory (id[0:2]).
	shardName string

	// entries are full paths within the shard, e.g. "b2c4d5e6f7/metadata.json".
	entries map[string]gitstore.Entry
}

// WriteCommitted appends a checkpoint to the metadata ref at its sharded
// path. Only the touched shard subtree is rebuilt; every sibling shard is
// spliced back into the root by hash, so promotion cost stays proportional to
// one shard rather than to total history. The ref advance is compare-and-set,
// so concurrent promotions serialize through the adapter.
func (s *Store) WriteCommitted(ctx context.Context, opts WriteCommittedOptions) error {
	_ = ctx

	if opts.CheckpointID.IsEmpty() {
		return errors.New("invalid checkpoint options: checkpoint ID is required")
	}
	if err := validation.ValidateSessionID(opts.SessionID); err != nil {
		return fmt.Errorf("invalid checkpoint options: %w", err)
	}

	shard, err := s.loadShard(opts.CheckpointID)
	if err != nil {
		return err
	}

	// Paths within the shard: "<id[2:]>/…".
	basePath := string(opts.CheckpointID[2:]) + "/"

	// Session slot: 1-based; appending to an existing checkpoint takes the
	// next free slot.
	existingSummary := s.summaryFromEntries(shard.entries, basePath)
	sessionIndex := 1
	if existingSummary != nil {
		sessionIndex = len(existingSummary.Sessions) + 1
	}
	sessionPath := basePath + strconv.Itoa(sessionIndex) + "/"
	displayPath := "/" + opts.CheckpointID.Path() + "/" + strconv.Itoa(sessionIndex) + "/"

	filePaths, err := s.writeSessionEntries(shard.entries, sessionPath, displayPath, opts)
	if err != nil {
		return err
	}

	if err := s.writeSummary(shard.entries, basePath, existingSummary, filePaths, opts); err != nil {
		return err
	}

	message := trailers.FormatCheckpointSubject(opts.CheckpointID) +
		"\n\nSession: " + opts.SessionID + "\n"
	return s.commitShard(shard, message, opts.Author)
}

// UpdateCommitted replaces the transcript, prompts, and context of an
// existing session slot. Used at session end to finalize checkpoints with
// the full transcript.
func (s *Store) UpdateCommitted(ctx context.Context, opts UpdateCommittedOptions) error {
	_ = ctx

	shard, err := s.loadShard(opts.CheckpointID)
	if err != nil {
		return err
	}

	basePath := string(opts.CheckpointID[2:]) + "/"
	summary := s.summaryFromEntries(shard.entries, basePath)
	if summary == nil {
		return ErrCheckpointNotFound
	}

	sessionIndex, metadata := s.findSessionSlot(shard.entries, basePath, len(summary.Sessions), opts.SessionID)
	if sessionIndex == 0 {
		return fmt.Errorf("session %s not found in checkpoint %s", opts.SessionID, opts.CheckpointID)
	}
	sessionPath := basePath + strconv.Itoa(sessionIndex) + "/"

	// Drop old transcript chunks before writing the replacement.
	for path := range shard.entries {
		if strings.HasPrefix(path, sessionPath+paths.TranscriptFileName) {
			delete(shard.entries, path)
		}
	}

	if err := s.writeTranscriptEntries(shard.entries, sessionPath, opts.Transcript, opts.Agent); err != nil {
		return err
	}
	if len(opts.Prompts) > 0 {
		if err := s.addBlobEntry(shard.entries, sessionPath+paths.PromptFileName, []byte(JoinPrompts(opts.Prompts))); err != nil {
			return err
		}
	}
	if len(opts.Context) > 0 {
		if err := s.addBlobEntry(shard.entries, sessionPath+paths.ContextFileName, opts.Context); err != nil {
			return err
		}
	}

	// Keep metadata unchanged apart from its timestamp.
	if metadata != nil {
		metadata.CreatedAt = time.Now().UTC()
		metaJSON, err := jsonutil.MarshalIndentWithNewline(metadata, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal session metadata: %w", err)
		}
		if err := s.addBlobEntry(shard.entries, sessionPath+paths.MetadataFileName, metaJSON); err != nil {
			return err
		}
	}

	message := "Update checkpoint " + opts.CheckpointID.String() +
		"\n\nSession: " + opts.SessionID + "\n"
	return s.commitShard(shard, message, opts.Author)
}

// ReadCommitted reads a checkpoint summary by ID. Returns (nil, nil) when
// the checkpoint does not exist.
func (s *Store) ReadCommitted(ctx context.Context, cpID checkpointid.CheckpointID) (*CheckpointSummary, error) {
	_ = ctx

	tip, err := s.git.ResolveRef(s.metadataRef)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return nil, nil //nolint:nilnil // no metadata ref means no checkpoints
		}
		return nil, err
	}

	data, err := s.git.ReadFileAtCommit(tip, cpID.Path()+"/"+paths.MetadataFileName)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return nil, nil //nolint:nilnil // absent checkpoint is an expected case
		}
		return nil, err
	}

	var summary CheckpointSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint summary: %w", err)
	}
	return &summary, nil
}

// ReadSessionContent hydrates one session slot of a checkpoint. sessionIndex
// is 1-based. The four blobs are fetched concurrently.
func (s *Store) ReadSessionContent(ctx context.Context, cpID checkpointid.CheckpointID, sessionIndex int) (*SessionContent, error) {
	_ = ctx

	tip, err := s.git.ResolveRef(s.metadataRef)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}

	sessionPath := cpID.Path() + "/" + strconv.Itoa(sessionIndex) + "/"

	var (
		wg         sync.WaitGroup
		metadata   CommittedMetadata
		metadataOK bool
		transcript []byte
		prompts    string
		contextMD  string
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		if data, err := s.git.ReadFileAtCommit(tip, sessionPath+paths.MetadataFileName); err == nil {
			if json.Unmarshal(data, &metadata) == nil {
				metadataOK = true
			}
		}
	}()
	go func() {
		defer wg.Done()
		transcript = s.readTranscriptAt(tip, cpID, sessionIndex)
	}()
	go func() {
		defer wg.Done()
		if data, err := s.git.ReadFileAtCommit(tip, sessionPath+paths.PromptFileName); err == nil {
			prompts = string(data)
		}
	}()
	go func() {
		defer wg.Done()
		if data, err := s.git.ReadFileAtCommit(tip, sessionPath+paths.ContextFileName); err == nil {
			contextMD = string(data)
		}
	}()
	wg.Wait()

	if !metadataOK && transcript == nil && prompts == "" {
		return nil, ErrCheckpointNotFound
	}

	return &SessionContent{
		Metadata:   metadata,
		Transcript: transcript,
		Prompts:    prompts,
		Context:    contextMD,
	}, nil
}

// ReadSessionContentByID hydrates the slot holding the given session ID.
func (s *Store) ReadSessionContentByID(ctx context.Context, cpID checkpointid.CheckpointID, sessionID string) (*SessionContent, error) {
	summary, err := s.ReadCommitted(ctx, cpID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, ErrCheckpointNotFound
	}
	for i := 1; i <= len(summary.Sessions); i++ {
		content, err := s.ReadSessionContent(ctx, cpID, i)
		if err != nil {
			continue
		}
		if content.Metadata.SessionID == sessionID {
			return content, nil
		}
	}
	return nil, fmt.Errorf("session %s not found in checkpoint %s", sessionID, cpID)
}

// ListCommitted walks the metadata ref's log newest-first, filters commits by
// the checkpoint subject prefix, and hydrates the referenced summaries.
// limit <= 0 means unlimited.
func (s *Store) ListCommitted(ctx context.Context, limit int) ([]CommittedInfo, error) {
	_ = ctx

	tip, err := s.git.ResolveRef(s.metadataRef)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	iter, err := s.git.Repo().Log(&git.LogOptions{From: tip})
	if err != nil {
		return nil, fmt.Errorf("failed to walk metadata ref: %w", err)
	}
	defer iter.Close()

	seen := make(map[checkpointid.CheckpointID]bool)
	var infos []CommittedInfo

	err = iter.ForEach(func(c *object.Commit) error {
		subject := c.Message
		if idx := strings.Index(subject, "\n"); idx >= 0 {
			subject = subject[:idx]
		}
		idStr, found := strings.CutPrefix(subject, trailers.CheckpointSubjectPrefix)
		if !found {
			return nil
		}
		cpID, err := checkpointid.Parse(strings.TrimSpace(idStr))
		if err != nil || seen[cpID] {
			return nil
		}
		seen[cpID] = true

		info := CommittedInfo{CheckpointID: cpID, CreatedAt: c.Author.When}
		if summary, err := s.summaryAtCommit(c, cpID); err == nil && summary != nil {
			info.CheckpointsCount = summary.CheckpointsCount
			info.FilesTouched = summary.FilesTouched
			info.SessionCount = len(summary.Sessions)
			if meta := s.sessionMetadataAtCommit(c, cpID, len(summary.Sessions)); meta != nil {
				info.SessionID = meta.SessionID
				info.Agent = meta.Agent
				if !meta.CreatedAt.IsZero() {
					info.CreatedAt = meta.CreatedAt
				}
			}
		}
		infos = append(infos, info)

		if limit > 0 && len(infos) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("failed to iterate metadata ref: %w", err)
	}
	return infos, nil
}

// GetTranscript returns the reassembled transcript of a checkpoint's most
// recent session.
func (s *Store) GetTranscript(ctx context.Context, cpID checkpointid.CheckpointID) ([]byte, string, error) {
	summary, err := s.ReadCommitted(ctx, cpID)
	if err != nil {
		return nil, "", err
	}
	if summary == nil {
		return nil, "", ErrCheckpointNotFound
	}
	content, err := s.ReadSessionContent(ctx, cpID, len(summary.Sessions))
	if err != nil {
		return nil, "", err
	}
	if len(content.Transcript) == 0 {
		return nil, "", ErrNoTranscript
	}
	return content.Transcript, content.Metadata.SessionID, nil
}

// errStopIteration breaks out of log iteration early.
var errStopIteration = errors.New("stop iteration")

// loadShard resolves the metadata tip and flattens only the shard a
// checkpoint lives in. An absent ref yields an empty shard and ZeroHash tip:
// the first promotion creates an orphan commit with no parent.
func (s *Store) loadShard(cpID checkpointid.CheckpointID) (*shardState, error) {
	shard := &shardState{
		shardName: string(cpID[:2]),
		entries:   make(map[string]gitstore.Entry),
	}

	tip, err := s.git.ResolveRef(s.metadataRef)
	if err != nil {
		if gitstore.IsNotFound(err) {
			return shard, nil
		}
		return nil, err
	}
	shard.tip = tip

	rootTree, err := s.git.CommitTree(tip)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata tip tree: %w", err)
	}
	shard.rootEntries, err = s.git.ListTree(rootTree)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata root tree: %w", err)
	}

	for _, entry := range shard.rootEntries {
		if entry.Name != shard.shardName || entry.Mode != filemode.Dir {
			continue
		}
		shard.entries, err = s.git.FlattenTree(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to flatten shard %s: %w", shard.shardName, err)
		}
		break
	}
	return shard, nil
}

// commitShard rebuilds the touched shard subtree, splices it into the root
// tree's existing entries, and advances the metadata ref by compare-and-set.
func (s *Store) commitShard(shard *shardState, message string, author Signature) error {
	shardHash, err := s.git.WriteTree(shard.entries)
	if err != nil {
		return fmt.Errorf("failed to build shard tree: %w", err)
	}

	newRoot := make([]object.TreeEntry, 0, len(shard.rootEntries)+1)
	for _, entry := range shard.rootEntries {
		if entry.Name != shard.shardName {
			newRoot = append(newRoot, entry)
		}
	}
	newRoot = append(newRoot, object.TreeEntry{
		Name: shard.shardName,
		Mode: filemode.Dir,
		Hash: shardHash,
	})

	rootHash, err := s.git.ComposeTree(newRoot)
	if err != nil {
		return fmt.Errorf("failed to compose metadata root tree: %w", err)
	}

	commitHash, err := s.git.CreateCommit(gitstore.CommitOptions{
		Tree:    rootHash,
		Parent:  shard.tip,
		Message: message,
		Author:  gitstore.Signature(author),
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata commit: %w", err)
	}
	if err := s.git.SetRef(s.metadataRef, commitHash, shard.tip); err != nil {
		return fmt.Errorf("failed to advance metadata ref: %w", err)
	}
	return nil
}

// summaryFromEntries parses the existing root summary at basePath (a path
// within the shard), if any.
func (s *Store) summaryFromEntries(entries map[string]gitstore.Entry, basePath string) *CheckpointSummary {
	entry, ok := entries[basePath+paths.MetadataFileName]
	if !ok {
		return nil
	}
	data, err := s.git.ReadBlob(entry.Hash)
	if err != nil {
		return nil
	}
	var summary CheckpointSummary
	if json.Unmarshal(data, &summary) != nil {
		return nil
	}
	return &summary
}

// findSessionSlot scans the session slots for one holding sessionID.
// Returns (0, nil) when absent.
func (s *Store) findSessionSlot(entries map[string]gitstore.Entry, basePath string, slots int, sessionID string) (int, *CommittedMetadata) {
	for i := 1; i <= slots; i++ {
		entry, ok := entries[basePath+strconv.Itoa(i)+"/"+paths.MetadataFileName]
		if !ok {
			continue
		}
		data, err := s.git.ReadBlob(entry.Hash)
		if err != nil {
			continue
		}
		var meta CommittedMetadata
		if json.Unmarshal(data, &meta) != nil {
			continue
		}
		if meta.SessionID == sessionID {
			return i, &meta
		}
	}
	return 0, nil
}

// writeSessionEntries writes one session slot's files. Entry keys are
// shard-relative (sessionPath); the returned SessionFilePaths use the
// tree-root displayPath the summary records.
func (s *Store) writeSessionEntries(entries map[string]gitstore.Entry, sessionPath, displayPath string, opts WriteCommittedOptions) (SessionFilePaths, error) {
	filePaths := SessionFilePaths{}

	if err := s.writeTranscriptEntries(entries, sessionPath, opts.Transcript, opts.Agent); err != nil {
		return filePaths, err
	}
	if len(opts.Transcript) > 0 {
		filePaths.Transcript = displayPath + paths.TranscriptFileName
		filePaths.ContentHash = displayPath + paths.ContentHashFileName
	}

	if len(opts.Prompts) > 0 {
		if err := s.addBlobEntry(entries, sessionPath+paths.PromptFileName, []byte(JoinPrompts(opts.Prompts))); err != nil {
			return filePaths, err
		}
		filePaths.Prompt = displayPath + paths.PromptFileName
	}

	if len(opts.Context) > 0 {
		if err := s.addBlobEntry(entries, sessionPath+paths.ContextFileName, opts.Context); err != nil {
			return filePaths, err
		}
		filePaths.Context = displayPath + paths.ContextFileName
	}

	metadata := CommittedMetadata{
		CheckpointID:                opts.CheckpointID,
		SessionID:                   opts.SessionID,
		Strategy:                    opts.Strategy,
		CreatedAt:                   time.Now().UTC(),
		Branch:                      opts.Branch,
		CheckpointsCount:            opts.CheckpointsCount,
		FilesTouched:                opts.FilesTouched,
		Agent:                       opts.Agent,
		TurnID:                      opts.TurnID,
		TranscriptIdentifierAtStart: opts.TranscriptIdentifierAtStart,
		CheckpointTranscriptStart:   opts.CheckpointTranscriptStart,
		TokenUsage:                  opts.TokenUsage,
	}
	metaJSON, err := jsonutil.MarshalIndentWithNewline(metadata, "", "  ")
	if err != nil {
		return filePaths, fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := s.addBlobEntry(entries, sessionPath+paths.MetadataFileName, metaJSON); err != nil {
		return filePaths, err
	}
	filePaths.Metadata = displayPath + paths.MetadataFileName

	return filePaths, nil
}

// writeTranscriptEntries writes the transcript (chunked when necessary) and
// its content hash.
func (s *Store) writeTranscriptEntries(entries map[string]gitstore.Entry, sessionPath string, transcript []byte, agentType agent.Type) error {
	if len(transcript) == 0 {
		return nil
	}

	chunks, err := agent.ChunkTranscript(transcript, agentType)
	if err != nil {
		return fmt.Errorf("failed to chunk transcript: %w", err)
	}
	for i, chunk := range chunks {
		if err := s.addBlobEntry(entries, sessionPath+agent.ChunkFileName(paths.TranscriptFileName, i), chunk); err != nil {
			return err
		}
	}

	contentHash := fmt.Sprintf("sha256:%x", sha256.Sum256(transcript))
	return s.addBlobEntry(entries, sessionPath+paths.ContentHashFileName, []byte(contentHash))
}

// writeSummary writes the checkpoint-level summary, aggregating with any
// existing one. basePath is shard-relative.
func (s *Store) writeSummary(entries map[string]gitstore.Entry, basePath string, existing *CheckpointSummary, filePaths SessionFilePaths, opts WriteCommittedOptions) error {
	summary := CheckpointSummary{
		CheckpointID:     opts.CheckpointID,
		Strategy:         opts.Strategy,
		Branch:           opts.Branch,
		CheckpointsCount: opts.CheckpointsCount,
		FilesTouched:     opts.FilesTouched,
		Sessions:         []SessionFilePaths{filePaths},
		TokenUsage:       opts.TokenUsage,
	}

	if existing != nil {
		summary.CheckpointsCount = existing.CheckpointsCount + opts.CheckpointsCount
		summary.FilesTouched = mergeFiles(existing.FilesTouched, opts.FilesTouched)
		summary.TokenUsage = aggregateUsage(existing.TokenUsage, opts.TokenUsage)
		summary.Sessions = append(append([]SessionFilePaths{}, existing.Sessions...), filePaths)
	}

	summaryJSON, err := jsonutil.MarshalIndentWithNewline(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint summary: %w", err)
	}
	return s.addBlobEntry(entries, basePath+paths.MetadataFileName, summaryJSON)
}

// readTranscriptAt reads a possibly-chunked transcript for one session slot,
// flattening only the checkpoint's shard to enumerate chunk files.
func (s *Store) readTranscriptAt(commit plumbing.Hash, cpID checkpointid.CheckpointID, sessionIndex int) []byte {
	rootTree, err := s.git.CommitTree(commit)
	if err != nil {
		return nil
	}
	rootEntries, err := s.git.ListTree(rootTree)
	if err != nil {
		return nil
	}

	shardName := string(cpID[:2])
	var entries map[string]gitstore.Entry
	for _, entry := range rootEntries {
		if entry.Name == shardName && entry.Mode == filemode.Dir {
			entries, err = s.git.FlattenTree(entry.Hash)
			if err != nil {
				return nil
			}
			break
		}
	}
	if entries == nil {
		return nil
	}

	sessionPath := string(cpID[2:]) + "/" + strconv.Itoa(sessionIndex) + "/"
	base := sessionPath + paths.TranscriptFileName
	var chunkNames []string
	for path := range entries {
		if !strings.HasPrefix(path, base) {
			continue
		}
		name := strings.TrimPrefix(path, sessionPath)
		if agent.ParseChunkIndex(name, paths.TranscriptFileName) >= 0 {
			chunkNames = append(chunkNames, name)
		}
	}
	if len(chunkNames) == 0 {
		return nil
	}
	chunkNames = agent.SortChunkFiles(chunkNames, paths.TranscriptFileName)

	var chunks [][]byte
	for _, name := range chunkNames {
		data, err := s.git.ReadBlob(entries[sessionPath+name].Hash)
		if err != nil {
			continue
		}
		chunks = append(chunks, data)
	}

	var agentType agent.Type
	if metaEntry, ok := entries[sessionPath+paths.MetadataFileName]; ok {
		if metaData, err := s.git.ReadBlob(metaEntry.Hash); err == nil {
			var meta CommittedMetadata
			if json.Unmarshal(metaData, &meta) == nil {
				agentType = meta.Agent
			}
		}
	}

	result, err := agent.ReassembleTranscript(chunks, agentType)
	if err != nil {
		return nil
	}
	return result
}

// summaryAtCommit reads the root summary for cpID at a specific metadata-ref
// commit.
func (s *Store) summaryAtCommit(c *object.Commit, cpID checkpointid.CheckpointID) (*CheckpointSummary, error) {
	data, err := s.git.ReadFileAtCommit(c.Hash, cpID.Path()+"/"+paths.MetadataFileName)
	if err != nil {
		return nil, err
	}
	var summary CheckpointSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// sessionMetadataAtCommit reads the latest session slot metadata at a
// specific metadata-ref commit.
func (s *Store) sessionMetadataAtCommit(c *object.Commit, cpID checkpointid.CheckpointID, slot int) *CommittedMetadata {
	if slot < 1 {
		return nil
	}
	data, err := s.git.ReadFileAtCommit(c.Hash, cpID.Path()+"/"+strconv.Itoa(slot)+"/"+paths.MetadataFileName)
	if err != nil {
		return nil
	}
	var meta CommittedMetadata
	if json.Unmarshal(data, &meta) != nil {
		return nil
	}
	return &meta
}

// mergeFiles unions two sorted-unique file lists.
func mergeFiles(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// aggregateUsage sums two usage records; nil when both are nil.
func aggregateUsage(a, b *agent.TokenUsage) *agent.TokenUsage {
	if a == nil && b == nil {
		return nil
	}
	var result agent.TokenUsage
	out := agent.Accumulate(&result, a)
	return agent.Accumulate(out, b)
}
