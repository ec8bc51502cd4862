// Package gitstore is the object-store adapter: the minimal surface the
// checkpoint engine needs from the underlying git repository, expressed with
// go-git plumbing. All ref mutations are compare-and-set at the single-ref
// level; no operation is transactional across refs.
//
// The adapter never inherits global git identity for engine commits: callers
// supply author/committer per commit so checkpoint commits are not attributed
// to the user.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

const (
	// pushTimeout bounds remote pushes, the longest operation the engine runs.
	pushTimeout = 60 * time.Second
)

// ChangeKind describes one entry of a name-status diff.
type ChangeKind byte

const (
	// Added means the path exists only in the newer commit.
	Added ChangeKind = 'A'
	// Modified means the path exists in both commits with different content.
	Modified ChangeKind = 'M'
	// Deleted means the path exists only in the older commit.
	Deleted ChangeKind = 'D'
)

// Entry is one flattened tree entry: a full path mapped to blob mode and hash.
type Entry struct {
	Mode filemode.FileMode
	Hash plumbing.Hash
}

// Ref is a resolved named reference.
type Ref struct {
	Name string
	Hash plumbing.Hash
}

// Signature identifies the author/committer of an engine commit.
type Signature struct {
	Name  string
	Email string
}

// CommitOptions describes a commit to create. Parent may be ZeroHash for an
// orphan commit.
type CommitOptions struct {
	Tree    plumbing.Hash
	Parent  plumbing.Hash
	Message string
	Author  Signature
}

// Store adapts a go-git repository to the engine's needs.
type Store struct {
	repo *git.Repository
}

// New wraps an already-open repository.
func New(repo *git.Repository) *Store {
	return &Store{repo: repo}
}

// Open opens the repository rooted at (or above) dir with linked-worktree
// support. EnableDotGitCommonDir is required for correct ref writes inside
// 'git worktree add' checkouts.
func Open(dir string) (*Store, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, wrap("open", KindNotFound, err)
		}
		return nil, wrap("open", KindIo, err)
	}
	return &Store{repo: repo}, nil
}

// Repo exposes the underlying repository for read-side tree walks.
func (s *Store) Repo() *git.Repository { return s.repo }

// Head resolves HEAD to a commit hash.
func (s *Store) Head() (plumbing.Hash, error) {
	ref, err := s.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, wrap("head", KindNotFound, err)
		}
		return plumbing.ZeroHash, wrap("head", KindIo, err)
	}
	return ref.Hash(), nil
}

// HeadBranch returns the short branch name HEAD points at, or "" when
// detached.
func (s *Store) HeadBranch() string {
	ref, err := s.repo.Head()
	if err != nil || !ref.Name().IsBranch() {
		return ""
	}
	return ref.Name().Short()
}

// ResolveRef resolves a branch-style ref name (short form, e.g. "trail/abc")
// to a commit hash.
func (s *Store) ResolveRef(name string) (plumbing.Hash, error) {
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, wrap("resolve-ref", KindNotFound, err)
		}
		return plumbing.ZeroHash, wrap("resolve-ref", KindIo, err)
	}
	return ref.Hash(), nil
}

// RefExists reports whether the named branch-style ref resolves.
func (s *Store) RefExists(name string) bool {
	_, err := s.ResolveRef(name)
	return err == nil
}

// ListRefs returns all branch refs whose short name starts with prefix.
func (s *Store) ListRefs(prefix string) ([]Ref, error) {
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, wrap("list-refs", KindIo, err)
	}
	var refs []Ref
	err = iter.ForEach(func(r *plumbing.Reference) error {
		short := r.Name().Short()
		if strings.HasPrefix(short, prefix) {
			refs = append(refs, Ref{Name: short, Hash: r.Hash()})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list-refs", KindIo, err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// SetRef updates (or creates) a branch ref via compare-and-set. old must be
// the hash the caller last observed; ZeroHash means "must not exist yet".
// A moved ref yields KindConflict.
func (s *Store) SetRef(name string, newHash, old plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(name)
	newRef := plumbing.NewHashReference(refName, newHash)

	var oldRef *plumbing.Reference
	if old != plumbing.ZeroHash {
		oldRef = plumbing.NewHashReference(refName, old)
	}
	if err := s.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return wrap("set-ref", KindConflict, err)
		}
		return wrap("set-ref", KindIo, err)
	}
	return nil
}

// ForceSetRef updates a branch ref unconditionally. Used for migration
// renames where the target state is authoritative.
func (s *Store) ForceSetRef(name string, hash plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(name)
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return wrap("force-set-ref", KindIo, err)
	}
	return nil
}

// DeleteRef removes a branch ref. Deleting a missing ref is not an error.
func (s *Store) DeleteRef(name string) error {
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := s.repo.Reference(refName, true); err != nil {
		return nil
	}
	if err := s.repo.Storer.RemoveReference(refName); err != nil {
		return wrap("delete-ref", KindIo, err)
	}
	return nil
}

// CommitTree returns the tree hash of a commit.
func (s *Store) CommitTree(commit plumbing.Hash) (plumbing.Hash, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return plumbing.ZeroHash, wrap("commit-tree", KindNotFound, err)
		}
		return plumbing.ZeroHash, wrap("commit-tree", KindIo, err)
	}
	return c.TreeHash, nil
}

// CommitMessage returns the full message of a commit.
func (s *Store) CommitMessage(commit plumbing.Hash) (string, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", wrap("commit-message", KindNotFound, err)
		}
		return "", wrap("commit-message", KindIo, err)
	}
	return c.Message, nil
}

// CommitParent returns the first parent of a commit, or ZeroHash for a root
// commit.
func (s *Store) CommitParent(commit plumbing.Hash) (plumbing.Hash, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return plumbing.ZeroHash, wrap("commit-parent", KindNotFound, err)
		}
		return plumbing.ZeroHash, wrap("commit-parent", KindIo, err)
	}
	if c.NumParents() == 0 {
		return plumbing.ZeroHash, nil
	}
	return c.ParentHashes[0], nil
}

// CommitTime returns the author timestamp of a commit.
func (s *Store) CommitTime(commit plumbing.Hash) (time.Time, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		return time.Time{}, wrap("commit-time", KindIo, err)
	}
	return c.Author.When, nil
}

// ReadFileAtCommit reads a path from a commit's tree as bytes.
func (s *Store) ReadFileAtCommit(commit plumbing.Hash, path string) ([]byte, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		return nil, wrap("read-file", KindNotFound, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, wrap("read-file", KindIo, err)
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, wrap("read-file", KindNotFound, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, wrap("read-file", KindIo, err)
	}
	return []byte(content), nil
}

// WriteBlob stores content as a blob and returns its hash.
func (s *Store) WriteBlob(content []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, wrap("write-blob", KindIo, err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, wrap("write-blob", KindIo, err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, wrap("write-blob", KindIo, err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrap("write-blob", KindIo, err)
	}
	return hash, nil
}

// ReadBlob reads a blob's content by hash.
func (s *Store) ReadBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := s.repo.BlobObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, wrap("read-blob", KindNotFound, err)
		}
		return nil, wrap("read-blob", KindIo, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, wrap("read-blob", KindIo, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, wrap("read-blob", KindIo, err)
	}
	return content, nil
}

// FlattenTree recursively flattens a tree into full-path entries.
func (s *Store) FlattenTree(treeHash plumbing.Hash) (map[string]Entry, error) {
	tree, err := s.repo.TreeObject(treeHash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, wrap("flatten-tree", KindNotFound, err)
		}
		return nil, wrap("flatten-tree", KindIo, err)
	}
	entries := make(map[string]Entry)
	if err := s.flattenInto(tree, "", entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) flattenInto(tree *object.Tree, prefix string, entries map[string]Entry) error {
	for _, e := range tree.Entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		if e.Mode == filemode.Dir {
			sub, err := s.repo.TreeObject(e.Hash)
			if err != nil {
				return wrap("flatten-tree", KindIo, fmt.Errorf("subtree %s: %w", full, err))
			}
			if err := s.flattenInto(sub, full, entries); err != nil {
				return err
			}
		} else {
			entries[full] = Entry{Mode: e.Mode, Hash: e.Hash}
		}
	}
	return nil
}

// ListTree returns the immediate entries of a tree (files and subtrees),
// without recursing.
func (s *Store) ListTree(treeHash plumbing.Hash) ([]object.TreeEntry, error) {
	tree, err := s.repo.TreeObject(treeHash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, wrap("list-tree", KindNotFound, err)
		}
		return nil, wrap("list-tree", KindIo, err)
	}
	entries := make([]object.TreeEntry, len(tree.Entries))
	copy(entries, tree.Entries)
	return entries, nil
}

// ComposeTree stores a tree from immediate entries — regular files and
// subtrees carried by hash — and returns its hash. This is the splice
// primitive: callers replace one subtree entry and reuse every sibling
// without touching its contents.
func (s *Store) ComposeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sorted := make([]object.TreeEntry, len(entries))
	copy(sorted, entries)
	sortTreeEntries(sorted)
	return s.encodeTree(sorted)
}

// treeNode is an intermediate node used when rebuilding nested trees from
// flattened entries.
type treeNode struct {
	dirs  map[string]*treeNode
	files []object.TreeEntry
}

// WriteTree composes a nested tree from flattened full-path entries and
// returns the root tree hash.
func (s *Store) WriteTree(entries map[string]Entry) (plumbing.Hash, error) {
	root := &treeNode{dirs: make(map[string]*treeNode)}
	for path, entry := range entries {
		insertEntry(root, strings.Split(path, "/"), entry)
	}
	return s.writeTreeNode(root)
}

func insertEntry(node *treeNode, parts []string, entry Entry) {
	if len(parts) == 1 {
		node.files = append(node.files, object.TreeEntry{
			Name: parts[0],
			Mode: entry.Mode,
			Hash: entry.Hash,
		})
		return
	}
	dir := parts[0]
	child := node.dirs[dir]
	if child == nil {
		child = &treeNode{dirs: make(map[string]*treeNode)}
		node.dirs[dir] = child
	}
	insertEntry(child, parts[1:], entry)
}

func (s *Store) writeTreeNode(node *treeNode) (plumbing.Hash, error) {
	var treeEntries []object.TreeEntry
	treeEntries = append(treeEntries, node.files...)

	for name, child := range node.dirs {
		childHash, err := s.writeTreeNode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		treeEntries = append(treeEntries, object.TreeEntry{
			Name: name,
			Mode: filemode.Dir,
			Hash: childHash,
		})
	}

	sortTreeEntries(treeEntries)
	return s.encodeTree(treeEntries)
}

// sortTreeEntries orders entries the way git requires: by name, directories
// compared with a trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		ni, nj := entries[i].Name, entries[j].Name
		if entries[i].Mode == filemode.Dir {
			ni += "/"
		}
		if entries[j].Mode == filemode.Dir {
			nj += "/"
		}
		return ni < nj
	})
}

// encodeTree stores a tree object from already-sorted entries.
func (s *Store) encodeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	tree := &object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, wrap("write-tree", KindIo, err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrap("write-tree", KindIo, err)
	}
	return hash, nil
}

// CreateCommit stores a commit object. The supplied signature is used for
// both author and committer; the adapter never falls back to repo or global
// identity configuration.
func (s *Store) CreateCommit(opts CommitOptions) (plumbing.Hash, error) {
	if opts.Author.Name == "" || opts.Author.Email == "" {
		return plumbing.ZeroHash, wrap("create-commit", KindInvalid, errors.New("author identity is required"))
	}
	sig := object.Signature{
		Name:  opts.Author.Name,
		Email: opts.Author.Email,
		When:  time.Now(),
	}
	commit := &object.Commit{
		TreeHash:  opts.Tree,
		Author:    sig,
		Committer: sig,
		Message:   opts.Message,
	}
	if opts.Parent != plumbing.ZeroHash {
		commit.ParentHashes = []plumbing.Hash{opts.Parent}
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, wrap("create-commit", KindIo, err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrap("create-commit", KindIo, err)
	}
	return hash, nil
}

// DiffNameStatus computes the name-status diff between two commits, keyed by
// path in the newer commit (or the older commit for deletions).
func (s *Store) DiffNameStatus(oldCommit, newCommit plumbing.Hash) (map[string]ChangeKind, error) {
	newC, err := s.repo.CommitObject(newCommit)
	if err != nil {
		return nil, wrap("diff", KindNotFound, err)
	}
	newTree, err := newC.Tree()
	if err != nil {
		return nil, wrap("diff", KindIo, err)
	}

	var oldTree *object.Tree
	if oldCommit != plumbing.ZeroHash {
		oldC, err := s.repo.CommitObject(oldCommit)
		if err != nil {
			return nil, wrap("diff", KindNotFound, err)
		}
		oldTree, err = oldC.Tree()
		if err != nil {
			return nil, wrap("diff", KindIo, err)
		}
	} else {
		oldTree = &object.Tree{}
	}

	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return nil, wrap("diff", KindIo, err)
	}

	result := make(map[string]ChangeKind, len(changes))
	for _, ch := range changes {
		switch {
		case ch.From.Name == "":
			result[ch.To.Name] = Added
		case ch.To.Name == "":
			result[ch.From.Name] = Deleted
		default:
			result[ch.To.Name] = Modified
		}
	}
	return result, nil
}

// StagedPaths lists paths currently staged in the index (relative to the
// worktree root).
func (s *Store) StagedPaths() ([]string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, wrap("staged-paths", KindUnsupported, err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, wrap("staged-paths", KindIo, err)
	}
	var staged []string
	for path, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			staged = append(staged, path)
		}
	}
	sort.Strings(staged)
	return staged, nil
}

// StagedHash returns the index blob hash for a staged path, or ZeroHash if
// the path is not in the index.
func (s *Store) StagedHash(path string) (plumbing.Hash, error) {
	idx, err := s.repo.Storer.Index()
	if err != nil {
		return plumbing.ZeroHash, wrap("staged-hash", KindIo, err)
	}
	for _, e := range idx.Entries {
		if e.Name == path {
			return e.Hash, nil
		}
	}
	return plumbing.ZeroHash, nil
}

// WorktreeStatus reports the porcelain status of the working tree.
func (s *Store) WorktreeStatus() (git.Status, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, wrap("status", KindUnsupported, err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, wrap("status", KindIo, err)
	}
	return status, nil
}

// UntrackedPaths lists untracked files in the working tree.
func (s *Store) UntrackedPaths() ([]string, error) {
	status, err := s.WorktreeStatus()
	if err != nil {
		return nil, err
	}
	var untracked []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			untracked = append(untracked, path)
		}
	}
	sort.Strings(untracked)
	return untracked, nil
}

// WorktreeRoot returns the filesystem root of the working tree.
func (s *Store) WorktreeRoot() (string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", wrap("worktree-root", KindUnsupported, err)
	}
	return wt.Filesystem.Root(), nil
}

// PushRef pushes a branch ref to a remote via the git CLI. go-git's push does
// not honor credential helpers reliably, so the adapter shells out the same
// way the surrounding hooks do. Bounded by pushTimeout.
func (s *Store) PushRef(ctx context.Context, remote, refName string) error {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", refName, refName)
	cmd := exec.CommandContext(ctx, "git", "push", "--", remote, refspec) //nolint:gosec // remote validated by caller, refName is engine-owned
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return wrap("push", KindTimeout, ctx.Err())
		}
		return wrap("push", KindIo, fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}
	return nil
}

// IsAncestorOf reports whether commit is an ancestor of (or equal to) target.
// The walk is bounded to keep hook latency predictable on deep histories.
func (s *Store) IsAncestorOf(commit, target plumbing.Hash) bool {
	if commit == target {
		return true
	}
	iter, err := s.repo.Log(&git.LogOptions{From: target})
	if err != nil {
		return false
	}
	defer iter.Close()

	found := false
	count := 0
	_ = iter.ForEach(func(c *object.Commit) error { //nolint:errcheck // best-effort search
		count++
		if count > 1000 {
			return errStop
		}
		if c.Hash == commit {
			found = true
			return errStop
		}
		return nil
	})
	return found
}

// errStop is a sentinel used to break out of log iteration.
var errStop = errors.New("stop iteration")
