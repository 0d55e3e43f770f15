package dvcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// gitRepo implements Repository over a plain (non-bare) go-git repository
// on a local scratch directory.
type gitRepo struct {
	path string
	repo *git.Repository
}

// OpenOrInit opens an existing plain repository at path, initializing a
// fresh one if none exists yet. Used for both the Upstream Mirror and the
// Reachability Tracker's scratch repositories.
func OpenOrInit(path string) (Repository, error) {
	r, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		r, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("dvcs: open/init %s: %w", path, err)
	}
	return &gitRepo{path: path, repo: r}, nil
}

func (g *gitRepo) Close() error { return nil }

func (g *gitRepo) ResolveRef(_ context.Context, ref string) (WeakHash, error) {
	r, err := g.repo.Reference(plumbing.ReferenceName(ref), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dvcs: resolve ref %s: %w", ref, err)
	}
	return WeakHash(r.Hash().String()), nil
}

func (g *gitRepo) ReadBlobAtCommit(_ context.Context, commit WeakHash, path string) ([]byte, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(string(commit)))
	if err != nil {
		return nil, fmt.Errorf("dvcs: load commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("dvcs: load tree for commit %s: %w", commit, err)
	}
	f, err := tree.File(strings.TrimPrefix(path, "/"))
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dvcs: find %s in commit %s: %w", path, commit, err)
	}
	rc, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("dvcs: open %s in commit %s: %w", path, commit, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("dvcs: read %s in commit %s: %w", path, commit, err)
	}
	return data, nil
}

// pathNode is an intermediate node while building a nested tree from a flat
// list of (path, bytes) entries.
type pathNode struct {
	blob     *TreeEntry
	children map[string]*pathNode
}

func newPathNode() *pathNode { return &pathNode{children: map[string]*pathNode{}} }

func (g *gitRepo) CommitTree(_ context.Context, parent WeakHash, entries []TreeEntry, message string) (WeakHash, error) {
	root := newPathNode()
	for i := range entries {
		e := &entries[i]
		segs := strings.Split(strings.TrimPrefix(e.Path, "/"), "/")
		cur := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := cur.children[seg]
			if !ok {
				child = newPathNode()
				cur.children[seg] = child
			}
			cur = child
		}
		leaf := segs[len(segs)-1]
		if _, ok := cur.children[leaf]; !ok {
			cur.children[leaf] = newPathNode()
		}
		cur.children[leaf].blob = e
	}

	// If building on top of an existing commit, seed the tree with its
	// current contents so unrelated paths survive untouched and delta
	// compression sees continuity across commits (spec.md §4.3).
	if parent != "" {
		pc, err := g.repo.CommitObject(plumbing.NewHash(string(parent)))
		if err != nil {
			return "", fmt.Errorf("dvcs: load parent commit %s: %w", parent, err)
		}
		parentTree, err := pc.Tree()
		if err != nil {
			return "", fmt.Errorf("dvcs: load parent tree %s: %w", parent, err)
		}
		if err := mergeExistingTree(g.repo.Storer, parentTree, root); err != nil {
			return "", err
		}
	}

	treeHash, err := writeTree(g.repo.Storer, root)
	if err != nil {
		return "", fmt.Errorf("dvcs: write tree: %w", err)
	}

	var parentHashes []plumbing.Hash
	if parent != "" {
		parentHashes = []plumbing.Hash{plumbing.NewHash(string(parent))}
	}

	now := commitTime()
	sig := object.Signature{Name: "recursive-remote", Email: "recursive-remote@localhost", When: now}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parentHashes,
	}
	obj := g.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("dvcs: encode commit: %w", err)
	}
	hash, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("dvcs: store commit: %w", err)
	}
	return WeakHash(hash.String()), nil
}

// commitTime is overridable in tests that need deterministic commit hashes;
// production code always uses wall-clock time.
var commitTime = time.Now

// mergeExistingTree copies entries of an existing tree into node wherever
// node does not already define that path, so that CommitTree's output
// contains the union of the parent commit's tree and the new entries.
func mergeExistingTree(st storer.EncodedObjectStorer, t *object.Tree, node *pathNode) error {
	for _, e := range t.Entries {
		child, exists := node.children[e.Name]
		if exists && child.blob != nil {
			continue // explicitly overwritten by a new entry
		}
		if e.Mode == filemode.Dir {
			subtree, err := object.GetTree(st, e.Hash)
			if err != nil {
				return fmt.Errorf("dvcs: load subtree %s: %w", e.Name, err)
			}
			if !exists {
				child = newPathNode()
				node.children[e.Name] = child
			}
			if err := mergeExistingTree(st, subtree, child); err != nil {
				return err
			}
			continue
		}
		if exists {
			continue
		}
		blob, err := object.GetBlob(st, e.Hash)
		if err != nil {
			return fmt.Errorf("dvcs: load blob %s: %w", e.Name, err)
		}
		r, err := blob.Reader()
		if err != nil {
			return fmt.Errorf("dvcs: read blob %s: %w", e.Name, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("dvcs: read blob %s: %w", e.Name, err)
		}
		node.children[e.Name] = &pathNode{blob: &TreeEntry{Path: e.Name, Data: data}}
	}
	return nil
}

func writeTree(st storer.EncodedObjectStorer, node *pathNode) (plumbing.Hash, error) {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)

	tree := &object.Tree{}
	for _, name := range names {
		child := node.children[name]
		if child.blob != nil {
			obj := st.NewEncodedObject()
			obj.SetType(plumbing.BlobObject)
			w, err := obj.Writer()
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if _, err := w.Write(child.blob.Data); err != nil {
				w.Close()
				return plumbing.ZeroHash, err
			}
			if err := w.Close(); err != nil {
				return plumbing.ZeroHash, err
			}
			hash, err := st.SetEncodedObject(obj)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
			continue
		}
		hash, err := writeTree(st, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}

func (g *gitRepo) FetchRemoteBranch(_ context.Context, remoteName, branch string) (WeakHash, error) {
	remote, err := ensureRemote(g.repo, remoteName)
	if err != nil {
		return "", err
	}
	refSpec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remoteName, branch))
	err = g.repo.Fetch(&git.FetchOptions{RemoteName: remote.Config().Name, RefSpecs: []config.RefSpec{refSpec}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) || errors.As(err, new(git.NoMatchingRefSpecError)) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dvcs: fetch %s/%s: %w", remoteName, branch, err)
	}
	ref, err := g.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dvcs: resolve fetched tip %s/%s: %w", remoteName, branch, err)
	}
	return WeakHash(ref.Hash().String()), nil
}

func (g *gitRepo) PushRef(_ context.Context, remoteName, localRef, remoteBranch string) error {
	if _, err := ensureRemote(g.repo, remoteName); err != nil {
		return err
	}
	refSpec := config.RefSpec(fmt.Sprintf("%s:refs/heads/%s", localRef, remoteBranch))
	err := g.repo.Push(&git.PushOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{refSpec}})
	if err == nil || err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if strings.Contains(err.Error(), "non-fast-forward") || strings.Contains(err.Error(), "fetch first") {
		return ErrNonFastForward
	}
	return fmt.Errorf("dvcs: push %s to %s/%s: %w", localRef, remoteName, remoteBranch, err)
}

func (g *gitRepo) IsAncestor(_ context.Context, ancestor, descendant WeakHash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	a, err := g.repo.CommitObject(plumbing.NewHash(string(ancestor)))
	if err != nil {
		return false, fmt.Errorf("dvcs: load commit %s: %w", ancestor, err)
	}
	d, err := g.repo.CommitObject(plumbing.NewHash(string(descendant)))
	if err != nil {
		return false, fmt.Errorf("dvcs: load commit %s: %w", descendant, err)
	}
	ok, err := a.IsAncestor(d)
	if err != nil {
		return false, fmt.Errorf("dvcs: ancestor check %s -> %s: %w", ancestor, descendant, err)
	}
	return ok, nil
}

func (g *gitRepo) IsCommit(_ context.Context, hash WeakHash) (bool, error) {
	obj, err := g.repo.Storer.EncodedObject(plumbing.AnyObject, plumbing.NewHash(string(hash)))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return false, nil
		}
		return false, fmt.Errorf("dvcs: load object %s: %w", hash, err)
	}
	return obj.Type() == plumbing.CommitObject, nil
}

func (g *gitRepo) CommitParents(_ context.Context, commit WeakHash) ([]WeakHash, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(string(commit)))
	if err != nil {
		return nil, fmt.Errorf("dvcs: load commit %s: %w", commit, err)
	}
	parents := make([]WeakHash, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[i] = WeakHash(p.String())
	}
	return parents, nil
}

func (g *gitRepo) WalkCommitAncestors(_ context.Context, tip WeakHash, visit func(WeakHash) (bool, error)) error {
	seen := map[plumbing.Hash]struct{}{}
	queue := []plumbing.Hash{plumbing.NewHash(string(tip))}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		descend, err := visit(WeakHash(h.String()))
		if err != nil {
			return err
		}
		if !descend {
			continue
		}
		c, err := g.repo.CommitObject(h)
		if err != nil {
			return fmt.Errorf("dvcs: load commit %s: %w", h, err)
		}
		for _, p := range c.ParentHashes {
			queue = append(queue, p)
		}
	}
	return nil
}

func (g *gitRepo) WalkCommitObjects(_ context.Context, commit WeakHash, excluded []WeakHash, visit func(WeakHash) error) error {
	boundary := map[plumbing.Hash]struct{}{}
	for _, h := range excluded {
		boundary[plumbing.NewHash(string(h))] = struct{}{}
	}

	seenCommits := map[plumbing.Hash]struct{}{}
	seenObjects := map[plumbing.Hash]struct{}{}
	var walkCommit func(plumbing.Hash) error
	walkCommit = func(h plumbing.Hash) error {
		if _, ok := boundary[h]; ok {
			return nil
		}
		if _, ok := seenCommits[h]; ok {
			return nil
		}
		seenCommits[h] = struct{}{}

		c, err := g.repo.CommitObject(h)
		if err != nil {
			return fmt.Errorf("dvcs: load commit %s: %w", h, err)
		}
		if _, ok := seenObjects[h]; !ok {
			seenObjects[h] = struct{}{}
			if err := visit(WeakHash(h.String())); err != nil {
				return err
			}
		}
		tree, err := c.Tree()
		if err != nil {
			return fmt.Errorf("dvcs: load tree for %s: %w", h, err)
		}
		if err := walkTree(g.repo.Storer, tree, seenObjects, visit); err != nil {
			return err
		}
		return c.Parents().ForEach(func(p *object.Commit) error {
			return walkCommit(p.Hash)
		})
	}
	return walkCommit(plumbing.NewHash(string(commit)))
}

func walkTree(st storer.EncodedObjectStorer, t *object.Tree, seen map[plumbing.Hash]struct{}, visit func(WeakHash) error) error {
	if _, ok := seen[t.Hash]; ok {
		return nil
	}
	seen[t.Hash] = struct{}{}
	if t.Hash != plumbing.ZeroHash {
		if err := visit(WeakHash(t.Hash.String())); err != nil {
			return err
		}
	}
	for _, e := range t.Entries {
		if _, ok := seen[e.Hash]; ok {
			continue
		}
		if e.Mode == filemode.Dir {
			sub, err := object.GetTree(st, e.Hash)
			if err != nil {
				return fmt.Errorf("dvcs: load subtree %s: %w", e.Name, err)
			}
			if err := walkTree(st, sub, seen, visit); err != nil {
				return err
			}
			continue
		}
		seen[e.Hash] = struct{}{}
		if err := visit(WeakHash(e.Hash.String())); err != nil {
			return err
		}
	}
	return nil
}

func (g *gitRepo) UnpackObjects(_ context.Context, pack []byte) error {
	pw, ok := g.repo.Storer.(storer.PackfileWriter)
	if !ok {
		return fmt.Errorf("dvcs: storer does not support packfile writes")
	}
	w, err := pw.PackfileWriter()
	if err != nil {
		return fmt.Errorf("dvcs: open packfile writer: %w", err)
	}
	defer w.Close()
	if _, err := w.Write(pack); err != nil {
		return fmt.Errorf("dvcs: write packfile: %w", err)
	}
	return nil
}

func (g *gitRepo) ConfigValue(_ context.Context, key string) (string, error) {
	cfg, err := g.repo.Config()
	if err != nil {
		return "", fmt.Errorf("dvcs: load config: %w", err)
	}
	section, sub, name := splitConfigKey(key)
	if sub == "" {
		return cfg.Raw.Section(section).Option(name), nil
	}
	return cfg.Raw.Section(section).Subsection(sub).Option(name), nil
}

func (g *gitRepo) SetConfigValue(_ context.Context, key, value string) error {
	cfg, err := g.repo.Config()
	if err != nil {
		return fmt.Errorf("dvcs: load config: %w", err)
	}
	section, sub, name := splitConfigKey(key)
	if sub == "" {
		cfg.Raw.Section(section).SetOption(name, value)
	} else {
		cfg.Raw.Section(section).Subsection(sub).SetOption(name, value)
	}
	if err := g.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("dvcs: save config: %w", err)
	}
	return nil
}

// splitConfigKey turns "recursive.namespace" into ("recursive", "", "namespace")
// and "remote.origin.url" into ("remote", "origin", "url").
func splitConfigKey(key string) (section, sub, name string) {
	parts := strings.Split(key, ".")
	switch len(parts) {
	case 2:
		return parts[0], "", parts[1]
	case 3:
		return parts[0], parts[1], parts[2]
	default:
		return key, "", ""
	}
}

func ensureRemote(repo *git.Repository, name string) (*git.Remote, error) {
	remote, err := repo.Remote(name)
	if err == nil {
		return remote, nil
	}
	if err != git.ErrRemoteNotFound {
		return nil, fmt.Errorf("dvcs: lookup remote %s: %w", name, err)
	}
	return nil, fmt.Errorf("dvcs: remote %s not configured", name)
}

// ConfigureRemote implements Repository.
func (g *gitRepo) ConfigureRemote(_ context.Context, name, url string) error {
	_ = g.repo.DeleteRemote(name)
	_, err := g.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	if err != nil {
		return fmt.Errorf("dvcs: add remote %s %s: %w", name, url, err)
	}
	return nil
}
