// Package dvcs is the narrow adapter over the underlying DVCS library
// (go-git) that the core components are allowed to depend on. Per spec.md
// §1/§6 the DVCS library itself is an external collaborator: the core never
// imports go-git directly, only this package's interfaces, so the engine's
// storage/sync semantics stay independent of go-git's own API surface.
package dvcs

import (
	"context"
	"errors"
)

// WeakHash is the upstream DVCS's native object hash, hex-encoded. It is
// treated as an opaque identifier by everything above this package except
// for the single TOFU step spec.md §4.2 calls out.
type WeakHash string

// ErrNotFound is returned when a ref, commit, or blob does not exist.
var ErrNotFound = errors.New("dvcs: not found")

// ErrNonFastForward is returned by PushRef when the remote has moved past
// what the caller expected; this is the mutual-exclusion primitive spec.md
// §4.3 relies on.
var ErrNonFastForward = errors.New("dvcs: non-fast-forward")

// TreeEntry is one (path, content) pair used to build a commit's tree.
// Paths use "/" separators regardless of host OS.
type TreeEntry struct {
	Path string
	Data []byte
}

// Repository is the full surface the core needs from a local scratch DVCS
// repository, satisfied by the go-git-backed implementation in gogit.go.
type Repository interface {
	// ResolveRef returns the weak hash a ref currently points to.
	ResolveRef(ctx context.Context, ref string) (WeakHash, error)

	// ReadBlobAtCommit returns the bytes stored at path in the tree of
	// commit. Used to read the `/state` Blob and namespace/pack Blobs out
	// of a mirrored upstream commit.
	ReadBlobAtCommit(ctx context.Context, commit WeakHash, path string) ([]byte, error)

	// CommitTree builds a tree from entries (which must include every path
	// needed to keep referenced Blobs reachable, per spec.md §4.3) on top
	// of parent, and returns the new commit's weak hash. If parent is
	// empty, the commit has no parent (initial commit).
	CommitTree(ctx context.Context, parent WeakHash, entries []TreeEntry, message string) (WeakHash, error)

	// FetchRemoteBranch fetches branch from the named remote and returns
	// its new tip weak hash.
	FetchRemoteBranch(ctx context.Context, remoteName, branch string) (WeakHash, error)

	// PushRef attempts a fast-forward push of localRef to
	// remoteName/remoteBranch. Returns ErrNonFastForward if the remote has
	// moved since the last fetch.
	PushRef(ctx context.Context, remoteName, localRef, remoteBranch string) error

	// IsAncestor reports whether ancestor is an ancestor of (or equal to)
	// descendant, both identified by weak hash. Used by the push gate's
	// fast-forward check on inner refs.
	IsAncestor(ctx context.Context, ancestor, descendant WeakHash) (bool, error)

	// IsCommit reports whether hash names a commit object (as opposed to a
	// tag, blob, or tree), used by the push gate.
	IsCommit(ctx context.Context, hash WeakHash) (bool, error)

	// CommitParents returns commit's immediate parent weak hashes (0 for a
	// root commit, usually 1, more for a merge). Used to validate (I1)'s
	// Merkle closure between a StateRecord's declared parent addresses and
	// its upstream commit's actual weak-hash parents.
	CommitParents(ctx context.Context, commit WeakHash) ([]WeakHash, error)

	// WalkCommitAncestors calls visit once for tip and then for each of its
	// ancestor commits in turn (via commit parent pointers only, never tree
	// or blob enumeration), stopping early whenever visit returns
	// descend=false for a commit. This is the one upstream-graph
	// consultation spec.md §4.2 permits beyond the branch-tip TOFU step,
	// used by the Reachability Tracker's Q2 walk.
	WalkCommitAncestors(ctx context.Context, tip WeakHash, visit func(WeakHash) (descend bool, err error)) error

	// WalkCommitObjects calls visit once for every object (commit, tree, or
	// blob) reachable from commit, in an unspecified order, failing if any is
	// missing from this repository's own object store. The walk does not
	// enter the excluded commits or go past them; a tree or blob that a
	// walked commit shares with an excluded commit is still visited. Q1/Q2 themselves only ever walk
	// commits via WalkCommitAncestors; this is the Reachability Tracker's
	// object-granularity closure check (VerifyObjectClosure), which (I3)
	// requires and a commit-only walk cannot confirm.
	WalkCommitObjects(ctx context.Context, commit WeakHash, excluded []WeakHash, visit func(WeakHash) error) error

	// UnpackObjects imports the objects contained in a pack file's bytes
	// into this repository.
	UnpackObjects(ctx context.Context, pack []byte) error

	// ConfigValue reads a single-valued git config key from this
	// repository, returning "" if unset.
	ConfigValue(ctx context.Context, key string) (string, error)

	// SetConfigValue writes a single-valued git config key in this
	// repository's local config.
	SetConfigValue(ctx context.Context, key, value string) error

	// ConfigureRemote registers a remote URL under name, replacing any
	// existing remote of the same name. url may be a local filesystem path
	// (used by the Reachability Tracker to absorb objects out of the
	// caller's own repository) or a real remote URL (used by the Upstream
	// Mirror).
	ConfigureRemote(ctx context.Context, name, url string) error

	// Close releases any resources (file handles) held open by the
	// implementation. Safe to call multiple times.
	Close() error
}
