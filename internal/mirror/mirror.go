// Package mirror implements the Upstream Mirror: a local scratch repository
// dedicated to mirroring exactly the tracked upstream branch, used to
// fetch/commit tree entries that carry the Object Graph's blobs, and the
// locus of atomic fast-forward push into the upstream.
package mirror

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
)

const (
	remoteName  = "upstream"
	statePath   = "state"
	trustConfig = "recursive-remote.last-trusted-state"
)

// Mirror is the Upstream Mirror component: spec.md §4.3's fetch_tip,
// commit_generation, push_tip, plus the last-trusted-StateRecord-address
// bookkeeping spec.md §3's Lifecycle paragraph assigns to it.
type Mirror struct {
	repo       dvcs.Repository
	branch     string
	log        *logrus.Entry
	currentTip dvcs.WeakHash
}

// Open opens or initializes the scratch repository at scratchDir, points it
// at upstreamURL, and tracks branch.
func Open(ctx context.Context, scratchDir, upstreamURL, branch string, log *logrus.Entry) (*Mirror, error) {
	repo, err := dvcs.OpenOrInit(scratchDir)
	if err != nil {
		return nil, fmt.Errorf("mirror: open scratch repo: %w", err)
	}
	if err := repo.ConfigureRemote(ctx, remoteName, upstreamURL); err != nil {
		return nil, fmt.Errorf("mirror: configure upstream remote: %w", err)
	}
	return newMirror(repo, branch, log), nil
}

// newMirror wraps an already-opened and already-configured Repository. Tests
// use this to inject an in-memory fake in place of a go-git scratch repo.
func newMirror(repo dvcs.Repository, branch string, log *logrus.Entry) *Mirror {
	return &Mirror{repo: repo, branch: branch, log: log}
}

// NewForTest exposes newMirror to other packages' tests (internal/syncengine
// in particular), which need to inject a dvcstest.Fake of their own without
// depending on mirror's package-private constructor.
func NewForTest(repo dvcs.Repository, branch string, log *logrus.Entry) *Mirror {
	return newMirror(repo, branch, log)
}

func (m *Mirror) Close() error { return m.repo.Close() }

// CurrentTip returns the most recently fetched or pushed tip, or "" if
// neither has happened yet this session.
func (m *Mirror) CurrentTip() dvcs.WeakHash { return m.currentTip }

// FetchTip fetches the tracked branch from upstream and returns its tip
// weak hash and the sealed bytes of that commit's /state Blob. A zero tip
// with nil bytes and no error means the branch does not exist upstream yet
// (first push on this branch).
func (m *Mirror) FetchTip(ctx context.Context) (dvcs.WeakHash, []byte, error) {
	tip, err := m.repo.FetchRemoteBranch(ctx, remoteName, m.branch)
	if err != nil {
		if err == dvcs.ErrNotFound {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("mirror: fetch %s: %w", m.branch, err)
	}
	framed, err := m.repo.ReadBlobAtCommit(ctx, tip, statePath)
	if err != nil {
		return "", nil, fmt.Errorf("mirror: read %s at %s: %w", statePath, tip, err)
	}
	m.currentTip = tip
	return tip, framed, nil
}

// BlobKind distinguishes the NamespaceRecord Blob from a Pack Blob for
// path construction, per spec.md §4.2's upstream tree layout.
type BlobKind int

const (
	KindNamespaceRecord BlobKind = iota
	KindPack
)

// blobPath builds the fixed tree path for a Blob. For a Pack Blob, token is
// the filename spec.md §3 calls out: "the hex content address (unencrypted
// branch) or a random 256-bit token (encrypted branch)" — callers derive
// which one applies (see syncengine.blobPathToken) before reaching here;
// this function only ever joins paths, never chooses the naming scheme.
func blobPath(namespaceDir string, token string, kind BlobKind) string {
	if kind == KindNamespaceRecord {
		return path.Join(namespaceDir, "namespace")
	}
	return path.Join(namespaceDir, "packs", token[:2], token[2:4], token)
}

// BlobPath exposes blobPath to the Sync Engine's push path, which must
// construct the same fixed paths when building a new generation's tree
// entries (spec.md §4.2: paths are always constructed, never discovered).
func BlobPath(namespaceDir string, token string, kind BlobKind) string {
	return blobPath(namespaceDir, token, kind)
}

// ReadNamespaceBlobAt reads a NamespaceRecord or Pack Blob out of commit's
// tree at the fixed path spec.md §4.2 assigns to namespaceDir/kind/token.
// The engine never enumerates trees; every path is constructed, not
// discovered.
func (m *Mirror) ReadNamespaceBlobAt(ctx context.Context, commit dvcs.WeakHash, namespaceDir string, token string, kind BlobKind) ([]byte, error) {
	return m.repo.ReadBlobAtCommit(ctx, commit, blobPath(namespaceDir, token, kind))
}

// ReadStateAt reads the sealed /state Blob out of an arbitrary ancestor
// commit, used by the Reachability Tracker's Q2 walk (spec.md §4.4: "walk
// the upstream commit's ancestors in order, accumulating packs listed in
// each NamespaceRecord").
func (m *Mirror) ReadStateAt(ctx context.Context, commit dvcs.WeakHash) ([]byte, error) {
	return m.repo.ReadBlobAtCommit(ctx, commit, statePath)
}

// CommitAncestors exposes the Mirror's weak-hash commit-parent walk for the
// Reachability Tracker's Q2 ancestor walk. This is the one place the engine
// does consult the upstream DVCS's native graph, scoped to commit parent
// pointers (never object/tree enumeration) per spec.md §4.2.
func (m *Mirror) CommitAncestors(ctx context.Context, tip dvcs.WeakHash, visit func(dvcs.WeakHash) (descend bool, err error)) error {
	return m.repo.WalkCommitAncestors(ctx, tip, visit)
}

// CommitParents returns commit's immediate upstream weak-hash parents,
// used by the Sync Engine to validate (I1)'s Merkle closure invariant.
func (m *Mirror) CommitParents(ctx context.Context, commit dvcs.WeakHash) ([]dvcs.WeakHash, error) {
	return m.repo.CommitParents(ctx, commit)
}

// Generation is the set of tree entries to commit for one new upstream
// generation, built by the caller (Sync Engine push path) from the sealed
// StateRecord, NamespaceRecords, and Packs.
type Generation struct {
	Entries []dvcs.TreeEntry
	Message string
}

// CommitGeneration builds a tree from gen's entries on top of parentTip
// (preserving prior tree contents so unrelated namespaces/paths survive,
// per spec.md §4.3) and returns the new commit's weak hash. It does not
// push; call PushTip to make the new generation visible upstream.
func (m *Mirror) CommitGeneration(ctx context.Context, parentTip dvcs.WeakHash, gen Generation) (dvcs.WeakHash, error) {
	newTip, err := m.repo.CommitTree(ctx, parentTip, gen.Entries, gen.Message)
	if err != nil {
		return "", fmt.Errorf("mirror: commit generation: %w", err)
	}
	return newTip, nil
}

// PushResult is the outcome of a PushTip attempt.
type PushResult int

const (
	PushOK PushResult = iota
	PushNonFastForward
	PushTransportError
)

// PushTip attempts to fast-forward push newTip to the tracked upstream
// branch. Non-fast-forward rejection is spec.md §4.3's mutual-exclusion
// primitive: the caller is expected to re-fetch, replan, and retry.
func (m *Mirror) PushTip(ctx context.Context, newTip dvcs.WeakHash) (PushResult, error) {
	err := m.repo.PushRef(ctx, remoteName, string(newTip), m.branch)
	switch {
	case err == nil:
		m.currentTip = newTip
		return PushOK, nil
	case err == dvcs.ErrNonFastForward:
		return PushNonFastForward, nil
	default:
		return PushTransportError, fmt.Errorf("mirror: push %s: %w", newTip, err)
	}
}

// LastTrustedState returns the persisted last-trusted StateRecord address
// for this branch, or the zero address if none has been recorded yet
// (first clone / initial TOFU).
func (m *Mirror) LastTrustedState(ctx context.Context) (objectgraph.Address, error) {
	raw, err := m.repo.ConfigValue(ctx, trustConfig)
	if err != nil {
		return objectgraph.Address{}, fmt.Errorf("mirror: read last trusted state: %w", err)
	}
	if raw == "" {
		return objectgraph.Address{}, nil
	}
	return parseHexAddress(raw)
}

// PersistTrustedState records addr as the last-trusted StateRecord address
// for this branch, per spec.md §3's Lifecycle paragraph. This must only be
// called after a successful fast-forward push (or, on fetch, after full
// validation), so that a crash mid-operation always leaves the next run
// able to re-derive trust from upstream (spec.md §5, §7).
func (m *Mirror) PersistTrustedState(ctx context.Context, addr objectgraph.Address) error {
	if err := m.repo.SetConfigValue(ctx, trustConfig, addr.String()); err != nil {
		return fmt.Errorf("mirror: persist last trusted state: %w", err)
	}
	return nil
}

func parseHexAddress(hexStr string) (objectgraph.Address, error) {
	var a objectgraph.Address
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != len(a) {
		return objectgraph.Address{}, fmt.Errorf("mirror: malformed stored address %q", hexStr)
	}
	copy(a[:], raw)
	return a, nil
}
