// Package reachability implements the Reachability Tracker: a second
// scratch DVCS repository that accumulates every inner object the engine
// has ever observed on either side of a tracked upstream branch, answering
// the push-plan (Q1) and fetch-plan (Q2) questions spec.md §4.4 assigns to
// it. It is an index, not a source of truth, and may be deleted and rebuilt
// from the Upstream Mirror plus the caller's repository.
package reachability

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
)

const defaultCacheSize = 4096

// Tracker is the Reachability Tracker component.
type Tracker struct {
	repo  dvcs.Repository
	cache *lru.Cache[dvcs.WeakHash, map[dvcs.WeakHash]struct{}]
	log   *logrus.Entry
}

// Open opens or initializes the scratch repository at scratchDir. cacheSize
// bounds the in-memory LRU that memoizes fully-walked ancestor closures
// across repeated Q1/Q2 calls within one push or fetch; zero or negative
// selects a sane default.
func Open(scratchDir string, cacheSize int, log *logrus.Entry) (*Tracker, error) {
	repo, err := dvcs.OpenOrInit(scratchDir)
	if err != nil {
		return nil, fmt.Errorf("reachability: open scratch repo: %w", err)
	}
	return newTracker(repo, cacheSize, log)
}

// newTracker wraps an already-opened Repository. Tests use this to inject
// an in-memory fake in place of a go-git scratch repo.
func newTracker(repo dvcs.Repository, cacheSize int, log *logrus.Entry) (*Tracker, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[dvcs.WeakHash, map[dvcs.WeakHash]struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("reachability: create ancestry cache: %w", err)
	}
	return &Tracker{repo: repo, cache: cache, log: log}, nil
}

// NewForTest exposes newTracker to other packages' tests (internal/syncengine
// in particular), mirroring mirror.NewForTest.
func NewForTest(repo dvcs.Repository, cacheSize int, log *logrus.Entry) (*Tracker, error) {
	return newTracker(repo, cacheSize, log)
}

func (t *Tracker) Close() error { return t.repo.Close() }

// Absorb configures (or reuses) a remote named remoteAlias pointing at
// sourceRepoPath and fetches refName from it into the tracker's own
// scratch store, so later ancestor/fast-forward checks survive history
// rewrites on the source side. Returns the absorbed ref's tip.
func (t *Tracker) Absorb(ctx context.Context, sourceRepoPath, remoteAlias, refName string) (dvcs.WeakHash, error) {
	if err := t.repo.ConfigureRemote(ctx, remoteAlias, sourceRepoPath); err != nil {
		return "", fmt.Errorf("reachability: configure source remote %s: %w", remoteAlias, err)
	}
	tip, err := t.repo.FetchRemoteBranch(ctx, remoteAlias, refName)
	if err != nil {
		return "", fmt.Errorf("reachability: absorb %s from %s: %w", refName, remoteAlias, err)
	}
	// Freshly fetched history invalidates any closure memoized before it.
	t.cache.Remove(tip)
	return tip, nil
}

// AbsorbPack imports the inner objects contained in already-decrypted pack
// bytes into the tracker's own scratch store, per spec.md §4.6 step 4.
func (t *Tracker) AbsorbPack(ctx context.Context, packBytes []byte) error {
	if err := t.repo.UnpackObjects(ctx, packBytes); err != nil {
		return fmt.Errorf("reachability: absorb pack: %w", err)
	}
	return nil
}

// IsFastForward reports whether new is old, or a descendant of old, among
// objects the tracker has absorbed. old == "" always passes (ref
// creation). This is the push gate's fast-forward rule, spec.md §4.5 step
// 2's last bullet.
func (t *Tracker) IsFastForward(ctx context.Context, old, new dvcs.WeakHash) (bool, error) {
	if old == "" {
		return true, nil
	}
	oldIsCommit, err := t.repo.IsCommit(ctx, old)
	if err != nil {
		return false, fmt.Errorf("reachability: check commit %s: %w", old, err)
	}
	newIsCommit, err := t.repo.IsCommit(ctx, new)
	if err != nil {
		return false, fmt.Errorf("reachability: check commit %s: %w", new, err)
	}
	if !oldIsCommit || !newIsCommit {
		return false, nil
	}
	return t.repo.IsAncestor(ctx, old, new)
}

// PackRevset is the answer to Q1: the minimal commit revset the pack tool
// must serialize, expressed the way `git pack-objects --revs` consumes an
// include/exclude revision list.
type PackRevset struct {
	Include []dvcs.WeakHash
	Exclude []dvcs.WeakHash
}

// PlanPush answers Q1 (spec.md §4.4): given newTips about to be pushed,
// alreadyPresentTips known reachable upstream (from the last observed
// NamespaceRecord), and the shallow basis ref names, it returns the
// minimal revset to pack and whether that revset is empty — every new tip
// already covered by the exclude side, so pack creation may be skipped
// per spec.md §4.5 step 3.
func (t *Tracker) PlanPush(ctx context.Context, newTips []dvcs.WeakHash, alreadyPresentTips []dvcs.WeakHash, shallowBasisRefs []string) (PackRevset, bool, error) {
	exclude := append([]dvcs.WeakHash{}, alreadyPresentTips...)
	for _, ref := range shallowBasisRefs {
		h, err := t.repo.ResolveRef(ctx, ref)
		if err != nil {
			if err == dvcs.ErrNotFound {
				continue
			}
			return PackRevset{}, false, fmt.Errorf("reachability: resolve shallow basis ref %s: %w", ref, err)
		}
		exclude = append(exclude, h)
	}

	closed, err := t.ancestorClosure(ctx, exclude)
	if err != nil {
		return PackRevset{}, false, err
	}

	empty := true
	for _, tip := range newTips {
		if tip == "" {
			continue
		}
		if _, ok := closed[tip]; !ok {
			empty = false
			break
		}
	}

	return PackRevset{Include: newTips, Exclude: exclude}, empty, nil
}

// ancestorClosure returns the set of commit weak hashes reachable from
// tips (tips inclusive), memoizing fully-walked tips in the LRU cache so
// repeated Q1/Q2 calls during one push/fetch don't re-walk shared
// ancestry, per spec.md §4.4's rebuildable-index framing.
func (t *Tracker) ancestorClosure(ctx context.Context, tips []dvcs.WeakHash) (map[dvcs.WeakHash]struct{}, error) {
	closure := map[dvcs.WeakHash]struct{}{}
	for _, tip := range tips {
		if tip == "" {
			continue
		}
		if cached, ok := t.cache.Get(tip); ok {
			for h := range cached {
				closure[h] = struct{}{}
			}
			continue
		}
		walked := map[dvcs.WeakHash]struct{}{}
		err := t.repo.WalkCommitAncestors(ctx, tip, func(h dvcs.WeakHash) (bool, error) {
			if _, ok := walked[h]; ok {
				return false, nil
			}
			walked[h] = struct{}{}
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("reachability: walk ancestors of %s: %w", tip, err)
		}
		for h := range walked {
			closure[h] = struct{}{}
		}
		t.cache.Add(tip, walked)
	}
	return closure, nil
}

// OrderedNewCommits returns tip's ancestor commits (tip inclusive) that are
// not already covered by exclude's ancestor closure, ordered oldest-first.
// The push path (spec.md §6's recursive-max-object-size) uses this to
// bisect a single tip's oversized history into several smaller Pack Blobs
// when one whole-tip pack would exceed the configured soft bound.
func (t *Tracker) OrderedNewCommits(ctx context.Context, tip dvcs.WeakHash, exclude []dvcs.WeakHash) ([]dvcs.WeakHash, error) {
	if tip == "" {
		return nil, nil
	}
	excluded, err := t.ancestorClosure(ctx, exclude)
	if err != nil {
		return nil, err
	}
	var newestFirst []dvcs.WeakHash
	err = t.repo.WalkCommitAncestors(ctx, tip, func(h dvcs.WeakHash) (bool, error) {
		if _, ok := excluded[h]; ok {
			return false, nil
		}
		newestFirst = append(newestFirst, h)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reachability: order new commits from %s: %w", tip, err)
	}
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// Covered reports whether tip is already present among objects the
// tracker has absorbed, or is itself one of the shallow basis cut points.
// Used by the fetch path (Q2) to decide whether an earlier upstream
// generation must still be consulted.
func (t *Tracker) Covered(ctx context.Context, tip dvcs.WeakHash, shallowBasisRefs []string) (bool, error) {
	if tip == "" {
		return true, nil
	}
	if ok, err := t.repo.IsCommit(ctx, tip); err != nil {
		return false, fmt.Errorf("reachability: check commit %s: %w", tip, err)
	} else if ok {
		return true, nil
	}
	for _, ref := range shallowBasisRefs {
		h, err := t.repo.ResolveRef(ctx, ref)
		if err != nil {
			if err == dvcs.ErrNotFound {
				continue
			}
			return false, fmt.Errorf("reachability: resolve shallow basis ref %s: %w", ref, err)
		}
		if h == tip {
			return true, nil
		}
	}
	return false, nil
}

// VerifyObjectClosure confirms (I3) at full object granularity: every tree
// and blob reachable from tip, excluding what shallowBasisRefs already cuts
// off, must already be present in the tracker's own object store. Covered/
// AllCovered only check that a commit object exists; a generation whose
// pack omitted some of that commit's trees or blobs would still pass them,
// so the fetch path runs this once downloadPacks reports full coverage, as
// the last check before the new generation is trusted.
func (t *Tracker) VerifyObjectClosure(ctx context.Context, tip dvcs.WeakHash, shallowBasisRefs []string) error {
	if tip == "" {
		return nil
	}
	var excluded []dvcs.WeakHash
	for _, ref := range shallowBasisRefs {
		h, err := t.repo.ResolveRef(ctx, ref)
		if err != nil {
			if err == dvcs.ErrNotFound {
				continue
			}
			return fmt.Errorf("reachability: resolve shallow basis ref %s: %w", ref, err)
		}
		excluded = append(excluded, h)
	}
	if err := t.repo.WalkCommitObjects(ctx, tip, excluded, func(dvcs.WeakHash) error { return nil }); err != nil {
		return fmt.Errorf("reachability: verify object closure for %s: %w", tip, err)
	}
	return nil
}

// AllCovered reports whether every one of tips is covered, per Covered.
// The fetch path (spec.md §4.6 step 3) stops walking upstream ancestors
// once this returns true.
func (t *Tracker) AllCovered(ctx context.Context, tips []dvcs.WeakHash, shallowBasisRefs []string) (bool, error) {
	for _, tip := range tips {
		covered, err := t.Covered(ctx, tip, shallowBasisRefs)
		if err != nil {
			return false, err
		}
		if !covered {
			return false, nil
		}
	}
	return true, nil
}
