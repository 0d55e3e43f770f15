package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/mirror"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
)

// FetchResult is the outcome of a successful Fetch: the configured
// namespace's inner-ref name to weak-hash mapping. The remote-helper
// protocol layer's fetch handling only checks Fetch's error and does not
// use this mapping. A nil Refs means the tracked branch (or this namespace on it)
// does not exist upstream yet.
type FetchResult struct {
	Refs map[string]string
}

// Fetch implements spec.md §4.6, the Sync Engine fetch path. Any
// validation failure (authentication, reachability, Merkle parent
// mismatch) returns before last-trusted-state is persisted, which happens
// only once every ref target has been confirmed reachable. Objects already
// absorbed from the caller or unpacked from downloaded packs before the
// failure stay in the caller's repository and the Reachability Tracker.
func (e *Engine) Fetch(ctx context.Context) (*FetchResult, error) {
	base, err := e.fetchSyncBase(ctx)
	if err != nil {
		return nil, err
	}
	if base.tip == "" {
		return &FetchResult{}, nil
	}

	if _, err := e.tracker.Absorb(ctx, e.callerRepo, "caller", e.cfg.RemoteBranch); err != nil && !errors.Is(err, dvcs.ErrNotFound) {
		return nil, fmt.Errorf("syncengine: fetch: absorb caller repository state: %w", err)
	}

	nsRec, err := e.loadExistingNamespace(ctx, base)
	if err != nil {
		return nil, err
	}
	if nsRec == nil {
		return &FetchResult{}, nil
	}

	targetTips := make([]dvcs.WeakHash, 0, len(nsRec.Refs))
	for _, weak := range nsRec.Refs {
		targetTips = append(targetTips, dvcs.WeakHash(weak))
	}

	if err := e.downloadPacks(ctx, base, targetTips); err != nil {
		return nil, err
	}

	for name, weak := range nsRec.Refs {
		covered, err := e.tracker.Covered(ctx, dvcs.WeakHash(weak), e.cfg.ShallowBasis)
		if err != nil {
			return nil, err
		}
		if !covered {
			return nil, fmt.Errorf("%w: ref %s target %s not reachable after fetch", ErrReachabilityGap, name, weak)
		}
		if err := e.tracker.VerifyObjectClosure(ctx, dvcs.WeakHash(weak), e.cfg.ShallowBasis); err != nil {
			return nil, fmt.Errorf("%w: ref %s target %s: %v", ErrReachabilityGap, name, weak, err)
		}
	}

	if err := e.mirror.PersistTrustedState(ctx, objectgraph.AddressOf(base.recordRaw)); err != nil {
		return nil, err
	}

	return &FetchResult{Refs: nsRec.Refs}, nil
}

// downloadPacks implements Q2 (spec.md §4.4/§4.6 step 3): walk tip's
// ancestors, accumulating this namespace's NamespaceRecord Packs at each
// generation, downloading/decrypting/unpacking any address not yet seen,
// until targetTips are fully covered. With ReinsertAllPacks set
// (DESIGN.md's Open Question (a) decision), the early stop is disabled and
// every pack in the namespace's history is re-downloaded and reinserted.
func (e *Engine) downloadPacks(ctx context.Context, base *syncBase, targetTips []dvcs.WeakHash) error {
	if len(targetTips) == 0 {
		return nil
	}
	seen := map[objectgraph.Address]struct{}{}

	err := e.mirror.CommitAncestors(ctx, base.tip, func(h dvcs.WeakHash) (bool, error) {
		framed, err := e.mirror.ReadStateAt(ctx, h)
		if err != nil {
			return false, fmt.Errorf("%w: state at %s: %v", ErrSerialization, h, err)
		}
		stateRec, _, err := openSealedState(e.stateFrame(), framed)
		if err != nil {
			return false, err
		}
		if addr, err := objectgraph.ResolveNamespace(stateRec, e.cfg.Namespace); err == nil {
			nsFramed, err := e.mirror.ReadNamespaceBlobAt(ctx, h, e.namespaceDir(), "", mirror.KindNamespaceRecord)
			if err != nil {
				return false, fmt.Errorf("%w: namespace record at %s: %v", ErrSerialization, h, err)
			}
			nsRec, err := openSealedNamespace(e.contentFrame(), nsFramed, addr)
			if err != nil {
				return false, err
			}
			for _, packAddr := range nsRec.Packs {
				if _, ok := seen[packAddr]; ok {
					continue
				}
				seen[packAddr] = struct{}{}
				if err := e.downloadAndUnpackPack(ctx, h, packAddr); err != nil {
					return false, err
				}
			}
		}

		if e.cfg.ReinsertAllPacks {
			return true, nil
		}
		covered, err := e.tracker.AllCovered(ctx, targetTips, e.cfg.ShallowBasis)
		if err != nil {
			return false, err
		}
		return !covered, nil
	})
	if err != nil {
		return err
	}

	covered, err := e.tracker.AllCovered(ctx, targetTips, e.cfg.ShallowBasis)
	if err != nil {
		return err
	}
	if !covered {
		return fmt.Errorf("%w: namespace %q ref targets not reachable after exhausting upstream history", ErrReachabilityGap, e.cfg.Namespace)
	}
	return nil
}

// downloadAndUnpackPack fetches, authenticates, verifies, and unpacks one
// Pack Blob found at commit, then records its inner objects into the
// Reachability Tracker.
func (e *Engine) downloadAndUnpackPack(ctx context.Context, commit dvcs.WeakHash, addr objectgraph.Address) error {
	framed, err := e.mirror.ReadNamespaceBlobAt(ctx, commit, e.namespaceDir(), e.blobToken(addr), mirror.KindPack)
	if err != nil {
		return fmt.Errorf("%w: pack %s at %s: %v", ErrSerialization, addr, commit, err)
	}
	plaintext, err := e.contentFrame().Open(framed)
	if err != nil {
		return fmt.Errorf("%w: pack %s: %v", ErrAuth, addr, err)
	}
	if err := objectgraph.VerifyAddress(plaintext, addr); err != nil {
		return fmt.Errorf("%w: pack %s: %v", ErrSerialization, addr, err)
	}
	if err := e.pack.Unpack(ctx, plaintext); err != nil {
		return fmt.Errorf("%w: unpack pack %s: %v", ErrTransport, addr, err)
	}
	if err := e.tracker.AbsorbPack(ctx, plaintext); err != nil {
		return fmt.Errorf("syncengine: absorb pack %s: %w", addr, err)
	}
	e.zlog.Debug("downloaded pack",
		zap.String("pack_address", addr.String()),
		zap.String("commit", string(commit)),
		zap.Int("pack_bytes", len(plaintext)),
	)
	return nil
}
