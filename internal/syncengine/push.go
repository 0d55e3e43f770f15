package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/mirror"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
	"github.com/calmofthestorm/recursive-remote/internal/packtool"
)

// Push implements spec.md §4.5, the Sync Engine push path. It returns one
// result per requested ref update: nil for a ref that was admitted and
// landed in the pushed generation, or the rejection reason otherwise.
// A non-nil error means the push as a whole failed (for example a caller
// absorb, sync base or transport failure, or the retry bound running out);
// per-ref results in that case are meaningless and should not be reported.
func (e *Engine) Push(ctx context.Context, updates []RefUpdate) (map[string]error, error) {
	results := make(map[string]error, len(updates))

	if err := e.absorbCallerBranches(ctx, updates); err != nil {
		return nil, err
	}

	admitted, rejected := admitRefUpdates(ctx, e.tracker, updates)
	for name, err := range rejected {
		results[name] = err
	}
	if len(admitted) == 0 {
		return results, nil
	}

	for attempt := 1; attempt <= maxPushAttempts; attempt++ {
		base, err := e.fetchSyncBase(ctx)
		if err != nil {
			return nil, err
		}
		err = e.attemptPush(ctx, base, admitted, results)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, ErrNonFastForwardUpstream) {
			return nil, err
		}
		e.log.WithField("attempt", attempt).Warn("syncengine: upstream push rejected, re-syncing and retrying")
	}
	return nil, fmt.Errorf("%w: exceeded %d attempts", ErrNonFastForwardUpstream, maxPushAttempts)
}

// absorbCallerBranches pulls every admitted-candidate branch's new tip
// from the caller's own repository into the Reachability Tracker, so the
// push gate's fast-forward check and Q1 pack planning can see it. Tag refs
// are not absorbed: tag updates are admitted only on creation (old == ""),
// which the gate accepts unconditionally without consulting the tracker.
func (e *Engine) absorbCallerBranches(ctx context.Context, updates []RefUpdate) error {
	seen := map[string]struct{}{}
	for _, u := range updates {
		if u.New == "" || u.Symbolic {
			continue
		}
		branch, ok := strings.CutPrefix(u.Name, "refs/heads/")
		if !ok {
			continue
		}
		if _, done := seen[branch]; done {
			continue
		}
		seen[branch] = struct{}{}
		if _, err := e.tracker.Absorb(ctx, e.callerRepo, "caller", branch); err != nil {
			return fmt.Errorf("syncengine: push: absorb %s from caller repository: %w", u.Name, err)
		}
	}
	return nil
}

// attemptPush performs one full iteration of spec.md §4.5 steps 2-6 against
// an already-fetched base. A non-fast-forward upstream rejection returns
// ErrNonFastForwardUpstream so Push can re-fetch and retry; any other
// returned error is fatal for the whole push.
func (e *Engine) attemptPush(ctx context.Context, base *syncBase, admitted []RefUpdate, results map[string]error) error {
	existingNamespace, err := e.loadExistingNamespace(ctx, base)
	if err != nil {
		return err
	}

	newNamespace := &objectgraph.NamespaceRecord{Refs: map[string]string{}}
	if existingNamespace != nil {
		newNamespace = existingNamespace.Clone()
	}

	alreadyPresentTips := make([]dvcs.WeakHash, 0, len(newNamespace.Refs))
	for _, weak := range newNamespace.Refs {
		alreadyPresentTips = append(alreadyPresentTips, dvcs.WeakHash(weak))
	}

	var newTips []dvcs.WeakHash
	for _, u := range admitted {
		if u.New == "" {
			delete(newNamespace.Refs, u.Name)
			continue
		}
		newNamespace.Refs[u.Name] = string(u.New)
		newTips = append(newTips, u.New)
	}

	revset, empty, err := e.tracker.PlanPush(ctx, newTips, alreadyPresentTips, e.cfg.ShallowBasis)
	if err != nil {
		return fmt.Errorf("syncengine: push: plan pack: %w", err)
	}

	var entries []dvcs.TreeEntry
	if !empty {
		exclude := append([]dvcs.WeakHash{}, revset.Exclude...)
		for _, tip := range newTips {
			if tip == "" {
				continue
			}
			pieces, err := e.packTipWithSplit(ctx, tip, exclude)
			if err != nil {
				return err
			}
			for _, p := range pieces {
				newNamespace.Packs = append(newNamespace.Packs, p.addr)
				entries = append(entries, dvcs.TreeEntry{
					Path: mirror.BlobPath(e.namespaceDir(), e.blobToken(p.addr), mirror.KindPack),
					Data: p.sealed,
				})
			}
			exclude = append(exclude, tip)
			e.zlog.Debug("packed new tip",
				zap.String("tip", string(tip)),
				zap.Int("pieces", len(pieces)),
			)
		}
	}

	namespaceEncoded := objectgraph.EncodeNamespace(newNamespace)
	namespaceAddr := objectgraph.AddressOf(namespaceEncoded)
	sealedNamespace, err := e.contentFrame().Seal(namespaceEncoded)
	if err != nil {
		return fmt.Errorf("syncengine: push: seal namespace record: %w", err)
	}
	entries = append(entries, dvcs.TreeEntry{
		Path: mirror.BlobPath(e.namespaceDir(), "", mirror.KindNamespaceRecord),
		Data: sealedNamespace,
	})

	newState := &objectgraph.StateRecord{Namespaces: map[string]objectgraph.Address{}}
	if base.record != nil {
		newState = base.record.Clone()
	}
	newState.Namespaces[e.cfg.Namespace] = namespaceAddr
	if base.tip != "" {
		newState.Parents = []objectgraph.Address{objectgraph.AddressOf(base.recordRaw)}
	} else {
		newState.Parents = nil
	}

	stateEncoded := objectgraph.EncodeState(newState)
	sealedState, err := e.stateFrame().Seal(stateEncoded)
	if err != nil {
		return fmt.Errorf("syncengine: push: seal state record: %w", err)
	}
	entries = append(entries, dvcs.TreeEntry{Path: "state", Data: sealedState})

	newTip, err := e.mirror.CommitGeneration(ctx, base.tip, mirror.Generation{
		Entries: entries,
		Message: "recursive-remote: new generation",
	})
	if err != nil {
		return fmt.Errorf("%w: commit generation: %v", ErrTransport, err)
	}

	result, err := e.mirror.PushTip(ctx, newTip)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch result {
	case mirror.PushOK:
		if err := e.mirror.PersistTrustedState(ctx, objectgraph.AddressOf(stateEncoded)); err != nil {
			return err
		}
		for _, u := range admitted {
			results[u.Name] = nil
		}
		return nil
	case mirror.PushNonFastForward:
		return ErrNonFastForwardUpstream
	default:
		return fmt.Errorf("%w: unrecognized push result", ErrTransport)
	}
}

// packedPiece is one already-sealed Pack Blob produced while packing a
// single new tip, possibly one of several when the tip's full history
// exceeds recursive-max-object-size (spec.md §6).
type packedPiece struct {
	addr   objectgraph.Address
	sealed []byte
}

// packTipWithSplit packs tip's new history (the commits reachable from tip
// but not from exclude's ancestor closure) into one or more Pack Blobs, so
// that no single Blob's plaintext exceeds cfg.MaxObjectSize unless a single
// commit's own tree/blobs already do — spec.md §6 calls the bound "soft"
// precisely because an individual commit cannot be split further.
func (e *Engine) packTipWithSplit(ctx context.Context, tip dvcs.WeakHash, exclude []dvcs.WeakHash) ([]packedPiece, error) {
	chain, err := e.tracker.OrderedNewCommits(ctx, tip, exclude)
	if err != nil {
		return nil, fmt.Errorf("syncengine: push: order new commits for %s: %w", tip, err)
	}
	return e.packChainRange(ctx, chain, exclude)
}

// packChainRange packs chain (oldest-first, already known to be new)
// against exclude as a single Pack Blob if it fits under
// cfg.MaxObjectSize, or bisects chain and recurses otherwise. The
// recursion's exclude set grows by the left half's newest commit so the
// right half's pack only covers what the left half didn't already cover.
func (e *Engine) packChainRange(ctx context.Context, chain []dvcs.WeakHash, exclude []dvcs.WeakHash) ([]packedPiece, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	last := chain[len(chain)-1]
	packBytes, err := e.pack.Pack(ctx, packtool.PackRevsetInput{Include: []dvcs.WeakHash{last}, Exclude: exclude})
	if err != nil {
		return nil, fmt.Errorf("%w: pack objects: %v", ErrTransport, err)
	}
	if len(chain) == 1 || e.cfg.MaxObjectSize <= 0 || int64(len(packBytes)) <= e.cfg.MaxObjectSize {
		sealed, err := e.contentFrame().Seal(packBytes)
		if err != nil {
			return nil, fmt.Errorf("syncengine: push: seal pack: %w", err)
		}
		return []packedPiece{{addr: objectgraph.AddressOf(packBytes), sealed: sealed}}, nil
	}

	mid := len(chain) / 2
	left, err := e.packChainRange(ctx, chain[:mid], exclude)
	if err != nil {
		return nil, err
	}
	rightExclude := append(append([]dvcs.WeakHash{}, exclude...), chain[mid-1])
	right, err := e.packChainRange(ctx, chain[mid:], rightExclude)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// loadExistingNamespace reads and decodes the configured namespace's
// NamespaceRecord out of base, or returns nil if the namespace has never
// been created on this branch (or the branch itself is new).
func (e *Engine) loadExistingNamespace(ctx context.Context, base *syncBase) (*objectgraph.NamespaceRecord, error) {
	if base.record == nil {
		return nil, nil
	}
	addr, err := objectgraph.ResolveNamespace(base.record, e.cfg.Namespace)
	if err != nil {
		return nil, nil
	}
	framed, err := e.mirror.ReadNamespaceBlobAt(ctx, base.tip, e.namespaceDir(), "", mirror.KindNamespaceRecord)
	if err != nil {
		return nil, fmt.Errorf("%w: namespace record: %v", ErrSerialization, err)
	}
	rec, err := openSealedNamespace(e.contentFrame(), framed, addr)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
