package syncengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/reachability"
)

const tagRefPrefix = "refs/tags/"

// RefUpdate is one inner-ref change the caller's repository wants to push,
// as spec.md §4.5 step 2's push gate admits or rejects.
type RefUpdate struct {
	Name     string
	Old      dvcs.WeakHash
	New      dvcs.WeakHash
	Symbolic bool
	Force    bool
}

// admitRefUpdate implements the push-semantics gate. It returns nil when
// u is admitted, or an error wrapping ErrNonFastForwardInner when
// rejected. Other refs in the same push batch are unaffected by one ref's
// rejection (spec.md §4.5 step 2). The fast-forward check is delegated to
// the Reachability Tracker, which already treats a non-commit old/new as
// "not fast-forward" rather than a separate error case.
func admitRefUpdate(ctx context.Context, tracker *reachability.Tracker, u RefUpdate) error {
	if strings.HasPrefix(u.Name, tagRefPrefix) && u.Old != "" {
		return fmt.Errorf("%w: %s is a tag and tags are immutable once created", ErrNonFastForwardInner, u.Name)
	}
	if u.Symbolic {
		return fmt.Errorf("%w: %s is a symbolic ref, updates are rejected unconditionally", ErrNonFastForwardInner, u.Name)
	}
	if u.New == "" {
		// Deletion. Tag deletion was already rejected above (Old != "");
		// branch deletion has no fast-forward relationship to check.
		return nil
	}
	if u.Force {
		return nil
	}

	ff, err := tracker.IsFastForward(ctx, u.Old, u.New)
	if err != nil {
		return fmt.Errorf("syncengine: push gate: fast-forward check for %s: %w", u.Name, err)
	}
	if !ff {
		return fmt.Errorf("%w: %s", ErrNonFastForwardInner, u.Name)
	}
	return nil
}

// admitRefUpdates runs admitRefUpdate over every update, returning the
// admitted subset and a map of rejected ref name to rejection reason. A
// rejection never aborts the whole batch.
func admitRefUpdates(ctx context.Context, tracker *reachability.Tracker, updates []RefUpdate) ([]RefUpdate, map[string]error) {
	var admitted []RefUpdate
	rejected := map[string]error{}
	for _, u := range updates {
		if err := admitRefUpdate(ctx, tracker, u); err != nil {
			rejected[u.Name] = err
			continue
		}
		admitted = append(admitted, u)
	}
	return admitted, rejected
}
