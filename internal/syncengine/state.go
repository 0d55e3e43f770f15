package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/calmofthestorm/recursive-remote/internal/cryptoframe"
	"github.com/calmofthestorm/recursive-remote/internal/mirror"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
)

// namespaceDirName computes name(N), spec.md §4.2's per-namespace upstream
// tree directory segment: the literal namespace name on a clear branch, or
// a stable token derived from the namespace content key on an encrypted
// one. Deriving the token from the key rather than storing it separately
// lets any client holding the right content key reconstruct the same path
// without additional shared bookkeeping, while a client lacking the key
// cannot single out which directory belongs to which namespace.
func namespaceDirName(namespace string, contentKey cryptoframe.Key, encrypted bool) string {
	if !encrypted {
		if namespace == "" {
			return "default"
		}
		return namespace
	}
	h := sha256.Sum256(append([]byte("recursive-remote-namespace-dir:"), contentKey[:]...))
	return hex.EncodeToString(h[:16])
}

// blobPathToken computes the upstream tree filename for a Pack Blob
// addressed by addr: spec.md §3's "the hex content address (unencrypted
// branch) or a random 256-bit token (encrypted branch)". The encrypted
// form is derived from the namespace's content key rather than drawn fresh
// and stored out-of-band, for the same reason namespaceDirName derives
// name(N): any holder of the content key reconstructs the same path with
// no extra bookkeeping, while the address-to-filename mapping stays
// unrecoverable to anyone without that key, matching the privacy goal a
// random-looking filename is meant to serve.
func blobPathToken(addr objectgraph.Address, contentKey cryptoframe.Key, encrypted bool) string {
	if !encrypted {
		return addr.String()
	}
	h := sha256.Sum256(append(append([]byte("recursive-remote-blob-path:"), contentKey[:]...), addr[:]...))
	return hex.EncodeToString(h[:])
}

// openSealedState opens and canonically decodes a sealed StateRecord Blob
// under the state key.
func openSealedState(stateFrame *cryptoframe.Frame, framed []byte) (*objectgraph.StateRecord, []byte, error) {
	plaintext, err := stateFrame.Open(framed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: state record: %v", ErrAuth, err)
	}
	rec, err := objectgraph.DecodeState(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: state record: %v", ErrSerialization, err)
	}
	return rec, plaintext, nil
}

// openSealedNamespace opens and canonically decodes a sealed
// NamespaceRecord Blob under that namespace's content key, then verifies
// its content address against want.
func openSealedNamespace(contentFrame *cryptoframe.Frame, framed []byte, want objectgraph.Address) (*objectgraph.NamespaceRecord, error) {
	plaintext, err := contentFrame.Open(framed)
	if err != nil {
		return nil, fmt.Errorf("%w: namespace record: %v", ErrAuth, err)
	}
	if err := objectgraph.VerifyAddress(plaintext, want); err != nil {
		return nil, fmt.Errorf("%w: namespace record: %v", ErrSerialization, err)
	}
	rec, err := objectgraph.DecodeNamespace(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: namespace record: %v", ErrSerialization, err)
	}
	return rec, nil
}

// validateMerkleClosure implements (I1): the decoded StateRecord's parent
// addresses must equal, as a multiset, the content addresses obtained by
// decoding each of tip's immediate upstream parent commits' own /state
// Blob.
func validateMerkleClosure(ctx context.Context, m *mirror.Mirror, stateFrame *cryptoframe.Frame, tip dvcs.WeakHash, rec *objectgraph.StateRecord) error {
	parents, err := m.CommitParents(ctx, tip)
	if err != nil {
		return fmt.Errorf("syncengine: I1: load upstream parents of %s: %w", tip, err)
	}

	got := map[objectgraph.Address]int{}
	for _, pc := range parents {
		framed, err := m.ReadStateAt(ctx, pc)
		if err != nil {
			return fmt.Errorf("%w: parent state at %s: %v", ErrSerialization, pc, err)
		}
		plaintext, err := stateFrame.Open(framed)
		if err != nil {
			return fmt.Errorf("%w: parent state at %s: %v", ErrAuth, pc, err)
		}
		got[objectgraph.AddressOf(plaintext)]++
	}

	want := map[objectgraph.Address]int{}
	for _, a := range rec.Parents {
		want[a]++
	}

	if len(got) != len(want) {
		return fmt.Errorf("%w: I1 Merkle closure: parent address count mismatch", ErrSerialization)
	}
	for a, n := range want {
		if got[a] != n {
			return fmt.Errorf("%w: I1 Merkle closure: parent address %s count mismatch", ErrSerialization, a)
		}
	}
	return nil
}

// checkRatcheting implements (I5): trusted must appear among tip's
// transitive ancestors' StateRecord content addresses. A zero trusted
// address means no trust has been established yet (first clone), which
// always passes — the tip is accepted as TOFU.
func checkRatcheting(ctx context.Context, m *mirror.Mirror, stateFrame *cryptoframe.Frame, tip dvcs.WeakHash, trusted objectgraph.Address) error {
	if trusted.IsZero() {
		return nil
	}
	found := false
	err := m.CommitAncestors(ctx, tip, func(h dvcs.WeakHash) (bool, error) {
		if found {
			return false, nil
		}
		framed, err := m.ReadStateAt(ctx, h)
		if err != nil {
			return false, fmt.Errorf("syncengine: I5: read state at %s: %w", h, err)
		}
		plaintext, err := stateFrame.Open(framed)
		if err != nil {
			return false, fmt.Errorf("%w: state at %s: %v", ErrAuth, h, err)
		}
		if objectgraph.AddressOf(plaintext) == trusted {
			found = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: trusted state %s not found among ancestors of %s", ErrRatcheting, trusted, tip)
	}
	return nil
}
