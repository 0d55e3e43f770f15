package syncengine

import "errors"

// Sentinel errors matching spec.md §7's error-kind table. Callers
// distinguish them with errors.Is; wrapped context (which ref, which
// Blob) is added with fmt.Errorf("...: %w", ...) at the call site.
var (
	// ErrAuth is returned when a Crypto Frame Open call fails
	// authentication. Fatal for that branch.
	ErrAuth = errors.New("syncengine: authentication failed opening sealed blob")

	// ErrRatcheting is returned when (I5) is violated: the newly observed
	// StateRecord does not list the previously trusted address among its
	// transitive ancestors. Fatal; requires purging scratch state.
	ErrRatcheting = errors.New("syncengine: ratcheting violation, trust anchor not found in new history")

	// ErrNonFastForwardUpstream is returned after the bounded retry loop
	// on upstream push rejection is exhausted.
	ErrNonFastForwardUpstream = errors.New("syncengine: upstream push rejected, not fast-forward")

	// ErrNonFastForwardInner is returned per-ref by the push gate; other
	// refs in the same batch may still proceed.
	ErrNonFastForwardInner = errors.New("syncengine: inner ref update rejected by push gate")

	// ErrReachabilityGap is returned when the Q2 walk exhausts upstream
	// history without covering a target ref's ancestor closure.
	ErrReachabilityGap = errors.New("syncengine: reachability gap, target ref not coverable from upstream history")

	// ErrSerialization is returned when canonical decoding of a
	// StateRecord or NamespaceRecord fails.
	ErrSerialization = errors.New("syncengine: canonical decode failed")

	// ErrTransport is returned for upstream remote failures other than
	// non-fast-forward rejection.
	ErrTransport = errors.New("syncengine: upstream transport failure")
)
