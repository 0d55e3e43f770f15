package objectgraph

// StateRecord is the root of one generation of the Merkle graph for one
// upstream commit: a mapping from namespace name to the content address of
// that namespace's NamespaceRecord, plus the content addresses of the
// StateRecords of the upstream commit's parents.
type StateRecord struct {
	// Namespaces maps logical namespace name to the address of its
	// NamespaceRecord Blob.
	Namespaces map[string]Address
	// Parents lists the StateRecord addresses of the parent upstream
	// commits, in the order spec.md's Merkle-closure invariant (I1)
	// requires them to be compared as a multiset. Order is preserved on
	// encode/decode for determinism but callers must not rely on it for
	// correctness checks.
	Parents []Address
}

// Clone returns a deep copy of r, so callers may safely mutate the result
// without aliasing the original's maps/slices.
func (r *StateRecord) Clone() *StateRecord {
	out := &StateRecord{
		Namespaces: make(map[string]Address, len(r.Namespaces)),
		Parents:    append([]Address(nil), r.Parents...),
	}
	for k, v := range r.Namespaces {
		out.Namespaces[k] = v
	}
	return out
}

// NamespaceRecord is, for one logical inner repository living on a branch,
// a mapping from inner-ref name to inner-object weak-hash, plus the ordered
// list of Pack content addresses constituting the namespace's inner-object
// coverage.
type NamespaceRecord struct {
	// Refs maps inner-ref name (e.g. "refs/heads/main") to the inner
	// object's weak hash, hex-encoded (the upstream DVCS's native hash).
	Refs map[string]string
	// Packs is the ordered list of Pack content addresses whose union of
	// inner objects, together with objects reachable from ShallowBasis,
	// must be closed under reachability from Refs (I3).
	Packs []Address
	// ShallowBasis lists inner-ref names whose ancestor closure is assumed
	// present by out-of-band means. This is recorded only on the client
	// side for bookkeeping; spec.md §3 specifies it does not appear
	// upstream, so it is never serialized by codec.go.
	ShallowBasis []string
}

// Clone returns a deep copy of r.
func (r *NamespaceRecord) Clone() *NamespaceRecord {
	out := &NamespaceRecord{
		Refs:         make(map[string]string, len(r.Refs)),
		Packs:        append([]Address(nil), r.Packs...),
		ShallowBasis: append([]string(nil), r.ShallowBasis...),
	}
	for k, v := range r.Refs {
		out.Refs[k] = v
	}
	return out
}
