package objectgraph

import "fmt"

// Pack is a Blob whose plaintext is a DVCS pack file. Its identity is the
// content address of its plaintext; Pack carries no other fields because
// nothing beyond the address and bytes is ever consulted before the pack
// tool adapter takes over.
type Pack struct {
	Address Address
	Bytes   []byte
}

// NewPack computes a Pack's content address from its plaintext bytes.
func NewPack(plaintext []byte) Pack {
	return Pack{Address: AddressOf(plaintext), Bytes: plaintext}
}

// ResolveNamespace looks up the NamespaceRecord address for name within
// state, the one generic "lookup by content address" spec.md §4.2
// describes at the StateRecord level. Every lookup past this point
// (fetching the NamespaceRecord's bytes, and its Pack bytes) happens at
// fixed, known upstream tree paths rather than through a generic
// address-keyed store: spec.md §4.2 is explicit that the engine never
// enumerates upstream trees, so those paths are derived from the
// namespace's directory name and the Pack's address, not looked up.
func ResolveNamespace(state *StateRecord, name string) (Address, error) {
	addr, ok := state.Namespaces[name]
	if !ok {
		return Address{}, fmt.Errorf("objectgraph: namespace %q not present in state", name)
	}
	return addr, nil
}

// VerifyAddress checks that plaintext's content address equals want,
// returning an error naming both if not. Every Blob fetched off the
// upstream (state, namespace record, pack) must pass this check before the
// caller trusts its contents (spec.md §4.2 "Lookups are always by content
// address").
func VerifyAddress(plaintext []byte, want Address) error {
	got := AddressOf(plaintext)
	if got != want {
		return fmt.Errorf("objectgraph: content address mismatch: got %s want %s", got, want)
	}
	return nil
}
