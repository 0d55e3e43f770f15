package objectgraph

import "testing"

func TestResolveNamespace(t *testing.T) {
	addr := AddressOf([]byte("ns-default"))
	state := &StateRecord{Namespaces: map[string]Address{"": addr}}

	got, err := ResolveNamespace(state, "")
	if err != nil {
		t.Fatalf("ResolveNamespace: %v", err)
	}
	if got != addr {
		t.Fatalf("got %s want %s", got, addr)
	}
}

func TestResolveNamespaceMissing(t *testing.T) {
	state := &StateRecord{Namespaces: map[string]Address{}}
	if _, err := ResolveNamespace(state, "missing"); err == nil {
		t.Fatalf("expected error for missing namespace")
	}
}

func TestVerifyAddress(t *testing.T) {
	plaintext := []byte("pack bytes")
	addr := AddressOf(plaintext)
	if err := VerifyAddress(plaintext, addr); err != nil {
		t.Fatalf("VerifyAddress: %v", err)
	}
	if err := VerifyAddress([]byte("different"), addr); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestNewPack(t *testing.T) {
	p := NewPack([]byte("pack contents"))
	if p.Address != AddressOf(p.Bytes) {
		t.Fatalf("pack address does not match its own bytes")
	}
}
