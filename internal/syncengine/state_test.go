package syncengine

import (
	"testing"

	"github.com/calmofthestorm/recursive-remote/internal/cryptoframe"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
)

func TestNamespaceDirNameClearUsesLiteralName(t *testing.T) {
	var key cryptoframe.Key
	if got := namespaceDirName("myns", key, false); got != "myns" {
		t.Fatalf("namespaceDirName(clear) = %q, want %q", got, "myns")
	}
	if got := namespaceDirName("", key, false); got != "default" {
		t.Fatalf("namespaceDirName(clear, empty) = %q, want %q", got, "default")
	}
}

func TestNamespaceDirNameEncryptedIsStableAndKeyed(t *testing.T) {
	var k1, k2 cryptoframe.Key
	k1[0] = 1
	k2[0] = 2

	a := namespaceDirName("myns", k1, true)
	b := namespaceDirName("myns", k1, true)
	if a != b {
		t.Fatalf("namespaceDirName(encrypted) not stable: %q != %q", a, b)
	}
	if a == "myns" || a == "default" {
		t.Fatalf("namespaceDirName(encrypted) leaked literal namespace name: %q", a)
	}

	c := namespaceDirName("myns", k2, true)
	if a == c {
		t.Fatalf("namespaceDirName(encrypted) identical across distinct content keys")
	}
}

func TestBlobPathTokenClearIsContentAddress(t *testing.T) {
	var key cryptoframe.Key
	addr := objectgraph.AddressOf([]byte("some pack bytes"))
	if got := blobPathToken(addr, key, false); got != addr.String() {
		t.Fatalf("blobPathToken(clear) = %q, want content address %q", got, addr.String())
	}
}

func TestBlobPathTokenEncryptedHidesAddressAndIsStable(t *testing.T) {
	var k1, k2 cryptoframe.Key
	k1[0] = 1
	k2[0] = 2
	addr := objectgraph.AddressOf([]byte("some pack bytes"))

	a := blobPathToken(addr, k1, true)
	b := blobPathToken(addr, k1, true)
	if a != b {
		t.Fatalf("blobPathToken(encrypted) not stable across calls: %q != %q", a, b)
	}
	if a == addr.String() {
		t.Fatalf("blobPathToken(encrypted) leaked the content address")
	}
	if len(a) != 64 {
		t.Fatalf("blobPathToken(encrypted) length = %d, want 64 hex chars (256 bits)", len(a))
	}

	c := blobPathToken(addr, k2, true)
	if a == c {
		t.Fatalf("blobPathToken(encrypted) identical across distinct content keys")
	}

	other := objectgraph.AddressOf([]byte("different pack bytes"))
	d := blobPathToken(other, k1, true)
	if a == d {
		t.Fatalf("blobPathToken(encrypted) collided across distinct addresses")
	}
}
