// Package objectgraph implements the internal strong-hash content-addressed
// graph: StateRecord and NamespaceRecord serialization, content addressing,
// and the single-step lookup from a StateRecord to a namespace's
// NamespaceRecord address (ResolveNamespace).
package objectgraph

import (
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Address is the content address of a Blob: the SHA-256 digest of its
// plaintext bytes.
type Address [sha256.Size]byte

// AddressOf returns the content address of plaintext.
func AddressOf(plaintext []byte) Address {
	return Address(sha256.Sum256(plaintext))
}

// String renders the address as lowercase hex, used as the upstream tree
// path component on unencrypted branches.
func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

// Cid wraps the address as a self-describing content identifier (multicodec
// "raw", multihash sha2-256), giving addresses a canonical display and
// interchange form beyond bare hex.
func (a Address) Cid() (cid.Cid, error) {
	digest, err := mh.Encode(a[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("objectgraph: multihash encode: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

// IsZero reports whether a is the zero address (never a valid content
// address, since SHA-256 of any input is vanishingly unlikely to be zero;
// used as a sentinel for "no parent"/"not present").
func (a Address) IsZero() bool {
	return a == Address{}
}
