package objectgraph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Canonical serialization is a length-prefixed, field-ordered binary format.
// Maps are always written in sorted-key order so that EncodeState/
// EncodeNamespace are deterministic regardless of map iteration order, and
// so that decode(encode(R)) == R and encode(decode(b)) == b for any
// well-formed b.
//
// Layout primitives:
//   uvarint   unsigned length-prefixed integer (encoding/binary.PutUvarint)
//   bytes(n)  uvarint n, followed by n raw bytes
//   string    bytes(n) of the UTF-8 encoding

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("objectgraph: read uvarint: %w", err)
	}
	return v, nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := readFull(r, out); err != nil {
		return nil, fmt.Errorf("objectgraph: read bytes: %w", err)
	}
	return out, nil
}

func readFull(r *bytes.Reader, out []byte) (int, error) {
	total := 0
	for total < len(out) {
		n, err := r.Read(out[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func putString(buf *bytes.Buffer, s string) { putBytes(buf, []byte(s)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func putAddress(buf *bytes.Buffer, a Address) { buf.Write(a[:]) }

func readAddress(r *bytes.Reader) (Address, error) {
	var a Address
	if _, err := readFull(r, a[:]); err != nil {
		return Address{}, fmt.Errorf("objectgraph: read address: %w", err)
	}
	return a, nil
}

// magic tags each record kind so a misrouted decode fails fast instead of
// silently producing garbage.
const (
	magicState     = "SREC"
	magicNamespace = "NREC"
)

// EncodeState canonically serializes a StateRecord.
func EncodeState(r *StateRecord) []byte {
	var buf bytes.Buffer
	buf.WriteString(magicState)

	names := make([]string, 0, len(r.Namespaces))
	for name := range r.Namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	putUvarint(&buf, uint64(len(names)))
	for _, name := range names {
		putString(&buf, name)
		putAddress(&buf, r.Namespaces[name])
	}

	putUvarint(&buf, uint64(len(r.Parents)))
	for _, p := range r.Parents {
		putAddress(&buf, p)
	}

	return buf.Bytes()
}

// DecodeState parses a StateRecord previously produced by EncodeState.
func DecodeState(data []byte) (*StateRecord, error) {
	r := bytes.NewReader(data)
	if err := expectMagic(r, magicState); err != nil {
		return nil, err
	}

	nNamespaces, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: decode state namespaces count: %w", err)
	}
	namespaces := make(map[string]Address, nNamespaces)
	for i := uint64(0); i < nNamespaces; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode state namespace name: %w", err)
		}
		addr, err := readAddress(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode state namespace address: %w", err)
		}
		namespaces[name] = addr
	}

	nParents, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: decode state parents count: %w", err)
	}
	parents := make([]Address, nParents)
	for i := range parents {
		addr, err := readAddress(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode state parent address: %w", err)
		}
		parents[i] = addr
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("objectgraph: trailing bytes after StateRecord")
	}

	return &StateRecord{Namespaces: namespaces, Parents: parents}, nil
}

// EncodeNamespace canonically serializes a NamespaceRecord. ShallowBasis is
// intentionally omitted: spec.md §3 specifies it is client-local only and
// never appears upstream.
func EncodeNamespace(r *NamespaceRecord) []byte {
	var buf bytes.Buffer
	buf.WriteString(magicNamespace)

	refNames := make([]string, 0, len(r.Refs))
	for name := range r.Refs {
		refNames = append(refNames, name)
	}
	sort.Strings(refNames)

	putUvarint(&buf, uint64(len(refNames)))
	for _, name := range refNames {
		putString(&buf, name)
		putString(&buf, r.Refs[name])
	}

	putUvarint(&buf, uint64(len(r.Packs)))
	for _, p := range r.Packs {
		putAddress(&buf, p)
	}

	return buf.Bytes()
}

// DecodeNamespace parses a NamespaceRecord previously produced by
// EncodeNamespace. The returned record's ShallowBasis is always empty;
// callers that need shallow-basis bookkeeping track it separately, per
// spec.md §3.
func DecodeNamespace(data []byte) (*NamespaceRecord, error) {
	r := bytes.NewReader(data)
	if err := expectMagic(r, magicNamespace); err != nil {
		return nil, err
	}

	nRefs, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: decode namespace refs count: %w", err)
	}
	refs := make(map[string]string, nRefs)
	for i := uint64(0); i < nRefs; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode namespace ref name: %w", err)
		}
		weak, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode namespace ref weak-hash: %w", err)
		}
		refs[name] = weak
	}

	nPacks, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("objectgraph: decode namespace packs count: %w", err)
	}
	packs := make([]Address, nPacks)
	for i := range packs {
		addr, err := readAddress(r)
		if err != nil {
			return nil, fmt.Errorf("objectgraph: decode namespace pack address: %w", err)
		}
		packs[i] = addr
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("objectgraph: trailing bytes after NamespaceRecord")
	}

	return &NamespaceRecord{Refs: refs, Packs: packs}, nil
}

func expectMagic(r *bytes.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := readFull(r, got); err != nil {
		return fmt.Errorf("objectgraph: read magic: %w", err)
	}
	if string(got) != want {
		return fmt.Errorf("objectgraph: bad magic %q, want %q", got, want)
	}
	return nil
}
