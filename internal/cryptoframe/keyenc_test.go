package cryptoframe

import (
	"path/filepath"
	"testing"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := EncodeKey(key)
	decoded, err := DecodeKey(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != key {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodeKeyBadChecksum(t *testing.T) {
	key, _ := GenerateKey()
	encoded := EncodeKey(key)
	tampered := encoded[:len(encoded)-1] + "x"
	if _, err := DecodeKey(tampered); err == nil {
		t.Fatalf("expected checksum failure")
	}
}

func TestLoadOrGenerateKeyEmpty(t *testing.T) {
	key, generated, err := LoadOrGenerateKey("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !generated {
		t.Fatalf("expected generated=true for empty config")
	}
	if key == (Key{}) {
		t.Fatalf("expected non-zero generated key")
	}
}

func TestLoadOrGenerateKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := PersistKeyToFile(path, key); err != nil {
		t.Fatalf("persist: %v", err)
	}
	loaded, generated, err := LoadOrGenerateKey("file://" + path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if generated {
		t.Fatalf("expected generated=false when reading existing file")
	}
	if loaded != key {
		t.Fatalf("loaded key mismatch")
	}
}

func TestLoadOrGenerateKeyInline(t *testing.T) {
	key, _ := GenerateKey()
	encoded := EncodeKey(key)
	loaded, generated, err := LoadOrGenerateKey(encoded)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if generated {
		t.Fatalf("expected generated=false for inline value")
	}
	if loaded != key {
		t.Fatalf("loaded key mismatch")
	}
}
