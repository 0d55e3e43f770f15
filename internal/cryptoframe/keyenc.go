package cryptoframe

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// keyAlg is the only algorithm identifier this engine currently emits, but
// is carried explicitly so a future algorithm change is detectable instead
// of silently misinterpreted.
const keyAlg = "xchacha20poly1305"

// EncodeKey renders key as the printable envelope
// "version::alg::base64(key)::checksum" described in spec.md §6.
func EncodeKey(key Key) string {
	const version = 1
	b64 := base64.StdEncoding.EncodeToString(key[:])
	sum := checksum(version, keyAlg, b64)
	return fmt.Sprintf("%d::%s::%s::%s", version, keyAlg, b64, sum)
}

// DecodeKey parses an envelope produced by EncodeKey. Unknown version or a
// failed checksum is fatal, per spec.md §6.
func DecodeKey(encoded string) (Key, error) {
	parts := strings.Split(encoded, "::")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("cryptoframe: malformed key envelope")
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil || version != 1 {
		return Key{}, fmt.Errorf("cryptoframe: unsupported key envelope version %q", parts[0])
	}
	alg, b64, sum := parts[1], parts[2], parts[3]
	if alg != keyAlg {
		return Key{}, fmt.Errorf("cryptoframe: unsupported key algorithm %q", alg)
	}
	if checksum(version, alg, b64) != sum {
		return Key{}, fmt.Errorf("cryptoframe: key envelope checksum mismatch")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Key{}, fmt.Errorf("cryptoframe: decode key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("cryptoframe: key has wrong length %d", len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func checksum(version int, alg, b64 string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d::%s::%s", version, alg, b64)))
	return base64.RawStdEncoding.EncodeToString(sum[:6])
}

// LoadOrGenerateKey resolves a config value of the form used by
// recursive-namespace-nacl-key / recursive-state-nacl-key:
//   - empty: generate a fresh key (caller is responsible for persisting it).
//   - "file://PATH": read the envelope from PATH; if PATH does not exist,
//     generate a fresh key and write it there with PersistKeyToFile.
//   - otherwise: treat the value itself as an inline envelope.
//
// It returns the key and whether a fresh key was generated that the caller
// still has to persist. A key generated for a file:// path is already
// written to that file and is reported with generated=false.
func LoadOrGenerateKey(configValue string) (key Key, generated bool, err error) {
	switch {
	case configValue == "":
		key, err = GenerateKey()
		return key, true, err
	case strings.HasPrefix(configValue, "file://"):
		path := strings.TrimPrefix(configValue, "file://")
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			key, err = GenerateKey()
			if err != nil {
				return Key{}, false, err
			}
			if err := PersistKeyToFile(path, key); err != nil {
				return Key{}, false, err
			}
			return key, false, nil
		}
		if err != nil {
			return Key{}, false, fmt.Errorf("cryptoframe: read key file %s: %w", path, err)
		}
		key, err = DecodeKey(strings.TrimSpace(string(raw)))
		return key, false, err
	default:
		key, err = DecodeKey(configValue)
		return key, false, err
	}
}

// PersistKeyToFile writes an encoded key envelope to path, used when a
// recursive-*-nacl-key config value is "file://PATH" and the key had to be
// freshly generated.
func PersistKeyToFile(path string, key Key) error {
	if err := os.WriteFile(path, []byte(EncodeKey(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("cryptoframe: persist key file %s: %w", path, err)
	}
	return nil
}
