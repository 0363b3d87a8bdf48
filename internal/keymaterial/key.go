// Package keymaterial generates and persists the pre-shared keys used by
// the secure authorization protocol (spec §4.2/§4.4).
package keymaterial

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/canonical/tbauthd/internal/tberrors"
)

// Length is the raw key size in bytes.
const Length = 32

// Key is a 32-byte pre-shared key, always handled in its 64 lowercase hex
// character form on disk and over sysfs.
type Key [Length]byte

// Generate produces a new random key.
func Generate() (Key, error) {
	var k Key

	_, err := rand.Read(k[:])
	if err != nil {
		return Key{}, tberrors.Auth("Failed to generate key material", err)
	}

	return k, nil
}

// String renders the key as 64 lowercase hex characters, the form written to
// sysfs and to the store.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Parse decodes a 64-character hex string into a Key.
func Parse(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, tberrors.Auth("Failed to decode key", err)
	}

	if len(b) != Length {
		return Key{}, tberrors.Auth(fmt.Sprintf("Invalid key length %d", len(b)), nil)
	}

	var k Key
	copy(k[:], b)

	return k, nil
}

// Load reads a key from path.
func Load(path string) (Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Key{}, tberrors.NotFound(fmt.Sprintf("No key at %q", path))
		}

		return Key{}, tberrors.Store(fmt.Sprintf("Failed to read key %q", path), err)
	}

	return Parse(string(b))
}

// Save atomically writes key to path with mode 0600: write to a sibling
// temp file, fsync, then rename over the destination.
func Save(path string, key Key) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".key.*.tmp")
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to create temp file in %q", dir), err)
	}
	tmpPath := tmp.Name()

	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	err = tmp.Chmod(0600)
	if err != nil {
		tmp.Close()
		return tberrors.Store("Failed to set key file mode", err)
	}

	_, err = tmp.WriteString(key.String())
	if err != nil {
		tmp.Close()
		return tberrors.Store(fmt.Sprintf("Failed to write key to %q", tmpPath), err)
	}

	err = unix.Fsync(int(tmp.Fd()))
	if err != nil {
		tmp.Close()
		return tberrors.Store("Failed to fsync key file", err)
	}

	err = tmp.Close()
	if err != nil {
		return tberrors.Store("Failed to close key file", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to rename key file into place at %q", path), err)
	}

	return nil
}
