package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/canonical/tbauthd/internal/keymaterial"
	"github.com/canonical/tbauthd/internal/tberrors"
)

const (
	deviceFileName = "device"
	keyFileName    = "key"
)

// Store is a filesystem-backed map from uid to {Record, optional Key}.
// Each uid gets its own subdirectory of root so that put/delete operate on
// a single directory entry and can't interleave with another uid's state.
//
// The store assumes a single writer (the daemon itself) and does not
// provide cross-process locking; it is designed to tolerate partial state
// left behind by a crash between steps, never a torn single file.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	err := os.MkdirAll(root, 0700)
	if err != nil {
		return nil, tberrors.Store(fmt.Sprintf("Failed to create store root %q", root), err)
	}

	return &Store{root: root}, nil
}

func (s *Store) deviceDir(uid string) string {
	return filepath.Join(s.root, uid)
}

// List returns every enrolled uid, in arbitrary order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, tberrors.Store(fmt.Sprintf("Failed to list store root %q", s.root), err)
	}

	uids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		uids = append(uids, e.Name())
	}

	return uids, nil
}

// Get reads the device record for uid.
func (s *Store) Get(uid string) (Record, error) {
	path := filepath.Join(s.deviceDir(uid), deviceFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, tberrors.NotFound(fmt.Sprintf("No stored device %q", uid))
		}

		return Record{}, tberrors.Store(fmt.Sprintf("Failed to read device record %q", uid), err)
	}

	return DecodeRecord(data)
}

// Put atomically writes a device record: write to a sibling temp file in
// the device's directory, fsync, then rename over the destination. Either
// the previous or the new record is observable at any point, never a torn
// write.
func (s *Store) Put(r Record) error {
	if r.UID == "" {
		return tberrors.InvalidArgument("Cannot store a device record with an empty uid")
	}

	dir := s.deviceDir(r.UID)

	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to create device directory %q", dir), err)
	}

	return atomicWriteFile(filepath.Join(dir, deviceFileName), []byte(r.Encode()), 0600)
}

// Delete removes a uid's on-disk state. Deleting a uid that isn't present
// succeeds (idempotent), matching spec §4.3.
func (s *Store) Delete(uid string) error {
	err := os.RemoveAll(s.deviceDir(uid))
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to delete stored device %q", uid), err)
	}

	return nil
}

// HasKey reports whether a key file exists for uid.
func (s *Store) HasKey(uid string) bool {
	_, err := os.Stat(filepath.Join(s.deviceDir(uid), keyFileName))
	return err == nil
}

// LoadKey reads the pre-shared key for uid.
func (s *Store) LoadKey(uid string) (keymaterial.Key, error) {
	return keymaterial.Load(filepath.Join(s.deviceDir(uid), keyFileName))
}

// PutKey atomically writes the pre-shared key for uid, mode 0600.
func (s *Store) PutKey(uid string, key keymaterial.Key) error {
	dir := s.deviceDir(uid)

	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to create device directory %q", dir), err)
	}

	return keymaterial.Save(filepath.Join(dir, keyFileName), key)
}

// atomicWriteFile creates a temp file beside path, sets its mode, writes
// data to it, fsyncs it, and renames it into place.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".store.*.tmp")
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to create temp file in %q", dir), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = tmp.Chmod(mode)
	if err != nil {
		tmp.Close()
		return tberrors.Store("Failed to set file mode", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		return tberrors.Store(fmt.Sprintf("Failed to write %q", tmpPath), err)
	}

	err = unix.Fsync(int(tmp.Fd()))
	if err != nil {
		tmp.Close()
		return tberrors.Store("Failed to fsync file", err)
	}

	err = tmp.Close()
	if err != nil {
		return tberrors.Store("Failed to close file", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		return tberrors.Store(fmt.Sprintf("Failed to rename file into place at %q", path), err)
	}

	return nil
}
