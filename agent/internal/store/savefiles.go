// Package store is the Agent's filesystem collaborator for savefiles and
// configuration files. Per §6.3, the core reads these lazily and writes
// atomically where possible; no file-format details beyond "a file exists
// at path P" are part of this package's contract -- mod-settings binary
// layout, server-settings JSON schema, etc. are explicitly out of scope
// (Non-goals, §1).
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrSaveNotFound = errors.New("store: savefile not found")

// Savefiles manages the one-zip-per-save directory.
type Savefiles struct {
	dir string
}

func NewSavefiles(dir string) *Savefiles { return &Savefiles{dir: dir} }

func (s *Savefiles) path(name string) string {
	return filepath.Join(s.dir, name+".zip")
}

// Exists reports whether a savefile named name exists on disk.
func (s *Savefiles) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Path returns the on-disk path for name, for handing to the process
// builder. Returns ErrSaveNotFound if it does not exist.
func (s *Savefiles) Path(name string) (string, error) {
	if !s.Exists(name) {
		return "", ErrSaveNotFound
	}
	return s.path(name), nil
}

// ReservePath returns the on-disk path a not-yet-existing savefile named
// name would occupy, without creating or checking anything -- used by
// SaveCreate to hand the process builder a destination path before the
// child process has written it.
func (s *Savefiles) ReservePath(name string) string {
	return s.path(name)
}

// List returns every savefile name in the directory, sorted.
func (s *Savefiles) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: listing savefiles: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".zip" {
			names = append(names, e.Name()[:len(e.Name())-len(ext)])
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the savefile named name. Returns ErrSaveNotFound if it
// does not exist.
func (s *Savefiles) Delete(name string) error {
	if !s.Exists(name) {
		return ErrSaveNotFound
	}
	return os.Remove(s.path(name))
}

// Get reads the full contents of the savefile named name.
func (s *Savefiles) Get(name string) ([]byte, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Set writes data at the given byte offset, growing the file as needed,
// unless eof is true, in which case the file is truncated to offset
// instead of writing data there (the multipart-upload sentinel marker
// described in §8's boundary behavior).
func (s *Savefiles) Set(name string, offset int64, data []byte, eof bool) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("store: creating saves dir: %w", err)
	}

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("store: opening savefile %q: %w", name, err)
	}
	defer f.Close()

	if eof {
		return f.Truncate(offset)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("store: writing savefile %q at offset %d: %w", name, offset, err)
	}
	return nil
}
