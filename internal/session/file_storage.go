package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStorageDir is the storage directory below the user's home.
const DefaultStorageDir = ".config/authsession/storage"

// FileStorage stores each key in its own file below Dir. The directory is
// created with 0700 and files with 0600, so only the owner can read tokens.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed. An empty dir selects
// ~/.config/authsession/storage.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultStorageDir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (f *FileStorage) Dir() string {
	return f.dir
}

// Path returns the file backing key.
func (f *FileStorage) Path(key string) string {
	return filepath.Join(f.dir, key)
}

// Get reads key from the file on every call, so changes by other
// processes are seen.
func (f *FileStorage) Get(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	// #nosec G304 -- key is validated to be a plain file name
	data, err := os.ReadFile(f.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set writes through a temporary file and a rename so readers never see a
// partially written value.
func (f *FileStorage) Set(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, "."+key+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.Path(key)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Remove deletes the file of key. A missing file is not an error.
func (f *FileStorage) Remove(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(f.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
