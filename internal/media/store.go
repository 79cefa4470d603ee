// Package media stores binary artifacts (uploaded audio, generated images)
// and resolves the opaque locators saved on stories.
package media

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/blake2b"
)

// Artifact kinds, used as the first locator segment.
const (
	KindAudio      = "audio"
	KindCharacter  = "character"
	KindBackground = "background"
	KindComposed   = "composed"
)

var (
	// ErrInvalidLocator is returned for locators that escape the store root.
	ErrInvalidLocator = errors.New("invalid media locator")
	// ErrLocked is returned when another process holds the store lock.
	ErrLocked = errors.New("media directory is locked by another process")
)

// FileStore keeps artifacts under a root directory, addressed by content.
// Locators have the form kind/xx/<blake2b-256 hex>.ext and never change once
// written.
type FileStore struct {
	root string
	lock *flock.Flock
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &FileStore{
		root: root,
		lock: flock.New(filepath.Join(root, ".lock")),
	}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

// Lock takes the exclusive directory lock without waiting.
func (s *FileStore) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire media lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the directory lock.
func (s *FileStore) Unlock() error {
	return s.lock.Unlock()
}

// Save writes data and returns its locator. Saving identical content twice
// returns the same locator.
func (s *FileStore) Save(kind, ext string, data []byte) (string, error) {
	if kind == "" || strings.ContainsAny(kind, `/\.`) {
		return "", fmt.Errorf("%w: bad kind %q", ErrInvalidLocator, kind)
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || strings.ContainsAny(ext, `/\.`) {
		return "", fmt.Errorf("%w: bad extension %q", ErrInvalidLocator, ext)
	}

	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	locator := path.Join(kind, digest[:2], digest+"."+ext)

	full := filepath.Join(s.root, filepath.FromSlash(locator))
	if _, err := os.Stat(full); err == nil {
		return locator, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close media: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("failed to store media: %w", err)
	}
	return locator, nil
}

// Path resolves a locator to a file path inside the root.
func (s *FileStore) Path(locator string) (string, error) {
	clean := path.Clean("/" + locator)
	if locator == "" || clean == "/" || clean[1:] != locator || strings.HasPrefix(path.Base(clean), ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Read returns the content of a locator.
func (s *FileStore) Read(locator string) ([]byte, error) {
	p, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", locator, err)
	}
	return data, nil
}

// Check verifies the root is writable.
func (s *FileStore) Check() error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("media root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
