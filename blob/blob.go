package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const locatorPrefix = "sha256/"

var (
	// ErrTooLarge signals an upload above the configured size limit.
	ErrTooLarge = errors.New("blob: object too large")
	// ErrNotFound signals no object behind a locator.
	ErrNotFound = errors.New("blob: not found")
	// ErrBadLocator signals a string that is not a content locator.
	ErrBadLocator = errors.New("blob: malformed locator")
)

// Object describes a stored blob.
type Object struct {
	Locator     string
	Size        int64
	ContentType string
}

// Store keeps documents and evidence files under content-addressed locators.
type Store interface {
	Put(ctx context.Context, r io.Reader, contentType string) (Object, error)
	URL(ctx context.Context, locator string) (string, error)
}

// Locator returns the content address for a sha256 sum.
func Locator(sum []byte) string {
	return locatorPrefix + hex.EncodeToString(sum)
}

// ParseLocator returns the hex digest inside a locator.
func ParseLocator(s string) (string, error) {
	digest, ok := strings.CutPrefix(s, locatorPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrBadLocator, s)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadLocator, s)
	}
	return strings.ToLower(digest), nil
}

// readLimited buffers r and hashes it, failing once more than max bytes arrive.
func readLimited(r io.Reader, max int64) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, "", fmt.Errorf("blob: read upload: %w", err)
	}
	if int64(len(data)) > max {
		return nil, "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, max)
	}
	sum := sha256.Sum256(data)
	return data, Locator(sum[:]), nil
}

// MemoryStore is an in-process Store for tests and local runs without an
// object store.
type MemoryStore struct {
	mu      sync.Mutex
	max     int64
	objects map[string][]byte
}

func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &MemoryStore{max: maxBytes, objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, r io.Reader, contentType string) (Object, error) {
	data, locator, err := readLimited(r, m.max)
	if err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	m.objects[locator] = data
	m.mu.Unlock()
	return Object{Locator: locator, Size: int64(len(data)), ContentType: contentType}, nil
}

func (m *MemoryStore) URL(_ context.Context, locator string) (string, error) {
	if _, err := ParseLocator(locator); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[locator]; !ok {
		return "", ErrNotFound
	}
	return "memory://" + locator, nil
}
