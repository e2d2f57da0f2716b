package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemoryService is an in-process artifact store for tests and local
// development.
type MemoryService struct {
	mu    sync.RWMutex
	blobs map[string][][]byte // key → versions, index 0 is v1
}

// NewMemoryService creates an empty in-memory store.
func NewMemoryService() *MemoryService {
	return &MemoryService{blobs: make(map[string][][]byte)}
}

// Save appends a new version for the name.
func (s *MemoryService) Save(ctx context.Context, ref Ref, data []byte, mimeType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[ref.Key()] = append(s.blobs[ref.Key()], cp)
	return len(s.blobs[ref.Key()]), nil
}

// Load returns the requested version (0 = latest).
func (s *MemoryService) Load(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.blobs[ref.Key()]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}
	version := ref.Version
	if version == LatestVersion {
		version = len(versions)
	}
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, ref.Key(), version)
	}
	return versions[version-1], nil
}

// VersionCount reports how many versions the name has; used by tests.
func (s *MemoryService) VersionCount(ref Ref) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs[ref.Key()])
}
