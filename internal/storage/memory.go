package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

type MemoryObject struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps containers in process memory. It backs the memory://
// credential and the tests of packages that sit on top of storage.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string]MemoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{containers: make(map[string]map[string]MemoryObject)}
}

func (s *MemoryStore) OpenObject(_ context.Context, container, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.containers[container][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, name)
	}
	if len(obj.Data) == 0 {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (s *MemoryStore) EnsureContainer(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]MemoryObject)
	}
	return nil
}

func (s *MemoryStore) WriteObject(_ context.Context, container, name string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.containers[container]
	if !ok {
		return fmt.Errorf("container %s does not exist", container)
	}
	objects[name] = MemoryObject{Data: bytes.Clone(data), ContentType: contentType}
	return nil
}

// Put seeds an object, creating its container.
func (s *MemoryStore) Put(container, name string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]MemoryObject)
	}
	s.containers[container][name] = MemoryObject{Data: bytes.Clone(data), ContentType: contentType}
}

func (s *MemoryStore) Get(container, name string) (MemoryObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.containers[container][name]
	return obj, ok
}

func (s *MemoryStore) HasContainer(container string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.containers[container]
	return ok
}
