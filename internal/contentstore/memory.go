package contentstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"niyya/api/internal/common"
)

// MemoryStore keeps objects in a map. Failures can be injected per
// operation to exercise the recovery paths of callers.
type MemoryStore struct {
	mu        sync.Mutex
	objects   map[string]memoryObject
	publicURL string

	failPut    error
	failDelete error
	failExists error

	puts    int
	deletes int
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

func NewMemoryStore(publicURL string) *MemoryStore {
	if publicURL == "" {
		publicURL = "memory://blobs"
	}
	return &MemoryStore{objects: make(map[string]memoryObject), publicURL: publicURL}
}

// FailPut makes every Put return err until cleared with nil.
func (s *MemoryStore) FailPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

func (s *MemoryStore) FailDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete = err
}

func (s *MemoryStore) FailExists(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExists = err
}

// Counts reports how many successful puts and deletes were performed.
func (s *MemoryStore) Counts() (puts, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.deletes
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return unavailable("put", key, s.failPut)
	}
	s.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, modified: time.Now()}
	s.puts++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, common.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExists != nil {
		return false, unavailable("exists", key, s.failExists)
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete != nil {
		return unavailable("delete", key, s.failDelete)
	}
	if _, ok := s.objects[key]; ok {
		delete(s.objects, key)
		s.deletes++
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Object
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) URL(key string) string {
	return joinURL(s.publicURL, key)
}
