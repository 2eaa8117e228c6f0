package api

import (
	"sync"
)

// SampleStore keeps finished samples in memory. Once the store is full
// the oldest entry is evicted.
type SampleStore struct {
	mu       sync.Mutex
	capacity int
	samples  map[string]SampleResponse
	order    []string
}

// NewSampleStore returns a store holding at most capacity samples; 0 means
// unbounded.
func NewSampleStore(capacity int) *SampleStore {
	return &SampleStore{
		capacity: capacity,
		samples:  make(map[string]SampleResponse),
	}
}

func (s *SampleStore) Save(resp SampleResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.samples[resp.ID] = resp
	for s.capacity > 0 && len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.samples, oldest)
	}
}

func (s *SampleStore) Get(id string) (SampleResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.samples[id]
	return resp, ok
}

func (s *SampleStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[id]; !ok {
		return false
	}
	delete(s.samples, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *SampleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
