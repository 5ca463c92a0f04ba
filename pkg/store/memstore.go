package store

import (
	"sort"
	"sync"

	"github.com/cdl-lang/remoting/pkg/paid"
)

// MemStore is the in-memory Store. It keeps the full log per resource;
// consumers replaying a Range apply later entries over earlier ones, so
// last-writer-wins falls out of log order.
type MemStore struct {
	mu        sync.Mutex
	logs      map[string][]Element
	revisions map[string]uint64
	templates []paid.TemplateRecord
	indexes   []paid.IndexRecord
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		logs:      make(map[string][]Element),
		revisions: make(map[string]uint64),
	}
}

// Append commits elems as one batch under the next revision.
func (s *MemStore) Append(resource string, elems []Element) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revision := s.revisions[resource] + 1
	for _, e := range elems {
		e.Revision = revision
		s.logs[resource] = append(s.logs[resource], e)
	}
	s.revisions[resource] = revision
	return revision, nil
}

// Range returns the elements with revision greater than fromRevision.
func (s *MemStore) Range(resource string, fromRevision uint64) ([]Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[resource]
	if !ok {
		if _, written := s.revisions[resource]; !written {
			return nil, ErrNoResource
		}
		return nil, nil
	}
	// The log is in revision order; skip the covered prefix.
	start := sort.Search(len(log), func(i int) bool { return log[i].Revision > fromRevision })
	out := make([]Element, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

// LatestRevision returns the highest revision assigned to resource.
func (s *MemStore) LatestRevision(resource string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revisions[resource]
}

// Resources lists every written resource in sorted order.
func (s *MemStore) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.revisions))
	for name := range s.revisions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops the log and revision counter of resource.
func (s *MemStore) Clear(resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, resource)
	delete(s.revisions, resource)
	return nil
}

// AddTemplate records a template allocation.
func (s *MemStore) AddTemplate(id uint32, entry paid.TemplateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, paid.TemplateRecord{ID: id, Entry: entry})
	return nil
}

// AddIndex records an index allocation.
func (s *MemStore) AddIndex(id uint32, entry paid.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = append(s.indexes, paid.IndexRecord{ID: id, Entry: entry})
	return nil
}

// Templates returns the recorded template allocations in ID order.
func (s *MemStore) Templates() ([]paid.TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]paid.TemplateRecord, len(s.templates))
	copy(out, s.templates)
	return out, nil
}

// Indexes returns the recorded index allocations in ID order.
func (s *MemStore) Indexes() ([]paid.IndexRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]paid.IndexRecord, len(s.indexes))
	copy(out, s.indexes)
	return out, nil
}
