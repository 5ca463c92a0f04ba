// Package paid maintains the two content-addressed identifier DAGs that
// span the application state address space: template IDs for structural
// parents and index IDs for data identities. IDs are process-wide, stable
// for the lifetime of the process and never reused.
package paid

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
)

// ChildType describes how a template entry relates to its parent.
type ChildType string

const (
	ChildSingle       ChildType = "single"
	ChildSet          ChildType = "set"
	ChildIntersection ChildType = "intersection"
)

// RootID is the reserved ID of the root of both DAGs. Allocation starts
// at 2.
const RootID = 1

// TemplateEntry is one node of the template DAG, content-addressed by the
// full tuple.
type TemplateEntry struct {
	ParentID   uint32
	ChildType  ChildType
	ChildName  string
	ReferredID uint32
}

func (e TemplateEntry) key() string {
	k := fmt.Sprintf("%d:%s:%s", e.ParentID, e.ChildType, e.ChildName)
	if e.ReferredID != 0 {
		k += ":" + strconv.FormatUint(uint64(e.ReferredID), 10)
	}
	return k
}

// IndexEntry is one node of the index DAG. Exactly one of Append or
// Compose is set; the root index has neither.
type IndexEntry struct {
	PrefixID uint32
	Append   *string
	Compose  uint32
}

func (e IndexEntry) key() string {
	if e.Append != nil {
		return fmt.Sprintf("%d:%s", e.PrefixID, url.QueryEscape(*e.Append))
	}
	return fmt.Sprintf("%d;%d", e.PrefixID, e.Compose)
}

// Registry allocates and resolves template and index IDs. All methods are
// safe for concurrent use; entries are immortal.
type Registry struct {
	mu sync.Mutex

	templates    map[string]uint32
	templateByID map[uint32]TemplateEntry
	nextTemplate uint32

	indexes   map[string]uint32
	indexByID map[uint32]IndexEntry
	nextIndex uint32
}

// NewRegistry returns a registry holding only the two root entries.
func NewRegistry() *Registry {
	return &Registry{
		templates:    make(map[string]uint32),
		templateByID: make(map[uint32]TemplateEntry),
		nextTemplate: RootID + 1,
		indexes:      make(map[string]uint32),
		indexByID:    make(map[uint32]IndexEntry),
		nextIndex:    RootID + 1,
	}
}

// GetTemplateByEntry returns the stable ID for the given template tuple,
// allocating one on first use. The added return value reports whether a
// new ID was allocated.
func (r *Registry) GetTemplateByEntry(parentID uint32, childType ChildType, childName string, referredID uint32) (id uint32, added bool) {
	entry := TemplateEntry{ParentID: parentID, ChildType: childType, ChildName: childName, ReferredID: referredID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.templates[entry.key()]; ok {
		return id, false
	}
	id = r.nextTemplate
	r.nextTemplate++
	r.templates[entry.key()] = id
	r.templateByID[id] = entry
	return id, true
}

// GetIndexByEntry returns the stable ID for the given index tuple,
// allocating one on first use. Exactly one of append and compose must be
// given (compose 0 means absent).
func (r *Registry) GetIndexByEntry(prefixID uint32, append *string, compose uint32) (id uint32, added bool, err error) {
	if (append == nil) == (compose == 0) {
		return 0, false, fmt.Errorf("index entry with prefix %d must have exactly one of append and compose", prefixID)
	}
	entry := IndexEntry{PrefixID: prefixID, Append: append, Compose: compose}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.indexes[entry.key()]; ok {
		return id, false, nil
	}
	id = r.nextIndex
	r.nextIndex++
	r.indexes[entry.key()] = id
	r.indexByID[id] = entry
	return id, true, nil
}

// TemplateByID returns the entry allocated under id. The root and unknown
// IDs report ok false.
func (r *Registry) TemplateByID(id uint32) (TemplateEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.templateByID[id]
	return e, ok
}

// IndexByID returns the entry allocated under id.
func (r *Registry) IndexByID(id uint32) (IndexEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.indexByID[id]
	return e, ok
}

// TemplateRecord pairs an allocated template ID with its entry, for
// persistence and preloading.
type TemplateRecord struct {
	ID    uint32
	Entry TemplateEntry
}

// IndexRecord pairs an allocated index ID with its entry.
type IndexRecord struct {
	ID    uint32
	Entry IndexEntry
}

// Templates returns all allocated template entries in ascending ID order.
func (r *Registry) Templates() []TemplateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]TemplateRecord, 0, len(r.templateByID))
	for id := uint32(RootID + 1); id < r.nextTemplate; id++ {
		if e, ok := r.templateByID[id]; ok {
			records = append(records, TemplateRecord{ID: id, Entry: e})
		}
	}
	return records
}

// Indexes returns all allocated index entries in ascending ID order.
func (r *Registry) Indexes() []IndexRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]IndexRecord, 0, len(r.indexByID))
	for id := uint32(RootID + 1); id < r.nextIndex; id++ {
		if e, ok := r.indexByID[id]; ok {
			records = append(records, IndexRecord{ID: id, Entry: e})
		}
	}
	return records
}

// Preload replays previously allocated entries, reconstructing the lookup
// tables and counters. It must run before any allocation and fails if the
// replayed IDs are not dense and ascending from 2.
func (r *Registry) Preload(templates []TemplateRecord, indexes []IndexRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.templateByID) > 0 || len(r.indexByID) > 0 {
		return fmt.Errorf("preload on a registry that already allocated IDs")
	}
	for _, rec := range templates {
		if rec.ID != r.nextTemplate {
			return fmt.Errorf("preload template ID %d out of order, want %d", rec.ID, r.nextTemplate)
		}
		r.templates[rec.Entry.key()] = rec.ID
		r.templateByID[rec.ID] = rec.Entry
		r.nextTemplate++
	}
	for _, rec := range indexes {
		if rec.ID != r.nextIndex {
			return fmt.Errorf("preload index ID %d out of order, want %d", rec.ID, r.nextIndex)
		}
		r.indexes[rec.Entry.key()] = rec.ID
		r.indexByID[rec.ID] = rec.Entry
		r.nextIndex++
	}
	return nil
}
