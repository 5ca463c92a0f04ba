package paid

import (
	logging "github.com/sirupsen/logrus"
)

// An EntryStore persists template and index allocations. The server's
// backing store implements it.
type EntryStore interface {
	AddTemplate(id uint32, entry TemplateEntry) error
	AddIndex(id uint32, entry IndexEntry) error
}

// StoreRegistry is a Registry whose new allocations are forwarded to a
// backing store. The store is treated optimistically: failures are logged,
// not awaited or retried, because a replayed allocation reproduces the
// same ID.
type StoreRegistry struct {
	*Registry
	store EntryStore
	log   *logging.Entry
}

// NewStoreRegistry returns a registry persisting allocations to store.
func NewStoreRegistry(store EntryStore, log *logging.Entry) *StoreRegistry {
	return &StoreRegistry{
		Registry: NewRegistry(),
		store:    store,
		log:      log.WithField("component", "paid-registry"),
	}
}

// GetTemplateByEntry allocates or resolves a template ID, persisting new
// allocations.
func (r *StoreRegistry) GetTemplateByEntry(parentID uint32, childType ChildType, childName string, referredID uint32) (uint32, bool) {
	id, added := r.Registry.GetTemplateByEntry(parentID, childType, childName, referredID)
	if added {
		entry := TemplateEntry{ParentID: parentID, ChildType: childType, ChildName: childName, ReferredID: referredID}
		if err := r.store.AddTemplate(id, entry); err != nil {
			r.log.Errorf("Failed to persist template %d: %s", id, err)
		}
	}
	return id, added
}

// GetIndexByEntry allocates or resolves an index ID, persisting new
// allocations.
func (r *StoreRegistry) GetIndexByEntry(prefixID uint32, append *string, compose uint32) (uint32, bool, error) {
	id, added, err := r.Registry.GetIndexByEntry(prefixID, append, compose)
	if err != nil {
		return 0, false, err
	}
	if added {
		entry := IndexEntry{PrefixID: prefixID, Append: append, Compose: compose}
		if err := r.store.AddIndex(id, entry); err != nil {
			r.log.Errorf("Failed to persist index %d: %s", id, err)
		}
	}
	return id, added, nil
}
