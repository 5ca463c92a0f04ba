package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cdl-lang/remoting/pkg/paid"
)

// fileImage is the on-disk shape of a FileStore: the registry allocations
// plus every resource log.
type fileImage struct {
	Template []templateJSON       `json:"template"`
	Index    []indexJSON          `json:"index"`
	Data     map[string][]Element `json:"data"`
}

type templateJSON struct {
	TemplateID uint32 `json:"templateId"`
	ParentID   uint32 `json:"parentId"`
	ChildType  string `json:"childType"`
	ChildName  string `json:"childName"`
	ReferredID uint32 `json:"referredId,omitempty"`
}

type indexJSON struct {
	IndexID  uint32  `json:"indexId"`
	PrefixID uint32  `json:"prefixId"`
	Append   *string `json:"append,omitempty"`
	Compose  uint32  `json:"compose,omitempty"`
}

// FileStore is a MemStore snapshotted to a JSON file after every
// mutation. Suitable for single-node deployments and for the dbio tool;
// writes go through a temporary file and rename so a crash never leaves a
// torn image.
type FileStore struct {
	*MemStore
	path string
}

// OpenFileStore loads the store image at path, creating an empty store if
// the file does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemStore: NewMemStore(), path: path}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store file %s: %w", path, err)
	}
	var image fileImage
	if err := json.Unmarshal(buf, &image); err != nil {
		return nil, fmt.Errorf("parsing store file %s: %w", path, err)
	}
	for _, t := range image.Template {
		fs.MemStore.templates = append(fs.MemStore.templates, paid.TemplateRecord{
			ID: t.TemplateID,
			Entry: paid.TemplateEntry{
				ParentID:   t.ParentID,
				ChildType:  paid.ChildType(t.ChildType),
				ChildName:  t.ChildName,
				ReferredID: t.ReferredID,
			},
		})
	}
	for _, i := range image.Index {
		fs.MemStore.indexes = append(fs.MemStore.indexes, paid.IndexRecord{
			ID:    i.IndexID,
			Entry: paid.IndexEntry{PrefixID: i.PrefixID, Append: i.Append, Compose: i.Compose},
		})
	}
	for resource, log := range image.Data {
		fs.MemStore.logs[resource] = log
		var latest uint64
		for _, e := range log {
			if e.Revision > latest {
				latest = e.Revision
			}
		}
		fs.MemStore.revisions[resource] = latest
	}
	return fs, nil
}

// Append commits a batch and persists the new image.
func (fs *FileStore) Append(resource string, elems []Element) (uint64, error) {
	revision, err := fs.MemStore.Append(resource, elems)
	if err != nil {
		return 0, err
	}
	return revision, fs.save()
}

// Clear drops a resource and persists the new image.
func (fs *FileStore) Clear(resource string) error {
	if err := fs.MemStore.Clear(resource); err != nil {
		return err
	}
	return fs.save()
}

// AddTemplate records an allocation and persists the new image.
func (fs *FileStore) AddTemplate(id uint32, entry paid.TemplateEntry) error {
	if err := fs.MemStore.AddTemplate(id, entry); err != nil {
		return err
	}
	return fs.save()
}

// AddIndex records an allocation and persists the new image.
func (fs *FileStore) AddIndex(id uint32, entry paid.IndexEntry) error {
	if err := fs.MemStore.AddIndex(id, entry); err != nil {
		return err
	}
	return fs.save()
}

func (fs *FileStore) save() error {
	fs.MemStore.mu.Lock()
	image := fileImage{Data: make(map[string][]Element, len(fs.MemStore.logs))}
	for _, t := range fs.MemStore.templates {
		image.Template = append(image.Template, templateJSON{
			TemplateID: t.ID,
			ParentID:   t.Entry.ParentID,
			ChildType:  string(t.Entry.ChildType),
			ChildName:  t.Entry.ChildName,
			ReferredID: t.Entry.ReferredID,
		})
	}
	for _, i := range fs.MemStore.indexes {
		image.Index = append(image.Index, indexJSON{
			IndexID:  i.ID,
			PrefixID: i.Entry.PrefixID,
			Append:   i.Entry.Append,
			Compose:  i.Entry.Compose,
		})
	}
	for resource, log := range fs.MemStore.logs {
		image.Data[resource] = append([]Element(nil), log...)
	}
	fs.MemStore.mu.Unlock()

	buf, err := json.Marshal(image)
	if err != nil {
		return fmt.Errorf("encoding store image: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".store-*")
	if err != nil {
		return fmt.Errorf("creating store temp file: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing store image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing store temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}
