// Package store defines the backing store behind the server multiplexer:
// an append-only, revision-stamped log per resource plus the persisted
// template and index allocations of the PAID registry. The multiplexer
// treats it as opaque; the memory and file implementations here serve
// production single-node deployments and tests.
package store

import (
	"encoding/json"
	"errors"

	"github.com/cdl-lang/remoting/pkg/paid"
)

// ErrNoResource is returned by Range for a resource that has never been
// written or has been cleared since.
var ErrNoResource = errors.New("no such resource")

// Element is one entry of a resource log: the wire-form value written
// under an element identifier, stamped with the revision of its batch.
type Element struct {
	Ident    string          `json:"ident"`
	Value    json.RawMessage `json:"value"`
	Revision uint64          `json:"revision"`
}

// Store is the persistence interface of the server. Append stamps a
// whole batch with the next revision of the resource; revisions are dense
// and strictly increasing per resource.
type Store interface {
	// Append commits elems as one batch and returns the revision assigned
	// to it. A failed append consumes no revision.
	Append(resource string, elems []Element) (uint64, error)

	// Range returns all elements with revision strictly greater than
	// fromRevision, in log order.
	Range(resource string, fromRevision uint64) ([]Element, error)

	// LatestRevision returns the highest assigned revision, 0 if none.
	LatestRevision(resource string) uint64

	// Resources lists every resource that has been written.
	Resources() []string

	// Clear drops the log of a resource.
	Clear(resource string) error

	// Registry persistence, used by paid.StoreRegistry and preload.
	AddTemplate(id uint32, entry paid.TemplateEntry) error
	AddIndex(id uint32, entry paid.IndexEntry) error
	Templates() ([]paid.TemplateRecord, error)
	Indexes() ([]paid.IndexRecord, error)
}
