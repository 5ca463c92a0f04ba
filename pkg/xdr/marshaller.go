package xdr

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/wire"
)

// Registry is the slice of the PAID registry the codec needs. Both
// paid.Registry and paid.StoreRegistry satisfy it.
type Registry interface {
	GetTemplateByEntry(parentID uint32, childType paid.ChildType, childName string, referredID uint32) (uint32, bool)
	GetIndexByEntry(prefixID uint32, append *string, compose uint32) (uint32, bool, error)
	TemplateByID(id uint32) (paid.TemplateEntry, bool)
	IndexByID(id uint32) (paid.IndexEntry, bool)
}

// Marshaller encodes values for one connection. It remembers which
// template and index IDs have already been declared to the peer and
// collects the newly used ones, so the sender can emit a define message
// before the message that first refers to them.
type Marshaller struct {
	reg Registry

	mu               sync.Mutex
	declaredTemplate map[uint32]bool
	declaredIndex    map[uint32]bool
	pendingTemplate  map[uint32]bool
	pendingIndex     map[uint32]bool
	pendingOrder     []pendingID
}

type pendingID struct {
	id       uint32
	template bool
}

// NewMarshaller returns a marshaller with an empty declaration set.
func NewMarshaller(reg Registry) *Marshaller {
	m := &Marshaller{reg: reg}
	m.Reset()
	return m
}

// Reset forgets everything declared to the peer, forcing full
// re-declaration. Called after a reconnect.
func (m *Marshaller) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declaredTemplate = map[uint32]bool{paid.RootID: true}
	m.declaredIndex = map[uint32]bool{paid.RootID: true}
	m.pendingTemplate = make(map[uint32]bool)
	m.pendingIndex = make(map[uint32]bool)
	m.pendingOrder = nil
}

// MarshalValue encodes v, noting every template and index ID it uses.
func (m *Marshaller) MarshalValue(v Value) (json.RawMessage, error) {
	return encodeValue(v, m.note)
}

// NoteIdent records the IDs an element identifier depends on, so they are
// declared before the identifier travels as a map key.
func (m *Marshaller) NoteIdent(id Ident) {
	m.note(id.TemplateID, id.IndexID)
}

func (m *Marshaller) note(templateID, indexID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if templateID != 0 && !m.declaredTemplate[templateID] && !m.pendingTemplate[templateID] {
		m.pendingTemplate[templateID] = true
		m.pendingOrder = append(m.pendingOrder, pendingID{id: templateID, template: true})
	}
	if indexID != 0 && !m.declaredIndex[indexID] && !m.pendingIndex[indexID] {
		m.pendingIndex[indexID] = true
		m.pendingOrder = append(m.pendingOrder, pendingID{id: indexID})
	}
}

// TakeDefinitions drains the set of newly used IDs into a definition
// list, ordered so that every entry's dependencies (template parents and
// referred templates, index prefixes and composed indices) appear before
// the entry itself. IDs already declared to the peer are not repeated.
func (m *Marshaller) TakeDefinitions() ([]wire.Definition, error) {
	m.mu.Lock()
	order := m.pendingOrder
	m.pendingTemplate = make(map[uint32]bool)
	m.pendingIndex = make(map[uint32]bool)
	m.pendingOrder = nil
	m.mu.Unlock()

	if len(order) == 0 {
		return nil, nil
	}

	var defs []wire.Definition

	var emitTemplate func(id uint32) error
	var emitIndex func(id uint32) error

	emitTemplate = func(id uint32) error {
		if id == 0 || m.isDeclared(id, true) {
			return nil
		}
		entry, ok := m.reg.TemplateByID(id)
		if !ok {
			return fmt.Errorf("template %d used but not in the registry", id)
		}
		if err := emitTemplate(entry.ParentID); err != nil {
			return err
		}
		if err := emitTemplate(entry.ReferredID); err != nil {
			return err
		}
		m.setDeclared(id, true)
		defs = append(defs, wire.Definition{
			TemplateID: id,
			ParentID:   entry.ParentID,
			ChildType:  string(entry.ChildType),
			ChildName:  entry.ChildName,
			ReferredID: entry.ReferredID,
		})
		return nil
	}
	emitIndex = func(id uint32) error {
		if id == 0 || m.isDeclared(id, false) {
			return nil
		}
		entry, ok := m.reg.IndexByID(id)
		if !ok {
			return fmt.Errorf("index %d used but not in the registry", id)
		}
		if err := emitIndex(entry.PrefixID); err != nil {
			return err
		}
		if err := emitIndex(entry.Compose); err != nil {
			return err
		}
		m.setDeclared(id, false)
		defs = append(defs, wire.Definition{
			IndexID:  id,
			PrefixID: entry.PrefixID,
			Append:   entry.Append,
			Compose:  entry.Compose,
		})
		return nil
	}

	for _, p := range order {
		var err error
		if p.template {
			err = emitTemplate(p.id)
		} else {
			err = emitIndex(p.id)
		}
		if err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (m *Marshaller) isDeclared(id uint32, template bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if template {
		return m.declaredTemplate[id]
	}
	return m.declaredIndex[id]
}

func (m *Marshaller) setDeclared(id uint32, template bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if template {
		m.declaredTemplate[id] = true
	} else {
		m.declaredIndex[id] = true
	}
}
