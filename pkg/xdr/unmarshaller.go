package xdr

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/wire"
)

// Unmarshaller decodes values received on one connection, rewriting the
// peer's template and index IDs into local ones. The translation tables
// grow as define messages arrive: each received definition is registered
// with the local registry, which may assign a local ID that differs from
// the remote one.
type Unmarshaller struct {
	reg Registry

	mu          sync.Mutex
	templateMap map[uint32]uint32
	indexMap    map[uint32]uint32
}

// NewUnmarshaller returns an unmarshaller with empty translation tables.
func NewUnmarshaller(reg Registry) *Unmarshaller {
	u := &Unmarshaller{reg: reg}
	u.Reset()
	return u
}

// Reset clears the translation tables. Called after a reconnect: the peer
// re-declares everything it uses.
func (u *Unmarshaller) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.templateMap = map[uint32]uint32{paid.RootID: paid.RootID}
	u.indexMap = map[uint32]uint32{paid.RootID: paid.RootID}
}

// ApplyDefinitions grows the translation tables from a received define
// list. Definitions must arrive dependencies-first; a definition naming
// an untranslated parent is a protocol violation.
func (u *Unmarshaller) ApplyDefinitions(defs []wire.Definition) error {
	for _, d := range defs {
		switch {
		case d.TemplateID != 0 && d.IndexID != 0:
			return fmt.Errorf("definition with both template ID %d and index ID %d", d.TemplateID, d.IndexID)
		case d.TemplateID != 0:
			if err := u.applyTemplate(d); err != nil {
				return err
			}
		case d.IndexID != 0:
			if err := u.applyIndex(d); err != nil {
				return err
			}
		default:
			return fmt.Errorf("definition with neither template nor index ID")
		}
	}
	return nil
}

func (u *Unmarshaller) applyTemplate(d wire.Definition) error {
	parent, err := u.localTemplate(d.ParentID)
	if err != nil {
		return fmt.Errorf("template %d: %w", d.TemplateID, err)
	}
	referred := uint32(0)
	if d.ReferredID != 0 {
		if referred, err = u.localTemplate(d.ReferredID); err != nil {
			return fmt.Errorf("template %d: %w", d.TemplateID, err)
		}
	}
	local, _ := u.reg.GetTemplateByEntry(parent, paid.ChildType(d.ChildType), d.ChildName, referred)
	u.mu.Lock()
	u.templateMap[d.TemplateID] = local
	u.mu.Unlock()
	return nil
}

func (u *Unmarshaller) applyIndex(d wire.Definition) error {
	prefix, err := u.localIndex(d.PrefixID)
	if err != nil {
		return fmt.Errorf("index %d: %w", d.IndexID, err)
	}
	compose := uint32(0)
	if d.Compose != 0 {
		if compose, err = u.localIndex(d.Compose); err != nil {
			return fmt.Errorf("index %d: %w", d.IndexID, err)
		}
	}
	local, _, err := u.reg.GetIndexByEntry(prefix, d.Append, compose)
	if err != nil {
		return fmt.Errorf("index %d: %w", d.IndexID, err)
	}
	u.mu.Lock()
	u.indexMap[d.IndexID] = local
	u.mu.Unlock()
	return nil
}

// UnmarshalValue decodes a wire value, translating element references.
func (u *Unmarshaller) UnmarshalValue(raw json.RawMessage) (Value, error) {
	return decodeValue(raw, u.translate)
}

// TranslateIdent rewrites the template and index IDs of a received
// element identifier into local ones.
func (u *Unmarshaller) TranslateIdent(id Ident) (Ident, error) {
	templateID, indexID, err := u.translate(id.TemplateID, id.IndexID)
	if err != nil {
		return Ident{}, err
	}
	return Ident{TemplateID: templateID, IndexID: indexID, Path: id.Path}, nil
}

func (u *Unmarshaller) translate(templateID, indexID uint32) (uint32, uint32, error) {
	localTemplate, err := u.localTemplate(templateID)
	if err != nil {
		return 0, 0, err
	}
	localIndex, err := u.localIndex(indexID)
	if err != nil {
		return 0, 0, err
	}
	return localTemplate, localIndex, nil
}

func (u *Unmarshaller) localTemplate(remote uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	local, ok := u.templateMap[remote]
	if !ok {
		return 0, fmt.Errorf("template %d referenced before its definition", remote)
	}
	return local, nil
}

func (u *Unmarshaller) localIndex(remote uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	local, ok := u.indexMap[remote]
	if !ok {
		return 0, fmt.Errorf("index %d referenced before its definition", remote)
	}
	return local, nil
}
