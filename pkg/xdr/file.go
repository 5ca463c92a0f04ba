package xdr

import (
	"encoding/json"
	"fmt"

	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/wire"
)

// File is the export image of one resource: the template and index
// entries its data depends on, followed by the elements themselves. The
// same codec interface that feeds a connection feeds this in-memory
// target, so an export round-trips through the ordinary declare-then-use
// machinery.
type File struct {
	Template []wire.Definition `json:"template"`
	Index    []wire.Definition `json:"index"`
	Data     []FileElement     `json:"data"`
}

// FileElement is one exported application-state element.
type FileElement struct {
	Ident    string          `json:"ident"`
	Revision uint64          `json:"revision"`
	Value    json.RawMessage `json:"value"`
}

// Dump exports the given resource from st as a File. The marshaller is
// given a fresh declaration set, so every template and index the data
// depends on lands in the file, dependencies first.
func Dump(st store.Store, reg Registry, resource string) (*File, error) {
	elems, err := st.Range(resource, 0)
	if err != nil && err != store.ErrNoResource {
		return nil, fmt.Errorf("reading resource %s: %w", resource, err)
	}

	m := NewMarshaller(reg)
	file := &File{Data: make([]FileElement, 0, len(elems))}
	for _, e := range elems {
		ident, err := ParseIdent(e.Ident)
		if err != nil {
			return nil, err
		}
		m.NoteIdent(ident)
		// Re-encode so values re-marshal element references through the
		// declaration tracker.
		v, err := DecodeLocal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding stored element %s: %w", e.Ident, err)
		}
		raw, err := m.MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding element %s: %w", e.Ident, err)
		}
		file.Data = append(file.Data, FileElement{Ident: e.Ident, Revision: e.Revision, Value: raw})
	}

	defs, err := m.TakeDefinitions()
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if d.TemplateID != 0 {
			file.Template = append(file.Template, d)
		} else {
			file.Index = append(file.Index, d)
		}
	}
	return file, nil
}

// Load imports file into st under the given resource. Template and index
// entries are registered with the local registry first; data identifiers
// and values are then translated through the resulting tables. With
// override set, any existing content of the resource is dropped first;
// otherwise imported elements append on top of it.
func Load(file *File, st store.Store, reg Registry, resource string, override bool) error {
	u := NewUnmarshaller(reg)
	if err := u.ApplyDefinitions(file.Template); err != nil {
		return fmt.Errorf("importing template entries: %w", err)
	}
	if err := u.ApplyDefinitions(file.Index); err != nil {
		return fmt.Errorf("importing index entries: %w", err)
	}

	if override {
		if err := st.Clear(resource); err != nil {
			return fmt.Errorf("clearing resource %s: %w", resource, err)
		}
	}

	// Group by exported revision so each original batch lands as one
	// appended batch, preserving the ordering unit.
	var batch []store.Element
	var batchRevision uint64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := st.Append(resource, batch); err != nil {
			return fmt.Errorf("appending imported batch: %w", err)
		}
		batch = nil
		return nil
	}
	for _, e := range file.Data {
		ident, err := ParseIdent(e.Ident)
		if err != nil {
			return err
		}
		local, err := u.TranslateIdent(ident)
		if err != nil {
			return fmt.Errorf("translating identifier %s: %w", e.Ident, err)
		}
		v, err := u.UnmarshalValue(e.Value)
		if err != nil {
			return fmt.Errorf("decoding element %s: %w", e.Ident, err)
		}
		raw, err := EncodeLocal(v)
		if err != nil {
			return fmt.Errorf("re-encoding element %s: %w", e.Ident, err)
		}
		if e.Revision != batchRevision {
			if err := flush(); err != nil {
				return err
			}
			batchRevision = e.Revision
		}
		batch = append(batch, store.Element{Ident: local.String(), Value: raw})
	}
	return flush()
}
