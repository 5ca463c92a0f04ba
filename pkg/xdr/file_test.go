package xdr

import (
	"testing"

	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/store"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	src := store.NewMemStore()
	srcReg := paid.NewRegistry()
	templateID, indexID := buildChain(t, srcReg)

	ident := Ident{TemplateID: templateID, IndexID: indexID, Path: "context.x"}
	rawValue, err := EncodeLocal(AttributeValue(map[string]Value{
		"ref": ElementReference(templateID, indexID),
		"n":   Number(42),
	}))
	if err != nil {
		t.Fatalf("encode failed: %s", err)
	}
	if _, err := src.Append("appState", []store.Element{{Ident: ident.String(), Value: rawValue}}); err != nil {
		t.Fatalf("append failed: %s", err)
	}
	if _, err := src.Append("appState", []store.Element{{Ident: ident.String(), Value: rawValue}}); err != nil {
		t.Fatalf("append failed: %s", err)
	}

	file, err := Dump(src, srcReg, "appState")
	if err != nil {
		t.Fatalf("dump failed: %s", err)
	}
	if len(file.Data) != 2 {
		t.Fatalf("expected 2 exported elements, got %d", len(file.Data))
	}
	if len(file.Template) == 0 || len(file.Index) == 0 {
		t.Fatalf("expected template and index declarations, got %d and %d", len(file.Template), len(file.Index))
	}

	// Import into a fresh store whose registry already has diverging
	// allocations.
	dst := store.NewMemStore()
	dstReg := paid.NewRegistry()
	dstReg.GetTemplateByEntry(paid.RootID, paid.ChildIntersection, "unrelated", 0)

	if err := Load(file, dst, dstReg, "appState", false); err != nil {
		t.Fatalf("load failed: %s", err)
	}
	elems, err := dst.Range("appState", 0)
	if err != nil {
		t.Fatalf("range failed: %s", err)
	}
	if len(elems) != 2 {
		t.Fatalf("expected 2 imported elements, got %d", len(elems))
	}
	// The original two appends were separate batches and must stay
	// separate revisions.
	if elems[0].Revision == elems[1].Revision {
		t.Fatal("imported batches collapsed into one revision")
	}
	// Identifiers were translated into the destination registry's IDs.
	imported, err := ParseIdent(elems[0].Ident)
	if err != nil {
		t.Fatalf("imported identifier is malformed: %s", err)
	}
	if imported.TemplateID == templateID {
		t.Fatal("imported identifier kept the source template ID despite diverging registries")
	}
	if imported.Path != "context.x" {
		t.Fatalf("imported identifier path %q", imported.Path)
	}

	v, err := DecodeLocal(elems[0].Value)
	if err != nil {
		t.Fatalf("imported value is malformed: %s", err)
	}
	ref := v.Attrs["ref"]
	if ref.TemplateID != imported.TemplateID {
		t.Fatalf("element reference translated to %d, identifier to %d", ref.TemplateID, imported.TemplateID)
	}
}

func TestLoadOverrideReplaces(t *testing.T) {
	reg := paid.NewRegistry()
	st := store.NewMemStore()
	if _, err := st.Append("appState", []store.Element{{Ident: "1:1:old", Value: []byte(`"old"`)}}); err != nil {
		t.Fatalf("append failed: %s", err)
	}

	file := &File{Data: []FileElement{{Ident: "1:1:new", Revision: 1, Value: []byte(`"new"`)}}}
	if err := Load(file, st, reg, "appState", true); err != nil {
		t.Fatalf("load failed: %s", err)
	}
	elems, err := st.Range("appState", 0)
	if err != nil {
		t.Fatalf("range failed: %s", err)
	}
	if len(elems) != 1 || elems[0].Ident != "1:1:new" {
		t.Fatalf("override import left %v", elems)
	}
}
