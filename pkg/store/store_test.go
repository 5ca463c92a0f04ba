package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/cdl-lang/remoting/pkg/paid"
)

func strptr(s string) *string {
	return &s
}

func TestAppendAssignsDenseRevisions(t *testing.T) {
	s := NewMemStore()

	r1, err := s.Append("appState", []Element{
		{Ident: "1:1:a", Value: []byte(`1`)},
		{Ident: "1:1:b", Value: []byte(`2`)},
	})
	if err != nil {
		t.Fatalf("append failed: %s", err)
	}
	r2, err := s.Append("appState", []Element{{Ident: "1:1:a", Value: []byte(`3`)}})
	if err != nil {
		t.Fatalf("append failed: %s", err)
	}
	if r1 != 1 || r2 != 2 {
		t.Fatalf("expected revisions 1 and 2, got %d and %d", r1, r2)
	}
	if s.LatestRevision("appState") != 2 {
		t.Fatalf("latest revision %d, want 2", s.LatestRevision("appState"))
	}

	// Both elements of the first batch share its revision.
	elems, err := s.Range("appState", 0)
	if err != nil {
		t.Fatalf("range failed: %s", err)
	}
	if len(elems) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(elems))
	}
	if elems[0].Revision != 1 || elems[1].Revision != 1 || elems[2].Revision != 2 {
		t.Fatalf("unexpected revisions %d %d %d", elems[0].Revision, elems[1].Revision, elems[2].Revision)
	}

	// Range from a resume point skips covered revisions.
	tail, err := s.Range("appState", 1)
	if err != nil {
		t.Fatalf("range failed: %s", err)
	}
	if len(tail) != 1 || tail[0].Ident != "1:1:a" || tail[0].Revision != 2 {
		t.Fatalf("unexpected tail %v", tail)
	}

	// Independent resources have independent revision sequences.
	other, err := s.Append("metadata", []Element{{Ident: "1:1:m", Value: []byte(`0`)}})
	if err != nil {
		t.Fatalf("append failed: %s", err)
	}
	if other != 1 {
		t.Fatalf("expected the first revision of another resource to be 1, got %d", other)
	}
}

func TestRangeUnknownResource(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Range("appState", 0); !errors.Is(err, ErrNoResource) {
		t.Fatalf("expected ErrNoResource, got %v", err)
	}
}

func TestClear(t *testing.T) {
	s := NewMemStore()
	s.Append("appState", []Element{{Ident: "1:1:a", Value: []byte(`1`)}})
	if err := s.Clear("appState"); err != nil {
		t.Fatalf("clear failed: %s", err)
	}
	if _, err := s.Range("appState", 0); !errors.Is(err, ErrNoResource) {
		t.Fatalf("expected ErrNoResource after clear, got %v", err)
	}
	if s.LatestRevision("appState") != 0 {
		t.Fatal("expected the revision counter to reset on clear")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open failed: %s", err)
	}
	fs.AddTemplate(2, paid.TemplateEntry{ParentID: 1, ChildType: paid.ChildSingle, ChildName: "a"})
	fs.AddIndex(2, paid.IndexEntry{PrefixID: 1, Append: strptr("k")})
	if _, err := fs.Append("appState", []Element{{Ident: "2:2:x", Value: []byte(`42`)}}); err != nil {
		t.Fatalf("append failed: %s", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %s", err)
	}
	elems, err := reopened.Range("appState", 0)
	if err != nil {
		t.Fatalf("range failed: %s", err)
	}
	want := []Element{{Ident: "2:2:x", Value: []byte(`42`), Revision: 1}}
	if diff := deep.Equal(elems, want); diff != nil {
		t.Fatalf("reloaded elements differ: %v", diff)
	}
	if reopened.LatestRevision("appState") != 1 {
		t.Fatalf("reloaded revision %d, want 1", reopened.LatestRevision("appState"))
	}

	templates, err := reopened.Templates()
	if err != nil {
		t.Fatalf("templates failed: %s", err)
	}
	indexes, err := reopened.Indexes()
	if err != nil {
		t.Fatalf("indexes failed: %s", err)
	}
	if len(templates) != 1 || templates[0].ID != 2 || templates[0].Entry.ChildName != "a" {
		t.Fatalf("reloaded templates %v", templates)
	}
	if len(indexes) != 1 || indexes[0].ID != 2 || indexes[0].Entry.Append == nil || *indexes[0].Entry.Append != "k" {
		t.Fatalf("reloaded indexes %v", indexes)
	}

	// A fresh append continues the revision sequence.
	r, err := reopened.Append("appState", []Element{{Ident: "2:2:y", Value: []byte(`43`)}})
	if err != nil {
		t.Fatalf("append failed: %s", err)
	}
	if r != 2 {
		t.Fatalf("expected revision 2 after reopen, got %d", r)
	}
}
