package repo

import (
	"reflect"
	"strings"
	"testing"

	"github.com/odvcencio/refdb/pkg/object"
)

func TestTag_CreateResolveDelete(t *testing.T) {
	r := initRepo(t)

	if err := r.CreateTag("v1.0.0", h1, false); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	got, err := r.ResolveTag("v1.0.0")
	if err != nil {
		t.Fatalf("ResolveTag: %v", err)
	}
	if got != h1 {
		t.Fatalf("ResolveTag = %s, want %s", got, h1)
	}

	if err := r.CreateTag("v1.0.0", h2, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate CreateTag = %v, want already exists", err)
	}
	if err := r.CreateTag("v1.0.0", h2, true); err != nil {
		t.Fatalf("forced CreateTag: %v", err)
	}

	if err := r.DeleteTag("v1.0.0"); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
	if err := r.DeleteTag("v1.0.0"); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("second DeleteTag = %v, want does not exist", err)
	}
}

func TestTag_ListSkipsSymbolic(t *testing.T) {
	r := initRepo(t)
	for _, name := range []string{"v2", "v1", "release/v3"} {
		if err := r.CreateTag(name, h1, false); err != nil {
			t.Fatalf("CreateTag(%s): %v", name, err)
		}
	}
	if err := r.Refs.AddSymbolic("refs/tags/latest", "refs/tags/v2", false); err != nil {
		t.Fatalf("AddSymbolic: %v", err)
	}

	names, err := r.ListTags()
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if want := []string{"release/v3", "v1", "v2"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("ListTags = %v, want %v", names, want)
	}

	withHashes, err := r.ListTagsWithHashes()
	if err != nil {
		t.Fatalf("ListTagsWithHashes: %v", err)
	}
	if len(withHashes) != 3 || withHashes["v1"] != h1 {
		t.Fatalf("ListTagsWithHashes = %v", withHashes)
	}
}

func TestTag_Validation(t *testing.T) {
	r := initRepo(t)
	for _, name := range []string{"", "bad..name", "with space", "trailing/"} {
		if err := r.CreateTag(name, h1, false); err == nil {
			t.Errorf("CreateTag(%q) should fail", name)
		}
	}
	if err := r.CreateTag("v1", object.ZeroID, false); err == nil {
		t.Error("CreateTag with zero target should fail")
	}
}
