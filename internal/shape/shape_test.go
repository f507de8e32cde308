package shape

import (
	"strconv"
	"strings"
	"testing"

	"datagate/internal/planner"
)

func TestList_StripsClosureAndPopsProbeRow(t *testing.T) {
	raw := []byte(`[
		{"id":1,"title":"Dune","author_id":4},
		{"id":2,"title":"Hyperion","author_id":5},
		{"id":3,"title":"Solaris","author_id":6}
	]`)
	sel := planner.Selection{Fields: []string{"title"}}
	order := []planner.OrderSpec{{Field: "id"}}

	page, err := List(raw, sel, 2, order)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if !page.HasNextPage {
		t.Fatal("probe row not detected")
	}
	got := string(page.Items)
	if got != `[{"title":"Dune"},{"title":"Hyperion"}]` {
		t.Fatalf("items: %s", got)
	}
	if page.EndCursor == "" {
		t.Fatal("missing end cursor")
	}
}

func TestList_LastPage(t *testing.T) {
	raw := []byte(`[{"id":1,"title":"Dune"}]`)
	page, err := List(raw, planner.Selection{Fields: []string{"title"}}, 2, []planner.OrderSpec{{Field: "id"}})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if page.HasNextPage || page.EndCursor != "" {
		t.Fatalf("page: %+v", page)
	}
}

func TestList_EmptyDocument(t *testing.T) {
	page, err := List(nil, planner.Selection{Fields: []string{"title"}}, 2, nil)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if string(page.Items) != "[]" || page.HasNextPage {
		t.Fatalf("page: %+v", page)
	}
}

func TestItem_NestedSelection(t *testing.T) {
	raw := []byte(`{"id":7,"title":"Dune","author_id":4,"author":{"id":4,"name":"Herbert"}}`)
	sel := planner.Selection{
		Fields: []string{"title"},
		Nested: []planner.Nested{{
			Alias:     "author",
			Selection: planner.Selection{Fields: []string{"name"}},
		}},
	}
	item, err := Item(raw, sel)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if string(item) != `{"title":"Dune","author":{"name":"Herbert"}}` {
		t.Fatalf("item: %s", item)
	}
}

func TestItem_NestedListTrimsToPageSize(t *testing.T) {
	var books []string
	for i := 1; i <= 3; i++ {
		books = append(books, `{"id":`+strconv.Itoa(i)+`,"title":"b"}`)
	}
	raw := []byte(`{"id":4,"books":[` + strings.Join(books, ",") + `]}`)
	sel := planner.Selection{
		Fields: []string{"id"},
		Nested: []planner.Nested{{
			Alias:     "books",
			First:     2,
			Selection: planner.Selection{Fields: []string{"title"}},
		}},
	}
	item, err := Item(raw, sel)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if string(item) != `{"id":4,"books":[{"title":"b"},{"title":"b"}]}` {
		t.Fatalf("item: %s", item)
	}
}

func TestItem_StringEncodedNestedDocument(t *testing.T) {
	raw := []byte(`{"id":1,"author":"{\"name\":\"Herbert\"}"}`)
	sel := planner.Selection{
		Fields: []string{"id"},
		Nested: []planner.Nested{{
			Alias:     "author",
			Selection: planner.Selection{Fields: []string{"name"}},
		}},
	}
	item, err := Item(raw, sel)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if string(item) != `{"id":1,"author":{"name":"Herbert"}}` {
		t.Fatalf("item: %s", item)
	}
}

func TestItem_NoRow(t *testing.T) {
	item, err := Item(nil, planner.Selection{Fields: []string{"id"}})
	if err != nil || item != nil {
		t.Fatalf("item %s err %v", item, err)
	}
	item, err = Item([]byte("null"), planner.Selection{Fields: []string{"id"}})
	if err != nil || item != nil {
		t.Fatalf("item %s err %v", item, err)
	}
}

func TestItem_MissingFieldRendersNull(t *testing.T) {
	item, err := Item([]byte(`{"id":1}`), planner.Selection{Fields: []string{"id", "title"}})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if string(item) != `{"id":1,"title":null}` {
		t.Fatalf("item: %s", item)
	}
}
