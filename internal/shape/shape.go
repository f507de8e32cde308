// Package shape trims raw backend JSON down to the caller's selection. The
// planner over-fetches on purpose: join, ordering and cursor columns ride
// along in every row, and lists carry one probe row past the page size. All
// of that is stripped here, over JSON text, without decoding full documents.
package shape

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"datagate/internal/gateway"
	"datagate/internal/planner"
)

// ListDocument is one shaped page of rows.
type ListDocument struct {
	Items       json.RawMessage
	HasNextPage bool
	EndCursor   string
}

// List shapes a raw JSON array into a page. pageSize rows are kept; an extra
// row means a following page exists and the cursor of the last kept row is
// encoded.
func List(raw []byte, sel planner.Selection, pageSize int64, orderBy []planner.OrderSpec) (*ListDocument, error) {
	doc := gjson.ParseBytes(raw)
	if len(raw) == 0 {
		doc = gjson.Parse("[]")
	}
	if !doc.IsArray() {
		return nil, gateway.Unexpected("backend returned a non-array document", nil)
	}

	rows := doc.Array()
	hasNext := int64(len(rows)) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}

	out := []byte("[]")
	for _, row := range rows {
		item, err := shapeObject(row, sel)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRawBytes(out, "-1", item)
		if err != nil {
			return nil, gateway.Unexpected("assemble page", err)
		}
	}

	page := &ListDocument{Items: out, HasNextPage: hasNext}
	if hasNext && len(rows) > 0 {
		cursor, err := encodeRowCursor(rows[len(rows)-1], orderBy)
		if err != nil {
			return nil, err
		}
		page.EndCursor = cursor
	}
	return page, nil
}

// Item shapes a raw JSON object. An empty document means no row matched and
// returns nil.
func Item(raw []byte, sel planner.Selection) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc := gjson.ParseBytes(raw)
	if doc.Type == gjson.Null {
		return nil, nil
	}
	if !doc.IsObject() {
		return nil, gateway.Unexpected("backend returned a non-object document", nil)
	}
	return shapeObject(doc, sel)
}

// shapeObject keeps the selected fields and recurses into nested aliases.
// Selected fields absent from the row render as null so the output shape is
// stable regardless of what the backend omits.
func shapeObject(row gjson.Result, sel planner.Selection) ([]byte, error) {
	out := []byte("{}")
	var err error
	for _, f := range sel.Fields {
		v := row.Get(escapeKey(f))
		if v.Exists() {
			out, err = sjson.SetRawBytes(out, escapeKey(f), []byte(v.Raw))
		} else {
			out, err = sjson.SetBytes(out, escapeKey(f), nil)
		}
		if err != nil {
			return nil, gateway.Unexpected("shape row", err)
		}
	}
	for _, n := range sel.Nested {
		child := row.Get(escapeKey(n.Alias))
		shaped, err := shapeNested(child, n)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRawBytes(out, escapeKey(n.Alias), shaped)
		if err != nil {
			return nil, gateway.Unexpected("shape row", err)
		}
	}
	return out, nil
}

func shapeNested(child gjson.Result, n planner.Nested) ([]byte, error) {
	// Some backends deliver nested documents as JSON-encoded strings.
	if child.Type == gjson.String {
		child = gjson.Parse(child.String())
	}
	switch {
	case child.IsArray():
		limit := n.First
		if limit <= 0 {
			limit = planner.DefaultPageSize
		}
		rows := child.Array()
		if int64(len(rows)) > limit {
			rows = rows[:limit]
		}
		out := []byte("[]")
		for _, row := range rows {
			item, err := shapeObject(row, n.Selection)
			if err != nil {
				return nil, err
			}
			out, err = sjson.SetRawBytes(out, "-1", item)
			if err != nil {
				return nil, gateway.Unexpected("shape nested list", err)
			}
		}
		return out, nil
	case child.IsObject():
		return shapeObject(child, n.Selection)
	default:
		return []byte("null"), nil
	}
}

func encodeRowCursor(row gjson.Result, orderBy []planner.OrderSpec) (string, error) {
	values := map[string]any{}
	for _, o := range orderBy {
		values[o.Field] = row.Get(escapeKey(o.Field)).Value()
	}
	return planner.EncodeCursor(values, orderBy)
}

// escapeKey guards gjson/sjson path metacharacters in column names.
func escapeKey(k string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(k)
}
