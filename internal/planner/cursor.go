package planner

import (
	"encoding/base64"
	"encoding/json"

	"datagate/internal/filter"
	"datagate/internal/gateway"
)

// cursorField is one ordering key captured in a pagination cursor.
type cursorField struct {
	Field string `json:"f"`
	Value any    `json:"v"`
	Desc  bool   `json:"d,omitempty"`
}

// EncodeCursor builds the opaque cursor for a row under the given order.
// The row must carry every ordering column, which the projection closure
// guarantees.
func EncodeCursor(row map[string]any, orderBy []OrderSpec) (string, error) {
	fields := make([]cursorField, len(orderBy))
	for i, o := range orderBy {
		v, ok := row[o.Field]
		if !ok {
			return "", gateway.Unexpected("cursor column missing from row", nil)
		}
		fields[i] = cursorField{Field: o.Field, Value: v, Desc: o.Desc}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", gateway.Unexpected("encode cursor", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(after string) ([]cursorField, error) {
	raw, err := base64.RawURLEncoding.DecodeString(after)
	if err != nil {
		return nil, gateway.BadRequest("invalid cursor")
	}
	var fields []cursorField
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, gateway.BadRequest("invalid cursor")
	}
	if len(fields) == 0 {
		return nil, gateway.BadRequest("invalid cursor")
	}
	return fields, nil
}

// cursorPredicate turns an opaque cursor into the strict tuple comparison
// that resumes the walk after the captured row. The cursor's column set and
// directions must match the current order exactly.
func cursorPredicate(after string, orderBy []OrderSpec) (filter.Expr, error) {
	fields, err := decodeCursor(after)
	if err != nil {
		return nil, err
	}
	if len(fields) != len(orderBy) {
		return nil, gateway.BadRequest("cursor does not match the requested order")
	}
	for i, f := range fields {
		if f.Field != orderBy[i].Field || f.Desc != orderBy[i].Desc {
			return nil, gateway.BadRequest("cursor does not match the requested order")
		}
	}

	// (k0 > v0) OR (k0 = v0 AND k1 > v1) OR ... with > flipped for DESC.
	var out filter.Expr
	for i := range fields {
		var clause filter.Expr = strictCompare(fields[i])
		for j := i - 1; j >= 0; j-- {
			clause = filter.Logic{
				Op: filter.OpAnd,
				Left: filter.Compare{
					Op:    filter.OpEq,
					Left:  filter.Field{Name: fields[j].Field},
					Right: filter.Literal{Value: fields[j].Value},
				},
				Right: clause,
			}
		}
		if out == nil {
			out = clause
		} else {
			out = filter.Logic{Op: filter.OpOr, Left: out, Right: clause}
		}
	}
	return out, nil
}

func strictCompare(f cursorField) filter.Compare {
	op := filter.OpGt
	if f.Desc {
		op = filter.OpLt
	}
	return filter.Compare{
		Op:    op,
		Left:  filter.Field{Name: f.Field},
		Right: filter.Literal{Value: f.Value},
	}
}
