package store

import "context"

// NamedParam is one named query parameter for document backends.
type NamedParam struct {
	Name  string
	Value any
}

// DocumentClient executes SQL-API queries against a document container.
// The production implementation wraps the Cosmos SDK; tests inject fakes.
type DocumentClient interface {
	QueryDocuments(ctx context.Context, container, query string, params []NamedParam) ([]map[string]any, error)
}
