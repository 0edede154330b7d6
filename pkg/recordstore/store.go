// Package recordstore is the key-ordered record gateway. Records live under
// a partition key with sort keys discriminated by prefix; queries return
// records in ascending sort-key order. Everything is append-only except the
// latest-actions pointer and the PR pause flag, which are last-write-wins.
//
// Implementations: DynamoDB (single table), SQL (sqlite for dev and tests,
// postgres in deployments), and an in-process memory store.
package recordstore

import "context"

// Record is one stored row.
type Record struct {
	PK   string
	SK   string
	Item map[string]any
}

// Filter narrows a QueryPrefix result; nil keeps every record.
type Filter func(item map[string]any) bool

// Store is the gateway contract.
type Store interface {
	// PutRecord writes one record, overwriting any previous value at (pk, sk).
	PutRecord(ctx context.Context, rec Record) error
	// GetRecord fetches one record; found=false when absent.
	GetRecord(ctx context.Context, pk, sk string) (map[string]any, bool, error)
	// QueryPrefix returns records under pk whose sort key begins with skPrefix,
	// ascending by sort key, optionally filtered.
	QueryPrefix(ctx context.Context, pk, skPrefix string, filter Filter) ([]Record, error)
	// DeleteRecord removes one record; deleting an absent record is not an error.
	DeleteRecord(ctx context.Context, pk, sk string) error
}
