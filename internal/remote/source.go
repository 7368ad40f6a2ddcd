package remote

import (
	"context"
	"encoding/json"

	"plantao/internal/domain"
)

// QueryOptions narrows a collection query. Filters are equality matches
// against fields of the record payload; OrderBy names a single payload
// field, ascending unless Descending is set.
type QueryOptions struct {
	Filters    map[string]string
	OrderBy    string
	Descending bool
	Limit      int
}

// Source is the opaque asynchronous interface to the remote data store.
// The fetcher and the pending-sync queue depend on this, never on the
// HTTP client directly.
type Source interface {
	Query(ctx context.Context, collection string, opts QueryOptions) ([]json.RawMessage, error)
	QueryOne(ctx context.Context, collection, id string) (json.RawMessage, error)
	Mutate(ctx context.Context, collection string, action domain.SyncAction, payload json.RawMessage) error
}
