package audit

import (
	"context"
)

// Store persists audit events. Append-only: no update or delete methods exist
// by design; retention is an external collaborator's concern.
type Store interface {
	Append(ctx context.Context, event Event) error
	Search(ctx context.Context, q Query) ([]Event, error)
}
