package domain

import "context"

// MutateFunc sends a patch for one record to the remote API.
// The returned envelope decides whether an optimistic change is kept.
type MutateFunc func(ctx context.Context, id string, patch Patch) (Envelope, error)

// CollectionSource loads a full collection for a resource from the remote API.
type CollectionSource interface {
	List(ctx context.Context, resource string) (Collection, error)
	Mutate(ctx context.Context, resource, id string, patch Patch) (Envelope, error)
}
