package artifact

import (
	"context"
	"time"
)

// Store persists artifacts and exchanges stored refs for time-limited URLs.
type Store interface {
	// Store writes data under pathHint and returns its stable ref
	Store(ctx context.Context, data []byte, contentType, pathHint string) (Ref, error)
	// RetrievalURL returns a URL a client can fetch until ttl elapses
	RetrievalURL(ctx context.Context, ref Ref, ttl time.Duration) (string, error)
}

// Checker is implemented by stores that can report their own reachability
type Checker interface {
	Check(ctx context.Context) error
}

// URLFor returns a client-fetchable URL for ref, asking the store only when
// the ref is not already public.
func URLFor(ctx context.Context, store Store, ref Ref, ttl time.Duration) (string, error) {
	if ref.Fetchable() {
		return string(ref), nil
	}
	return store.RetrievalURL(ctx, ref, ttl)
}
