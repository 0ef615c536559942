package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Entry struct {
	Key   string
	Value string
}

// Lister is implemented by stores that can scan a key prefix. Entries come
// back in descending key order, at most limit of them.
type Lister interface {
	ListPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error)
}
