package jobs

import "context"

// KV is a durable key-value store. History and catalog data are stored as whole
// documents under fixed keys and rewritten on every change.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}
