package secrets

import "context"

// Vault resolves connection credentials (${{connections.KEY}}) at runtime.
// Credentials are encrypted at rest (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// ConnectionStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type ConnectionStore interface {
	StoreConnection(ctx context.Context, key string, value []byte) error
	GetConnection(ctx context.Context, key string) ([]byte, error)
	DeleteConnection(ctx context.Context, key string) error
	ListConnections(ctx context.Context) ([]string, error)
}
