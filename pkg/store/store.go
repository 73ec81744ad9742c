// Package store defines the runtime's storage boundary: a key-value
// contract used for descriptor, audit and shutdown persistence, and an
// optional durable queue backing agent inboxes. Three backends ship
// behind the same contracts: in-memory, SQLite and Redis.
package store

import (
	"context"
	"errors"
	"fmt"

	"mas/pkg/config"
	"mas/pkg/proto"
)

// ErrNotFound is returned by KV.Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// KV is the key-value contract the core consumes. Keys are slash
// separated paths ("agents/<id>", "audit/<bucket>/<action_id>").
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// DurableQueue persists inbox contents so a durable configuration can
// rehydrate undelivered messages across a restart.
type DurableQueue interface {
	Append(ctx context.Context, agentID string, msg *proto.Message) error
	Load(ctx context.Context, agentID string) ([]*proto.Message, error)
	Remove(ctx context.Context, agentID, messageID string) error
	Clear(ctx context.Context, agentID string) error
}

// Open constructs the KV selected by the config. The sqlite backend
// also implements DurableQueue; callers type-assert when durability is
// enabled.
func Open(cfg config.StorageConfig) (KV, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageSQLite:
		return OpenSQLite(cfg.Path)
	case config.StorageRedis:
		return OpenRedis(cfg.Addr, cfg.Password, cfg.DB)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
