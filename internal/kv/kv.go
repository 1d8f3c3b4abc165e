// Package kv is the key-value put/get/query surface the recovery protocol
// persists through. Keys are slash-separated strings; Query returns entries
// whose key starts with a prefix, ordered by key.
package kv

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kv")

type Entry struct {
	Key   string
	Value []byte
}

type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns core.ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Query(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "badger":
		return OpenBadger(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Key joins parts with '/'.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
