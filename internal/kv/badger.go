package kv

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	"github.com/ethosengine/elohim/internal/core"
)

// Badger is the default embedded store.
type Badger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*Badger, error) {
	if dir == "" {
		return nil, errors.New("badger store needs a directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	log.Infow("opened badger store", "dir", dir)
	return &Badger{db: db}, nil
}

func (b *Badger) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrNotFound
	}
	return out, err
}

func (b *Badger) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Query(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: string(item.KeyCopy(nil)), Value: value})
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
