package reconstruct

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/kv"
)

const prefixContent = "content/"

// ContentStore holds locally owned content: reconstructed blobs and newly
// authored ones. Every blob is checked against its content id on write.
type ContentStore struct {
	store kv.Store
}

func NewContentStore(store kv.Store) *ContentStore {
	return &ContentStore{store: store}
}

func (s *ContentStore) Put(ctx context.Context, contentID string, blob []byte) error {
	if err := core.VerifyContent(contentID, blob); err != nil {
		return err
	}
	if err := s.store.Put(ctx, prefixContent+contentID, blob); err != nil {
		return fmt.Errorf("persist content %s: %w", contentID, err)
	}
	return nil
}

// Get returns the blob or core.ErrNotFound.
func (s *ContentStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	return s.store.Get(ctx, prefixContent+contentID)
}

func (s *ContentStore) Has(ctx context.Context, contentID string) (bool, error) {
	_, err := s.store.Get(ctx, prefixContent+contentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
