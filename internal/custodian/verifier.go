package custodian

import (
	"errors"

	"github.com/ethosengine/elohim/internal/core"
)

// ScrubResult counts one pass of the fragment verifier.
type ScrubResult struct {
	Checked int
	Corrupt []StoredFragment
}

// FragmentVerifier re-hashes stored fragments against the hash recorded
// when they were stored. Corrupt fragments are dropped so the next custody
// probe reports them lost instead of serving bad bytes.
type FragmentVerifier struct {
	store *FragmentStore
}

func NewFragmentVerifier(store *FragmentStore) *FragmentVerifier {
	return &FragmentVerifier{store: store}
}

func (v *FragmentVerifier) Scrub() (ScrubResult, error) {
	var res ScrubResult
	for _, f := range v.store.List() {
		got, err := v.store.Hash(f.ContentID, f.Index)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return res, err
		}
		res.Checked++
		if err == nil && got == f.Hash {
			continue
		}
		log.Warnw("corrupt fragment dropped", "content", f.ContentID, "index", f.Index,
			"recorded", f.Hash, "actual", got)
		if err := v.store.Delete(f.ContentID, f.Index); err != nil {
			return res, err
		}
		res.Corrupt = append(res.Corrupt, f)
	}
	return res, nil
}
