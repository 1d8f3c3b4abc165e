package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentID returns the CIDv1 (raw codec, sha2-256) naming blob.
func ContentID(blob []byte) (string, error) {
	mh, err := multihash.Sum(blob, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// VerifyContent recomputes the identifier of blob using the prefix of id and
// reports ErrHashMismatch when they disagree.
func VerifyContent(id string, blob []byte) error {
	expected, err := cid.Decode(id)
	if err != nil {
		return fmt.Errorf("%w: invalid content id %q: %v", ErrHashMismatch, id, err)
	}
	actual, err := expected.Prefix().Sum(blob)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	if !actual.Equals(expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, actual)
	}
	return nil
}

// ValidContentID reports whether id parses as a CID.
func ValidContentID(id string) bool {
	_, err := cid.Decode(id)
	return err == nil
}

// FragmentHash is the tamper-detection hash recorded for a fragment.
func FragmentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
