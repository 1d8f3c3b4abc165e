// Package trust exposes the pre-existing trust relationships the recovery
// protocol consults: who may vouch for an identity, how each relationship
// is challenged, and which hardware keys an identity registered.
package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ethosengine/elohim/internal/core"
)

// Contact is one relationship flagged for emergency access.
type Contact struct {
	RelationshipID string             `yaml:"relationship"`
	ChallengeType  core.ChallengeType `yaml:"challenge"`
	Question       string             `yaml:"question,omitempty"`
	AnswerHash     string             `yaml:"answer_sha256,omitempty"`
	PublicKey      string             `yaml:"public_key,omitempty"`
	Access         core.GrantKind     `yaml:"access"`
	ContentIDs     []string           `yaml:"content_ids,omitempty"`
}

// Graph is the trust-relationship lookup.
type Graph interface {
	EmergencyContacts(ctx context.Context, identity string) ([]Contact, error)
	HardwareKeys(ctx context.Context, identity string) ([]ed25519.PublicKey, error)
}

// HashAnswer normalises a personal-question answer and hashes it the way
// AnswerHash is registered.
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(answer))))
	return hex.EncodeToString(sum[:])
}

// Identity is the trust record of one identity.
type Identity struct {
	Contacts     []Contact `yaml:"contacts"`
	HardwareKeys []string  `yaml:"hardware_keys,omitempty"`
}

type file struct {
	Identities map[string]Identity `yaml:"identities"`
}

// Static is an in-memory Graph, loadable from a YAML file.
type Static struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

func NewStatic() *Static {
	return &Static{identities: make(map[string]Identity)}
}

// LoadFile reads a YAML trust file of the form
//
//	identities:
//	  alice:
//	    hardware_keys: [<hex ed25519>]
//	    contacts:
//	      - relationship: bob
//	        challenge: question
//	        question: "first pet?"
//	        answer_sha256: <hex>
//	        access: full
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse trust file: %w", err)
	}
	s := NewStatic()
	for id, rec := range f.Identities {
		s.Set(id, rec)
	}
	return s, nil
}

func (s *Static) Set(identity string, rec Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range rec.Contacts {
		if c.Access == "" {
			rec.Contacts[i].Access = core.GrantFull
		}
	}
	s.identities[identity] = rec
}

func (s *Static) EmergencyContacts(_ context.Context, identity string) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.identities[identity].Contacts...), nil
}

func (s *Static) HardwareKeys(_ context.Context, identity string) ([]ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ed25519.PublicKey
	for _, h := range s.identities[identity].HardwareKeys {
		key, err := DecodePublicKey(h)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// DecodePublicKey parses a hex ed25519 public key.
func DecodePublicKey(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
