package authz

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/notify"
	"github.com/ethosengine/elohim/internal/trust"
)

// issueChallenge creates and persists the challenge for one contact and
// notifies the relationship. Notification failures are logged only: the
// challenge stays answerable.
func (e *Engine) issueChallenge(ctx context.Context, req core.RecoveryRequest, contact trust.Contact) (core.RecoveryChallenge, error) {
	now := e.now().UTC()
	expires := now.Add(e.cfg.ChallengeExpiry)
	if req.ExpiresAt.Before(expires) {
		expires = req.ExpiresAt
	}
	ch := core.RecoveryChallenge{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Challenger: contact.RelationshipID,
		Type:       contact.ChallengeType,
		Grant:      core.GrantScope{Kind: contact.Access, ContentIDs: contact.ContentIDs},
		IssuedAt:   now,
		ExpiresAt:  expires,
	}
	if ch.Type == "" {
		ch.Type = core.ChallengeLiveCall
	}
	if ch.Grant.Kind == "" {
		ch.Grant.Kind = core.GrantFull
	}

	msg := notify.Message{
		RequestID:   req.ID,
		ChallengeID: ch.ID,
		Identity:    req.Identity,
		Subject:     fmt.Sprintf("%s is recovering their identity", req.Identity),
	}
	switch ch.Type {
	case core.ChallengeQuestion:
		ch.Payload = []byte(contact.Question)
		ch.Secret = contact.AnswerHash
		msg.Body = "Confirm with the requester in person before they answer your shared question."
	case core.ChallengeOutOfBand, core.ChallengeLiveCall:
		code, err := oneTimeCode()
		if err != nil {
			return core.RecoveryChallenge{}, err
		}
		ch.Secret = trust.HashAnswer(code)
		msg.Code = code
		if ch.Type == core.ChallengeOutOfBand {
			msg.Body = fmt.Sprintf("Only if you have verified it is really them, share this code: %s", code)
		} else {
			ch.Payload = []byte("live verification call")
			msg.Body = fmt.Sprintf("Call the requester. If it is really them, approve with code %s; never share it.", code)
		}
	case core.ChallengeHardwareKey:
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return core.RecoveryChallenge{}, fmt.Errorf("generate nonce: %w", err)
		}
		ch.Payload = nonce
		ch.Secret = contact.PublicKey
		msg.Body = fmt.Sprintf("Sign challenge %s with your registered key to vouch.", hex.EncodeToString(nonce))
	default:
		return core.RecoveryChallenge{}, fmt.Errorf("%w: unknown challenge type %q", core.ErrInvalidRequest, ch.Type)
	}

	if err := e.records.putChallenge(ctx, ch); err != nil {
		return core.RecoveryChallenge{}, fmt.Errorf("persist challenge: %w", err)
	}
	if _, err := e.notifier.Notify(ctx, contact.RelationshipID, msg); err != nil {
		log.Warnw("notification failed", "request", req.ID, "relationship", contact.RelationshipID, "err", err)
	}
	return ch, nil
}

// verifyResponse checks a response against the pre-registered secret,
// question or credential of the challenge.
func verifyResponse(ch core.RecoveryChallenge, response []byte) bool {
	switch ch.Type {
	case core.ChallengeQuestion, core.ChallengeOutOfBand, core.ChallengeLiveCall:
		if ch.Secret == "" {
			return false
		}
		got := trust.HashAnswer(string(response))
		return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(ch.Secret))) == 1
	case core.ChallengeHardwareKey:
		pub, err := trust.DecodePublicKey(ch.Secret)
		if err != nil {
			return false
		}
		return verifySignature(pub, ch.Payload, response)
	default:
		return false
	}
}

// verifySignature accepts raw or hex-encoded ed25519 signatures.
func verifySignature(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) == 2*ed25519.SignatureSize {
		if raw, err := hex.DecodeString(string(sig)); err == nil {
			sig = raw
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func oneTimeCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func capabilityToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate capability token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
