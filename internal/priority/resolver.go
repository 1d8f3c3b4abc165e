// Package priority serves live content reads while a recovery is still
// running. Available content is returned at once, content still queued in a
// session jumps the queue and covered content outside any session is
// reconstructed on its own.
package priority

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/reconstruct"
)

var log = logging.Logger("priority")

// Grants looks up the authorization an identity currently holds.
type Grants interface {
	ActiveGrant(ctx context.Context, identity string) (core.RecoveryRequest, []core.RecoveryAuthorization, error)
}

// Reconstructor is the part of the reconstruction coordinator the resolver
// drives.
type Reconstructor interface {
	Store() *reconstruct.ContentStore
	ActiveSessionFor(identity, contentID string) (*reconstruct.Session, bool)
	Covers(ctx context.Context, req core.RecoveryRequest, auths []core.RecoveryAuthorization, contentID string) (bool, error)
	ReconstructOne(ctx context.Context, contentID string) ([]byte, error)
}

type State string

const (
	StateAvailable State = "available"
	StatePending   State = "pending"
)

// Result is either the content or a handle on its pending reconstruction.
type Result struct {
	State   State
	Content []byte
	Pending *Handle
}

// Handle tracks one pending item. Wait blocks until the content is local.
type Handle struct {
	ContentID string
	SessionID string
	done      <-chan struct{}
	wait      func(ctx context.Context) ([]byte, error)
	progress  func() (reconstruct.Item, bool)
}

// Done is closed when the pending reconstruction ends, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	return h.wait(ctx)
}

// Item reports the per-content record when the item belongs to a session.
func (h *Handle) Item() (reconstruct.Item, bool) {
	if h.progress == nil {
		return reconstruct.Item{}, false
	}
	return h.progress()
}

type Resolver struct {
	grants Grants
	coord  Reconstructor
	// bg outlives individual reads so a micro-reconstruction completes
	// even if the caller stops waiting.
	bg context.Context
}

func NewResolver(ctx context.Context, grants Grants, coord Reconstructor) *Resolver {
	return &Resolver{grants: grants, coord: coord, bg: ctx}
}

// RequestContent serves a read by a recovering identity. The proof is a
// signature over core.ReadPayload by the device key of the identity's
// authorized request, and the content must be inside that request's scope.
// Content held locally is returned at once. Otherwise the item is promoted
// in the identity's active session or, outside any session, reconstructed
// on its own, and the result is Pending.
func (r *Resolver) RequestContent(ctx context.Context, identity, contentID string, proof []byte) (Result, error) {
	if !core.ValidContentID(contentID) {
		return Result{}, fmt.Errorf("%w: bad content id %q", core.ErrInvalidRequest, contentID)
	}
	req, auths, err := r.grants.ActiveGrant(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	if !verifyRead(req, contentID, proof) {
		return Result{}, fmt.Errorf("%w: read proof for %s does not verify", core.ErrNotAuthorized, contentID)
	}

	s, inSession := r.coord.ActiveSessionFor(identity, contentID)
	if !inSession {
		covered, err := r.coord.Covers(ctx, req, auths, contentID)
		if err != nil {
			return Result{}, err
		}
		if !covered {
			return Result{}, fmt.Errorf("%w: %s", core.ErrNotAuthorized, contentID)
		}
	}

	blob, err := r.coord.Store().Get(ctx, contentID)
	if err == nil {
		return Result{State: StateAvailable, Content: blob}, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return Result{}, err
	}

	if inSession {
		if s.Promote(contentID) {
			log.Infow("promoted content in recovery session", "session", s.ID, "content", contentID)
		}
		return Result{State: StatePending, Pending: r.sessionHandle(s, contentID)}, nil
	}
	log.Infow("starting micro-reconstruction", "identity", identity, "content", contentID)
	return Result{State: StatePending, Pending: r.microHandle(contentID)}, nil
}

func verifyRead(req core.RecoveryRequest, contentID string, proof []byte) bool {
	if len(req.DeviceKey) != ed25519.PublicKeySize || len(proof) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(req.DeviceKey, core.ReadPayload(req.Identity, contentID), proof)
}

func (r *Resolver) sessionHandle(s *reconstruct.Session, contentID string) *Handle {
	store := r.coord.Store()
	done := s.Done(contentID)
	return &Handle{
		ContentID: contentID,
		SessionID: s.ID,
		done:      done,
		progress:  func() (reconstruct.Item, bool) { return s.Item(contentID) },
		wait: func(ctx context.Context) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.Finished():
			case <-done:
			}
			blob, err := store.Get(ctx, contentID)
			if err == nil {
				return blob, nil
			}
			if it, ok := s.Item(contentID); ok && it.Status == reconstruct.ItemFailed {
				if cause := core.FromCode(it.Reason); cause != nil {
					return nil, fmt.Errorf("reconstruct %s: %w", contentID, cause)
				}
				return nil, fmt.Errorf("reconstruct %s: %s", contentID, it.Reason)
			}
			return nil, err
		},
	}
}

func (r *Resolver) microHandle(contentID string) *Handle {
	done := make(chan struct{})
	var (
		blob []byte
		err  error
	)
	go func() {
		defer close(done)
		blob, err = r.coord.ReconstructOne(r.bg, contentID)
		if err != nil {
			log.Warnw("micro-reconstruction failed", "content", contentID, "err", err)
		}
	}()
	return &Handle{
		ContentID: contentID,
		done:      done,
		wait: func(ctx context.Context) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-done:
				return blob, err
			}
		},
	}
}
