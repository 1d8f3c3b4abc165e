package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/kv"
)

const (
	prefixRequest       = "recovery/req/"
	prefixChallenge     = "recovery/chal/"
	prefixRequestChal   = "recovery/chalreq/"
	prefixAuthorization = "recovery/auth/"
	prefixIdentity      = "recovery/ident/"
)

// records persists requests, challenges and authorizations. The session is
// rebuilt from these; they are the source of truth.
type records struct {
	store kv.Store
}

func (r records) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.store.Put(ctx, key, raw)
}

func (r records) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r records) putRequest(ctx context.Context, req core.RecoveryRequest) error {
	return r.putJSON(ctx, prefixRequest+req.ID, req)
}

func (r records) request(ctx context.Context, id string) (core.RecoveryRequest, error) {
	var req core.RecoveryRequest
	err := r.getJSON(ctx, prefixRequest+id, &req)
	return req, err
}

func (r records) requests(ctx context.Context) ([]core.RecoveryRequest, error) {
	entries, err := r.store.Query(ctx, prefixRequest)
	if err != nil {
		return nil, err
	}
	out := make([]core.RecoveryRequest, 0, len(entries))
	for _, e := range entries {
		var req core.RecoveryRequest
		if err := json.Unmarshal(e.Value, &req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func (r records) setLatest(ctx context.Context, identity, requestID string) error {
	return r.store.Put(ctx, prefixIdentity+url.PathEscape(identity), []byte(requestID))
}

// latest returns the most recent request of identity, or ErrNotFound.
func (r records) latest(ctx context.Context, identity string) (core.RecoveryRequest, error) {
	raw, err := r.store.Get(ctx, prefixIdentity+url.PathEscape(identity))
	if err != nil {
		return core.RecoveryRequest{}, err
	}
	return r.request(ctx, string(raw))
}

func (r records) putChallenge(ctx context.Context, ch core.RecoveryChallenge) error {
	if err := r.putJSON(ctx, prefixChallenge+ch.ID, ch); err != nil {
		return err
	}
	return r.store.Put(ctx, prefixRequestChal+ch.RequestID+"/"+ch.ID, nil)
}

func (r records) challenge(ctx context.Context, id string) (core.RecoveryChallenge, error) {
	var ch core.RecoveryChallenge
	err := r.getJSON(ctx, prefixChallenge+id, &ch)
	return ch, err
}

func (r records) challenges(ctx context.Context, requestID string) ([]core.RecoveryChallenge, error) {
	entries, err := r.store.Query(ctx, prefixRequestChal+requestID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]core.RecoveryChallenge, 0, len(entries))
	for _, e := range entries {
		id := e.Key[len(prefixRequestChal+requestID+"/"):]
		ch, err := r.challenge(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func authorizationKey(requestID, grantor string) string {
	return prefixAuthorization + requestID + "/" + url.PathEscape(grantor)
}

func (r records) putAuthorization(ctx context.Context, a core.RecoveryAuthorization) error {
	return r.putJSON(ctx, authorizationKey(a.RequestID, a.Grantor), a)
}

func (r records) authorization(ctx context.Context, requestID, grantor string) (core.RecoveryAuthorization, error) {
	var a core.RecoveryAuthorization
	err := r.getJSON(ctx, authorizationKey(requestID, grantor), &a)
	return a, err
}

// authorizations returns one record per grantor.
func (r records) authorizations(ctx context.Context, requestID string) ([]core.RecoveryAuthorization, error) {
	entries, err := r.store.Query(ctx, prefixAuthorization+requestID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]core.RecoveryAuthorization, 0, len(entries))
	for _, e := range entries {
		var a core.RecoveryAuthorization
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, a)
	}
	return out, nil
}
