package reconstruct

import (
	"context"

	"github.com/ethosengine/elohim/internal/core"
)

// ResolveScope turns a request's scope into content ids, restricted to what
// the authorizations grant. A full grant from any grantor lifts the
// restriction; otherwise the union of specific and custodied grants applies.
func (c *Coordinator) ResolveScope(ctx context.Context, req core.RecoveryRequest, auths []core.RecoveryAuthorization) ([]string, error) {
	requested, err := c.requested(ctx, req)
	if err != nil {
		return nil, err
	}
	allowed, unrestricted, err := c.granted(ctx, auths)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if seen[id] || (!unrestricted && !allowed[id]) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Covers reports whether contentID is inside the resolved scope.
func (c *Coordinator) Covers(ctx context.Context, req core.RecoveryRequest, auths []core.RecoveryAuthorization, contentID string) (bool, error) {
	ids, err := c.ResolveScope(ctx, req, auths)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == contentID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) requested(ctx context.Context, req core.RecoveryRequest) ([]string, error) {
	switch req.Scope.Kind {
	case core.ScopeSelective:
		var out []string
		for _, id := range req.Scope.ContentIDs {
			owned, err := c.ownedBy(ctx, id, req.Identity)
			if err != nil {
				return nil, err
			}
			if owned {
				out = append(out, id)
			}
		}
		return out, nil
	case core.ScopeVisibility:
		owned, err := c.ledger.ListByOwner(ctx, req.Identity)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, id := range owned {
			as, err := c.ledger.ListByContent(ctx, id)
			if err != nil {
				return nil, err
			}
			if len(as) > 0 && as[0].Visibility.AtOrBelow(req.Scope.MaxLevel) {
				out = append(out, id)
			}
		}
		return out, nil
	default:
		return c.ledger.ListByOwner(ctx, req.Identity)
	}
}

// ownedBy reports whether the ledger attributes contentID to identity.
// Content recorded without an owner is open to any authorized recovery.
func (c *Coordinator) ownedBy(ctx context.Context, contentID, identity string) (bool, error) {
	as, err := c.ledger.ListByContent(ctx, contentID)
	if err != nil {
		return false, err
	}
	for _, a := range as {
		if a.Owner != "" {
			return a.Owner == identity, nil
		}
	}
	return true, nil
}

func (c *Coordinator) granted(ctx context.Context, auths []core.RecoveryAuthorization) (map[string]bool, bool, error) {
	allowed := make(map[string]bool)
	for _, a := range auths {
		switch a.Scope.Kind {
		case core.GrantSpecific:
			for _, id := range a.Scope.ContentIDs {
				allowed[id] = true
			}
		case core.GrantCustodied:
			held, err := c.ledger.ListByCustodian(ctx, a.Grantor)
			if err != nil {
				return nil, false, err
			}
			for _, h := range held {
				allowed[h.ContentID] = true
			}
		default:
			return nil, true, nil
		}
	}
	return allowed, false, nil
}
