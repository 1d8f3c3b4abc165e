// Package custody records which custodian holds which fragment of which
// content. It is the single source of truth for fragment-to-custodian
// mapping; writes are serialized per (content, fragment index) and reads
// may be served from a short-lived cache.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/patrickmn/go-cache"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/kv"
)

var log = logging.Logger("custody")

const (
	prefixContent   = "custody/c/"
	prefixCustodian = "custody/u/"
	prefixOwner     = "custody/o/"

	lockStripes = 64
)

// Ledger is the custody ledger. Create it with NewLedger.
type Ledger struct {
	store kv.Store
	cache *cache.Cache
	locks [lockStripes]sync.Mutex
	now   func() time.Time
	// gen is bumped on every write; cached listings from an older
	// generation are stale.
	gen atomic.Uint64
}

type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCacheTTL sets how long content listings are served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.cache = cache.New(ttl, 2*ttl) }
}

func NewLedger(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		cache: cache.New(30*time.Second, time.Minute),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AssignRequest describes a new custody record.
type AssignRequest struct {
	ContentID    string
	Index        int
	FragmentHash string
	Layout       core.Layout
	Owner        string
	Visibility   core.Visibility
	Custodian    core.Custodian
	Strategy     core.AssignmentStrategy
}

func (r AssignRequest) validate() error {
	if r.ContentID == "" || r.Custodian.ID == "" || r.FragmentHash == "" {
		return fmt.Errorf("%w: content, custodian and fragment hash are required", core.ErrLayoutMismatch)
	}
	if err := r.Layout.Validate(); err != nil {
		return err
	}
	if r.Index < 0 || r.Index >= r.Layout.N {
		return fmt.Errorf("%w: index %d outside [0,%d)", core.ErrLayoutMismatch, r.Index, r.Layout.N)
	}
	return nil
}

// Assign records that a custodian holds fragment Index of ContentID.
// Re-assigning the same fragment to the same custodian is idempotent; moving
// it to a different custodian requires the record to be Migrating first.
func (l *Ledger) Assign(ctx context.Context, req AssignRequest) (core.FragmentAssignment, error) {
	if err := req.validate(); err != nil {
		return core.FragmentAssignment{}, err
	}
	if req.Strategy == "" {
		req.Strategy = core.StrategyManual
	}
	if req.Visibility == "" {
		req.Visibility = core.VisibilityPrivate
	}

	mu := l.lockFor(req.ContentID, req.Index)
	mu.Lock()
	defer mu.Unlock()

	siblings, err := l.loadContent(ctx, req.ContentID)
	if err != nil {
		return core.FragmentAssignment{}, err
	}
	var existing *core.FragmentAssignment
	for i := range siblings {
		s := siblings[i]
		if s.Layout != req.Layout {
			return core.FragmentAssignment{}, fmt.Errorf("%w: content %s is k=%d n=%d", core.ErrLayoutMismatch, req.ContentID, s.Layout.K, s.Layout.N)
		}
		if s.FragmentIndex == req.Index {
			existing = &s
		}
	}

	if existing != nil && existing.Status != core.FragmentMigrating {
		if existing.Custodian.ID == req.Custodian.ID && existing.FragmentHash == req.FragmentHash {
			return *existing, nil
		}
		return core.FragmentAssignment{}, fmt.Errorf("%w: %s[%d] held by %s", core.ErrDuplicateAssignment, req.ContentID, req.Index, existing.Custodian.ID)
	}

	a := core.FragmentAssignment{
		ContentID:     req.ContentID,
		FragmentIndex: req.Index,
		FragmentHash:  req.FragmentHash,
		Layout:        req.Layout,
		Owner:         req.Owner,
		Visibility:    req.Visibility,
		Custodian:     req.Custodian,
		Strategy:      req.Strategy,
		AssignedAt:    l.now().UTC(),
		Status:        core.FragmentActive,
	}
	if existing != nil {
		if a.Owner == "" {
			a.Owner = existing.Owner
		}
		if existing.Custodian.ID != a.Custodian.ID {
			if err := l.store.Delete(ctx, custodianKey(existing.Custodian.ID, a.ContentID, a.FragmentIndex)); err != nil {
				return core.FragmentAssignment{}, fmt.Errorf("drop custodian index: %w", err)
			}
		}
		log.Infow("fragment migrated", "content", a.ContentID, "index", a.FragmentIndex, "from", existing.Custodian.ID, "to", a.Custodian.ID)
	}

	if err := l.write(ctx, a); err != nil {
		return core.FragmentAssignment{}, err
	}
	if err := l.store.Put(ctx, custodianKey(a.Custodian.ID, a.ContentID, a.FragmentIndex), nil); err != nil {
		return core.FragmentAssignment{}, fmt.Errorf("write custodian index: %w", err)
	}
	if a.Owner != "" {
		if err := l.store.Put(ctx, ownerKey(a.Owner, a.ContentID), nil); err != nil {
			return core.FragmentAssignment{}, fmt.Errorf("write owner index: %w", err)
		}
	}
	log.Debugw("fragment assigned", "content", a.ContentID, "index", a.FragmentIndex, "custodian", a.Custodian.ID, "strategy", a.Strategy)
	return a, nil
}

// Get returns one assignment or core.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, contentID string, index int) (core.FragmentAssignment, error) {
	raw, err := l.store.Get(ctx, contentKey(contentID, index))
	if err != nil {
		return core.FragmentAssignment{}, err
	}
	var a core.FragmentAssignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return core.FragmentAssignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	return a, nil
}

// ListByContent returns the assignments of contentID ordered by fragment
// index. Unknown content yields an empty list, not an error.
func (l *Ledger) ListByContent(ctx context.Context, contentID string) ([]core.FragmentAssignment, error) {
	if cached, ok := l.cache.Get(contentID); ok {
		if entry := cached.(listing); entry.gen == l.gen.Load() {
			return cloneAssignments(entry.assignments), nil
		}
		l.cache.Delete(contentID)
	}
	gen := l.gen.Load()
	out, err := l.loadContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	l.fill(contentID, gen, out)
	return out, nil
}

// listing is a cached content listing stamped with the write generation it
// was loaded under. An entry from an older generation is never served.
type listing struct {
	gen         uint64
	assignments []core.FragmentAssignment
}

func (l *Ledger) fill(contentID string, gen uint64, as []core.FragmentAssignment) {
	if l.gen.Load() != gen {
		return
	}
	l.cache.SetDefault(contentID, listing{gen: gen, assignments: cloneAssignments(as)})
}

// ListByCustodian returns every assignment the custodian holds.
func (l *Ledger) ListByCustodian(ctx context.Context, custodianID string) ([]core.FragmentAssignment, error) {
	entries, err := l.store.Query(ctx, prefixCustodian+url.PathEscape(custodianID)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]core.FragmentAssignment, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e.Key, "/")
		contentID, index, ok := parseTail(parts)
		if !ok {
			continue
		}
		a, err := l.Get(ctx, contentID, index)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Custodian.ID == custodianID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListByOwner returns the content ids recorded for owner.
func (l *Ledger) ListByOwner(ctx context.Context, owner string) ([]string, error) {
	entries, err := l.store.Query(ctx, prefixOwner+url.PathEscape(owner)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key[strings.LastIndex(e.Key, "/")+1:])
	}
	return out, nil
}

// ContentIDs lists every content item with at least one assignment.
func (l *Ledger) ContentIDs(ctx context.Context) ([]string, error) {
	entries, err := l.store.Query(ctx, prefixContent)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		id := strings.SplitN(strings.TrimPrefix(e.Key, prefixContent), "/", 2)[0]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// Custodians lists every custodian holding at least one fragment.
func (l *Ledger) Custodians(ctx context.Context) ([]string, error) {
	entries, err := l.store.Query(ctx, prefixCustodian)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		escaped := strings.SplitN(strings.TrimPrefix(e.Key, prefixCustodian), "/", 2)[0]
		id, err := url.PathUnescape(escaped)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// UpdateStatus moves an assignment to status, enforcing the fragment
// transition table.
func (l *Ledger) UpdateStatus(ctx context.Context, contentID string, index int, status core.FragmentStatus) (core.FragmentAssignment, error) {
	return l.mutate(ctx, contentID, index, func(a *core.FragmentAssignment) error {
		if !a.Status.CanTransition(status) {
			return fmt.Errorf("%w: fragment %s[%d] %s -> %s", core.ErrInvalidTransition, contentID, index, a.Status, status)
		}
		if a.Status != status {
			log.Infow("fragment status", "content", contentID, "index", index, "from", a.Status, "to", status)
		}
		a.Status = status
		return nil
	})
}

// ReleaseForMigration marks an assignment Migrating so that a different
// custodian may take it over.
func (l *Ledger) ReleaseForMigration(ctx context.Context, contentID string, index int) (core.FragmentAssignment, error) {
	return l.UpdateStatus(ctx, contentID, index, core.FragmentMigrating)
}

// TouchVerified stamps a successful custody verification. A Stale fragment
// that verifies again becomes Active.
func (l *Ledger) TouchVerified(ctx context.Context, contentID string, index int) (core.FragmentAssignment, error) {
	return l.mutate(ctx, contentID, index, func(a *core.FragmentAssignment) error {
		now := l.now().UTC()
		a.LastVerifiedAt = &now
		if a.Status == core.FragmentStale {
			a.Status = core.FragmentActive
		}
		return nil
	})
}

func (l *Ledger) mutate(ctx context.Context, contentID string, index int, fn func(*core.FragmentAssignment) error) (core.FragmentAssignment, error) {
	mu := l.lockFor(contentID, index)
	mu.Lock()
	defer mu.Unlock()

	a, err := l.Get(ctx, contentID, index)
	if err != nil {
		return core.FragmentAssignment{}, err
	}
	if err := fn(&a); err != nil {
		return core.FragmentAssignment{}, err
	}
	if err := l.write(ctx, a); err != nil {
		return core.FragmentAssignment{}, err
	}
	return a, nil
}

func (l *Ledger) write(ctx context.Context, a core.FragmentAssignment) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	err = l.store.Put(ctx, contentKey(a.ContentID, a.FragmentIndex), raw)
	// Bump after the write lands so a listing loaded before it carries an
	// older generation.
	l.gen.Add(1)
	l.cache.Delete(a.ContentID)
	if err != nil {
		return fmt.Errorf("write assignment: %w", err)
	}
	return nil
}

func (l *Ledger) loadContent(ctx context.Context, contentID string) ([]core.FragmentAssignment, error) {
	entries, err := l.store.Query(ctx, prefixContent+contentID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]core.FragmentAssignment, 0, len(entries))
	for _, e := range entries {
		var a core.FragmentAssignment
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, fmt.Errorf("decode assignment %s: %w", e.Key, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (l *Ledger) lockFor(contentID string, index int) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", contentID, index)
	return &l.locks[h.Sum32()%lockStripes]
}

func contentKey(contentID string, index int) string {
	return fmt.Sprintf("%s%s/%05d", prefixContent, contentID, index)
}

func custodianKey(custodianID, contentID string, index int) string {
	return fmt.Sprintf("%s%s/%s/%05d", prefixCustodian, url.PathEscape(custodianID), contentID, index)
}

func ownerKey(owner, contentID string) string {
	return prefixOwner + url.PathEscape(owner) + "/" + contentID
}

func parseTail(parts []string) (string, int, bool) {
	if len(parts) < 2 {
		return "", 0, false
	}
	index, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", 0, false
	}
	return parts[len(parts)-2], index, true
}

func cloneAssignments(in []core.FragmentAssignment) []core.FragmentAssignment {
	return append([]core.FragmentAssignment(nil), in...)
}
