package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethosengine/elohim/internal/codec"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/custody"
	"github.com/ethosengine/elohim/internal/health"
	"github.com/ethosengine/elohim/internal/reconstruct"
)

// ReplicationManager restores fragments the auditor reports lost by placing
// them on a different custodian.
type ReplicationManager struct {
	ledger   *custody.Ledger
	codec    codec.Codec
	fetcher  reconstruct.Fetcher
	uploader Uploader
	source   CustodianSource

	ctx   context.Context
	slots chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	activeJobs map[string]health.Signal

	completed atomic.Int64
	failed    atomic.Int64
}

// ReplicationStats is reported on the status endpoint.
type ReplicationStats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func NewReplicationManager(ctx context.Context, ledger *custody.Ledger, c codec.Codec, fetcher reconstruct.Fetcher,
	uploader Uploader, source CustodianSource, workers int) *ReplicationManager {
	if workers <= 0 {
		workers = 1
	}
	return &ReplicationManager{
		ledger:     ledger,
		codec:      c,
		fetcher:    fetcher,
		uploader:   uploader,
		source:     source,
		ctx:        ctx,
		slots:      make(chan struct{}, workers),
		activeJobs: make(map[string]health.Signal),
	}
}

func jobKey(contentID string, index int) string {
	return fmt.Sprintf("%s/%d", contentID, index)
}

// HandleSignal queues a re-replication job. A fragment already being
// replicated is not queued twice.
func (r *ReplicationManager) HandleSignal(s health.Signal) {
	key := jobKey(s.ContentID, s.Index)
	r.mu.Lock()
	if _, ok := r.activeJobs[key]; ok {
		r.mu.Unlock()
		return
	}
	r.activeJobs[key] = s
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.activeJobs, key)
			r.mu.Unlock()
		}()
		select {
		case r.slots <- struct{}{}:
			defer func() { <-r.slots }()
		case <-r.ctx.Done():
			return
		}
		if _, err := r.Replicate(r.ctx, s); err != nil {
			log.Errorw("re-replication failed", "content", s.ContentID, "index", s.Index, "mode", s.Mode, "err", err)
		}
	}()
}

// Wait blocks until queued jobs finish.
func (r *ReplicationManager) Wait() {
	r.wg.Wait()
}

// Replicate obtains the fragment, by copy when its custodian still serves
// intact bytes and otherwise by decoding siblings and re-encoding, then
// moves the assignment to a new custodian.
func (r *ReplicationManager) Replicate(ctx context.Context, s health.Signal) (core.FragmentAssignment, error) {
	a, err := r.ledger.Get(ctx, s.ContentID, s.Index)
	if err != nil {
		return core.FragmentAssignment{}, err
	}
	if a.Status == core.FragmentActive {
		return a, nil
	}
	siblings, err := r.ledger.ListByContent(ctx, s.ContentID)
	if err != nil {
		return core.FragmentAssignment{}, err
	}

	var data []byte
	if s.Mode == health.ModeCopy {
		data, err = r.copyFrom(ctx, a)
		if err != nil {
			log.Debugw("copy unavailable, re-deriving", "content", a.ContentID, "index", a.FragmentIndex, "err", err)
		}
	}
	if data == nil {
		if data, err = r.rederive(ctx, a, siblings); err != nil {
			r.failed.Add(1)
			return core.FragmentAssignment{}, err
		}
	}

	target, ok := r.pickTarget(siblings)
	if !ok {
		r.failed.Add(1)
		return core.FragmentAssignment{}, fmt.Errorf("%w: no spare custodian for %s[%d]",
			core.ErrCustodianUnreachable, a.ContentID, a.FragmentIndex)
	}
	if _, err := r.ledger.ReleaseForMigration(ctx, a.ContentID, a.FragmentIndex); err != nil {
		r.failed.Add(1)
		return core.FragmentAssignment{}, err
	}
	if err := r.uploader.Put(ctx, target, a.ContentID, a.FragmentIndex, data); err != nil {
		r.failed.Add(1)
		if _, uerr := r.ledger.UpdateStatus(ctx, a.ContentID, a.FragmentIndex, core.FragmentFailed); uerr != nil {
			log.Warnw("restore failed status", "content", a.ContentID, "index", a.FragmentIndex, "err", uerr)
		}
		return core.FragmentAssignment{}, err
	}
	moved, err := r.ledger.Assign(ctx, custody.AssignRequest{
		ContentID:    a.ContentID,
		Index:        a.FragmentIndex,
		FragmentHash: a.FragmentHash,
		Layout:       a.Layout,
		Owner:        a.Owner,
		Visibility:   a.Visibility,
		Custodian:    target,
		Strategy:     a.Strategy,
	})
	if err != nil {
		r.failed.Add(1)
		return core.FragmentAssignment{}, err
	}
	r.completed.Add(1)
	log.Infow("fragment re-replicated", "content", a.ContentID, "index", a.FragmentIndex,
		"from", a.Custodian.ID, "to", target.ID, "mode", s.Mode)
	return moved, nil
}

func (r *ReplicationManager) copyFrom(ctx context.Context, a core.FragmentAssignment) ([]byte, error) {
	data, err := r.fetcher.Fetch(ctx, a.Custodian, a.ContentID, a.FragmentIndex)
	if err != nil {
		return nil, err
	}
	if core.FragmentHash(data) != a.FragmentHash {
		return nil, core.ErrHashMismatch
	}
	return data, nil
}

// rederive fetches K intact siblings, decodes the content and re-encodes it
// to regenerate the lost fragment byte for byte.
func (r *ReplicationManager) rederive(ctx context.Context, a core.FragmentAssignment, siblings []core.FragmentAssignment) ([]byte, error) {
	var frags []core.Fragment
	for _, s := range siblings {
		if len(frags) == a.Layout.K {
			break
		}
		if s.FragmentIndex == a.FragmentIndex || !s.Status.Retrievable() {
			continue
		}
		data, err := r.fetcher.Fetch(ctx, s.Custodian, s.ContentID, s.FragmentIndex)
		if err != nil {
			log.Debugw("sibling fetch failed", "content", s.ContentID, "index", s.FragmentIndex, "err", err)
			continue
		}
		if core.FragmentHash(data) != s.FragmentHash {
			continue
		}
		frags = append(frags, core.Fragment{Index: s.FragmentIndex, K: s.Layout.K, N: s.Layout.N, Data: data})
	}
	if len(frags) < a.Layout.K {
		return nil, fmt.Errorf("%w: %d of %d siblings for %s", core.ErrInsufficientFragments, len(frags), a.Layout.K, a.ContentID)
	}
	blob, err := r.codec.Decode(frags, a.ContentID)
	if err != nil {
		return nil, err
	}
	all, err := r.codec.Encode(blob, a.Layout)
	if err != nil {
		return nil, err
	}
	data := all[a.FragmentIndex].Data
	if core.FragmentHash(data) != a.FragmentHash {
		return nil, fmt.Errorf("%w: re-derived fragment %s[%d]", core.ErrHashMismatch, a.ContentID, a.FragmentIndex)
	}
	return data, nil
}

// pickTarget chooses a custodian holding no fragment of the content,
// preferring an unrepresented region and then the highest trust tier.
func (r *ReplicationManager) pickTarget(siblings []core.FragmentAssignment) (core.Custodian, bool) {
	holders := make(map[string]bool)
	regions := make(map[string]bool)
	for _, s := range siblings {
		holders[s.Custodian.ID] = true
		if s.Status == core.FragmentActive {
			regions[s.Custodian.Region] = true
		}
	}
	var candidates []core.Custodian
	for _, c := range r.source.Custodians() {
		if !holders[c.ID] {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return core.Custodian{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ni, nj := !regions[candidates[i].Region], !regions[candidates[j].Region]
		if ni != nj {
			return ni
		}
		if candidates[i].TrustTier != candidates[j].TrustTier {
			return candidates[i].TrustTier > candidates[j].TrustTier
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

func (r *ReplicationManager) GetStats() ReplicationStats {
	r.mu.Lock()
	active := len(r.activeJobs)
	r.mu.Unlock()
	return ReplicationStats{Active: active, Completed: r.completed.Load(), Failed: r.failed.Load()}
}
