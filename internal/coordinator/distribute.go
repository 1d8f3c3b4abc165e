package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ethosengine/elohim/internal/codec"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/custody"
	"github.com/ethosengine/elohim/internal/reconstruct"
)

// Uploader stores a fragment on a custodian.
type Uploader interface {
	Put(ctx context.Context, custodian core.Custodian, contentID string, index int, data []byte) error
}

// CustodianSource lists the custodians fragments may be placed on.
type CustodianSource interface {
	Custodians() []core.Custodian
}

// Authored is newly created content to be erasure coded and spread.
type Authored struct {
	Owner      string
	Visibility core.Visibility
	Blob       []byte
}

type Placement struct {
	Index     int    `json:"index"`
	Custodian string `json:"custodian"`
	Region    string `json:"region,omitempty"`
}

type DistributionResult struct {
	ContentID  string      `json:"content_id"`
	Layout     core.Layout `json:"layout"`
	Placements []Placement `json:"placements"`
	// Missing lists fragment indexes no custodian accepted.
	Missing []int `json:"missing,omitempty"`
}

// Distributor encodes authored content and places one fragment per
// custodian, preferring custodians that widen region and trust-tier
// diversity.
type Distributor struct {
	ledger   *custody.Ledger
	codec    codec.Codec
	uploader Uploader
	source   CustodianSource
	store    *reconstruct.ContentStore
	layout   core.Layout
}

func NewDistributor(ledger *custody.Ledger, c codec.Codec, uploader Uploader, source CustodianSource,
	store *reconstruct.ContentStore, layout core.Layout) *Distributor {
	return &Distributor{ledger: ledger, codec: c, uploader: uploader, source: source, store: store, layout: layout}
}

// Distribute stores the blob locally, uploads its fragments and records the
// custody assignments. Up to N-K uploads may fail; their indexes are
// reported as Missing for re-replication.
func (d *Distributor) Distribute(ctx context.Context, a Authored) (DistributionResult, error) {
	if len(a.Blob) == 0 {
		return DistributionResult{}, fmt.Errorf("%w: empty content", core.ErrInvalidRequest)
	}
	id, err := core.ContentID(a.Blob)
	if err != nil {
		return DistributionResult{}, err
	}
	if a.Visibility == "" {
		a.Visibility = core.VisibilityPrivate
	}
	custodians := spread(d.source.Custodians())
	if len(custodians) < d.layout.N {
		return DistributionResult{}, fmt.Errorf("%w: %d custodians available, %d needed",
			core.ErrCustodianUnreachable, len(custodians), d.layout.N)
	}
	frags, err := d.codec.Encode(a.Blob, d.layout)
	if err != nil {
		return DistributionResult{}, err
	}
	if err := d.store.Put(ctx, id, a.Blob); err != nil {
		return DistributionResult{}, err
	}

	primary, spares := custodians[:d.layout.N], custodians[d.layout.N:]
	placed := make([]*core.Custodian, d.layout.N)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range frags {
		g.Go(func() error {
			if err := d.uploader.Put(gctx, primary[i], id, f.Index, f.Data); err != nil {
				log.Warnw("fragment upload failed", "content", id, "index", f.Index, "custodian", primary[i].ID, "err", err)
				return nil
			}
			mu.Lock()
			placed[i] = &primary[i]
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Retry failed indexes on spare custodians, one spare per index.
	for i, f := range frags {
		for placed[i] == nil && len(spares) > 0 {
			c := spares[0]
			spares = spares[1:]
			if err := d.uploader.Put(ctx, c, id, f.Index, f.Data); err != nil {
				log.Warnw("fragment upload failed", "content", id, "index", f.Index, "custodian", c.ID, "err", err)
				continue
			}
			placed[i] = &c
		}
	}

	res := DistributionResult{ContentID: id, Layout: d.layout}
	for i, c := range placed {
		if c == nil {
			res.Missing = append(res.Missing, frags[i].Index)
		}
	}
	if len(res.Missing) > d.layout.N-d.layout.K {
		return DistributionResult{}, fmt.Errorf("%w: only %d of %d fragments stored, cannot guarantee recovery",
			core.ErrCustodianUnreachable, d.layout.N-len(res.Missing), d.layout.N)
	}
	for i, c := range placed {
		if c == nil {
			continue
		}
		f := frags[i]
		if _, err := d.ledger.Assign(ctx, custody.AssignRequest{
			ContentID:    id,
			Index:        f.Index,
			FragmentHash: core.FragmentHash(f.Data),
			Layout:       d.layout,
			Owner:        a.Owner,
			Visibility:   a.Visibility,
			Custodian:    *c,
			Strategy:     core.StrategyGeographic,
		}); err != nil {
			return DistributionResult{}, err
		}
		res.Placements = append(res.Placements, Placement{Index: f.Index, Custodian: c.ID, Region: c.Region})
	}
	if len(res.Missing) > 0 {
		log.Warnw("content stored with missing fragments", "content", id, "missing", res.Missing)
	}
	log.Infow("content distributed", "content", id, "owner", a.Owner, "bytes", len(a.Blob),
		"fragments", len(res.Placements))
	return res, nil
}

// spread orders custodians so that each prefix covers as many regions as
// possible, taking the most trusted custodian of each region in turn.
func spread(in []core.Custodian) []core.Custodian {
	byRegion := make(map[string][]core.Custodian)
	var regions []string
	for _, c := range in {
		if _, ok := byRegion[c.Region]; !ok {
			regions = append(regions, c.Region)
		}
		byRegion[c.Region] = append(byRegion[c.Region], c)
	}
	sort.Strings(regions)
	for _, r := range regions {
		cs := byRegion[r]
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].TrustTier != cs[j].TrustTier {
				return cs[i].TrustTier > cs[j].TrustTier
			}
			return cs[i].ID < cs[j].ID
		})
	}
	out := make([]core.Custodian, 0, len(in))
	for len(out) < len(in) {
		for _, r := range regions {
			if cs := byRegion[r]; len(cs) > 0 {
				out = append(out, cs[0])
				byRegion[r] = cs[1:]
			}
		}
	}
	return out
}
