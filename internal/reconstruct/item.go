package reconstruct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/metrics"
)

type retrieved struct {
	assignment core.FragmentAssignment
	data       []byte
}

// reconstructItem fetches fragments wave by wave until enough are held,
// decodes and verifies. On a hash mismatch it searches k-subsets of what it
// holds for a clean decode before fetching further fragments.
func (c *Coordinator) reconstructItem(ctx context.Context, contentID string, update func(func(*Item))) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "reconstruct.item")
	defer span.End()
	span.SetAttributes(attribute.String("content.id", contentID))

	blob, err := c.reconstruct(ctx, contentID, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, core.Code(err))
	}
	return blob, err
}

func (c *Coordinator) reconstruct(ctx context.Context, contentID string, update func(func(*Item))) ([]byte, error) {
	assignments, err := c.ledger.ListByContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: no custody records for %s", core.ErrInsufficientFragments, contentID)
	}
	layout := assignments[0].Layout
	update(func(it *Item) {
		it.Required = layout.K
		it.Total = layout.N
		it.Status = ItemFetching
	})

	held := make(map[int]retrieved)
	tried := make(map[int]bool)
	target := layout.K

	for {
		for len(held) < target {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// Re-read the ledger every wave: custodian health moves during a
			// long reconstruction.
			if assignments, err = c.ledger.ListByContent(ctx, contentID); err != nil {
				return nil, err
			}
			var candidates []core.FragmentAssignment
			for _, a := range assignments {
				if !tried[a.FragmentIndex] && a.Status.Retrievable() {
					candidates = append(candidates, a)
				}
			}
			if len(candidates) == 0 {
				return nil, fmt.Errorf("%w: %s has %d of %d required fragments",
					core.ErrInsufficientFragments, contentID, len(held), layout.K)
			}
			represented := make(map[string]bool, len(held))
			for _, r := range held {
				represented[r.assignment.Custodian.Region] = true
			}
			wave := selectWave(candidates, represented, min(target-len(held), c.cfg.MaxParallelFetches))
			for _, r := range c.fetchWave(ctx, wave, tried) {
				if r.err != nil {
					update(func(it *Item) { it.Failed = appendIndex(it.Failed, r.assignment.FragmentIndex) })
					continue
				}
				held[r.assignment.FragmentIndex] = retrieved{assignment: r.assignment, data: r.data}
				update(func(it *Item) { it.Retrieved = appendIndex(it.Retrieved, r.assignment.FragmentIndex) })
			}
		}

		update(func(it *Item) { it.Status = ItemSufficient })
		update(func(it *Item) { it.Status = ItemReconstructing })
		blob, err := c.codec.Decode(fragmentsOf(held, layout), contentID)
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, core.ErrHashMismatch) && !errors.Is(err, core.ErrCodec) {
			return nil, err
		}
		log.Warnw("decode rejected, searching for a clean subset", "content", contentID, "held", len(held), "err", err)

		if blob, ok := c.recoverIntegrity(ctx, contentID, layout, held, update); ok {
			return blob, nil
		}
		target = len(held) + 1
		update(func(it *Item) { it.Status = ItemFetching })
	}
}

type fetchResult struct {
	assignment core.FragmentAssignment
	data       []byte
	err        error
}

// fetchWave fetches every assignment in the wave concurrently and marks
// them tried.
func (c *Coordinator) fetchWave(ctx context.Context, wave []core.FragmentAssignment, tried map[int]bool) []fetchResult {
	results := make([]fetchResult, len(wave))
	var wg sync.WaitGroup
	for i, a := range wave {
		tried[a.FragmentIndex] = true
		wg.Add(1)
		go func(i int, a core.FragmentAssignment) {
			defer wg.Done()
			data, err := c.fetchFragment(ctx, a)
			results[i] = fetchResult{assignment: a, data: data, err: err}
		}(i, a)
	}
	wg.Wait()
	return results
}

// fetchFragment fetches one fragment with a per-attempt timeout and
// exponential backoff between attempts. Bytes that disagree with the
// ledger's fragment hash are marked Failed and never retried.
func (c *Coordinator) fetchFragment(ctx context.Context, a core.FragmentAssignment) ([]byte, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		data, err := c.fetcher.Fetch(fctx, a.Custodian, a.ContentID, a.FragmentIndex)
		cancel()
		c.sem.Release(1)

		if err == nil {
			if core.FragmentHash(data) != a.FragmentHash {
				metrics.FragmentFetches.WithLabelValues("tampered").Inc()
				log.Warnw("fragment failed integrity check", "content", a.ContentID, "index", a.FragmentIndex,
					"custodian", a.Custodian.ID)
				c.markFailed(ctx, a)
				return nil, fmt.Errorf("%w: fragment %d from %s", core.ErrHashMismatch, a.FragmentIndex, a.Custodian.ID)
			}
			metrics.FragmentFetches.WithLabelValues("ok").Inc()
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.FragmentFetches.WithLabelValues("error").Inc()
		log.Debugw("fragment fetch failed", "content", a.ContentID, "index", a.FragmentIndex,
			"custodian", a.Custodian.ID, "attempt", attempt+1, "err", err)
		lastErr = err
	}
	log.Warnw("custodian unreachable", "custodian", a.Custodian.ID, "content", a.ContentID,
		"index", a.FragmentIndex, "err", lastErr)
	return nil, fmt.Errorf("%w: %s: %v", core.ErrCustodianUnreachable, a.Custodian.ID, lastErr)
}

// recoverIntegrity decodes k-subsets of the held fragments until one
// verifies, then re-encodes and marks every held fragment whose bytes
// differ as Failed. Bad fragments are dropped from held.
func (c *Coordinator) recoverIntegrity(ctx context.Context, contentID string, layout core.Layout, held map[int]retrieved, update func(func(*Item))) ([]byte, bool) {
	indices := make([]int, 0, len(held))
	for i := range held {
		indices = append(indices, i)
	}
	slices.Sort(indices)

	var blob []byte
	attempts := 0
	forEachSubset(indices, layout.K, func(subset []int) bool {
		if attempts >= c.cfg.MaxDecodeAttempts || ctx.Err() != nil {
			return false
		}
		attempts++
		frags := make([]core.Fragment, 0, len(subset))
		for _, i := range subset {
			frags = append(frags, core.Fragment{Index: i, K: layout.K, N: layout.N, Data: held[i].data})
		}
		out, err := c.codec.Decode(frags, contentID)
		if err != nil {
			return true
		}
		blob = out
		return false
	})

	if blob == nil {
		// Without a clean decode the culprit is unknown; keep everything and
		// widen the pool instead.
		return nil, false
	}

	canonical, err := c.codec.Encode(blob, layout)
	if err != nil {
		log.Errorw("re-encode after recovery failed", "content", contentID, "err", err)
		return blob, true
	}
	for _, i := range indices {
		if bytes.Equal(canonical[i].Data, held[i].data) {
			continue
		}
		log.Warnw("discarding corrupted fragment", "content", contentID, "index", i,
			"custodian", held[i].assignment.Custodian.ID)
		c.markFailed(ctx, held[i].assignment)
		delete(held, i)
		update(func(it *Item) {
			it.Retrieved = removeIndex(it.Retrieved, i)
			it.Failed = appendIndex(it.Failed, i)
		})
	}
	return blob, true
}

func (c *Coordinator) markFailed(ctx context.Context, a core.FragmentAssignment) {
	if _, err := c.ledger.UpdateStatus(ctx, a.ContentID, a.FragmentIndex, core.FragmentFailed); err != nil {
		log.Warnw("failed to mark fragment failed", "content", a.ContentID, "index", a.FragmentIndex, "err", err)
	}
}

// forEachSubset calls fn with every k-element subset of items in
// lexicographic order until fn returns false.
func forEachSubset(items []int, k int, fn func([]int) bool) {
	if k <= 0 || k > len(items) {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	subset := make([]int, k)
	for {
		for i, j := range idx {
			subset[i] = items[j]
		}
		if !fn(subset) {
			return
		}
		i := k - 1
		for i >= 0 && idx[i] == len(items)-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func fragmentsOf(held map[int]retrieved, layout core.Layout) []core.Fragment {
	out := make([]core.Fragment, 0, len(held))
	for i, r := range held {
		out = append(out, core.Fragment{Index: i, K: layout.K, N: layout.N, Data: r.data})
	}
	slices.SortFunc(out, func(a, b core.Fragment) int { return a.Index - b.Index })
	return out
}

func appendIndex(list []int, i int) []int {
	if slices.Contains(list, i) {
		return list
	}
	list = append(list, i)
	slices.Sort(list)
	return list
}

func removeIndex(list []int, i int) []int {
	return slices.DeleteFunc(list, func(v int) bool { return v == i })
}
