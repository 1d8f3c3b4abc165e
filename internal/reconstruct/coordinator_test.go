package reconstruct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethosengine/elohim/internal/codec"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/custody"
	"github.com/ethosengine/elohim/internal/kv"
)

var regions = []string{"eu", "us", "ap"}

type fakeFetcher struct {
	mu       sync.Mutex
	frags    map[string][]byte
	offline  map[string]bool
	failures map[string]int
	calls    map[string]int
	order    []string
	gates    map[string]chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		frags:    make(map[string][]byte),
		offline:  make(map[string]bool),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
}

func fragKey(custodian, contentID string, index int) string {
	return fmt.Sprintf("%s/%s/%d", custodian, contentID, index)
}

func (f *fakeFetcher) Fetch(ctx context.Context, c core.Custodian, contentID string, index int) ([]byte, error) {
	f.mu.Lock()
	key := fragKey(c.ID, contentID, index)
	f.calls[key]++
	if !slices.Contains(f.order, contentID) {
		f.order = append(f.order, contentID)
	}
	gate := f.gates[contentID]
	if f.failures[c.ID] > 0 {
		f.failures[c.ID]--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	offline := f.offline[c.ID]
	data, ok := f.frags[key]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, errors.New("dial timeout")
	}
	if !ok {
		return nil, errors.New("fragment not held")
	}
	return bytes.Clone(data), nil
}

func (f *fakeFetcher) corrupt(custodian, contentID string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frags[fragKey(custodian, contentID, index)][0] ^= 0xff
}

func (f *fakeFetcher) fetchedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.order)
}

type fetchCall struct {
	custodian string
	at        time.Time
}

// tracingFetcher records how many fetches overlap, per content and in
// total, and when each custodian was called.
type tracingFetcher struct {
	*fakeFetcher
	hold time.Duration

	mu         sync.Mutex
	inflight   map[string]int
	peak       map[string]int
	global     int
	globalPeak int
	log        []fetchCall
}

func newTracingFetcher(f *fakeFetcher, hold time.Duration) *tracingFetcher {
	return &tracingFetcher{
		fakeFetcher: f,
		hold:        hold,
		inflight:    make(map[string]int),
		peak:        make(map[string]int),
	}
}

func (f *tracingFetcher) Fetch(ctx context.Context, c core.Custodian, contentID string, index int) ([]byte, error) {
	f.mu.Lock()
	f.inflight[contentID]++
	f.peak[contentID] = max(f.peak[contentID], f.inflight[contentID])
	f.global++
	f.globalPeak = max(f.globalPeak, f.global)
	f.log = append(f.log, fetchCall{custodian: c.ID, at: time.Now()})
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight[contentID]--
		f.global--
		f.mu.Unlock()
	}()

	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fakeFetcher.Fetch(ctx, c, contentID, index)
}

func (f *tracingFetcher) peakFor(contentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[contentID]
}

func (f *tracingFetcher) maxGlobal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globalPeak
}

func (f *tracingFetcher) callsTo(custodian string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, c := range f.log {
		if c.custodian == custodian {
			out = append(out, c.at)
		}
	}
	return out
}

type env struct {
	ledger  *custody.Ledger
	fetcher *fakeFetcher
	coord   *Coordinator
	blobs   map[string][]byte
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	return newEnvWith(t, cfg, func(f *fakeFetcher) Fetcher { return f })
}

// newEnvWith lets a test wrap the fake fetcher the coordinator talks to.
func newEnvWith(t *testing.T, cfg Config, wrap func(*fakeFetcher) Fetcher) *env {
	t.Helper()
	store := kv.NewMemory()
	e := &env{
		ledger:  custody.NewLedger(store),
		fetcher: newFakeFetcher(),
		blobs:   make(map[string][]byte),
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = time.Second
	}
	e.coord = New(e.ledger, codec.NewReedSolomon(), wrap(e.fetcher), NewContentStore(store), cfg)
	t.Cleanup(e.coord.Close)
	return e
}

// custodian i holds fragment i of every content; lower indices rank first.
func custodianFor(i int) core.Custodian {
	return core.Custodian{
		ID:        fmt.Sprintf("c%d", i),
		Region:    regions[i%len(regions)],
		TrustTier: 10 - i,
	}
}

// distribute encodes blob and assigns fragment i to custodian i.
func (e *env) distribute(t *testing.T, blob []byte, owner string, visibility core.Visibility) string {
	t.Helper()
	id, err := core.ContentID(blob)
	require.NoError(t, err)
	frags, err := codec.NewReedSolomon().Encode(blob, core.DefaultLayout)
	require.NoError(t, err)
	for _, f := range frags {
		c := custodianFor(f.Index)
		e.fetcher.frags[fragKey(c.ID, id, f.Index)] = f.Data
		_, err := e.ledger.Assign(context.Background(), custody.AssignRequest{
			ContentID:    id,
			Index:        f.Index,
			FragmentHash: core.FragmentHash(f.Data),
			Layout:       core.DefaultLayout,
			Owner:        owner,
			Visibility:   visibility,
			Custodian:    c,
			Strategy:     core.StrategyTrustTier,
		})
		require.NoError(t, err)
	}
	e.blobs[id] = blob
	return id
}

func blobOf(seed string, size int) []byte {
	return bytes.Repeat([]byte(seed), size/len(seed)+1)[:size]
}

func fullGrant() []core.RecoveryAuthorization {
	return []core.RecoveryAuthorization{
		{Grantor: "bob", Scope: core.GrantScope{Kind: core.GrantFull}},
		{Grantor: "carol", Scope: core.GrantScope{Kind: core.GrantFull}},
	}
}

func request(id string, scope core.RecoveryScope) core.RecoveryRequest {
	return core.RecoveryRequest{ID: id, Identity: "alice", Scope: scope, Status: core.RequestAuthorized}
}

func waitFinished(t *testing.T, s *Session) Progress {
	t.Helper()
	select {
	case <-s.Finished():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	return s.Progress()
}

func TestSessionReconstructsFullScope(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.distribute(t, blobOf(fmt.Sprintf("doc-%d|", i), 3000+i*17), "alice", core.VisibilityPrivate))
	}
	e.distribute(t, blobOf("someone else", 500), "mallory", core.VisibilityPrivate)

	done := make(chan Progress, 1)
	e.coord.OnSessionDone(func(p Progress) { done <- p })

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)

	assert.Equal(t, SessionCompleted, p.Status)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Completed)
	assert.InDelta(t, 100.0, p.Percent, 0.001)
	for _, it := range p.Items {
		assert.Equal(t, ItemComplete, it.Status)
		assert.Equal(t, 4, it.Required)
		assert.Equal(t, 7, it.Total)
		assert.Len(t, it.Retrieved, 4)
	}
	for _, id := range ids {
		got, err := e.coord.Store().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, e.blobs[id], got)
	}

	select {
	case hp := <-done:
		assert.Equal(t, "r1", hp.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("session done hook not fired")
	}

	again, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestReconstructsWithThreeCustodiansOffline(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 2})
	id := e.distribute(t, blobOf("offline test ", 10_000), "alice", core.VisibilityPrivate)
	for _, c := range []string{"c0", "c1", "c2"} {
		e.fetcher.offline[c] = true
	}

	s, err := e.coord.StartSession(context.Background(),
		request("r1", core.RecoveryScope{Kind: core.ScopeSelective, ContentIDs: []string{id}}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)

	require.Len(t, p.Items, 1)
	it := p.Items[0]
	assert.Equal(t, ItemComplete, it.Status)
	assert.Equal(t, []int{3, 4, 5, 6}, it.Retrieved)
	assert.Equal(t, []int{0, 1, 2}, it.Failed)
	// One initial attempt plus two retries per unreachable custodian.
	assert.Equal(t, 3, e.fetcher.calls[fragKey("c0", id, 0)])

	got, err := e.coord.Store().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, e.blobs[id], got)
}

func TestTransientFailureIsRetried(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 3})
	id := e.distribute(t, blobOf("flaky ", 2048), "alice", core.VisibilityPrivate)
	e.fetcher.failures["c0"] = 2

	blob, err := e.coord.ReconstructOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, e.blobs[id], blob)
	assert.Equal(t, 3, e.fetcher.calls[fragKey("c0", id, 0)])
}

func TestItemFetchesStayWithinParallelLimit(t *testing.T) {
	var tf *tracingFetcher
	e := newEnvWith(t, Config{MaxParallelFetches: 2}, func(f *fakeFetcher) Fetcher {
		tf = newTracingFetcher(f, 30*time.Millisecond)
		return tf
	})
	id := e.distribute(t, blobOf("paced ", 4096), "alice", core.VisibilityPrivate)

	blob, err := e.coord.ReconstructOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, e.blobs[id], blob)
	// k=4 fragments in waves of two.
	assert.Equal(t, 2, tf.peakFor(id))
}

func TestGlobalFetchLimitCapsAllSessions(t *testing.T) {
	ctx := context.Background()
	var tf *tracingFetcher
	e := newEnvWith(t, Config{MaxParallelFetches: 4, GlobalFetchLimit: 3, ItemWorkers: 4}, func(f *fakeFetcher) Fetcher {
		tf = newTracingFetcher(f, 20*time.Millisecond)
		return tf
	})
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, e.distribute(t, blobOf(fmt.Sprintf("busy-%d|", i), 2048), "alice", core.VisibilityPrivate))
	}

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)

	assert.Equal(t, SessionCompleted, p.Status)
	assert.Equal(t, 4, p.Completed)
	assert.LessOrEqual(t, tf.maxGlobal(), 3)
	assert.Positive(t, tf.maxGlobal())
	for _, id := range ids {
		assert.LessOrEqual(t, tf.peakFor(id), 4)
	}
}

func TestUnreachableCustodianRetriedWithBackoffBeforeFallback(t *testing.T) {
	var tf *tracingFetcher
	e := newEnvWith(t, Config{MaxParallelFetches: 1, RetryAttempts: 3, RetryBackoff: 10 * time.Millisecond},
		func(f *fakeFetcher) Fetcher {
			tf = newTracingFetcher(f, 0)
			return tf
		})
	id := e.distribute(t, blobOf("patient ", 2048), "alice", core.VisibilityPrivate)
	e.fetcher.offline["c0"] = true

	blob, err := e.coord.ReconstructOne(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, e.blobs[id], blob)

	c0 := tf.callsTo("c0")
	require.Len(t, c0, 4, "one attempt plus three retries")
	wait := 10 * time.Millisecond
	for i := 1; i < len(c0); i++ {
		assert.GreaterOrEqual(t, c0[i].Sub(c0[i-1]), wait, "gap before attempt %d", i+1)
		wait *= 2
	}
	c1 := tf.callsTo("c1")
	require.NotEmpty(t, c1)
	assert.True(t, c1[0].After(c0[len(c0)-1]), "next custodian tried only after retries ran out")
}

func TestInsufficientFragmentsFailsItemNotSession(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 0})
	good := e.distribute(t, blobOf("good ", 4096), "alice", core.VisibilityPrivate)
	bad := e.distribute(t, blobOf("doomed ", 4096), "alice", core.VisibilityPrivate)
	// c0..c3 also hold fragments of good, so take bad's fragments away only.
	for i := 0; i < 4; i++ {
		delete(e.fetcher.frags, fragKey(fmt.Sprintf("c%d", i), bad, i))
	}

	s, err := e.coord.StartSession(context.Background(),
		request("r1", core.RecoveryScope{Kind: core.ScopeSelective, ContentIDs: []string{bad, good}}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)

	assert.Equal(t, SessionCompleted, p.Status)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.InDelta(t, 50.0, p.Percent, 0.001)

	badItem, ok := s.Item(bad)
	require.True(t, ok)
	assert.Equal(t, ItemFailed, badItem.Status)
	assert.Equal(t, "InsufficientFragments", badItem.Reason)
	assert.Len(t, badItem.Retrieved, 3)

	goodItem, ok := s.Item(good)
	require.True(t, ok)
	assert.Equal(t, ItemComplete, goodItem.Status)
}

func TestUnknownContentIsInsufficient(t *testing.T) {
	e := newEnv(t, Config{})
	id, err := core.ContentID([]byte("never distributed"))
	require.NoError(t, err)

	_, err = e.coord.ReconstructOne(context.Background(), id)
	assert.ErrorIs(t, err, core.ErrInsufficientFragments)
}

func TestTamperedFragmentRejectedAtFetch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	id := e.distribute(t, blobOf("tamper ", 5000), "alice", core.VisibilityPrivate)
	e.fetcher.corrupt("c0", id, 0)

	blob, err := e.coord.ReconstructOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, e.blobs[id], blob)

	a, err := e.ledger.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, core.FragmentFailed, a.Status)
	assert.Equal(t, 1, e.fetcher.calls[fragKey("c0", id, 0)])
}

func TestCorruptedFragmentRecoveredAfterHashMismatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	blob := blobOf("bit rot ", 6000)
	id, err := core.ContentID(blob)
	require.NoError(t, err)
	frags, err := codec.NewReedSolomon().Encode(blob, core.DefaultLayout)
	require.NoError(t, err)

	// Fragment 1 was corrupted before distribution, so the ledger hash
	// matches the corrupted bytes and only decode can tell.
	frags[1].Data[10] ^= 0x01
	for _, f := range frags {
		c := custodianFor(f.Index)
		e.fetcher.frags[fragKey(c.ID, id, f.Index)] = f.Data
		_, err := e.ledger.Assign(ctx, custody.AssignRequest{
			ContentID: id, Index: f.Index, FragmentHash: core.FragmentHash(f.Data),
			Layout: core.DefaultLayout, Owner: "alice", Custodian: c,
		})
		require.NoError(t, err)
	}

	_, err = codec.NewReedSolomon().Decode(frags[:4], id)
	require.ErrorIs(t, err, core.ErrHashMismatch)

	s, err := e.coord.StartSession(ctx,
		request("r1", core.RecoveryScope{Kind: core.ScopeSelective, ContentIDs: []string{id}}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)

	it := p.Items[0]
	assert.Equal(t, ItemComplete, it.Status)
	assert.Empty(t, it.Reason)
	assert.Contains(t, it.Failed, 1)
	assert.NotContains(t, it.Retrieved, 1)

	got, err := e.coord.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	a, err := e.ledger.Get(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, core.FragmentFailed, a.Status)
	for _, i := range []int{0, 2, 3, 4} {
		a, err := e.ledger.Get(ctx, id, i)
		require.NoError(t, err)
		assert.Equal(t, core.FragmentActive, a.Status, "fragment %d", i)
	}
}

func TestPromoteMovesItemToFront(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{ItemWorkers: 1})
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, e.distribute(t, blobOf(fmt.Sprintf("item %d ", i), 1024), "alice", core.VisibilityPrivate))
	}
	gate := make(chan struct{})
	e.fetcher.gates[ids[2]] = gate

	s, err := e.coord.StartSession(ctx,
		request("r1", core.RecoveryScope{Kind: core.ScopeSelective, ContentIDs: ids}), fullGrant())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Progress().Completed == 2 && s.QueuePosition(ids[3]) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 20.0, s.Progress().Percent, 0.001)

	assert.Equal(t, 6, s.QueuePosition(ids[9]))
	require.True(t, s.Promote(ids[9]))
	assert.Equal(t, 0, s.QueuePosition(ids[9]))
	assert.Equal(t, 1, s.QueuePosition(ids[3]))
	assert.False(t, s.Promote(ids[0]), "completed items are not queued")

	close(gate)
	waitFinished(t, s)
	order := e.fetcher.fetchedOrder()
	require.Len(t, order, 10)
	assert.Equal(t, ids[9], order[3])
}

func TestCancelSessionStopsFetches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	id := e.distribute(t, blobOf("slow ", 1024), "alice", core.VisibilityPrivate)
	e.fetcher.gates[id] = make(chan struct{})

	fired := make(chan struct{}, 1)
	e.coord.OnSessionDone(func(Progress) { fired <- struct{}{} })

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.fetcher.fetchedOrder()) == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, e.coord.CancelRequest("r1"))
	p := waitFinished(t, s)
	assert.Equal(t, SessionCanceled, p.Status)
	assert.False(t, e.coord.CancelSession(s.ID))

	e.coord.Close()
	select {
	case <-fired:
		t.Fatal("done hook fired for a canceled session")
	default:
	}
	has, err := e.coord.Store().Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReconstructOneSharesInFlightWork(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	id := e.distribute(t, blobOf("shared ", 4096), "alice", core.VisibilityPrivate)
	gate := make(chan struct{})
	e.fetcher.gates[id] = gate

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob, err := e.coord.ReconstructOne(ctx, id)
			assert.NoError(t, err)
			results[i] = blob
		}(i)
	}
	require.Eventually(t, func() bool { return len(e.fetcher.fetchedOrder()) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, e.blobs[id], r)
	}
	assert.Equal(t, 1, e.fetcher.calls[fragKey("c0", id, 0)])
}

func TestStartSessionSkipsLocallyHeldContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	id := e.distribute(t, blobOf("already here ", 2048), "alice", core.VisibilityPrivate)
	require.NoError(t, e.coord.Store().Put(ctx, id, e.blobs[id]))

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	p := waitFinished(t, s)
	assert.Equal(t, 1, p.Completed)
	assert.Empty(t, e.fetcher.fetchedOrder())
}

func TestFinishedSessionEvictedAfterRetention(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{SessionRetention: 20 * time.Millisecond})
	e.distribute(t, blobOf("short lived ", 1024), "alice", core.VisibilityPrivate)

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	waitFinished(t, s)

	require.Eventually(t, func() bool {
		_, ok := e.coord.Session(s.ID)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	_, ok := e.coord.SessionForRequest("r1")
	assert.False(t, ok)
	_, err = e.coord.Status(s.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	again, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID)
	assert.Equal(t, 1, waitFinished(t, again).Completed)
}

func TestCanceledSessionEvictedAfterRetention(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{SessionRetention: 20 * time.Millisecond})
	id := e.distribute(t, blobOf("held up ", 1024), "alice", core.VisibilityPrivate)
	e.fetcher.gates[id] = make(chan struct{})

	s, err := e.coord.StartSession(ctx, request("r1", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	require.True(t, e.coord.CancelSession(s.ID))
	waitFinished(t, s)

	require.Eventually(t, func() bool {
		_, ok := e.coord.SessionForRequest("r1")
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	_, ok := e.coord.ActiveSessionFor("alice", id)
	assert.False(t, ok)
}

func TestResolveScope(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	private := e.distribute(t, blobOf("private ", 512), "alice", core.VisibilityPrivate)
	trusted := e.distribute(t, blobOf("trusted ", 512), "alice", core.VisibilityTrusted)
	public := e.distribute(t, blobOf("public ", 512), "alice", core.VisibilityPublic)
	foreign := e.distribute(t, blobOf("foreign ", 512), "mallory", core.VisibilityPublic)

	ids, err := e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), fullGrant())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{private, trusted, public}, ids)

	ids, err = e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{Kind: core.ScopeVisibility, MaxLevel: core.VisibilityTrusted}), fullGrant())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{trusted, public}, ids)

	ids, err = e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{
		Kind: core.ScopeSelective, ContentIDs: []string{public, foreign, private},
	}), fullGrant())
	require.NoError(t, err)
	assert.Equal(t, []string{public, private}, ids)

	specific := []core.RecoveryAuthorization{
		{Grantor: "bob", Scope: core.GrantScope{Kind: core.GrantSpecific, ContentIDs: []string{trusted}}},
		{Grantor: "carol", Scope: core.GrantScope{Kind: core.GrantSpecific, ContentIDs: []string{public}}},
	}
	ids, err = e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), specific)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{trusted, public}, ids)

	// c0 custodies fragment 0 of everything; a custodied grant from c0
	// therefore covers all of alice's content.
	custodied := []core.RecoveryAuthorization{{Grantor: "c0", Scope: core.GrantScope{Kind: core.GrantCustodied}}}
	ids, err = e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), custodied)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{private, trusted, public}, ids)

	nobody := []core.RecoveryAuthorization{{Grantor: "zed", Scope: core.GrantScope{Kind: core.GrantCustodied}}}
	ids, err = e.coord.ResolveScope(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), nobody)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ok, err := e.coord.Covers(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), specific, trusted)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.coord.Covers(ctx, request("r", core.RecoveryScope{Kind: core.ScopeFull}), specific, private)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRank(t *testing.T) {
	as := []core.FragmentAssignment{
		{FragmentIndex: 0, Custodian: core.Custodian{ID: "slow", TrustTier: 2, Latency: 80 * time.Millisecond, Region: "eu"}},
		{FragmentIndex: 1, Custodian: core.Custodian{ID: "fast", TrustTier: 2, Latency: 10 * time.Millisecond, Region: "eu"}},
		{FragmentIndex: 2, Custodian: core.Custodian{ID: "low", TrustTier: 1, Latency: time.Millisecond, Region: "us"}},
		{FragmentIndex: 3, Custodian: core.Custodian{ID: "fast-us", TrustTier: 2, Latency: 10 * time.Millisecond, Region: "us"}},
	}
	ids := func(in []core.FragmentAssignment) []string {
		var out []string
		for _, a := range in {
			out = append(out, a.Custodian.ID)
		}
		return out
	}

	assert.Equal(t, []string{"fast", "fast-us", "slow", "low"}, ids(Rank(as, nil)))
	assert.Equal(t, []string{"fast-us", "fast", "slow", "low"}, ids(Rank(as, map[string]bool{"eu": true})))
	assert.Equal(t, "slow", as[0].Custodian.ID, "input is not reordered")

	// Within a wave the second pick avoids the region of the first.
	wave := selectWave(as, nil, 2)
	assert.Equal(t, []string{"fast", "fast-us"}, ids(wave))
}

func TestForEachSubset(t *testing.T) {
	var got [][]int
	forEachSubset([]int{1, 3, 5, 7, 9}, 3, func(s []int) bool {
		got = append(got, slices.Clone(s))
		return true
	})
	assert.Len(t, got, 10)
	assert.Equal(t, []int{1, 3, 5}, got[0])
	assert.Equal(t, []int{5, 7, 9}, got[9])

	calls := 0
	forEachSubset([]int{1, 2, 3, 4}, 2, func([]int) bool {
		calls++
		return calls < 2
	})
	assert.Equal(t, 2, calls)
}
