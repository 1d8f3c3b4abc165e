package coordinator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethosengine/elohim/internal/authz"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/health"
	"github.com/ethosengine/elohim/internal/kv"
	"github.com/ethosengine/elohim/internal/notify"
	"github.com/ethosengine/elohim/internal/trust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeTransport keeps every custodian's fragments in memory.
type fakeTransport struct {
	mu    sync.Mutex
	frags map[string]map[string][]byte
	down  map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frags: make(map[string]map[string][]byte), down: make(map[string]bool)}
}

func fragKey(contentID string, index int) string { return fmt.Sprintf("%s/%d", contentID, index) }

func (f *fakeTransport) Put(_ context.Context, c core.Custodian, contentID string, index int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[c.ID] {
		return core.ErrCustodianUnreachable
	}
	if f.frags[c.ID] == nil {
		f.frags[c.ID] = make(map[string][]byte)
	}
	f.frags[c.ID][fragKey(contentID, index)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, c core.Custodian, contentID string, index int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[c.ID] {
		return nil, core.ErrCustodianUnreachable
	}
	data, ok := f.frags[c.ID][fragKey(contentID, index)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func (f *fakeTransport) Probe(ctx context.Context, c core.Custodian, contentID string, index int) (string, error) {
	data, err := f.Fetch(ctx, c, contentID, index)
	if err != nil {
		return "", err
	}
	return core.FragmentHash(data), nil
}

func (f *fakeTransport) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *fakeTransport) holds(id, contentID string, index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.frags[id][fragKey(contentID, index)]
	return ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, to string, msg notify.Message) (notify.Ack, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]notify.Message)
	}
	n.sent[to] = append(n.sent[to], msg)
	return notify.Ack{MessageID: msg.ChallengeID, DeliveredAt: time.Now()}, nil
}

func (n *recordingNotifier) last(to string) notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[to]
	return msgs[len(msgs)-1]
}

// keyOf derives a stable key for a relationship or device name.
func keyOf(name string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(name))
	return ed25519.NewKeyFromSeed(seed[:])
}

func pubOf(name string) ed25519.PublicKey {
	return keyOf(name).Public().(ed25519.PublicKey)
}

type staticSource []core.Custodian

func (s staticSource) Custodians() []core.Custodian { return s }

func custodians(n int) staticSource {
	regions := []string{"eu", "us", "ap"}
	out := make(staticSource, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, core.Custodian{
			ID:        fmt.Sprintf("c%d", i),
			Region:    regions[i%len(regions)],
			TrustTier: 1 + i%2,
		})
	}
	return out
}

type fixture struct {
	node      *Node
	store     *kv.Memory
	transport *fakeTransport
	graph     *trust.Static
	notifier  *recordingNotifier
	gateway   ed25519.PrivateKey
	device    ed25519.PrivateKey
	router    *gin.Engine
}

func newFixture(t *testing.T, nCustodians int) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Trust.Gateways = map[string]string{"Acme": hex.EncodeToString(pub)}
	cfg.Reconstruction.RetryBackoff = time.Millisecond

	f := &fixture{
		store:     kv.NewMemory(),
		transport: newFakeTransport(),
		graph:     trust.NewStatic(),
		notifier:  &recordingNotifier{},
		gateway:   priv,
		device:    keyOf("alice's new phone"),
	}
	f.graph.Set("alice", trust.Identity{Contacts: []trust.Contact{
		{RelationshipID: "bob", ChallengeType: core.ChallengeLiveCall, PublicKey: hex.EncodeToString(pubOf("bob"))},
		{RelationshipID: "carol", ChallengeType: core.ChallengeLiveCall, PublicKey: hex.EncodeToString(pubOf("carol"))},
	}})
	f.node, err = newNode(context.Background(), cfg, deps{
		store:     f.store,
		graph:     f.graph,
		notifier:  f.notifier,
		transport: f.transport,
		source:    custodians(nCustodians),
	})
	require.NoError(t, err)
	t.Cleanup(f.node.Stop)
	f.router = f.node.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) devicePub() []byte {
	return f.device.Public().(ed25519.PublicKey)
}

// read fetches content as alice's new device.
func (f *fixture) read(t *testing.T, contentID, query string) *httptest.ResponseRecorder {
	t.Helper()
	sig := ed25519.Sign(f.device, core.ReadPayload("alice", contentID))
	return f.do(t, http.MethodGet, "/content/"+contentID+query, nil,
		identityHeader, "alice", signatureHeader, hex.EncodeToString(sig))
}

func (f *fixture) upload(t *testing.T, owner string, blob []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	_, err = part.Write(blob)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("owner", owner))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/content", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// distribute stores content and then forgets the local copy, as on a
// device that lost its data.
func (f *fixture) distribute(t *testing.T, owner string, blob []byte) DistributionResult {
	t.Helper()
	res, err := f.node.distributor.Distribute(context.Background(), Authored{Owner: owner, Blob: blob})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(context.Background(), "content/"+res.ContentID))
	return res
}

// spare returns a custodian that received no fragment of the content.
func (f *fixture) spare(t *testing.T, res DistributionResult) string {
	t.Helper()
	used := make(map[string]bool)
	for _, p := range res.Placements {
		used[p.Custodian] = true
	}
	for _, c := range f.node.deps.source.Custodians() {
		if !used[c.ID] {
			return c.ID
		}
	}
	t.Fatal("no spare custodian")
	return ""
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Status int `json:"status"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestUploadDistributesFragments(t *testing.T) {
	f := newFixture(t, 7)
	blob := []byte("a note worth keeping across devices")

	w := f.upload(t, "alice", blob)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[DistributionResult](t, w)
	assert.Equal(t, core.DefaultLayout, res.Layout)
	assert.Len(t, res.Placements, 7)
	assert.Empty(t, res.Missing)

	regions := make(map[string]bool)
	for _, p := range res.Placements {
		assert.True(t, f.transport.holds(p.Custodian, res.ContentID, p.Index))
		regions[p.Region] = true
	}
	assert.Len(t, regions, 3)

	w = f.do(t, http.MethodGet, "/custody/"+res.ContentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	custody := decode[struct {
		Assignments []core.FragmentAssignment `json:"assignments"`
	}](t, w)
	require.Len(t, custody.Assignments, 7)
	assert.Equal(t, "alice", custody.Assignments[0].Owner)
	assert.Equal(t, core.VisibilityPrivate, custody.Assignments[0].Visibility)

	// The author keeps a local copy.
	local, err := f.node.coord.Store().Get(context.Background(), res.ContentID)
	require.NoError(t, err)
	assert.Equal(t, blob, local)

	// Holding the content id is not enough to read it.
	w = f.do(t, http.MethodGet, "/content/"+res.ContentID, nil, identityHeader, "alice")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDistributionToleratesParityLosses(t *testing.T) {
	f := newFixture(t, 7)
	f.transport.setDown("c0", true)
	f.transport.setDown("c1", true)

	res, err := f.node.distributor.Distribute(context.Background(), Authored{Owner: "alice", Blob: []byte("partly placed")})
	require.NoError(t, err)
	assert.Len(t, res.Placements, 5)
	assert.Len(t, res.Missing, 2)

	f.transport.setDown("c2", true)
	f.transport.setDown("c3", true)
	_, err = f.node.distributor.Distribute(context.Background(), Authored{Owner: "alice", Blob: []byte("mostly lost")})
	assert.ErrorIs(t, err, core.ErrCustodianUnreachable)
}

func TestDistributionUsesSpares(t *testing.T) {
	f := newFixture(t, 9)
	f.transport.setDown("c0", true)

	res, err := f.node.distributor.Distribute(context.Background(), Authored{Owner: "alice", Blob: []byte("spare capacity")})
	require.NoError(t, err)
	assert.Len(t, res.Placements, 7)
	assert.Empty(t, res.Missing)
	for _, p := range res.Placements {
		assert.NotEqual(t, "c0", p.Custodian)
	}
}

func TestGatewayRecoveryOverAPI(t *testing.T) {
	f := newFixture(t, 7)
	blob := []byte("journal entry from before the phone was lost")
	dist := f.distribute(t, "alice", blob)

	deviceKey := f.devicePub()
	proof := ed25519.Sign(f.gateway, core.SigningPayload("alice", deviceKey))
	w := f.do(t, http.MethodPost, "/recovery/requests", gin.H{
		"identity":   "alice",
		"device_key": deviceKey,
		"method":     gin.H{"kind": core.MethodGatewayAttestation, "gateway": "ACME", "proof": proof},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[core.RecoveryRequest](t, w)
	assert.Equal(t, core.RequestAuthorized, req.Status)

	w = f.read(t, dist.ContentID, "?wait=5s")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, blob, w.Body.Bytes())

	assert.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/recovery/requests/"+req.ID, nil)
		out := decode[struct {
			Request core.RecoveryRequest `json:"request"`
		}](t, w)
		return out.Request.Status == core.RequestCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodGet, "/recovery/requests/"+req.ID, nil)
	out := decode[struct {
		Session struct {
			SessionID string `json:"session_id"`
			Total     int    `json:"total"`
			Completed int    `json:"completed"`
		} `json:"session"`
	}](t, w)
	assert.Equal(t, 1, out.Session.Total)
	assert.Equal(t, 1, out.Session.Completed)

	w = f.do(t, http.MethodGet, "/recovery/sessions/"+out.Session.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSocialRecoveryOverAPI(t *testing.T) {
	f := newFixture(t, 7)
	dist := f.distribute(t, "alice", []byte("photo album index"))

	w := f.do(t, http.MethodPost, "/recovery/requests", gin.H{
		"identity":   "alice",
		"device_key": f.devicePub(),
		"method":     gin.H{"kind": core.MethodSocial},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[core.RecoveryRequest](t, w)
	assert.Equal(t, core.RequestChallenged, req.Status)

	// Live-call challenges are answered by the relationships, so the
	// requester never sees their ids.
	w = f.do(t, http.MethodGet, "/recovery/requests/"+req.ID, nil)
	view := decode[struct {
		Challenges []core.RecoveryChallenge `json:"challenges"`
	}](t, w)
	require.Len(t, view.Challenges, 2)
	for _, ch := range view.Challenges {
		assert.Empty(t, ch.ID)
		assert.Empty(t, ch.Secret)
	}

	// Not authorized yet.
	w = f.read(t, dist.ContentID, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var last core.RecoveryRequest
	for _, who := range []string{"bob", "carol"} {
		msg := f.notifier.last(who)
		require.NotEmpty(t, msg.Code)
		w = f.do(t, http.MethodPost, "/recovery/challenges/"+msg.ChallengeID+"/response", gin.H{"response": msg.Code})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		last = decode[struct {
			Request core.RecoveryRequest `json:"request"`
		}](t, w).Request
	}
	assert.Equal(t, core.RequestAuthorized, last.Status)

	w = f.read(t, dist.ContentID, "?wait=5s")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []byte("photo album index"), w.Body.Bytes())
}

func TestGrantOverAPINeedsGrantorSignature(t *testing.T) {
	f := newFixture(t, 7)
	w := f.do(t, http.MethodPost, "/recovery/requests", gin.H{
		"identity":   "alice",
		"device_key": f.devicePub(),
		"method":     gin.H{"kind": core.MethodSocial},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[core.RecoveryRequest](t, w)
	payload := core.GrantPayload(req.ID, "alice", f.devicePub())

	grant := func(grantor string, key ed25519.PrivateKey) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/recovery/requests/"+req.ID+"/grants", gin.H{
			"grantor":   grantor,
			"signature": hex.EncodeToString(ed25519.Sign(key, payload)),
		})
	}

	// The requester cannot vouch for themselves under a challenger's name.
	for _, who := range []string{"bob", "carol"} {
		w = grant(who, f.device)
		require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		assert.Equal(t, "NotAuthorized", decode[errorBody](t, w).Error.Code)
	}
	w = f.do(t, http.MethodGet, "/recovery/requests/"+req.ID, nil)
	view := decode[struct {
		Request        core.RecoveryRequest         `json:"request"`
		Authorizations []core.RecoveryAuthorization `json:"authorizations"`
	}](t, w)
	assert.Equal(t, core.RequestChallenged, view.Request.Status)
	assert.Empty(t, view.Authorizations)

	w = grant("bob", keyOf("bob"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, core.RequestChallenged, decode[core.RecoveryRequest](t, w).Status)
	w = grant("carol", keyOf("carol"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, core.RequestAuthorized, decode[core.RecoveryRequest](t, w).Status)

	w = f.do(t, http.MethodGet, "/recovery/requests/"+req.ID, nil)
	view = decode[struct {
		Request        core.RecoveryRequest         `json:"request"`
		Authorizations []core.RecoveryAuthorization `json:"authorizations"`
	}](t, w)
	require.Len(t, view.Authorizations, 2)
	for _, a := range view.Authorizations {
		assert.Empty(t, a.Token)
	}
}

func TestCancelOverAPI(t *testing.T) {
	f := newFixture(t, 7)
	w := f.do(t, http.MethodPost, "/recovery/requests", gin.H{
		"identity":   "alice",
		"device_key": f.devicePub(),
		"method":     gin.H{"kind": core.MethodSocial},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	req := decode[core.RecoveryRequest](t, w)

	w = f.do(t, http.MethodPost, "/recovery/requests/"+req.ID+"/cancel", gin.H{"reason": "found my phone"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, core.RequestDenied, decode[core.RecoveryRequest](t, w).Status)

	w = f.do(t, http.MethodPost, "/recovery/requests/"+req.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RequestClosed", decode[errorBody](t, w).Error.Code)
}

func TestErrorBodies(t *testing.T) {
	f := newFixture(t, 7)
	unknown, err := core.ContentID([]byte("never stored"))
	require.NoError(t, err)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		header []string
		status int
		code   string
	}{
		{"unknown request", http.MethodGet, "/recovery/requests/nope", nil, nil, http.StatusNotFound, "NotFound"},
		{"missing identity", http.MethodPost, "/recovery/requests", gin.H{"device_key": []byte("k")}, nil, http.StatusBadRequest, "InvalidRequest"},
		{"unknown gateway", http.MethodPost, "/recovery/requests", gin.H{
			"identity": "alice", "device_key": f.devicePub(),
			"method": gin.H{"kind": core.MethodGatewayAttestation, "gateway": "other"},
		}, nil, http.StatusBadRequest, "InvalidRequest"},
		{"no identity header", http.MethodGet, "/content/bafy", nil, nil, http.StatusBadRequest, "InvalidRequest"},
		{"bad content id", http.MethodGet, "/content/bafy", nil, []string{identityHeader, "alice"}, http.StatusBadRequest, "InvalidRequest"},
		{"bad signature header", http.MethodGet, "/content/" + unknown, nil, []string{identityHeader, "alice", signatureHeader, "zz"}, http.StatusBadRequest, "InvalidRequest"},
		{"short device key", http.MethodPost, "/recovery/requests", gin.H{
			"identity": "alice", "device_key": []byte("k"), "method": gin.H{"kind": core.MethodSocial},
		}, nil, http.StatusBadRequest, "InvalidRequest"},
		{"no grant", http.MethodGet, "/content/" + unknown, nil, []string{identityHeader, "mallory"}, http.StatusForbidden, "NotAuthorized"},
		{"unknown custody", http.MethodGet, "/custody/" + unknown, nil, nil, http.StatusNotFound, "NotFound"},
		{"unknown session", http.MethodGet, "/recovery/sessions/nope", nil, nil, http.StatusNotFound, "NotFound"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, tc.method, tc.path, tc.body, tc.header...)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			body := decode[errorBody](t, w)
			assert.Equal(t, tc.status, body.Status)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestServerErrorsHideDetail(t *testing.T) {
	f := newFixture(t, 3)
	w := f.upload(t, "alice", []byte("too few custodians"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, "CustodianUnreachable", body.Error.Code)
	assert.Equal(t, core.ErrCustodianUnreachable.Error(), body.Error.Message)
}

func TestReplicateCopiesToNewRegion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	dist := f.distribute(t, "alice", []byte("replicate me"))

	var victim Placement
	for _, p := range dist.Placements {
		if p.Index == 2 {
			victim = p
		}
	}
	_, err := f.node.ledger.UpdateStatus(ctx, dist.ContentID, 2, core.FragmentFailed)
	require.NoError(t, err)

	moved, err := f.node.replicator.Replicate(ctx, health.Signal{
		ContentID: dist.ContentID, Index: 2, Custodian: victim.Custodian, Mode: health.ModeCopy,
	})
	require.NoError(t, err)
	spare := f.spare(t, dist)
	assert.Equal(t, core.FragmentActive, moved.Status)
	assert.Equal(t, spare, moved.Custodian.ID)
	assert.True(t, f.transport.holds(spare, dist.ContentID, 2))
	assert.Equal(t, int64(1), f.node.replicator.GetStats().Completed)
}

func TestReplicateRederivesLostFragment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	dist := f.distribute(t, "alice", []byte("rederive me from siblings"))

	var victim Placement
	for _, p := range dist.Placements {
		if p.Index == 0 {
			victim = p
		}
	}
	f.transport.setDown(victim.Custodian, true)
	_, err := f.node.ledger.UpdateStatus(ctx, dist.ContentID, 0, core.FragmentFailed)
	require.NoError(t, err)

	moved, err := f.node.replicator.Replicate(ctx, health.Signal{
		ContentID: dist.ContentID, Index: 0, Custodian: victim.Custodian, Mode: health.ModeRederive,
	})
	require.NoError(t, err)
	assert.Equal(t, f.spare(t, dist), moved.Custodian.ID)

	data, err := f.transport.Fetch(ctx, moved.Custodian, dist.ContentID, 0)
	require.NoError(t, err)
	assert.Equal(t, moved.FragmentHash, core.FragmentHash(data))
}

func TestReplicateWithoutSpareKeepsFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 7)
	dist := f.distribute(t, "alice", []byte("nowhere to go"))
	_, err := f.node.ledger.UpdateStatus(ctx, dist.ContentID, 1, core.FragmentFailed)
	require.NoError(t, err)

	_, err = f.node.replicator.Replicate(ctx, health.Signal{ContentID: dist.ContentID, Index: 1, Mode: health.ModeCopy})
	assert.ErrorIs(t, err, core.ErrCustodianUnreachable)

	a, err := f.node.ledger.Get(ctx, dist.ContentID, 1)
	require.NoError(t, err)
	assert.Equal(t, core.FragmentFailed, a.Status)
	assert.Equal(t, int64(1), f.node.replicator.GetStats().Failed)
}

func TestAuditOverAPISignalsReplication(t *testing.T) {
	f := newFixture(t, 8)
	dist := f.distribute(t, "alice", []byte("audited content"))

	var victim Placement
	for _, p := range dist.Placements {
		if p.Index == 4 {
			victim = p
		}
	}
	// Corrupt the stored fragment so the probe reports a mismatch.
	require.NoError(t, f.transport.Put(context.Background(), core.Custodian{ID: victim.Custodian}, dist.ContentID, 4, []byte("garbage")))

	w := f.do(t, http.MethodPost, "/health/audit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	spare := f.spare(t, dist)
	assert.Eventually(t, func() bool {
		a, err := f.node.ledger.Get(context.Background(), dist.ContentID, 4)
		return err == nil && a.Status == core.FragmentActive && a.Custodian.ID == spare
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodGet, "/health/report?fresh=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[core.DistributionHealthReport](t, w).Healthy)

	w = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[struct {
		Custodians  int              `json:"custodians"`
		Replication ReplicationStats `json:"replication"`
	}](t, w)
	assert.Equal(t, 8, status.Custodians)
	assert.Equal(t, int64(1), status.Replication.Completed)
}

func TestStartRebuildsAuthorizedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 7)
	dist := f.distribute(t, "alice", []byte("survives a coordinator restart"))

	// Authorize through an engine with no hooks, as if the node stopped
	// right after the threshold was met.
	pub := f.gateway.Public().(ed25519.PublicKey)
	engine := authz.NewEngine(f.store, f.graph, nil, authz.Config{Gateways: map[string]ed25519.PublicKey{"acme": pub}})
	deviceKey := f.devicePub()
	req, err := engine.Submit(ctx, authz.Submission{
		Identity:  "alice",
		DeviceKey: deviceKey,
		Method: core.RecoveryMethod{
			Kind:    core.MethodGatewayAttestation,
			Gateway: "acme",
			Proof:   ed25519.Sign(f.gateway, core.SigningPayload("alice", deviceKey)),
		},
	})
	require.NoError(t, err)
	require.Equal(t, core.RequestAuthorized, req.Status)

	restarted, err := newNode(ctx, f.node.cfg, f.node.deps)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	s, ok := restarted.coord.SessionForRequest(req.ID)
	require.True(t, ok)
	select {
	case <-s.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("rebuilt session did not finish")
	}
	blob, err := restarted.coord.Store().Get(ctx, dist.ContentID)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives a coordinator restart"), blob)

	assert.Eventually(t, func() bool {
		got, err := restarted.engine.Get(ctx, req.ID)
		return err == nil && got.Status == core.RequestCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultLayout, cfg.Layout())
	assert.Equal(t, 2, cfg.Recovery.MinAuthorizations)
	assert.Equal(t, 72*time.Hour, cfg.Recovery.RequestExpiry)
	assert.Equal(t, "badger", cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)

	t.Setenv("ELOHIM_DISTRIBUTION_K", "9")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, core.ErrLayoutMismatch)
}
