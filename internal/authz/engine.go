// Package authz runs the social-recovery state machine: a request is
// challenged through the requester's trusted relationships, passing
// challenges become authorizations, and the request is authorized once a
// threshold of distinct valid grantors exists.
package authz

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/kv"
	"github.com/ethosengine/elohim/internal/metrics"
	"github.com/ethosengine/elohim/internal/notify"
	"github.com/ethosengine/elohim/internal/trust"
)

var log = logging.Logger("authz")

const (
	lockStripes = 64

	// socialFloor is the smallest threshold a social recovery may use.
	socialFloor = 2

	grantorHardwareKey = "self:hardware-key"
	reasonSuperseded   = "superseded by a newer request"
)

type Config struct {
	MinAuthorizations int
	RequestExpiry     time.Duration
	ChallengeExpiry   time.Duration
	AuthorizationTTL  time.Duration
	SweepInterval     time.Duration
	// Gateways maps trusted gateway names to their attestation keys.
	Gateways map[string]ed25519.PublicKey
}

func DefaultConfig() Config {
	return Config{
		MinAuthorizations: 2,
		RequestExpiry:     72 * time.Hour,
		ChallengeExpiry:   24 * time.Hour,
		AuthorizationTTL:  7 * 24 * time.Hour,
		SweepInterval:     time.Minute,
	}
}

type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the authorization engine. All state lives in the kv store; the
// engine itself only holds locks and hooks.
type Engine struct {
	cfg      Config
	records  records
	graph    trust.Graph
	notifier notify.Notifier
	now      func() time.Time

	identityLocks [lockStripes]sync.Mutex
	requestLocks  [lockStripes]sync.Mutex

	hookMu       sync.RWMutex
	onAuthorized []func(core.RecoveryRequest, []core.RecoveryAuthorization)
	onClosed     []func(core.RecoveryRequest)
}

func NewEngine(store kv.Store, graph trust.Graph, notifier notify.Notifier, cfg Config, opts ...Option) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	def := DefaultConfig()
	if cfg.MinAuthorizations <= 0 {
		cfg.MinAuthorizations = def.MinAuthorizations
	}
	if cfg.RequestExpiry <= 0 {
		cfg.RequestExpiry = def.RequestExpiry
	}
	if cfg.ChallengeExpiry <= 0 {
		cfg.ChallengeExpiry = def.ChallengeExpiry
	}
	if cfg.AuthorizationTTL <= 0 {
		cfg.AuthorizationTTL = def.AuthorizationTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	e := &Engine{
		cfg:      cfg,
		records:  records{store: store},
		graph:    graph,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnAuthorized registers fn to run once for every request that reaches
// Authorized. Hooks run after the engine releases its locks.
func (e *Engine) OnAuthorized(fn func(core.RecoveryRequest, []core.RecoveryAuthorization)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onAuthorized = append(e.onAuthorized, fn)
}

// OnClosed registers fn to run when an Authorized request is denied,
// superseded or canceled before completing.
func (e *Engine) OnClosed(fn func(core.RecoveryRequest)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onClosed = append(e.onClosed, fn)
}

// Submission is a new recovery request as received from the device.
type Submission struct {
	Identity  string
	DeviceKey []byte
	Method    core.RecoveryMethod
	Scope     core.RecoveryScope
	Channels  []string
	// ExpiresIn overrides the configured request expiry when positive.
	ExpiresIn time.Duration
}

func (s *Submission) validate() error {
	if strings.TrimSpace(s.Identity) == "" {
		return fmt.Errorf("%w: identity is required", core.ErrInvalidRequest)
	}
	if len(s.DeviceKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: device key must be a %d-byte ed25519 public key", core.ErrInvalidRequest, ed25519.PublicKeySize)
	}
	switch s.Scope.Kind {
	case "":
		s.Scope.Kind = core.ScopeFull
	case core.ScopeFull:
	case core.ScopeSelective:
		if len(s.Scope.ContentIDs) == 0 {
			return fmt.Errorf("%w: selective scope needs content ids", core.ErrInvalidRequest)
		}
		for _, id := range s.Scope.ContentIDs {
			if !core.ValidContentID(id) {
				return fmt.Errorf("%w: bad content id %q", core.ErrInvalidRequest, id)
			}
		}
	case core.ScopeVisibility:
		if s.Scope.MaxLevel == "" {
			return fmt.Errorf("%w: visibility scope needs a level", core.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", core.ErrInvalidRequest, s.Scope.Kind)
	}
	return nil
}

// Submit records a new request, supersedes any earlier non-terminal request
// of the same identity and starts verification for the chosen method. A
// request whose proof does not verify is returned Denied with a reason
// rather than as an error.
func (e *Engine) Submit(ctx context.Context, sub Submission) (core.RecoveryRequest, error) {
	if err := sub.validate(); err != nil {
		return core.RecoveryRequest{}, err
	}

	idLock := e.lockIdentity(sub.Identity)
	idLock.Lock()
	var fired []func()
	defer func() {
		idLock.Unlock()
		for _, fn := range fired {
			fn()
		}
	}()

	now := e.now().UTC()
	expiry := e.cfg.RequestExpiry
	if sub.ExpiresIn > 0 {
		expiry = sub.ExpiresIn
	}
	req := core.RecoveryRequest{
		ID:          uuid.NewString(),
		Identity:    sub.Identity,
		DeviceKey:   sub.DeviceKey,
		Method:      sub.Method,
		Scope:       sub.Scope,
		Channels:    sub.Channels,
		Status:      core.RequestPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(expiry),
		UpdatedAt:   now,
	}

	// Resolve the method before superseding so a malformed request does not
	// cancel a valid one.
	var contacts []trust.Contact
	switch sub.Method.Kind {
	case core.MethodSocial, core.MethodEmergencyContact:
		all, err := e.graph.EmergencyContacts(ctx, sub.Identity)
		if err != nil {
			return core.RecoveryRequest{}, fmt.Errorf("lookup emergency contacts: %w", err)
		}
		contacts = selectContacts(all, sub.Method.Relationships)
		if sub.Method.Kind == core.MethodEmergencyContact {
			if len(contacts) == 0 {
				return core.RecoveryRequest{}, fmt.Errorf("%w: no emergency contact available", core.ErrInvalidRequest)
			}
			contacts = contacts[:1]
			req.Threshold = 1
		} else {
			req.Threshold = max(socialFloor, e.cfg.MinAuthorizations, sub.Method.RequiredAuthorizations)
			if req.Threshold > len(contacts) {
				return core.RecoveryRequest{}, fmt.Errorf("%w: threshold %d exceeds %d emergency contacts",
					core.ErrInvalidRequest, req.Threshold, len(contacts))
			}
		}
	case core.MethodGatewayAttestation:
		if _, ok := e.cfg.Gateways[sub.Method.Gateway]; !ok {
			return core.RecoveryRequest{}, fmt.Errorf("%w: unknown gateway %q", core.ErrInvalidRequest, sub.Method.Gateway)
		}
		req.Threshold = 1
	case core.MethodHardwareKey:
		req.Threshold = 1
	default:
		return core.RecoveryRequest{}, fmt.Errorf("%w: unknown method %q", core.ErrInvalidRequest, sub.Method.Kind)
	}

	if err := e.supersede(ctx, sub.Identity, req.ID, &fired); err != nil {
		return core.RecoveryRequest{}, err
	}

	lock := e.lockRequest(req.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.records.putRequest(ctx, req); err != nil {
		return core.RecoveryRequest{}, fmt.Errorf("persist request: %w", err)
	}
	if err := e.records.setLatest(ctx, req.Identity, req.ID); err != nil {
		return core.RecoveryRequest{}, fmt.Errorf("index request: %w", err)
	}
	metrics.RequestTransitions.WithLabelValues(string(core.RequestPending)).Inc()
	log.Infow("recovery request submitted", "request", req.ID, "identity", req.Identity,
		"method", req.Method.Kind, "threshold", req.Threshold)

	var err error
	switch sub.Method.Kind {
	case core.MethodSocial, core.MethodEmergencyContact:
		req, err = e.challengeContacts(ctx, req, contacts)
	case core.MethodGatewayAttestation:
		key := e.cfg.Gateways[sub.Method.Gateway]
		req, err = e.attest(ctx, req, "gateway:"+sub.Method.Gateway, []ed25519.PublicKey{key}, &fired)
	case core.MethodHardwareKey:
		var keys []ed25519.PublicKey
		keys, err = e.graph.HardwareKeys(ctx, sub.Identity)
		if err == nil {
			req, err = e.attest(ctx, req, grantorHardwareKey, keys, &fired)
		}
	}
	if err != nil {
		return core.RecoveryRequest{}, err
	}
	return req, nil
}

// supersede denies the identity's previous request if it is still live.
// Caller holds the identity lock.
func (e *Engine) supersede(ctx context.Context, identity, newID string, fired *[]func()) error {
	prev, err := e.records.latest(ctx, identity)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup previous request: %w", err)
	}
	if prev.Status.Terminal() {
		return nil
	}

	lock := e.lockRequest(prev.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the request lock.
	prev, err = e.records.request(ctx, prev.ID)
	if err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return nil
	}
	wasAuthorized := prev.Status == core.RequestAuthorized
	prev.SupersededBy = newID
	if err := e.transition(ctx, &prev, core.RequestDenied, reasonSuperseded); err != nil {
		return err
	}
	log.Infow("recovery request superseded", "request", prev.ID, "by", newID)
	if wasAuthorized {
		*fired = append(*fired, e.closedHook(prev))
	}
	return nil
}

func selectContacts(all []trust.Contact, wanted []string) []trust.Contact {
	if len(wanted) == 0 {
		return all
	}
	set := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		set[id] = true
	}
	var out []trust.Contact
	for _, c := range all {
		if set[c.RelationshipID] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) challengeContacts(ctx context.Context, req core.RecoveryRequest, contacts []trust.Contact) (core.RecoveryRequest, error) {
	for _, c := range contacts {
		if _, err := e.issueChallenge(ctx, req, c); err != nil {
			if terr := e.transition(ctx, &req, core.RequestDenied, "challenge could not be issued"); terr != nil {
				log.Errorw("failed to deny request", "request", req.ID, "err", terr)
			}
			return core.RecoveryRequest{}, fmt.Errorf("issue challenge to %s: %w", c.RelationshipID, err)
		}
	}
	if err := e.transition(ctx, &req, core.RequestChallenged, ""); err != nil {
		return core.RecoveryRequest{}, err
	}
	return req, nil
}

// attest verifies a signature over the request's device key by any of keys
// and grants a full-scope authorization on success.
func (e *Engine) attest(ctx context.Context, req core.RecoveryRequest, grantor string, keys []ed25519.PublicKey, fired *[]func()) (core.RecoveryRequest, error) {
	payload := core.SigningPayload(req.Identity, req.DeviceKey)
	for _, key := range keys {
		if !verifySignature(key, payload, req.Method.Proof) {
			continue
		}
		auth, err := e.newAuthorization(req, grantor, core.GrantScope{Kind: core.GrantFull})
		if err != nil {
			return core.RecoveryRequest{}, err
		}
		if err := e.records.putAuthorization(ctx, auth); err != nil {
			return core.RecoveryRequest{}, fmt.Errorf("persist authorization: %w", err)
		}
		return e.evaluate(ctx, req, fired)
	}
	log.Warnw("attestation rejected", "request", req.ID, "grantor", grantor)
	if err := e.transition(ctx, &req, core.RequestDenied, "attestation did not verify"); err != nil {
		return core.RecoveryRequest{}, err
	}
	return req, nil
}

// ChallengeOutcome is the result of answering one challenge.
type ChallengeOutcome struct {
	Challenge core.RecoveryChallenge
	Request   core.RecoveryRequest
}

// RespondToChallenge verifies a relationship's response. A failed or
// expired challenge is recorded and absorbed; it never denies the request.
// Responding to a Completed request is a no-op.
func (e *Engine) RespondToChallenge(ctx context.Context, challengeID string, response []byte) (ChallengeOutcome, error) {
	ch, err := e.records.challenge(ctx, challengeID)
	if err != nil {
		return ChallengeOutcome{}, err
	}

	var fired []func()
	lock := e.lockRequest(ch.RequestID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		for _, fn := range fired {
			fn()
		}
	}()

	// Reload under the lock; a concurrent response may have resolved it.
	if ch, err = e.records.challenge(ctx, challengeID); err != nil {
		return ChallengeOutcome{}, err
	}
	req, err := e.loadLive(ctx, ch.RequestID)
	if err != nil {
		return ChallengeOutcome{}, err
	}
	out := ChallengeOutcome{Challenge: ch.Redacted(), Request: req}
	if req.Status == core.RequestCompleted || ch.Result != core.ChallengeOpen {
		return out, nil
	}
	if err := closedError(req); err != nil {
		return out, err
	}

	now := e.now()
	ch.Response = response
	switch {
	case !now.Before(ch.ExpiresAt):
		ch.Result = core.ChallengeFailed
	case verifyResponse(ch, response):
		ch.Result = core.ChallengePassed
	default:
		ch.Result = core.ChallengeFailed
	}
	if err := e.records.putChallenge(ctx, ch); err != nil {
		return out, fmt.Errorf("persist challenge: %w", err)
	}
	metrics.ChallengeResults.WithLabelValues(string(ch.Type), string(ch.Result)).Inc()
	out.Challenge = ch.Redacted()

	if ch.Result == core.ChallengeFailed {
		log.Warnw("challenge failed", "request", req.ID, "challenger", ch.Challenger,
			"err", core.ErrChallengeFailed)
		return out, nil
	}
	if out.Request, err = e.authorizeChallenger(ctx, req, ch, &fired); err != nil {
		return out, err
	}
	return out, nil
}

// authorizeChallenger turns a passed challenge into an authorization scoped
// to the access configured for the relationship. Caller holds the request
// lock.
func (e *Engine) authorizeChallenger(ctx context.Context, req core.RecoveryRequest, ch core.RecoveryChallenge, fired *[]func()) (core.RecoveryRequest, error) {
	auth, err := e.newAuthorization(req, ch.Challenger, ch.Grant)
	if err != nil {
		return req, err
	}
	if err := e.records.putAuthorization(ctx, auth); err != nil {
		return req, fmt.Errorf("persist authorization: %w", err)
	}
	log.Infow("authorization granted", "request", req.ID, "grantor", auth.Grantor, "scope", auth.Scope.Kind)
	return e.evaluate(ctx, req, fired)
}

// Grant records an authorization message sent directly by one of the
// request's challenged relationships. The signature must verify against the
// relationship's registered key over core.GrantPayload; it passes that
// relationship's challenge and grants the access configured for it. A failed
// or expired challenge cannot be overridden. Grants are counted once per
// grantor and arrival order does not matter.
func (e *Engine) Grant(ctx context.Context, requestID, grantor string, signature []byte) (core.RecoveryRequest, error) {
	if grantor == "" {
		return core.RecoveryRequest{}, fmt.Errorf("%w: grantor is required", core.ErrInvalidRequest)
	}

	var fired []func()
	lock := e.lockRequest(requestID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		for _, fn := range fired {
			fn()
		}
	}()

	req, err := e.loadLive(ctx, requestID)
	if err != nil {
		return core.RecoveryRequest{}, err
	}
	if req.Status == core.RequestCompleted {
		return req, nil
	}
	if err := closedError(req); err != nil {
		return req, err
	}

	ch, err := e.challengeOf(ctx, requestID, grantor)
	if err != nil {
		return req, err
	}
	switch ch.Result {
	case core.ChallengePassed:
		return e.evaluate(ctx, req, &fired)
	case core.ChallengeFailed:
		return req, fmt.Errorf("%w: %s", core.ErrChallengeFailed, grantor)
	}

	key, err := e.grantorKey(ctx, req.Identity, grantor)
	if err != nil {
		return req, err
	}
	if !verifySignature(key, core.GrantPayload(req.ID, req.Identity, req.DeviceKey), signature) {
		log.Warnw("grant signature rejected", "request", req.ID, "grantor", grantor)
		return req, fmt.Errorf("%w: grant from %s does not verify", core.ErrNotAuthorized, grantor)
	}

	ch.Response = signature
	ch.Result = core.ChallengePassed
	if !e.now().Before(ch.ExpiresAt) {
		ch.Result = core.ChallengeFailed
	}
	if err := e.records.putChallenge(ctx, ch); err != nil {
		return req, fmt.Errorf("persist challenge: %w", err)
	}
	metrics.ChallengeResults.WithLabelValues(string(ch.Type), string(ch.Result)).Inc()
	if ch.Result == core.ChallengeFailed {
		return req, fmt.Errorf("%w: challenge of %s expired", core.ErrChallengeFailed, grantor)
	}
	return e.authorizeChallenger(ctx, req, ch, &fired)
}

// challengeOf finds the challenge issued to grantor for the request.
func (e *Engine) challengeOf(ctx context.Context, requestID, grantor string) (core.RecoveryChallenge, error) {
	challenges, err := e.records.challenges(ctx, requestID)
	if err != nil {
		return core.RecoveryChallenge{}, err
	}
	for _, ch := range challenges {
		if ch.Challenger == grantor {
			return ch, nil
		}
	}
	return core.RecoveryChallenge{}, fmt.Errorf("%w: %s was not asked to vouch for this request", core.ErrNotAuthorized, grantor)
}

// grantorKey returns the key the identity registered for the relationship.
func (e *Engine) grantorKey(ctx context.Context, identity, grantor string) (ed25519.PublicKey, error) {
	contacts, err := e.graph.EmergencyContacts(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("lookup emergency contacts: %w", err)
	}
	for _, c := range contacts {
		if c.RelationshipID != grantor {
			continue
		}
		if c.PublicKey == "" {
			return nil, fmt.Errorf("%w: %s has no registered key", core.ErrNotAuthorized, grantor)
		}
		return trust.DecodePublicKey(c.PublicKey)
	}
	return nil, fmt.Errorf("%w: %s is no longer an emergency contact", core.ErrNotAuthorized, grantor)
}

// Cancel denies a live request on behalf of its requester.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (core.RecoveryRequest, error) {
	var fired []func()
	lock := e.lockRequest(requestID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		for _, fn := range fired {
			fn()
		}
	}()

	req, err := e.loadLive(ctx, requestID)
	if err != nil {
		return core.RecoveryRequest{}, err
	}
	if req.Status.Terminal() {
		return req, closedError(req)
	}
	wasAuthorized := req.Status == core.RequestAuthorized
	if reason == "" {
		reason = "canceled by requester"
	}
	if err := e.transition(ctx, &req, core.RequestDenied, reason); err != nil {
		return core.RecoveryRequest{}, err
	}
	if wasAuthorized {
		fired = append(fired, e.closedHook(req))
	}
	return req, nil
}

// Complete marks an Authorized request as finished. Completing a Completed
// request is a no-op.
func (e *Engine) Complete(ctx context.Context, requestID string) (core.RecoveryRequest, error) {
	lock := e.lockRequest(requestID)
	lock.Lock()
	defer lock.Unlock()

	req, err := e.records.request(ctx, requestID)
	if err != nil {
		return core.RecoveryRequest{}, err
	}
	if req.Status == core.RequestCompleted {
		return req, nil
	}
	if err := e.transition(ctx, &req, core.RequestCompleted, ""); err != nil {
		return req, err
	}
	log.Infow("recovery request completed", "request", req.ID)
	return req, nil
}

// Sweep expires requests past their deadline that never reached the
// threshold and fails open challenges past theirs. It returns the number of
// requests expired.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	reqs, err := e.records.requests(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range reqs {
		if !r.Status.Open() {
			continue
		}
		n, err := e.sweepOne(ctx, r.ID)
		if err != nil {
			return expired, err
		}
		expired += n
	}
	return expired, nil
}

func (e *Engine) sweepOne(ctx context.Context, requestID string) (int, error) {
	lock := e.lockRequest(requestID)
	lock.Lock()
	defer lock.Unlock()

	req, err := e.records.request(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if !req.Status.Open() {
		return 0, nil
	}
	now := e.now()
	if !now.Before(req.ExpiresAt) {
		if err := e.expire(ctx, &req); err != nil {
			return 0, err
		}
		return 1, nil
	}
	challenges, err := e.records.challenges(ctx, requestID)
	if err != nil {
		return 0, err
	}
	for _, ch := range challenges {
		if ch.Result != core.ChallengeOpen || now.Before(ch.ExpiresAt) {
			continue
		}
		ch.Result = core.ChallengeFailed
		if err := e.records.putChallenge(ctx, ch); err != nil {
			return 0, err
		}
		metrics.ChallengeResults.WithLabelValues(string(ch.Type), string(ch.Result)).Inc()
		log.Debugw("challenge expired", "request", requestID, "challenger", ch.Challenger)
	}
	return 0, nil
}

// Run sweeps on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				log.Errorw("expiry sweep failed", "err", err)
			} else if n > 0 {
				log.Infow("expired recovery requests", "count", n)
			}
		}
	}
}

// Get returns the request, expiring it first if its deadline passed.
func (e *Engine) Get(ctx context.Context, requestID string) (core.RecoveryRequest, error) {
	lock := e.lockRequest(requestID)
	lock.Lock()
	defer lock.Unlock()
	return e.loadLive(ctx, requestID)
}

// Challenges lists a request's challenges without their secrets.
func (e *Engine) Challenges(ctx context.Context, requestID string) ([]core.RecoveryChallenge, error) {
	chs, err := e.records.challenges(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for i := range chs {
		chs[i] = chs[i].Redacted()
	}
	return chs, nil
}

func (e *Engine) Authorizations(ctx context.Context, requestID string) ([]core.RecoveryAuthorization, error) {
	return e.records.authorizations(ctx, requestID)
}

// ActiveGrant returns the identity's latest request if it is Authorized or
// Completed, along with its still-valid authorizations.
func (e *Engine) ActiveGrant(ctx context.Context, identity string) (core.RecoveryRequest, []core.RecoveryAuthorization, error) {
	req, err := e.records.latest(ctx, identity)
	if errors.Is(err, core.ErrNotFound) {
		return core.RecoveryRequest{}, nil, core.ErrNotAuthorized
	}
	if err != nil {
		return core.RecoveryRequest{}, nil, err
	}
	if req.Status != core.RequestAuthorized && req.Status != core.RequestCompleted {
		return req, nil, core.ErrNotAuthorized
	}
	auths, err := e.validAuthorizations(ctx, req.ID)
	if err != nil {
		return req, nil, err
	}
	if len(auths) == 0 {
		return req, nil, core.ErrNotAuthorized
	}
	return req, auths, nil
}

// AuthorizedRequest pairs a request with the authorizations that carried it
// over the threshold.
type AuthorizedRequest struct {
	Request        core.RecoveryRequest
	Authorizations []core.RecoveryAuthorization
}

// Authorized lists requests sitting in Authorized, used to rebuild recovery
// sessions after a restart.
func (e *Engine) Authorized(ctx context.Context) ([]AuthorizedRequest, error) {
	reqs, err := e.records.requests(ctx)
	if err != nil {
		return nil, err
	}
	var out []AuthorizedRequest
	for _, r := range reqs {
		if r.Status != core.RequestAuthorized {
			continue
		}
		auths, err := e.validAuthorizations(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AuthorizedRequest{Request: r, Authorizations: auths})
	}
	return out, nil
}

// evaluate is the threshold check. It is safe to re-run: only the call that
// moves an open request to Authorized schedules the hook. Caller holds the
// request lock.
func (e *Engine) evaluate(ctx context.Context, req core.RecoveryRequest, fired *[]func()) (core.RecoveryRequest, error) {
	if !req.Status.Open() {
		return req, nil
	}
	auths, err := e.validAuthorizations(ctx, req.ID)
	if err != nil {
		return req, err
	}
	if len(auths) < req.Threshold {
		log.Debugw("threshold not met", "request", req.ID, "count", len(auths), "threshold", req.Threshold)
		return req, nil
	}
	if err := e.transition(ctx, &req, core.RequestAuthorized, ""); err != nil {
		return req, err
	}
	log.Infow("recovery request authorized", "request", req.ID, "authorizations", len(auths))
	authorized := req
	*fired = append(*fired, func() {
		e.hookMu.RLock()
		hooks := append([]func(core.RecoveryRequest, []core.RecoveryAuthorization){}, e.onAuthorized...)
		e.hookMu.RUnlock()
		for _, h := range hooks {
			h(authorized, auths)
		}
	})
	return req, nil
}

// validAuthorizations returns the unexpired authorizations, one per grantor.
func (e *Engine) validAuthorizations(ctx context.Context, requestID string) ([]core.RecoveryAuthorization, error) {
	all, err := e.records.authorizations(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := all[:0]
	for _, a := range all {
		if a.Valid(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (e *Engine) newAuthorization(req core.RecoveryRequest, grantor string, scope core.GrantScope) (core.RecoveryAuthorization, error) {
	token, err := capabilityToken()
	if err != nil {
		return core.RecoveryAuthorization{}, err
	}
	now := e.now().UTC()
	return core.RecoveryAuthorization{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Grantor:    grantor,
		Scope:      scope,
		Token:      token,
		ValidUntil: now.Add(e.cfg.AuthorizationTTL),
		GrantedAt:  now,
	}, nil
}

// loadLive reads a request and expires it if it is open past its deadline.
// Caller holds the request lock.
func (e *Engine) loadLive(ctx context.Context, requestID string) (core.RecoveryRequest, error) {
	req, err := e.records.request(ctx, requestID)
	if err != nil {
		return req, err
	}
	if req.Status.Open() && !e.now().Before(req.ExpiresAt) {
		if err := e.expire(ctx, &req); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (e *Engine) expire(ctx context.Context, req *core.RecoveryRequest) error {
	if err := e.transition(ctx, req, core.RequestExpired, core.ErrAuthorizationTimeout.Error()); err != nil {
		return err
	}
	log.Infow("recovery request expired", "request", req.ID, "identity", req.Identity)
	return nil
}

func (e *Engine) transition(ctx context.Context, req *core.RecoveryRequest, to core.RequestStatus, reason string) error {
	if !req.Status.CanTransition(to) {
		return fmt.Errorf("%w: request %s %s -> %s", core.ErrInvalidTransition, req.ID, req.Status, to)
	}
	req.Status = to
	if reason != "" {
		req.Reason = reason
	}
	req.UpdatedAt = e.now().UTC()
	if err := e.records.putRequest(ctx, *req); err != nil {
		return fmt.Errorf("persist request: %w", err)
	}
	metrics.RequestTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func (e *Engine) closedHook(req core.RecoveryRequest) func() {
	return func() {
		e.hookMu.RLock()
		hooks := append([]func(core.RecoveryRequest){}, e.onClosed...)
		e.hookMu.RUnlock()
		for _, h := range hooks {
			h(req)
		}
	}
}

// closedError explains why a Denied or Expired request no longer accepts
// authorizations.
func closedError(req core.RecoveryRequest) error {
	switch {
	case req.Status == core.RequestExpired:
		return fmt.Errorf("%w: %w", core.ErrRequestClosed, core.ErrAuthorizationTimeout)
	case req.Status == core.RequestDenied && req.SupersededBy != "":
		return fmt.Errorf("%w: %w", core.ErrRequestClosed, core.ErrDuplicateRequest)
	case req.Status == core.RequestDenied:
		return core.ErrRequestClosed
	}
	return nil
}

func (e *Engine) lockIdentity(identity string) *sync.Mutex {
	return &e.identityLocks[stripe(identity)]
}

func (e *Engine) lockRequest(requestID string) *sync.Mutex {
	return &e.requestLocks[stripe(requestID)]
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
