// Package health keeps the custody ledger honest: it periodically asks
// custodians to prove they still hold their fragments, ages out silent
// ones, scores distribution health and raises re-replication signals.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/metrics"
)

var log = logging.Logger("health")

type Ledger interface {
	ContentIDs(ctx context.Context) ([]string, error)
	Custodians(ctx context.Context) ([]string, error)
	ListByContent(ctx context.Context, contentID string) ([]core.FragmentAssignment, error)
	ListByCustodian(ctx context.Context, custodianID string) ([]core.FragmentAssignment, error)
	UpdateStatus(ctx context.Context, contentID string, index int, status core.FragmentStatus) (core.FragmentAssignment, error)
	TouchVerified(ctx context.Context, contentID string, index int) (core.FragmentAssignment, error)
}

// Prober asks a custodian for the hash of a fragment as currently stored.
// It returns core.ErrNotFound when the custodian no longer holds it.
type Prober interface {
	Probe(ctx context.Context, custodian core.Custodian, contentID string, index int) (string, error)
}

type Mode string

const (
	// ModeCopy means enough healthy fragments remain that the lost one can
	// be restored without urgency.
	ModeCopy Mode = "copy"
	// ModeRederive means availability fell below k+1; the fragment must be
	// re-derived by decode and re-encode before another loss.
	ModeRederive Mode = "rederive"
)

// Signal asks for a fragment to be placed on a different custodian.
type Signal struct {
	ContentID string
	Index     int
	Custodian string
	Mode      Mode
	Reason    string
}

type Config struct {
	VerificationInterval time.Duration
	MaxFragmentAge       time.Duration
	Concurrency          int
	MinRegions           int
	MinTrustTiers        int
}

func DefaultConfig() Config {
	return Config{
		VerificationInterval: 24 * time.Hour,
		MaxFragmentAge:       7 * 24 * time.Hour,
		Concurrency:          4,
		MinRegions:           3,
		MinTrustTiers:        2,
	}
}

type Option func(*Auditor)

func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

type Auditor struct {
	ledger Ledger
	prober Prober
	cfg    Config
	now    func() time.Time
	tracer trace.Tracer

	mu       sync.RWMutex
	onSignal []func(Signal)
	last     *core.DistributionHealthReport
}

func NewAuditor(ledger Ledger, prober Prober, cfg Config, opts ...Option) *Auditor {
	def := DefaultConfig()
	if cfg.VerificationInterval <= 0 {
		cfg.VerificationInterval = def.VerificationInterval
	}
	if cfg.MaxFragmentAge <= 0 {
		cfg.MaxFragmentAge = def.MaxFragmentAge
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MinRegions <= 0 {
		cfg.MinRegions = def.MinRegions
	}
	if cfg.MinTrustTiers <= 0 {
		cfg.MinTrustTiers = def.MinTrustTiers
	}
	a := &Auditor{
		ledger: ledger,
		prober: prober,
		cfg:    cfg,
		now:    time.Now,
		tracer: otel.Tracer("github.com/ethosengine/elohim/internal/health"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnSignal registers a re-replication handler.
func (a *Auditor) OnSignal(fn func(Signal)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSignal = append(a.onSignal, fn)
}

// AuditResult counts what one custodian audit did.
type AuditResult struct {
	Custodian   string
	Verified    int
	Mismatched  int
	Unreachable int
	Staled      int
	Failed      int
}

// AuditCustodian verifies every Active or Stale fragment the custodian
// holds. Verified fragments are touched; a hash mismatch or a lost fragment
// fails at once; an unreachable custodian is aged Active -> Stale -> Failed
// by time since its last good verification.
func (a *Auditor) AuditCustodian(ctx context.Context, custodianID string) (AuditResult, error) {
	ctx, span := a.tracer.Start(ctx, "health.audit_custodian")
	defer span.End()
	span.SetAttributes(attribute.String("custodian.id", custodianID))

	res := AuditResult{Custodian: custodianID}
	held, err := a.ledger.ListByCustodian(ctx, custodianID)
	if err != nil {
		return res, err
	}
	now := a.now()
	for _, as := range held {
		if as.Status != core.FragmentActive && as.Status != core.FragmentStale {
			continue
		}
		got, err := a.prober.Probe(ctx, as.Custodian, as.ContentID, as.FragmentIndex)
		switch {
		case err == nil && got == as.FragmentHash:
			if _, err := a.ledger.TouchVerified(ctx, as.ContentID, as.FragmentIndex); err != nil {
				return res, err
			}
			if as.Status == core.FragmentStale {
				metrics.AuditTransitions.WithLabelValues(string(core.FragmentActive)).Inc()
			}
			res.Verified++
		case err == nil || errors.Is(err, core.ErrNotFound):
			reason := "fragment hash mismatch"
			if err != nil {
				reason = "fragment no longer held"
			}
			log.Warnw("custody verification failed", "custodian", custodianID, "content", as.ContentID,
				"index", as.FragmentIndex, "reason", reason)
			if err := a.fail(ctx, as, reason); err != nil {
				return res, err
			}
			res.Mismatched++
			res.Failed++
		default:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Unreachable++
			age := now.Sub(as.LastSeen())
			switch {
			case age > 2*a.cfg.MaxFragmentAge:
				if err := a.fail(ctx, as, "custodian unreachable"); err != nil {
					return res, err
				}
				res.Failed++
			case age > a.cfg.MaxFragmentAge && as.Status == core.FragmentActive:
				if _, err := a.ledger.UpdateStatus(ctx, as.ContentID, as.FragmentIndex, core.FragmentStale); err != nil {
					return res, err
				}
				metrics.AuditTransitions.WithLabelValues(string(core.FragmentStale)).Inc()
				res.Staled++
			default:
				log.Debugw("custodian unreachable", "custodian", custodianID, "content", as.ContentID,
					"index", as.FragmentIndex, "last_seen", as.LastSeen(), "err", err)
			}
		}
	}
	return res, nil
}

func (a *Auditor) fail(ctx context.Context, as core.FragmentAssignment, reason string) error {
	if _, err := a.ledger.UpdateStatus(ctx, as.ContentID, as.FragmentIndex, core.FragmentFailed); err != nil {
		return err
	}
	metrics.AuditTransitions.WithLabelValues(string(core.FragmentFailed)).Inc()

	siblings, err := a.ledger.ListByContent(ctx, as.ContentID)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range siblings {
		if s.Status == core.FragmentActive {
			active++
		}
	}
	mode := ModeCopy
	if active < as.Layout.K+1 {
		mode = ModeRederive
	}
	a.emit(Signal{ContentID: as.ContentID, Index: as.FragmentIndex, Custodian: as.Custodian.ID, Mode: mode, Reason: reason})
	return nil
}

func (a *Auditor) emit(s Signal) {
	metrics.ReplicationSignals.WithLabelValues(string(s.Mode)).Inc()
	log.Infow("re-replication signal", "content", s.ContentID, "index", s.Index, "custodian", s.Custodian,
		"mode", s.Mode, "reason", s.Reason)
	a.mu.RLock()
	hooks := append([]func(Signal){}, a.onSignal...)
	a.mu.RUnlock()
	for _, h := range hooks {
		h(s)
	}
}

// AuditAll audits every custodian with bounded concurrency and then builds
// the distribution report.
func (a *Auditor) AuditAll(ctx context.Context) (core.DistributionHealthReport, error) {
	custodians, err := a.ledger.Custodians(ctx)
	if err != nil {
		return core.DistributionHealthReport{}, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, id := range custodians {
		g.Go(func() error {
			res, err := a.AuditCustodian(gctx, id)
			if err != nil {
				return fmt.Errorf("audit %s: %w", id, err)
			}
			log.Debugw("custodian audited", "custodian", id, "verified", res.Verified,
				"unreachable", res.Unreachable, "failed", res.Failed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return core.DistributionHealthReport{}, err
	}
	return a.Report(ctx)
}

// Report classifies every content item by its Active fragments and scores
// regional and trust-tier diversity.
func (a *Auditor) Report(ctx context.Context) (core.DistributionHealthReport, error) {
	ids, err := a.ledger.ContentIDs(ctx)
	if err != nil {
		return core.DistributionHealthReport{}, err
	}
	report := core.DistributionHealthReport{GeneratedAt: a.now().UTC(), Recommendations: []string{}}
	var urgent, attention, advisories []string
	geoTotal, tierTotal := 0, 0
	for _, id := range ids {
		as, err := a.ledger.ListByContent(ctx, id)
		if err != nil {
			return core.DistributionHealthReport{}, err
		}
		if len(as) == 0 {
			continue
		}
		h := a.assess(as)
		report.Contents = append(report.Contents, h)
		geoTotal += score(h.Regions, a.cfg.MinRegions)
		tierTotal += score(h.TrustTiers, a.cfg.MinTrustTiers)

		switch h.Class {
		case core.HealthCritical:
			report.Critical++
			urgent = append(urgent, fmt.Sprintf(
				"critical: %s has %d of %d required fragments; re-replicate immediately and alert owner %q",
				h.ContentID, h.Active, h.Layout.K, h.Owner))
		case core.HealthDegraded:
			report.Degraded++
			attention = append(attention, fmt.Sprintf(
				"degraded: %s has %d of %d fragments active; schedule re-replication",
				h.ContentID, h.Active, h.Layout.N))
		default:
			report.Healthy++
			if h.Regions < a.cfg.MinRegions {
				advisories = append(advisories, fmt.Sprintf(
					"diversity: %s is healthy but held in %d region(s); spread fragments across at least %d",
					h.ContentID, h.Regions, a.cfg.MinRegions))
			}
			if h.TrustTiers < a.cfg.MinTrustTiers {
				advisories = append(advisories, fmt.Sprintf(
					"diversity: %s is healthy but held in %d trust tier(s); spread fragments across at least %d",
					h.ContentID, h.TrustTiers, a.cfg.MinTrustTiers))
			}
		}
	}
	if n := len(report.Contents); n > 0 {
		report.GeographicScore = geoTotal / n
		report.TrustTierScore = tierTotal / n
	} else {
		report.GeographicScore = 100
		report.TrustTierScore = 100
	}
	byClass(report.Contents)
	report.Recommendations = append(report.Recommendations, urgent...)
	report.Recommendations = append(report.Recommendations, attention...)
	report.Recommendations = append(report.Recommendations, advisories...)

	metrics.AuditClassifications.WithLabelValues(string(core.HealthHealthy)).Set(float64(report.Healthy))
	metrics.AuditClassifications.WithLabelValues(string(core.HealthDegraded)).Set(float64(report.Degraded))
	metrics.AuditClassifications.WithLabelValues(string(core.HealthCritical)).Set(float64(report.Critical))

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report, nil
}

func (a *Auditor) assess(as []core.FragmentAssignment) core.ContentHealth {
	h := core.ContentHealth{ContentID: as[0].ContentID, Layout: as[0].Layout}
	regions := make(map[string]bool)
	tiers := make(map[int]bool)
	for _, x := range as {
		if h.Owner == "" {
			h.Owner = x.Owner
		}
		if x.Status != core.FragmentActive {
			continue
		}
		h.Active++
		if x.Custodian.Region != "" {
			regions[x.Custodian.Region] = true
		}
		tiers[x.Custodian.TrustTier] = true
	}
	h.Regions = len(regions)
	h.TrustTiers = len(tiers)
	switch {
	case h.Active >= h.Layout.N:
		h.Class = core.HealthHealthy
	case h.Active >= h.Layout.K:
		h.Class = core.HealthDegraded
	default:
		h.Class = core.HealthCritical
	}
	h.NeedsAttention = h.Class != core.HealthHealthy
	return h
}

// score maps a diversity count onto 0-100 against the wanted minimum.
func score(have, want int) int {
	if have >= want {
		return 100
	}
	return have * 100 / want
}

// LastReport returns the report of the most recent audit, if any.
func (a *Auditor) LastReport() (core.DistributionHealthReport, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return core.DistributionHealthReport{}, false
	}
	return *a.last, true
}

// Run audits immediately and then on every verification interval until ctx
// is done.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.VerificationInterval)
	defer ticker.Stop()
	for {
		if report, err := a.AuditAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorw("custody audit failed", "err", err)
		} else {
			log.Infow("custody audit complete", "healthy", report.Healthy, "degraded", report.Degraded,
				"critical", report.Critical, "recommendations", len(report.Recommendations))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// byClass orders contents critical first, for display.
func byClass(contents []core.ContentHealth) {
	rank := map[core.HealthClass]int{core.HealthCritical: 0, core.HealthDegraded: 1, core.HealthHealthy: 2}
	sort.SliceStable(contents, func(i, j int) bool { return rank[contents[i].Class] < rank[contents[j].Class] })
}
