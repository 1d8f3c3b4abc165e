package core

import (
	"fmt"
	"time"
)

// Layout is the erasure-coding shape of a content item: any K of N
// fragments reconstruct it.
type Layout struct {
	K int `json:"k"`
	N int `json:"n"`
}

// DefaultLayout is the reference scheme.
var DefaultLayout = Layout{K: 4, N: 7}

func (l Layout) Validate() error {
	if l.K < 1 || l.N < l.K || l.N > 256 {
		return fmt.Errorf("%w: k=%d n=%d", ErrLayoutMismatch, l.K, l.N)
	}
	return nil
}

type FragmentStatus string

const (
	FragmentActive         FragmentStatus = "active"
	FragmentStale          FragmentStatus = "stale"
	FragmentFailed         FragmentStatus = "failed"
	FragmentMigrating      FragmentStatus = "migrating"
	FragmentReconstructing FragmentStatus = "reconstructing"
)

var fragmentTransitions = map[FragmentStatus][]FragmentStatus{
	FragmentActive:         {FragmentStale, FragmentFailed, FragmentMigrating, FragmentReconstructing},
	FragmentStale:          {FragmentActive, FragmentFailed, FragmentMigrating},
	FragmentFailed:         {FragmentMigrating, FragmentReconstructing},
	FragmentMigrating:      {FragmentActive, FragmentFailed, FragmentReconstructing},
	FragmentReconstructing: {FragmentActive, FragmentFailed},
}

// CanTransition reports whether a fragment may move from one status to another.
// Staying in the same status is always allowed.
func (s FragmentStatus) CanTransition(to FragmentStatus) bool {
	if s == to {
		return true
	}
	for _, next := range fragmentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Retrievable reports whether a fragment in this status is worth fetching.
func (s FragmentStatus) Retrievable() bool {
	return s == FragmentActive || s == FragmentStale || s == FragmentMigrating
}

type AssignmentStrategy string

const (
	StrategyGeographic AssignmentStrategy = "geographic"
	StrategyTrustTier  AssignmentStrategy = "trust-tier"
	StrategyCluster    AssignmentStrategy = "cluster"
	StrategyManual     AssignmentStrategy = "manual"
)

// Visibility bounds which content a visibility-scoped recovery may include.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTrusted Visibility = "trusted"
	VisibilityPublic  Visibility = "public"
)

var visibilityRank = map[Visibility]int{
	VisibilityPrivate: 0,
	VisibilityTrusted: 1,
	VisibilityPublic:  2,
}

// AtOrBelow reports whether v is no more private than level. Unknown
// visibilities are treated as private.
func (v Visibility) AtOrBelow(level Visibility) bool {
	return visibilityRank[v] >= visibilityRank[level]
}

// Custodian describes a network participant holding fragments, together
// with the metadata used for ranking and diversity scoring.
type Custodian struct {
	ID        string        `json:"id"`
	Address   string        `json:"address"`
	Region    string        `json:"region,omitempty"`
	TrustTier int           `json:"trust_tier"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// FragmentAssignment is one erasure-coded fragment's custody record.
type FragmentAssignment struct {
	ContentID      string             `json:"content_id"`
	FragmentIndex  int                `json:"fragment_index"`
	FragmentHash   string             `json:"fragment_hash"`
	Layout         Layout             `json:"layout"`
	Owner          string             `json:"owner,omitempty"`
	Visibility     Visibility         `json:"visibility,omitempty"`
	Custodian      Custodian          `json:"custodian"`
	Strategy       AssignmentStrategy `json:"strategy"`
	AssignedAt     time.Time          `json:"assigned_at"`
	LastVerifiedAt *time.Time         `json:"last_verified_at,omitempty"`
	Status         FragmentStatus     `json:"status"`
}

// LastSeen is the most recent time the assignment was known good.
func (a FragmentAssignment) LastSeen() time.Time {
	if a.LastVerifiedAt != nil {
		return *a.LastVerifiedAt
	}
	return a.AssignedAt
}

// Fragment is one erasure-coded piece of a blob.
type Fragment struct {
	Index int    `json:"index"`
	K     int    `json:"k"`
	N     int    `json:"n"`
	Data  []byte `json:"data"`
}

// HealthClass is the distribution classification of one content item.
type HealthClass string

const (
	HealthHealthy  HealthClass = "healthy"
	HealthDegraded HealthClass = "degraded"
	HealthCritical HealthClass = "critical"
)

// ContentHealth is the per-content detail behind a DistributionHealthReport.
type ContentHealth struct {
	ContentID      string      `json:"content_id"`
	Owner          string      `json:"owner,omitempty"`
	Class          HealthClass `json:"class"`
	Active         int         `json:"active"`
	Layout         Layout      `json:"layout"`
	Regions        int         `json:"regions"`
	TrustTiers     int         `json:"trust_tiers"`
	NeedsAttention bool        `json:"needs_attention"`
}

// DistributionHealthReport is produced once per audit run.
type DistributionHealthReport struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	Healthy         int             `json:"healthy"`
	Degraded        int             `json:"degraded"`
	Critical        int             `json:"critical"`
	GeographicScore int             `json:"geographic_score"`
	TrustTierScore  int             `json:"trust_tier_score"`
	Recommendations []string        `json:"recommendations"`
	Contents        []ContentHealth `json:"contents,omitempty"`
}
