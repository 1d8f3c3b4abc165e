package core

import (
	"time"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestChallenged RequestStatus = "challenged"
	RequestAuthorized RequestStatus = "authorized"
	RequestDenied     RequestStatus = "denied"
	RequestCompleted  RequestStatus = "completed"
	RequestExpired    RequestStatus = "expired"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestChallenged, RequestAuthorized, RequestDenied, RequestExpired},
	RequestChallenged: {RequestAuthorized, RequestDenied, RequestExpired},
	RequestAuthorized: {RequestCompleted, RequestDenied, RequestExpired},
}

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestDenied || s == RequestExpired || s == RequestCompleted
}

// Open reports whether the request is still collecting authorizations.
func (s RequestStatus) Open() bool {
	return s == RequestPending || s == RequestChallenged
}

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type MethodKind string

const (
	MethodSocial             MethodKind = "social"
	MethodEmergencyContact   MethodKind = "emergency-contact"
	MethodGatewayAttestation MethodKind = "gateway-attestation"
	MethodHardwareKey        MethodKind = "hardware-key"
)

// RecoveryMethod describes how the requester intends to prove identity.
type RecoveryMethod struct {
	Kind                   MethodKind `json:"kind"`
	RequiredAuthorizations int        `json:"required_authorizations,omitempty"`
	Relationships          []string   `json:"relationships,omitempty"`
	Gateway                string     `json:"gateway,omitempty"`
	// Proof is a signature over SigningPayload(identity, device key) made by
	// a trusted gateway or a registered hardware key.
	Proof []byte `json:"proof,omitempty"`
}

type ScopeKind string

const (
	ScopeFull       ScopeKind = "full"
	ScopeSelective  ScopeKind = "selective"
	ScopeVisibility ScopeKind = "visibility"
)

// RecoveryScope is the content a requester asks to recover.
type RecoveryScope struct {
	Kind       ScopeKind  `json:"kind"`
	ContentIDs []string   `json:"content_ids,omitempty"`
	MaxLevel   Visibility `json:"max_level,omitempty"`
}

// RecoveryRequest is a recovering identity's ask.
type RecoveryRequest struct {
	ID           string         `json:"id"`
	Identity     string         `json:"identity"`
	DeviceKey    []byte         `json:"device_key"`
	Method       RecoveryMethod `json:"method"`
	Scope        RecoveryScope  `json:"scope"`
	Channels     []string       `json:"channels,omitempty"`
	Threshold    int            `json:"threshold"`
	Status       RequestStatus  `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SigningPayload is the message a gateway or hardware key signs to vouch for
// a device key.
func SigningPayload(identity string, deviceKey []byte) []byte {
	out := make([]byte, 0, len(identity)+1+len(deviceKey))
	out = append(out, identity...)
	out = append(out, 0)
	return append(out, deviceKey...)
}

// GrantPayload is the message a relationship signs with its registered key
// to authorize a request directly.
func GrantPayload(requestID, identity string, deviceKey []byte) []byte {
	return append([]byte("grant\x00"+requestID+"\x00"), SigningPayload(identity, deviceKey)...)
}

// ReadPayload is the message a recovering device signs with its device key
// to read content.
func ReadPayload(identity, contentID string) []byte {
	return []byte("read\x00" + identity + "\x00" + contentID)
}

type ChallengeType string

const (
	ChallengeQuestion    ChallengeType = "question"
	ChallengeOutOfBand   ChallengeType = "out-of-band-code"
	ChallengeLiveCall    ChallengeType = "live-call"
	ChallengeHardwareKey ChallengeType = "hardware-key"
)

// AnsweredByRequester reports whether the requester, rather than the
// relationship, submits the response.
func (t ChallengeType) AnsweredByRequester() bool {
	return t == ChallengeQuestion || t == ChallengeOutOfBand
}

type ChallengeResult string

const (
	ChallengeOpen   ChallengeResult = ""
	ChallengePassed ChallengeResult = "passed"
	ChallengeFailed ChallengeResult = "failed"
)

// RecoveryChallenge is a verification step issued to one relationship.
type RecoveryChallenge struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id"`
	Challenger string          `json:"challenger"`
	Type       ChallengeType   `json:"type"`
	Payload    []byte          `json:"payload,omitempty"`
	Secret     string          `json:"secret,omitempty"`
	Grant      GrantScope      `json:"grant"`
	Response   []byte          `json:"response,omitempty"`
	Result     ChallengeResult `json:"result,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Redacted strips verification secrets before the challenge leaves the node.
func (c RecoveryChallenge) Redacted() RecoveryChallenge {
	c.Secret = ""
	return c
}

// RequesterView is what the requester may see of a challenge. Challenges
// answered by the relationship keep their id and payload private.
func (c RecoveryChallenge) RequesterView() RecoveryChallenge {
	c = c.Redacted()
	c.Response = nil
	if !c.Type.AnsweredByRequester() {
		c.ID = ""
		c.Payload = nil
	}
	return c
}

type GrantKind string

const (
	GrantFull      GrantKind = "full"
	GrantSpecific  GrantKind = "specific"
	GrantCustodied GrantKind = "custodied"
)

// GrantScope is what one grantor vouches for.
type GrantScope struct {
	Kind       GrantKind `json:"kind"`
	ContentIDs []string  `json:"content_ids,omitempty"`
}

// RecoveryAuthorization is one grant toward the threshold.
type RecoveryAuthorization struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	Grantor    string     `json:"grantor"`
	Scope      GrantScope `json:"scope"`
	Token      string     `json:"token"`
	ValidUntil time.Time  `json:"valid_until"`
	GrantedAt  time.Time  `json:"granted_at"`
}

// Redacted strips the capability token.
func (a RecoveryAuthorization) Redacted() RecoveryAuthorization {
	a.Token = ""
	return a
}

// Valid reports whether the authorization still counts at now.
func (a RecoveryAuthorization) Valid(now time.Time) bool {
	return now.Before(a.ValidUntil)
}
