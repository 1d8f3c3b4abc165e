package core

import "errors"

// Recovery error taxonomy. Callers classify with errors.Is.
var (
	ErrInsufficientFragments = errors.New("insufficient fragments to reconstruct content")
	ErrHashMismatch          = errors.New("content hash mismatch")
	ErrCodec                 = errors.New("malformed fragment data")
	ErrAuthorizationTimeout  = errors.New("authorization threshold not met before expiry")
	ErrChallengeFailed       = errors.New("challenge verification failed")
	ErrCustodianUnreachable  = errors.New("custodian unreachable")
	ErrDuplicateRequest      = errors.New("recovery request superseded by a newer request")
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateAssignment = errors.New("fragment index already assigned to another custodian")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrLayoutMismatch      = errors.New("fragment layout does not match content layout")
	ErrRequestClosed       = errors.New("recovery request is closed")
	ErrInvalidRequest      = errors.New("invalid recovery request")
	ErrNotAuthorized       = errors.New("content not covered by an authorized recovery")
	ErrStorageFull         = errors.New("storage capacity exceeded")
)

// Code returns the taxonomy name for err, used in structured API results.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFragments):
		return "InsufficientFragments"
	case errors.Is(err, ErrHashMismatch):
		return "HashMismatch"
	case errors.Is(err, ErrCodec):
		return "CodecError"
	case errors.Is(err, ErrAuthorizationTimeout):
		return "AuthorizationTimeout"
	case errors.Is(err, ErrChallengeFailed):
		return "ChallengeFailed"
	case errors.Is(err, ErrCustodianUnreachable):
		return "CustodianUnreachable"
	case errors.Is(err, ErrDuplicateRequest):
		return "DuplicateRequest"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrDuplicateAssignment):
		return "DuplicateAssignment"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrLayoutMismatch):
		return "LayoutMismatch"
	case errors.Is(err, ErrRequestClosed):
		return "RequestClosed"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrStorageFull):
		return "StorageFull"
	default:
		return "Internal"
	}
}

var taxonomy = []error{
	ErrInsufficientFragments, ErrHashMismatch, ErrCodec, ErrAuthorizationTimeout,
	ErrChallengeFailed, ErrCustodianUnreachable, ErrDuplicateRequest, ErrNotFound,
	ErrDuplicateAssignment, ErrInvalidTransition, ErrLayoutMismatch, ErrRequestClosed,
	ErrInvalidRequest, ErrNotAuthorized, ErrStorageFull,
}

// FromCode returns the sentinel named by code, or nil for unknown codes.
func FromCode(code string) error {
	for _, err := range taxonomy {
		if Code(err) == code {
			return err
		}
	}
	return nil
}
