package types

import (
	"errors"
	"fmt"
)

// ErrorKind groups engine errors by how a caller should react to them
type ErrorKind string

const (
	// KindValidation means malformed input, rejected before touching state
	KindValidation ErrorKind = "VALIDATION"
	// KindState means the operation is invalid for the current lifecycle state
	KindState ErrorKind = "STATE"
	// KindEligibility is bidder specific and may carry remediation data
	KindEligibility ErrorKind = "ELIGIBILITY"
	// KindUnavailable comes from an external collaborator and is safe to retry
	KindUnavailable ErrorKind = "UNAVAILABLE"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindInternal    ErrorKind = "INTERNAL"
)

// EngineError is a named engine failure. Sentinels are compared with errors.Is.
type EngineError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

var (
	ErrValidation       = &EngineError{Code: "VALIDATION_FAILED", Kind: KindValidation, Message: "validation failed"}
	ErrCurrencyMismatch = &EngineError{Code: "CURRENCY_MISMATCH", Kind: KindValidation, Message: "currency does not match"}

	ErrAuctionNotFound          = &EngineError{Code: "AUCTION_NOT_FOUND", Kind: KindNotFound, Message: "auction not found"}
	ErrBidNotFound              = &EngineError{Code: "BID_NOT_FOUND", Kind: KindNotFound, Message: "bid not found"}
	ErrGuaranteeRequestNotFound = &EngineError{Code: "GUARANTEE_REQUEST_NOT_FOUND", Kind: KindNotFound, Message: "guarantee request not found"}
	ErrNotFound                 = &EngineError{Code: "NOT_FOUND", Kind: KindNotFound, Message: "entity not found"}

	ErrAuctionNotActive      = &EngineError{Code: "AUCTION_NOT_ACTIVE", Kind: KindState, Message: "auction is not active"}
	ErrAuctionAlreadyStarted = &EngineError{Code: "AUCTION_ALREADY_STARTED", Kind: KindState, Message: "auction already started"}
	ErrAuctionTerminal       = &EngineError{Code: "AUCTION_TERMINAL", Kind: KindState, Message: "auction is already closed or cancelled"}
	ErrInvalidExtension      = &EngineError{Code: "INVALID_EXTENSION", Kind: KindState, Message: "new end time must be in the future and after the current end time"}
	ErrInvalidBidState       = &EngineError{Code: "INVALID_BID_STATE", Kind: KindState, Message: "bid is not pending"}
	ErrRequestNotPending     = &EngineError{Code: "REQUEST_NOT_PENDING", Kind: KindState, Message: "guarantee request is not pending"}
	ErrRequestNotActive      = &EngineError{Code: "REQUEST_NOT_ACTIVE", Kind: KindState, Message: "guarantee request bidding is not active"}

	ErrRoleNotPermitted          = &EngineError{Code: "ROLE_NOT_PERMITTED", Kind: KindEligibility, Message: "bidder role may not bid on this auction type"}
	ErrTrustScoreTooLow          = &EngineError{Code: "TRUST_SCORE_TOO_LOW", Kind: KindEligibility, Message: "bidder trust score is below the auction minimum"}
	ErrLearningGateNotSatisfied  = &EngineError{Code: "LEARNING_GATE_NOT_SATISFIED", Kind: KindEligibility, Message: "bidder has not completed the required course"}
	ErrIssuerNotAuthorized       = &EngineError{Code: "ISSUER_NOT_AUTHORIZED", Kind: KindEligibility, Message: "entity may not issue auctions"}
	ErrNotBidOwner               = &EngineError{Code: "NOT_BID_OWNER", Kind: KindEligibility, Message: "bid belongs to another bidder"}
	ErrCollaboratorUnavailable   = &EngineError{Code: "COLLABORATOR_UNAVAILABLE", Kind: KindUnavailable, Message: "external collaborator unavailable"}
	ErrClearingInvariantViolated = &EngineError{Code: "CLEARING_CONFLICT", Kind: KindInternal, Message: "clearing lost a concurrent state change"}
)

// ValidationError describes one rejected input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// EligibilityError is a gate denial. UnlockingCourse is set for learning gate denials.
type EligibilityError struct {
	Reason          *EngineError
	Detail          string
	UnlockingCourse *Course
}

func (e *EligibilityError) Error() string {
	if e.Detail == "" {
		return e.Reason.Message
	}
	return e.Reason.Message + ": " + e.Detail
}

func (e *EligibilityError) Unwrap() error {
	return e.Reason
}

// KindOf returns the kind of the first EngineError in err's chain
func KindOf(err error) ErrorKind {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first EngineError in err's chain
func CodeOf(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return "INTERNAL_ERROR"
}

// Retryable reports whether the caller may retry without changing intent
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
