// Package services defines the business logic for caller identity, credit
// balances, conversations and company lookups. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Identity errors.
var (
	// ErrUnauthenticated means the request carried neither a valid session
	// nor a usable guest token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound indicates that the requested record does not exist, is not
	// visible to the caller, or (for guest migration) is no longer eligible.
	ErrNotFound = errors.New("not found")
)

// Billing errors.
var (
	// ErrInsufficientBalance is returned pre-flight when the caller cannot pay
	// for the action. No upstream call was made.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrGuestCapReached is returned when a guest used up today's free
	// actions of a kind.
	ErrGuestCapReached = errors.New("daily guest limit reached")
)

// Conversation errors.
var (
	// ErrConversationCompleted is returned for submissions to a completed
	// conversation.
	ErrConversationCompleted = errors.New("conversation already completed")

	// ErrConversationBusy is returned when another submission kept the
	// conversation claimed for longer than the claim wait.
	ErrConversationBusy = errors.New("conversation busy")

	// ErrEmptyTurn is returned when the submitted text is empty after
	// trimming.
	ErrEmptyTurn = errors.New("turn text is empty")

	// ErrTurnTooLong is returned when the submitted text exceeds the
	// configured rune limit.
	ErrTurnTooLong = errors.New("turn text too long")

	// ErrEmptyQuery is returned for a blank company lookup query.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrUnknownKind is returned for a conversation kind the relay does not
	// serve.
	ErrUnknownKind = errors.New("unknown conversation kind")
)

// Upstream and commit errors.
var (
	// ErrUpstreamUnavailable means the inference service could not be
	// reached. Nothing was charged or persisted.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout means the inference service did not answer in time.
	// Nothing was charged or persisted.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrCommitFailure means the upstream succeeded but the local debit or
	// persistence failed. It is always logged as a consistency alert.
	ErrCommitFailure = errors.New("commit failure")
)
