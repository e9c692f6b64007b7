package generator

import "errors"

var (
	// ErrUpstream indicates the content API was unreachable or returned a
	// non-success status.
	ErrUpstream = errors.New("content api request failed")
	// ErrSchema indicates the content API response did not decode into a
	// valid round.
	ErrSchema = errors.New("content api returned a malformed round")
	// ErrTimeout indicates the call exceeded its time budget.
	ErrTimeout = errors.New("content api call timed out")
)
