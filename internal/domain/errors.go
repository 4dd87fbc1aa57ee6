package domain

import "errors"

var (
	// ErrTransportUnavailable means no live connection; callers queue and
	// rely on resync instead of treating it as fatal.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrSendRejected means the server declined to persist a send.
	ErrSendRejected = errors.New("send rejected")
	// ErrFetchFailed means an authoritative fetch failed; local state is untouched.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrDuplicateIgnored marks an idempotent no-op. It is not a failure.
	ErrDuplicateIgnored = errors.New("duplicate ignored")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)
