package fastcgi

import "errors"

var (
	// ErrCommunication covers socket create/connect/read/write failures,
	// malformed protocol replies, and server-reported connection-level
	// rejections. It is never retried internally.
	ErrCommunication = errors.New("fastcgi: communication failure")

	// ErrTimedOut is raised when a bounded wait elapses without the awaited
	// request resolving. The connection and its other outstanding requests
	// remain usable, and the timed-out request stays resolvable by a later
	// wait.
	ErrTimedOut = errors.New("fastcgi: timed out")
)
