package fastcgi

import (
	"bytes"
	"time"
)

// Request is the handle for one in-flight request. It is mutated only by
// its Client's read loop; callers treat it as read-only. Completion and
// diagnostic output are tracked independently: a request can finish
// successfully while still having produced stderr bytes.
type Request struct {
	client   *Client
	id       uint16
	issuedAt time.Time

	done      bool
	appStatus uint32
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	result    *Response
}

// ID returns the request id assigned on the owning connection.
func (r *Request) ID() uint16 {
	return r.id
}

// Done reports whether the END_REQUEST record for this request was seen.
func (r *Request) Done() bool {
	return r.done
}

// AppStatus returns the application-level exit word carried by END_REQUEST.
// Meaningful only once Done reports true.
func (r *Request) AppStatus() uint32 {
	return r.appStatus
}

// Stdout returns the stdout bytes accumulated so far.
func (r *Request) Stdout() []byte {
	return r.stdout.Bytes()
}

// Stderr returns the stderr bytes accumulated so far.
func (r *Request) Stderr() []byte {
	return r.stderr.Bytes()
}

// Get blocks until this request resolves, then formats and memoizes the
// result. A request already resolved by a wait on another handle sharing
// the connection formats immediately, without further I/O, and a completed
// handle may be queried repeatedly. timeout bounds this wait only; zero
// falls back to the connection-wide default, or blocks indefinitely when
// that is unset too.
func (r *Request) Get(timeout time.Duration) (*Response, error) {
	if r.result != nil {
		return r.result, nil
	}
	if !r.done {
		if err := r.client.waitFor(r.id, timeout); err != nil {
			return nil, err
		}
	}
	r.result = ParseResponse(r.stdout.Bytes(), r.stderr.Bytes())
	return r.result, nil
}
