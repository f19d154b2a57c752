package scheduling

import (
	"context"
	"time"
)

// Filter is a request predicate over backend records. A nil Filter accepts
// every backend.
type Filter func(*Record) bool

// Request tracks one open backend acquisition. It is created by
// GetNextBackend and satisfied (or failed) by the scheduler loop.
type Request struct {
	// id is a global counter value used for logging.
	id uint64
	// desiredModel is the model the request wants resident, or empty when any
	// model will do.
	desiredModel string
	// filter constrains which backends may serve the request.
	filter Filter
	// session is the owning session, if any.
	session *Session
	// notifyWillLoad fires once when the scheduler commits a model load on
	// the request's behalf.
	notifyWillLoad func()
	// notifiedWillLoad is only touched on the scheduler goroutine.
	notifiedWillLoad bool
	// ctx is the caller's cancellation token.
	ctx context.Context
	// start is the request creation time.
	start time.Time
	// deadline is the request's individual deadline.
	deadline time.Time

	// done is closed exactly once when the request leaves the open set.
	done chan struct{}

	// The fields below are guarded by the scheduler mutex.
	pressure     *pressureEntry
	waitingClaim *Claim
	result       *Access
	failure      error
	completed    bool
}

// cancelled reports whether the caller's token or the owning session's token
// has fired.
func (q *Request) cancelled() bool {
	if q.ctx.Err() != nil {
		return true
	}
	if q.session != nil && q.session.Context().Err() != nil {
		return true
	}
	return false
}
