// Package resolver defines the asynchronous DNS resolver contract
// spec.md §2/§6 treats as an external collaborator (only its contract is
// specified) and ships one concrete implementation of it so the relay is
// runnable end-to-end.
package resolver

// Callback receives the outcome of a Resolve call. On success ip is the
// resolved address's string form and err is nil; on failure err is non-nil.
// It is invoked exactly once per accepted Resolve call, always on the
// reactor goroutine — never concurrently with handler code.
type Callback func(host, ip string, err error)

// Query is the handle returned by Resolve, usable to cancel delivery of a
// callback that has not yet fired. Go func values aren't comparable, so
// unlike the literal spec.md §6 "remove_callback(cb)" signature, removal is
// modeled with a handle — the same pattern internal/reactor.PeriodicHandle
// uses for the analogous problem.
type Query struct {
	cancel func()
}

// Cancel prevents this query's callback from firing, if it hasn't already.
// Idempotent.
func (q *Query) Cancel() {
	if q == nil || q.cancel == nil {
		return
	}
	q.cancel()
}

// Resolver resolves hostnames to IP address strings without blocking the
// calling goroutine.
type Resolver interface {
	// Resolve invokes cb exactly once with (host, ip string, error). For a
	// numeric address (already an IPv4/IPv6 literal) the callback may be
	// (and in this implementation is) invoked synchronously before Resolve
	// returns; callers must tolerate this re-entrancy, as spec.md §6
	// requires.
	Resolve(host string, cb Callback) *Query
}
