// Package clearance computes a user's effective security clearance.
//
// Effective clearance is the maximum of the user's org-wide level, the level
// granted for their own department, and every currently valid override. The
// resolver is a pure function over loaded rows; Service layers loading,
// caching and invalidation on top of it.
//
// # Read-your-writes
//
// Approving, denying or revoking an override invalidates the user's cached
// clearance before the decision is acknowledged. With a process-local cache
// in a multi-instance deployment, configure a Broadcaster so peers evict too:
//
//	svc, err := clearance.NewService(store, clearance.NewMemoryCache(),
//	    clearance.WithBroadcaster(clearance.NewNATSBroadcaster(nc, "")),
//	)
//	...
//	err = svc.ListenInvalidations(ctx)
package clearance
