// Package sign holds the fleet's device registry and the logic around it.
//
// A sign is a field device that reports position, heading, battery and
// signal every 30 seconds and polls for its pending direction command
// every 10 seconds. The Registry is the single source of truth for sign
// state: every mutation is persisted, cached as an immutable snapshot, and
// announced to observers through a Publisher.
//
// # Liveness
//
// A sign is online while now - LastSeen < threshold. The Monitor sweeps
// the registry on a ticker and is the only component that moves a sign
// from online to offline. Read paths (Get, ListAll) apply the same IsStale
// predicate, so a snapshot taken between sweeps never reports a sign as
// online after its threshold has passed.
//
// # Commands
//
// Commands are fire-and-forget. An operator sets a Mode, the registry
// stores it, and the sign picks it up on its next poll. The last write
// wins; there is no acknowledgement.
//
// # Thread Safety
//
// All Registry, Monitor and Dispatcher methods are safe for concurrent use.
// Each sign has its own lock; reads never block on writers.
package sign
