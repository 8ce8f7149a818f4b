// Package agent manages the node's control connection to the coordination service.
//
// # Overview
//
// The Manager owns a small state machine:
//
//	Disconnected --Connect--> Connecting --ok--> Connected(address)
//	                               |
//	                               +--error--> Failed(reason)
//
// Disconnected and Connected are stable. Connecting is transient and
// non-reentrant: calling Connect again while an attempt is in flight (or
// connected) returns the same Attempt instead of dialing twice.
//
//	mgr := agent.NewManager(agent.ManagerParams{
//	    Dialer: dialer,
//	    Events: bus,
//	    Logger: logger,
//	})
//	attempt, err := mgr.Connect(cfg) // returns immediately
//
// # Events
//
// Every transition is published to the configured Publisher (normally an
// events.Bus):
//
//   - Connect: Log("connecting to <endpoint>")
//   - success: Connected(address), exactly once per establishment
//   - failure: Log("connection failed: ...")
//   - remote close: Log(reason) followed by Disconnected
//   - local Disconnect: Disconnected
//
// Lines pushed by the coordination service while connected are forwarded as
// Log events.
//
// # Failures
//
// Only a missing endpoint fails Connect synchronously (ErrInvalidConfig).
// Everything else is reported through the Failed state and a Log event and
// classified as ErrNetworkUnreachable, ErrHandshakeFailed or ErrTimeout. The
// manager never retries on its own; see node.Retrier for a caller-side policy.
//
// # Cancellation
//
// Disconnect cancels the attempt's context and bumps a generation counter
// under the state lock. An attempt whose generation is stale can neither
// change state nor publish, so no Connected event can follow a Disconnect
// that preceded it, however the dial and the disconnect interleave. The
// channel returned by Disconnect closes once the attempt goroutine has
// released its connection.
//
// # Thread Safety
//
// Manager is safe for concurrent use. A single mutex serializes every state
// change and event publication.
package agent
