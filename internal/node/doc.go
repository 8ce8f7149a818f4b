// Package node wires the agent together: the identity store, provisioning
// workflow, connection manager, reset controller and event bus.
//
// # Startup
//
// Start routes the node once per process:
//
//   - no identity file: NeedsProvisioning, call Provision(code)
//   - identity without auto-connect: Idle
//   - identity with auto-connect: Connecting
//
// Start never waits for the network. Progress arrives as events on Events().
//
// # Reconnects
//
// The connection manager never retries. When settings enable it, a Retrier
// subscribes to the bus and reconnects after a Failed attempt with
// exponential backoff. A handshake rejected by the coordination service is
// not retried. Reset pauses it so nothing reconnects while the identity is
// being removed.
package node
