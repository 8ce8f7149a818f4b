// Package control implements the control protocol between a node and the
// coordination service.
//
// The protocol is a single bidirectional gRPC stream,
// /nvagent.v1.Control/Session, whose messages are CBOR with integer keys.
// The service is described by a hand-written grpc.ServiceDesc, and the codec
// is registered under the "cbor" content subtype.
//
// # Handshake
//
//	node                                  coordination service
//	 |-- metadata: x-ssh-* [+ prov code] -->|  auth.StreamInterceptor
//	 |-- Hello{node_id, version} ---------->|  admit by key or code
//	 |<------------- Welcome{address} ------|
//
// Dialer performs the handshake and returns a Session; it implements
// agent.Dialer. gRPC status codes map onto the agent failure taxonomy:
// Unavailable is ErrNetworkUnreachable, DeadlineExceeded is ErrTimeout, and
// authentication or admission refusals are ErrHandshakeFailed.
//
// # Session
//
// Session.Serve sends heartbeats and forwards pushed log lines until the
// service closes the stream, sends Shutdown, or the caller cancels.
//
// # Server
//
// Server is a small coordination service used by nvagent-coord and the
// tests. It enrolls unknown keys that present a provisioning code, hands
// out addresses from a prefix, and can push log lines or end sessions.
package control
