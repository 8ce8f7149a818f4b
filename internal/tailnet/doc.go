// Package tailnet runs an embedded Tailscale node so the agent can reach a
// coordination service that is only exposed on a tailnet.
package tailnet
