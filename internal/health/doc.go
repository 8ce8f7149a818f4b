// Package health exposes the control connection state through the standard
// gRPC health protocol on a local address, for `nvagent status` and for
// process supervisors.
package health
