// Package provision attaches a provisioning code to the node identity and
// starts the first connection to the coordination service.
//
// Codes are opaque: Validate only checks that a code is exactly 36
// characters long. Submit persists the code before connecting, so a crash
// between the two leaves a provisioned identity that connects on next start.
package provision
