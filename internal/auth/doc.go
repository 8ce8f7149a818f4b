// Package auth authenticates nodes to the coordination service with their
// SSH key.
//
// # Node Key
//
// Each node owns an ed25519 key stored in OpenSSH PEM format next to its
// identity file. LoadOrCreateKey generates it on first use:
//
//	signer, err := auth.LoadOrCreateKey(store.KeyPath())
//
// # Signed Credentials
//
// On every connect the node signs "timestamp|nonce" and sends the result as
// gRPC metadata:
//
//	x-ssh-pubkey:    ssh-ed25519 AAAA...
//	x-ssh-signature: base64 SSH signature
//	x-ssh-timestamp: unix seconds
//	x-ssh-nonce:     random string
//
// A node that is not yet known to the service also sends x-nvagent-prov-code.
//
// # Verification
//
// SSHVerifier rejects timestamps older than SSHAuthMaxAge or more than
// SSHMaxClockSkew in the future, signatures that do not verify, and nonces
// already used with the same key and timestamp. StreamInterceptor wraps this
// for gRPC servers and stores a NodeAuth in the stream context.
package auth
