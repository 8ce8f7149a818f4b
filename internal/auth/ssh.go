// ABOUTME: SSH public key authentication for nodes
// ABOUTME: Verifies signatures over timestamp|nonce carried in gRPC metadata

package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp.
	SSHAuthMaxAge = 5 * time.Minute

	// SSHMaxClockSkew is how far in the future a timestamp may be.
	SSHMaxClockSkew = time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track.
	SSHNonceCacheSize = 10000

	// SSH auth metadata keys.
	SSHPubkeyHeader    = "x-ssh-pubkey"
	SSHSignatureHeader = "x-ssh-signature"
	SSHTimestampHeader = "x-ssh-timestamp"
	SSHNonceHeader     = "x-ssh-nonce"
)

var (
	// ErrMissingCredentials indicates one of the SSH headers was absent.
	ErrMissingCredentials = errors.New("missing SSH credentials")

	// ErrExpired indicates the signed timestamp is outside the accepted window.
	ErrExpired = errors.New("signature expired")

	// ErrReplay indicates the nonce was already used with this key and timestamp.
	ErrReplay = errors.New("nonce already used")

	// ErrBadSignature indicates the signature did not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// SSHAuthRequest is the signed credential a node presents on connect.
type SSHAuthRequest struct {
	Pubkey    string // authorized_keys format, e.g. "ssh-ed25519 AAAA..."
	Signature string // base64 of the SSH wire-format signature over "timestamp|nonce"
	Timestamp int64
	Nonce     string
}

// Message returns the bytes that are signed.
func (r *SSHAuthRequest) Message() []byte {
	return []byte(fmt.Sprintf("%d|%s", r.Timestamp, r.Nonce))
}

// Pairs returns the request as metadata key/value pairs, suitable for
// metadata.Pairs.
func (r *SSHAuthRequest) Pairs() []string {
	return []string{
		SSHPubkeyHeader, r.Pubkey,
		SSHSignatureHeader, r.Signature,
		SSHTimestampHeader, strconv.FormatInt(r.Timestamp, 10),
		SSHNonceHeader, r.Nonce,
	}
}

func (r *SSHAuthRequest) validate() error {
	switch {
	case r.Pubkey == "":
		return fmt.Errorf("%w: public key", ErrMissingCredentials)
	case r.Signature == "":
		return fmt.Errorf("%w: signature", ErrMissingCredentials)
	case r.Timestamp == 0:
		return fmt.Errorf("%w: timestamp", ErrMissingCredentials)
	case r.Nonce == "":
		return fmt.Errorf("%w: nonce", ErrMissingCredentials)
	}
	return nil
}

// SSHVerifier verifies node signatures.
type SSHVerifier struct {
	maxAge time.Duration
	now    func() time.Time
	nonces *NonceCache
}

// NewSSHVerifier creates a verifier with nonce replay protection.
func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge: SSHAuthMaxAge,
		now:    time.Now,
		nonces: NewNonceCache(SSHAuthMaxAge+SSHMaxClockSkew, SSHNonceCacheSize),
	}
}

// Close releases resources used by the verifier.
func (v *SSHVerifier) Close() {
	if v.nonces != nil {
		v.nonces.Close()
	}
}

// Verify checks the signature and returns the parsed public key and its
// fingerprint. A nonce may be used once per key and timestamp.
func (v *SSHVerifier) Verify(req *SSHAuthRequest) (ssh.PublicKey, string, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return nil, "", fmt.Errorf("invalid public key: %w", err)
	}

	age := v.now().Sub(time.Unix(req.Timestamp, 0))
	if age < -SSHMaxClockSkew {
		return nil, "", fmt.Errorf("%w: timestamp is in the future", ErrExpired)
	}
	if age > v.maxAge {
		return nil, "", fmt.Errorf("%w (age: %v, max: %v)", ErrExpired, age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return nil, "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify(req.Message(), sig); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	// Keyed by fingerprint so one node's nonce cannot block another's.
	fp := Fingerprint(pubkey)
	if v.nonces.CheckAndMark(fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)) {
		return nil, "", ErrReplay
	}

	return pubkey, fp, nil
}

// Fingerprint returns the lowercase hex SHA256 of the key's wire encoding.
func Fingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ExtractSSHAuthFromMetadata extracts SSH auth fields from gRPC metadata.
// Returns nil if no SSH auth header is present.
func ExtractSSHAuthFromMetadata(md map[string][]string) *SSHAuthRequest {
	get := func(key string) string {
		if vals, ok := md[key]; ok && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}

	pubkey := get(SSHPubkeyHeader)
	signature := get(SSHSignatureHeader)
	timestampStr := get(SSHTimestampHeader)
	nonce := get(SSHNonceHeader)

	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)
	return &SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signature,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}
