// ABOUTME: Node key management: load or generate the ed25519 node key
// ABOUTME: Produces signed timestamp|nonce credentials for the control handshake

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// LoadOrCreateKey reads the OpenSSH private key at path, generating and
// writing a new ed25519 key (mode 0600) when the file does not exist.
func LoadOrCreateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing node key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading node key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating node key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "nvagent")
	if err != nil {
		return nil, fmt.Errorf("encoding node key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	// O_EXCL so two processes racing on first start cannot clobber each other.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return LoadOrCreateKey(path)
		}
		return nil, fmt.Errorf("writing node key: %w", err)
	}
	if err := pem.Encode(f, block); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing node key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing node key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}

// AuthorizedKey returns the signer's public key in authorized_keys format
// without the trailing newline.
func AuthorizedKey(signer ssh.Signer) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}

// Sign produces fresh credentials: a signature over the current Unix time
// and a random nonce.
func Sign(signer ssh.Signer) (*SSHAuthRequest, error) {
	return signAt(signer, time.Now())
}

func signAt(signer ssh.Signer, at time.Time) (*SSHAuthRequest, error) {
	req := &SSHAuthRequest{
		Pubkey:    AuthorizedKey(signer),
		Timestamp: at.Unix(),
		Nonce:     uuid.New().String(),
	}
	sig, err := signer.Sign(rand.Reader, req.Message())
	if err != nil {
		return nil, fmt.Errorf("signing credentials: %w", err)
	}
	req.Signature = base64.StdEncoding.EncodeToString(ssh.Marshal(sig))
	return req, nil
}
