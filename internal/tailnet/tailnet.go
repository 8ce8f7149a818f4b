// ABOUTME: Embedded Tailscale node for reaching the coordination service over a tailnet
// ABOUTME: Wraps tsnet.Server and exposes dial and listen functions

package tailnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/nvagent/internal/config"
)

// Node is a running tsnet node.
type Node struct {
	srv    *tsnet.Server
	logger *slog.Logger
	ip     string
}

// resolveStateDir returns the configured state directory or one under the
// nvagent data directory.
func resolveStateDir(configured, hostname string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataDir(), "tailscale", hostname)
}

// resolveAuthKey returns the auth key from config or environment.
func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// Start brings a tsnet node up and waits until it is ready.
func Start(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tailnet")

	if cfg.Hostname == "" {
		return nil, errors.New("tailscale hostname is required")
	}
	authKey, err := resolveAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	stateDir := resolveStateDir(cfg.StateDir, cfg.Hostname)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			logger.Info(fmt.Sprintf(format, args...))
		},
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
	}

	logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", stateDir, "ephemeral", cfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	n := &Node{srv: srv, logger: logger}
	n.logStatus(cfg.Hostname, status)
	return n, nil
}

func (n *Node) logStatus(hostname string, status *ipnstate.Status) {
	var dnsName string
	if len(status.TailscaleIPs) > 0 {
		n.ip = status.TailscaleIPs[0].String()
	} else {
		n.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	n.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", n.ip, "dns_name", dnsName)
}

// IP returns the node's first tailnet address, if any.
func (n *Node) IP() string {
	return n.ip
}

// Dial opens a TCP connection to addr through the tailnet. Its signature
// matches control.DialerParams.NetDial.
func (n *Node) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return n.srv.Dial(ctx, "tcp", addr)
}

// Listen listens on the tailnet, e.g. ":50051".
func (n *Node) Listen(addr string) (net.Listener, error) {
	return n.srv.Listen("tcp", addr)
}

// Close shuts the node down.
func (n *Node) Close() error {
	return n.srv.Close()
}
