// ABOUTME: Coordination service side of the control protocol
// ABOUTME: Admits nodes by key or provisioning code, assigns addresses and pushes messages

package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/nvagent/internal/auth"
	"github.com/2389/nvagent/internal/identity"
)

// DefaultPrefix is the address pool used when none is configured.
var DefaultPrefix = netip.MustParsePrefix("100.96.0.0/16")

var (
	// ErrNodeNotConnected indicates the node has no active session.
	ErrNodeNotConnected = errors.New("node not connected")

	// ErrPoolExhausted indicates no address is left in the prefix.
	ErrPoolExhausted = errors.New("address pool exhausted")
)

// ServerParams configures a Server.
type ServerParams struct {
	Prefix netip.Prefix

	// ProvCodes are accepted once each from unknown nodes.
	ProvCodes []string

	// OpenEnrollment accepts any well-formed provisioning code.
	OpenEnrollment bool

	Logger *slog.Logger
}

// Node is a node known to the coordination service.
type Node struct {
	NodeID      string
	Fingerprint string
	Address     string
	Online      bool
	LastSeen    time.Time
}

type serverSession struct {
	out      chan *ServerMessage
	shutdown chan string
	done     chan struct{}
}

// Server is a minimal coordination service. It implements ControlServer.
type Server struct {
	prefix netip.Prefix
	open   bool
	logger *slog.Logger

	mu       sync.Mutex
	codes    map[string]struct{}
	nodes    map[string]*Node // by fingerprint
	inUse    map[netip.Addr]bool
	next     netip.Addr
	sessions map[string]*serverSession // by fingerprint
}

// NewServer creates a Server.
func NewServer(p ServerParams) (*Server, error) {
	prefix := p.Prefix
	if !prefix.IsValid() {
		prefix = DefaultPrefix
	}
	prefix = prefix.Masked()
	if prefix.Bits() >= prefix.Addr().BitLen()-1 {
		return nil, fmt.Errorf("prefix %s is too small", prefix)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		prefix:   prefix,
		open:     p.OpenEnrollment,
		logger:   logger.With("component", "coord"),
		codes:    make(map[string]struct{}),
		nodes:    make(map[string]*Node),
		inUse:    make(map[netip.Addr]bool),
		next:     prefix.Addr().Next(),
		sessions: make(map[string]*serverSession),
	}
	for _, c := range p.ProvCodes {
		s.AddProvCode(c)
	}
	return s, nil
}

// NewGRPCServer creates a grpc.Server that authenticates nodes with verifier.
func NewGRPCServer(verifier *auth.SSHVerifier, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// AddProvCode makes code acceptable for one enrollment.
func (s *Server) AddProvCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = struct{}{}
}

// Nodes returns all known nodes ordered by address.
func (s *Server) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := netip.ParseAddr(out[i].Address)
		b, _ := netip.ParseAddr(out[j].Address)
		return a.Less(b)
	})
	return out
}

// PushLog sends a log line to the node's active session.
func (s *Server) PushLog(nodeID, line string) error {
	sess, err := s.sessionFor(nodeID)
	if err != nil {
		return err
	}
	select {
	case sess.out <- &ServerMessage{Log: &LogLine{Line: line}}:
		return nil
	case <-sess.done:
		return fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
	}
}

// Shutdown asks the node's active session to end.
func (s *Server) Shutdown(nodeID, reason string) error {
	sess, err := s.sessionFor(nodeID)
	if err != nil {
		return err
	}
	select {
	case sess.shutdown <- reason:
		return nil
	case <-sess.done:
		return fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
	}
}

func (s *Server) sessionFor(nodeID string) (*serverSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, n := range s.nodes {
		if n.NodeID != nodeID {
			continue
		}
		if sess, ok := s.sessions[fp]; ok {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
}

// Session handles one node's control stream.
func (s *Server) Session(stream SessionServer) error {
	ctx := stream.Context()
	node := auth.NodeFromContext(ctx)
	if node == nil {
		return status.Error(codes.Unauthenticated, "unauthenticated node")
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}

	rec, err := s.admit(node, first.Hello)
	if err != nil {
		s.logger.Warn("node rejected",
			"fingerprint", node.Fingerprint,
			"node_id", first.Hello.NodeID,
			"error", err,
		)
		return err
	}

	sess := s.attach(node.Fingerprint)
	defer s.detach(node.Fingerprint, sess)

	if err := stream.Send(&ServerMessage{Welcome: &Welcome{Address: rec.Address, NodeID: rec.NodeID}}); err != nil {
		return err
	}

	s.logger.Info("=== NODE CONNECTED ===",
		"node_id", rec.NodeID,
		"address", rec.Address,
		"version", first.Hello.Version,
	)

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			if msg.Heartbeat != nil {
				s.touch(node.Fingerprint)
				select {
				case sess.out <- &ServerMessage{Ack: &HeartbeatAck{Seq: msg.Heartbeat.Seq}}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case msg := <-sess.out:
			if err := stream.Send(msg); err != nil {
				return err
			}
		case reason := <-sess.shutdown:
			s.logger.Info("shutting down node session", "node_id", rec.NodeID, "reason", reason)
			return stream.Send(&ServerMessage{Shutdown: &Shutdown{Reason: reason}})
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				s.logger.Info("=== NODE DISCONNECTED ===", "node_id", rec.NodeID)
				return nil
			}
			s.logger.Warn("node session failed", "node_id", rec.NodeID, "error", err)
			return err
		case <-ctx.Done():
			s.logger.Info("=== NODE DISCONNECTED ===", "node_id", rec.NodeID)
			return nil
		}
	}
}

// admit accepts a known key, or an unknown key presenting a valid code.
func (s *Server) admit(node *auth.NodeAuth, hello *Hello) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[node.Fingerprint]; ok {
		if hello.NodeID != "" {
			n.NodeID = hello.NodeID
		}
		n.Online = true
		n.LastSeen = time.Now().UTC()
		return *n, nil
	}

	if node.ProvCode == "" {
		return Node{}, status.Error(codes.PermissionDenied, "unknown node: provisioning code required")
	}
	if !s.acceptCodeLocked(node.ProvCode) {
		return Node{}, status.Error(codes.PermissionDenied, "invalid provisioning code")
	}

	addr, err := s.allocateLocked()
	if err != nil {
		return Node{}, status.Error(codes.ResourceExhausted, err.Error())
	}

	n := &Node{
		NodeID:      hello.NodeID,
		Fingerprint: node.Fingerprint,
		Address:     addr.String(),
		Online:      true,
		LastSeen:    time.Now().UTC(),
	}
	s.nodes[node.Fingerprint] = n
	s.logger.Info("node enrolled", "node_id", n.NodeID, "address", n.Address)
	return *n, nil
}

func (s *Server) acceptCodeLocked(code string) bool {
	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		return true
	}
	return s.open && len(code) == identity.ProvCodeLength
}

// allocateLocked hands out the next free host address. The network and
// last address of the prefix are never assigned.
func (s *Server) allocateLocked() (netip.Addr, error) {
	for a := s.next; s.prefix.Contains(a.Next()); a = a.Next() {
		if s.inUse[a] {
			continue
		}
		s.inUse[a] = true
		s.next = a.Next()
		return a, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrPoolExhausted, s.prefix)
}

func (s *Server) attach(fp string) *serverSession {
	sess := &serverSession{
		out:      make(chan *ServerMessage, 64),
		shutdown: make(chan string, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	old := s.sessions[fp]
	s.sessions[fp] = sess
	s.mu.Unlock()

	if old != nil {
		select {
		case old.shutdown <- "superseded by a new session":
		default:
		}
	}
	return sess
}

func (s *Server) detach(fp string, sess *serverSession) {
	close(sess.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[fp] == sess {
		delete(s.sessions, fp)
		if n, ok := s.nodes[fp]; ok {
			n.Online = false
			n.LastSeen = time.Now().UTC()
		}
	}
}

func (s *Server) touch(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[fp]; ok {
		n.LastSeen = time.Now().UTC()
	}
}
