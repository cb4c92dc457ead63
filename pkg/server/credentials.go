package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/peercred"
	"github.com/sambigeara/msgport/pkg/trust"
)

const identityTimeout = 2 * time.Second

var errClientHandshake = errors.New("msgport credentials are server side only")

// connection is everything the daemon keeps for one accepted socket.
type connection struct {
	owner    *directory.Owner
	mailbox  *mailbox
	identity peercred.Identity
	listenMu sync.Mutex
	listened bool
}

type authInfo struct {
	conn *connection
	credentials.CommonAuthInfo
}

func (authInfo) AuthType() string { return "msgport" }

// trackedConn runs onClose once, however many times Close is called.
type trackedConn struct {
	net.Conn
	onClose func()
	once    sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

// connCredentials gives every accepted connection an identity and an owner
// before the first RPC runs, and detaches the owner when the connection
// closes.
type connCredentials struct {
	srv *Server
}

var _ credentials.TransportCredentials = (*connCredentials)(nil)

func (c *connCredentials) ServerHandshake(raw net.Conn) (net.Conn, credentials.AuthInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), identityTimeout)
	defer cancel()

	s := c.srv
	id := s.resolver.Resolve(ctx, raw)
	oracle := trust.NewOracle(id.AppID, id.HasCertInfo, s.comparator, s.cfg.CompareTimeout)
	mb := newMailbox(s.cfg.QueueSize, s.cfg.MaxPortsPerConnection)
	conn := &connection{
		owner:    directory.NewOwner(id.AppID, oracle, mb),
		mailbox:  mb,
		identity: id,
	}

	s.router.Attach(conn.owner)
	s.conns.Add(1)
	s.log.Infow("connection accepted", "app", id.AppID, "conn", conn.owner.ID(), "pid", id.Cred.PID, "certInfo", id.HasCertInfo)

	tracked := &trackedConn{
		Conn: raw,
		onClose: func() {
			n := s.router.Detach(context.Background(), conn.owner)
			mb.Close()
			s.conns.Add(-1)
			s.log.Infow("connection closed", "app", id.AppID, "conn", conn.owner.ID(), "ports", n)
		},
	}
	return tracked, authInfo{
		conn:           conn,
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity},
	}, nil
}

func (c *connCredentials) ClientHandshake(_ context.Context, _ string, _ net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return nil, nil, errClientHandshake
}

func (c *connCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "msgport-local"}
}

func (c *connCredentials) Clone() credentials.TransportCredentials {
	return &connCredentials{srv: c.srv}
}

func (c *connCredentials) OverrideServerName(string) error { return nil }
