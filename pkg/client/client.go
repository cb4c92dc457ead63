// Package client is the application side of msgport. A Client holds one
// connection to the daemon, mirrors the ports it registered and dispatches
// incoming messages to their handlers. It never redials: once Done is
// closed every call fails with IOError and a new Client must be dialed.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	msgportv1 "github.com/sambigeara/msgport/api/msgport/v1"
	"github.com/sambigeara/msgport/pkg/msgerr"
)

const baseURL = "http://msgport"

type ReplyAddress struct {
	AppID   string
	Port    string
	Trusted bool
}

// Message is one delivery to a local port. Reply is nil when the sender did
// not send from a port of its own.
type Message struct {
	Payload  map[string]string
	Reply    *ReplyAddress
	PortName string
	PortID   uint64
	Trusted  bool
}

type Handler func(ctx context.Context, msg Message)

type localPort struct {
	handler Handler
	name    string
	trusted bool
}

type Client struct {
	log         *zap.SugaredLogger
	transport   *http2.Transport
	stream      *connect.ServerStreamForClient[msgportv1.ListenResponse]
	cancel      context.CancelFunc
	done        chan struct{}
	ports       map[uint64]localPort
	dispatchErr error
	conns       []net.Conn
	dialed      bool
	appID       string
	connID      string

	registerPort    *connect.Client[msgportv1.RegisterPortRequest, msgportv1.RegisterPortResponse]
	checkRemotePort *connect.Client[msgportv1.CheckRemotePortRequest, msgportv1.CheckRemotePortResponse]
	sendMessage     *connect.Client[msgportv1.SendMessageRequest, msgportv1.SendMessageResponse]
	unregisterPort  *connect.Client[msgportv1.UnregisterPortRequest, msgportv1.UnregisterPortResponse]
	getProperties   *connect.Client[msgportv1.GetPropertiesRequest, msgportv1.GetPropertiesResponse]
	listPorts       *connect.Client[msgportv1.ListPortsRequest, msgportv1.ListPortsResponse]
	getStats        *connect.Client[msgportv1.GetStatsRequest, msgportv1.GetStatsResponse]

	mu        sync.RWMutex
	closeOnce sync.Once
}

// Dial connects to the daemon listening on socketPath. It returns once the
// daemon has identified the connection.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	c := &Client{
		log:   zap.S().Named("client"),
		done:  make(chan struct{}),
		ports: make(map[uint64]localPort),
	}
	transport := &http2.Transport{
		AllowHTTP:      true,
		DialTLSContext: c.dialOnce(socketPath),
	}
	c.transport = transport

	// No client timeout: the Listen stream lives as long as the Client.
	httpClient := &http.Client{Transport: transport}
	opts := []connect.ClientOption{connect.WithGRPC(), connect.WithCodec(msgportv1.Codec{})}

	c.registerPort = connect.NewClient[msgportv1.RegisterPortRequest, msgportv1.RegisterPortResponse](
		httpClient, baseURL+msgportv1.RegisterPortProcedure, opts...)
	c.checkRemotePort = connect.NewClient[msgportv1.CheckRemotePortRequest, msgportv1.CheckRemotePortResponse](
		httpClient, baseURL+msgportv1.CheckRemotePortProcedure, opts...)
	c.sendMessage = connect.NewClient[msgportv1.SendMessageRequest, msgportv1.SendMessageResponse](
		httpClient, baseURL+msgportv1.SendMessageProcedure, opts...)
	c.unregisterPort = connect.NewClient[msgportv1.UnregisterPortRequest, msgportv1.UnregisterPortResponse](
		httpClient, baseURL+msgportv1.UnregisterPortProcedure, opts...)
	c.getProperties = connect.NewClient[msgportv1.GetPropertiesRequest, msgportv1.GetPropertiesResponse](
		httpClient, baseURL+msgportv1.GetPropertiesProcedure, opts...)
	c.listPorts = connect.NewClient[msgportv1.ListPortsRequest, msgportv1.ListPortsResponse](
		httpClient, baseURL+msgportv1.ListPortsProcedure, opts...)
	c.getStats = connect.NewClient[msgportv1.GetStatsRequest, msgportv1.GetStatsResponse](
		httpClient, baseURL+msgportv1.GetStatsProcedure, opts...)
	listen := connect.NewClient[msgportv1.ListenRequest, msgportv1.ListenResponse](
		httpClient, baseURL+msgportv1.ListenProcedure, opts...)

	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	hello := make(chan error, 1)
	go func() {
		stream, err := listen.CallServerStream(streamCtx, connect.NewRequest(&msgportv1.ListenRequest{}))
		if err != nil {
			hello <- fromConnect(err)
			return
		}
		if !stream.Receive() {
			err := stream.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			_ = stream.Close()
			hello <- fromConnect(err)
			return
		}
		h := stream.Msg().Hello
		if h == nil {
			_ = stream.Close()
			hello <- msgerr.IOErrorf("daemon did not identify the connection")
			return
		}
		c.stream, c.appID, c.connID = stream, h.AppID, h.ConnectionID
		hello <- nil
	}()

	select {
	case err := <-hello:
		if err != nil {
			cancel()
			_ = c.closeConns()
			return nil, fmt.Errorf("dial %s: %w", socketPath, err)
		}
	case <-ctx.Done():
		cancel()
		_ = c.closeConns()
		return nil, fmt.Errorf("dial %s: %w", socketPath, ctx.Err())
	}

	go c.dispatch(streamCtx)
	c.log.Debugw("connected", "socket", socketPath, "app", c.appID, "conn", c.connID)
	return c, nil
}

// dialOnce opens the single socket connection of the Client. The daemon ties
// ports and the Listen stream to that connection, so a redial would land on
// a fresh owner nobody listens for; it is refused instead.
func (c *Client) dialOnce(socketPath string) func(context.Context, string, string, *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
		c.mu.Lock()
		if c.dialed {
			c.mu.Unlock()
			return nil, msgerr.IOErrorf("connection to daemon lost")
		}
		c.dialed = true
		c.mu.Unlock()

		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		return conn, nil
	}
}

// alive fails once the connection to the daemon is gone.
func (c *Client) alive() error {
	select {
	case <-c.done:
		return msgerr.IOErrorf("connection to daemon closed")
	default:
		return nil
	}
}

// AppID is the identity the daemon assigned to this connection.
func (c *Client) AppID() string { return c.appID }

func (c *Client) ConnectionID() string { return c.connID }

// Done is closed once the connection to the daemon is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) dispatch(ctx context.Context) {
	defer close(c.done)

	for c.stream.Receive() {
		d := c.stream.Msg().Delivery
		if d == nil {
			continue
		}

		c.mu.RLock()
		lp, ok := c.ports[d.PortID]
		c.mu.RUnlock()
		if !ok || lp.handler == nil {
			c.log.Debugw("no handler for delivery", "port", d.PortID, "name", d.PortName)
			continue
		}

		msg := Message{
			PortID:   d.PortID,
			PortName: d.PortName,
			Trusted:  d.Trusted,
			Payload:  d.Payload,
		}
		if d.Reply != nil {
			msg.Reply = &ReplyAddress{AppID: d.Reply.AppID, Port: d.Reply.Port, Trusted: d.Reply.Trusted}
		}
		lp.handler(ctx, msg)
	}

	if err := c.stream.Err(); err != nil && ctx.Err() == nil {
		c.log.Warnw("listen stream ended", "err", err)
		c.mu.Lock()
		c.dispatchErr = fromConnect(err)
		c.mu.Unlock()
	}
}

// RegisterPort registers a local port and routes its messages to h.
// Registering an existing (name, trusted) pair returns the same id and
// replaces the handler.
func (c *Client) RegisterPort(ctx context.Context, name string, trusted bool, h Handler) (uint64, error) {
	if err := c.alive(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, msgerr.InvalidParamsf("port name must not be empty")
	}
	res, err := c.registerPort.CallUnary(ctx, connect.NewRequest(&msgportv1.RegisterPortRequest{Name: name, Trusted: trusted}))
	if err != nil {
		return 0, fromConnect(err)
	}
	id := res.Msg.PortID

	c.mu.Lock()
	c.ports[id] = localPort{name: name, trusted: trusted, handler: h}
	c.mu.Unlock()
	return id, nil
}

// CheckRemotePort reports the id of appID's port, or NotFound.
func (c *Client) CheckRemotePort(ctx context.Context, appID, name string, trusted bool) (uint64, error) {
	if err := c.alive(); err != nil {
		return 0, err
	}
	res, err := c.checkRemotePort.CallUnary(ctx, connect.NewRequest(&msgportv1.CheckRemotePortRequest{
		AppID: appID, Name: name, Trusted: trusted,
	}))
	if err != nil {
		return 0, fromConnect(err)
	}
	return res.Msg.PortID, nil
}

// SendMessage sends payload anonymously; the receiver cannot reply.
func (c *Client) SendMessage(ctx context.Context, appID, name string, trusted bool, payload map[string]string) error {
	return c.send(ctx, 0, msgportv1.Address{AppID: appID, Name: name, Trusted: trusted}, payload)
}

// SendToPort sends payload anonymously to a port id learnt earlier.
func (c *Client) SendToPort(ctx context.Context, portID uint64, payload map[string]string) error {
	return c.send(ctx, 0, msgportv1.Address{PortID: portID}, payload)
}

// SendBidirectional sends payload from the local port fromPortID, so the
// receiver gets that port as its reply address.
func (c *Client) SendBidirectional(ctx context.Context, fromPortID uint64, appID, name string, trusted bool, payload map[string]string) error {
	if _, ok := c.LocalPortName(fromPortID); !ok {
		return msgerr.NotFoundf("no local port found with id '%d'", fromPortID)
	}
	return c.send(ctx, fromPortID, msgportv1.Address{AppID: appID, Name: name, Trusted: trusted}, payload)
}

// Reply answers msg from the port it arrived on.
func (c *Client) Reply(ctx context.Context, msg Message, payload map[string]string) error {
	if msg.Reply == nil {
		return msgerr.InvalidParamsf("message has no reply address")
	}
	return c.SendBidirectional(ctx, msg.PortID, msg.Reply.AppID, msg.Reply.Port, msg.Reply.Trusted, payload)
}

func (c *Client) send(ctx context.Context, from uint64, target msgportv1.Address, payload map[string]string) error {
	if err := c.alive(); err != nil {
		return err
	}
	_, err := c.sendMessage.CallUnary(ctx, connect.NewRequest(&msgportv1.SendMessageRequest{
		Target:     target,
		FromPortID: from,
		Payload:    payload,
	}))
	if err != nil {
		return fromConnect(err)
	}
	return nil
}

func (c *Client) Unregister(ctx context.Context, portID uint64) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.unregisterPort.CallUnary(ctx, connect.NewRequest(&msgportv1.UnregisterPortRequest{PortID: portID})); err != nil {
		return fromConnect(err)
	}
	c.mu.Lock()
	delete(c.ports, portID)
	c.mu.Unlock()
	return nil
}

func (c *Client) Properties(ctx context.Context, portID uint64) (msgportv1.PortInfo, error) {
	if err := c.alive(); err != nil {
		return msgportv1.PortInfo{}, err
	}
	res, err := c.getProperties.CallUnary(ctx, connect.NewRequest(&msgportv1.GetPropertiesRequest{PortID: portID}))
	if err != nil {
		return msgportv1.PortInfo{}, fromConnect(err)
	}
	return res.Msg.Port, nil
}

func (c *Client) List(ctx context.Context) (*msgportv1.ListPortsResponse, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	res, err := c.listPorts.CallUnary(ctx, connect.NewRequest(&msgportv1.ListPortsRequest{}))
	if err != nil {
		return nil, fromConnect(err)
	}
	return res.Msg, nil
}

// Stats returns the daemon's message and port counters.
func (c *Client) Stats(ctx context.Context) ([]msgportv1.Metric, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	res, err := c.getStats.CallUnary(ctx, connect.NewRequest(&msgportv1.GetStatsRequest{}))
	if err != nil {
		return nil, fromConnect(err)
	}
	return res.Msg.Metrics, nil
}

// LocalPortName returns the name of a port registered through this client.
func (c *Client) LocalPortName(portID uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lp, ok := c.ports[portID]
	return lp.name, ok
}

// IsTrustedLocalPort reports the trust flag of a port registered through
// this client. ok is false for unknown ids.
func (c *Client) IsTrustedLocalPort(portID uint64) (trusted, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lp, ok := c.ports[portID]
	return lp.trusted, ok
}

// Close drops the connection; the daemon removes every port it held.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.stream.Close()
		err = c.closeConns()
		<-c.done
		c.transport.CloseIdleConnections()

		c.mu.Lock()
		err = multierr.Append(err, c.dispatchErr)
		c.ports = make(map[uint64]localPort)
		c.mu.Unlock()
	})
	return err
}

func (c *Client) closeConns() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	var err error
	for _, conn := range conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

var codeByConnect = map[connect.Code]msgerr.Code{
	connect.CodeUnavailable:       msgerr.CodeIOError,
	connect.CodeInvalidArgument:   msgerr.CodeInvalidParams,
	connect.CodeResourceExhausted: msgerr.CodeOutOfMemory,
	connect.CodeNotFound:          msgerr.CodeNotFound,
	connect.CodeAlreadyExists:     msgerr.CodeAlreadyExisting,
	connect.CodePermissionDenied:  msgerr.CodeCertificateMismatch,
}

// fromConnect turns a call error back into the msgerr taxonomy, preferring
// the code name the daemon put in the trailer.
func fromConnect(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if !errors.As(err, &ce) {
		return msgerr.IOErrorf("%v", err)
	}

	code, ok := codeByConnect[ce.Code()]
	if !ok {
		code = msgerr.CodeUnknown
	}
	if name := ce.Meta().Get(msgportv1.ErrorTrailer); name != "" {
		code = msgerr.Parse(name)
	}
	msg := strings.TrimPrefix(ce.Message(), code.String()+": ")
	return &msgerr.Error{Code: code, Msg: msg}
}
