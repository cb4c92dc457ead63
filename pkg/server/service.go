package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	msgportv1 "github.com/sambigeara/msgport/api/msgport/v1"
	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/msgerr"
	"github.com/sambigeara/msgport/pkg/router"
)

type service struct {
	srv *Server
}

var _ msgportv1.PortServiceServer = (*service)(nil)

func connFromContext(ctx context.Context) (*connection, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, msgerr.IOErrorf("call has no peer")
	}
	info, ok := p.AuthInfo.(authInfo)
	if !ok || info.conn == nil {
		return nil, msgerr.IOErrorf("call arrived on an unidentified connection")
	}
	return info.conn, nil
}

func (s *service) RegisterPort(ctx context.Context, req *msgportv1.RegisterPortRequest) (*msgportv1.RegisterPortResponse, error) {
	c, err := connFromContext(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.srv.router.Register(ctx, c.owner, req.Name, req.Trusted)
	if err != nil {
		return nil, err
	}
	return &msgportv1.RegisterPortResponse{PortID: p.ID}, nil
}

func (s *service) CheckRemotePort(ctx context.Context, req *msgportv1.CheckRemotePortRequest) (*msgportv1.CheckRemotePortResponse, error) {
	c, err := connFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.AppID == "" || req.Name == "" {
		return nil, msgerr.InvalidParamsf("application id and port name are required")
	}
	p, err := s.srv.router.CheckRemote(ctx, c.owner, req.AppID, req.Name, req.Trusted)
	if err != nil {
		return nil, err
	}
	return &msgportv1.CheckRemotePortResponse{PortID: p.ID}, nil
}

func (s *service) SendMessage(ctx context.Context, req *msgportv1.SendMessageRequest) (*msgportv1.SendMessageResponse, error) {
	c, err := connFromContext(ctx)
	if err != nil {
		return nil, err
	}
	target := router.Target{
		ID:      req.Target.PortID,
		AppID:   req.Target.AppID,
		Name:    req.Target.Name,
		Trusted: req.Target.Trusted,
	}
	if err := s.srv.router.Send(ctx, c.owner, req.FromPortID, target, req.Payload); err != nil {
		return nil, err
	}
	return &msgportv1.SendMessageResponse{}, nil
}

func (s *service) UnregisterPort(ctx context.Context, req *msgportv1.UnregisterPortRequest) (*msgportv1.UnregisterPortResponse, error) {
	c, err := connFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.srv.router.Unregister(ctx, c.owner, req.PortID); err != nil {
		return nil, err
	}
	return &msgportv1.UnregisterPortResponse{}, nil
}

func (s *service) GetProperties(ctx context.Context, req *msgportv1.GetPropertiesRequest) (*msgportv1.GetPropertiesResponse, error) {
	if _, err := connFromContext(ctx); err != nil {
		return nil, err
	}
	p, err := s.srv.router.Properties(req.PortID)
	if err != nil {
		return nil, err
	}
	return &msgportv1.GetPropertiesResponse{Port: portInfo(p)}, nil
}

func (s *service) ListPorts(ctx context.Context, _ *msgportv1.ListPortsRequest) (*msgportv1.ListPortsResponse, error) {
	if _, err := connFromContext(ctx); err != nil {
		return nil, err
	}
	ports := s.srv.router.List()
	res := &msgportv1.ListPortsResponse{
		Ports:       make([]msgportv1.PortInfo, 0, len(ports)),
		Connections: s.srv.Connections(),
	}
	for _, p := range ports {
		res.Ports = append(res.Ports, portInfo(p))
	}
	return res, nil
}

func (s *service) GetStats(ctx context.Context, _ *msgportv1.GetStatsRequest) (*msgportv1.GetStatsResponse, error) {
	res := &msgportv1.GetStatsResponse{Metrics: []msgportv1.Metric{}}
	if s.srv.stats == nil {
		return res, nil
	}
	metrics, err := s.srv.stats.Snapshot(ctx)
	if err != nil {
		return nil, msgerr.IOErrorf("%v", err)
	}
	for _, m := range metrics {
		res.Metrics = append(res.Metrics, msgportv1.Metric{Name: m.Name, Attrs: m.Attrs, Value: m.Value})
	}
	return res, nil
}

// Listen streams the connection's deliveries. Only one Listen may be open
// per connection at a time.
func (s *service) Listen(_ *msgportv1.ListenRequest, stream grpc.ServerStreamingServer[msgportv1.ListenResponse]) error {
	ctx := stream.Context()
	c, err := connFromContext(ctx)
	if err != nil {
		return err
	}
	if !c.startListening() {
		return msgerr.AlreadyExistingf("connection already has a listener")
	}
	defer c.stopListening()

	hello := &msgportv1.ListenResponse{Hello: &msgportv1.Hello{
		AppID:        c.owner.AppID(),
		ConnectionID: c.owner.ID().String(),
	}}
	if err := stream.Send(hello); err != nil {
		return msgerr.IOErrorf("send hello: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.srv.quit:
			return nil
		case <-c.mailbox.done:
			return nil
		case d := <-c.mailbox.ch:
			if err := stream.Send(&msgportv1.ListenResponse{Delivery: wireDelivery(d)}); err != nil {
				s.srv.log.Debugw("dropping delivery, listener gone", "port", d.Port.ID, "err", err)
				return msgerr.IOErrorf("send delivery: %v", err)
			}
		}
	}
}

func (c *connection) startListening() bool {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.listened {
		return false
	}
	c.listened = true
	return true
}

func (c *connection) stopListening() {
	c.listenMu.Lock()
	c.listened = false
	c.listenMu.Unlock()
}

func portInfo(p directory.Port) msgportv1.PortInfo {
	return msgportv1.PortInfo{ID: p.ID, AppID: p.AppID, Name: p.Name, Trusted: p.Trusted}
}

func wireDelivery(d directory.Delivery) *msgportv1.Delivery {
	out := &msgportv1.Delivery{
		PortID:   d.Port.ID,
		PortName: d.Port.Name,
		Trusted:  d.Port.Trusted,
		Payload:  d.Payload,
	}
	if !d.Reply.IsZero() {
		out.Reply = &msgportv1.ReplyAddress{AppID: d.Reply.AppID, Port: d.Reply.Port, Trusted: d.Reply.Trusted}
	}
	return out
}
