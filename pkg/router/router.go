// Package router is the façade inbound calls go through. It resolves
// addresses against the directory, applies the target owner's trust policy
// and hands payloads to the owning connection.
package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/msgerr"
)

const instrumentationName = "github.com/sambigeara/msgport/pkg/router"

const (
	reasonNotFound    = "not_found"
	reasonMismatch    = "certificate_mismatch"
	reasonReplyPort   = "reply_port"
	reasonInvalid     = "invalid_params"
	reasonDeliverFail = "delivery_failed"
)

// Target addresses a port either by id or by (AppID, Name, Trusted). A
// non-zero ID takes precedence.
type Target struct {
	AppID   string
	Name    string
	ID      uint64
	Trusted bool
}

type Router struct {
	dir       *directory.Directory
	log       *zap.SugaredLogger
	tracer    trace.Tracer
	delivered metric.Int64Counter
	rejected  metric.Int64Counter
	live      metric.Int64UpDownCounter
}

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

type Option func(*options)

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func New(dir *directory.Directory, opts ...Option) *Router {
	o := options{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Router{
		dir:    dir,
		log:    zap.S().Named("router"),
		tracer: o.tracerProvider.Tracer(instrumentationName),
	}

	meter := o.meterProvider.Meter(instrumentationName)
	var err error
	if r.delivered, err = meter.Int64Counter("msgport.messages.delivered",
		metric.WithDescription("Messages accepted for delivery.")); err != nil {
		r.log.Warnw("failed to create instrument", "name", "msgport.messages.delivered", "err", err)
	}
	if r.rejected, err = meter.Int64Counter("msgport.messages.rejected",
		metric.WithDescription("Messages refused before delivery.")); err != nil {
		r.log.Warnw("failed to create instrument", "name", "msgport.messages.rejected", "err", err)
	}
	if r.live, err = meter.Int64UpDownCounter("msgport.ports.live",
		metric.WithDescription("Ports currently registered.")); err != nil {
		r.log.Warnw("failed to create instrument", "name", "msgport.ports.live", "err", err)
	}
	return r
}

func (r *Router) Directory() *directory.Directory { return r.dir }

// Attach makes a freshly accepted connection eligible to register ports.
func (r *Router) Attach(owner *directory.Owner) {
	r.dir.Attach(owner)
}

// Detach removes every port owned by owner. It runs once, when the owner's
// connection closes.
func (r *Router) Detach(ctx context.Context, owner *directory.Owner) int {
	n := r.dir.UnregisterAll(owner)
	if n > 0 && r.live != nil {
		r.live.Add(ctx, -int64(n))
	}
	r.log.Debugw("connection detached", "app", owner.AppID(), "conn", owner.ID(), "ports", n)
	return n
}

func (r *Router) Register(ctx context.Context, owner *directory.Owner, name string, trusted bool) (directory.Port, error) {
	p, created, err := r.dir.Register(owner, name, trusted)
	if err != nil {
		return directory.Port{}, err
	}
	if created {
		if r.live != nil {
			r.live.Add(ctx, 1)
		}
		r.log.Infow("port registered", "id", p.ID, "app", p.AppID, "name", p.Name, "trusted", p.Trusted)
	}
	return p, nil
}

// CheckRemote resolves (appID, name, trusted) and applies the trust check
// for requester, without delivering anything.
func (r *Router) CheckRemote(ctx context.Context, requester *directory.Owner, appID, name string, trusted bool) (directory.Port, error) {
	target, owner, err := r.resolve(Target{AppID: appID, Name: name, Trusted: trusted})
	if err != nil {
		return directory.Port{}, err
	}
	if err := authorise(ctx, target, owner, requester); err != nil {
		return directory.Port{}, err
	}
	return target, nil
}

// Send delivers payload to target on behalf of sender. With fromPortID set,
// the delivery carries that port as the reply address; the port must belong
// to sender.
func (r *Router) Send(ctx context.Context, sender *directory.Owner, fromPortID uint64, target Target, payload map[string]string) (err error) {
	ctx, span := r.tracer.Start(ctx, "router.Send", trace.WithAttributes(
		attribute.String("msgport.sender", sender.AppID()),
		attribute.Int64("msgport.from_port", int64(fromPortID)), //nolint:gosec
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reply directory.ReplyAddress
	if fromPortID != 0 {
		from, err := r.dir.LookupByID(fromPortID)
		if err != nil || from.OwnerID != sender.ID() {
			r.reject(ctx, reasonReplyPort)
			return msgerr.NotFoundf("no local port found with id '%d'", fromPortID)
		}
		reply = directory.ReplyAddress{AppID: from.AppID, Port: from.Name, Trusted: from.Trusted}
	}

	port, owner, err := r.resolve(target)
	if err != nil {
		if msgerr.CodeOf(err) == msgerr.CodeInvalidParams {
			r.reject(ctx, reasonInvalid)
		} else {
			r.reject(ctx, reasonNotFound)
		}
		return err
	}
	span.SetAttributes(
		attribute.Int64("msgport.port", int64(port.ID)), //nolint:gosec
		attribute.String("msgport.target", port.AppID),
		attribute.Bool("msgport.trusted", port.Trusted),
	)

	if err := authorise(ctx, port, owner, sender); err != nil {
		r.reject(ctx, reasonMismatch)
		r.log.Debugw("send refused", "from", sender.AppID(), "to", port.AppID, "port", port.Name, "err", err)
		return err
	}

	if payload == nil {
		payload = map[string]string{}
	}
	if err := port.Deliver(owner, payload, reply); err != nil {
		r.reject(ctx, reasonDeliverFail)
		r.log.Warnw("delivery failed", "port", port.ID, "app", port.AppID, "err", err)
		return err
	}

	if r.delivered != nil {
		r.delivered.Add(ctx, 1, metric.WithAttributes(attribute.Bool("trusted", port.Trusted)))
	}
	r.log.Debugw("message delivered", "from", sender.AppID(), "to", port.AppID, "port", port.Name, "reply", !reply.IsZero())
	return nil
}

// Unregister removes one of owner's own ports. Ports of other connections
// are reported as not found.
func (r *Router) Unregister(ctx context.Context, owner *directory.Owner, portID uint64) error {
	p, err := r.dir.LookupByID(portID)
	if err != nil {
		return err
	}
	if p.OwnerID != owner.ID() {
		return msgerr.NotFoundf("no local port found with id '%d'", portID)
	}
	if _, err := r.dir.UnregisterOne(portID); err != nil {
		return err
	}
	if r.live != nil {
		r.live.Add(ctx, -1)
	}
	r.log.Infow("port unregistered", "id", p.ID, "app", p.AppID, "name", p.Name)
	return nil
}

func (r *Router) Properties(portID uint64) (directory.Port, error) {
	return r.dir.LookupByID(portID)
}

func (r *Router) List() []directory.Port {
	return r.dir.Ports()
}

func (r *Router) resolve(t Target) (directory.Port, *directory.Owner, error) {
	if t.ID != 0 {
		return r.dir.Resolve(t.ID)
	}
	if t.AppID == "" || t.Name == "" {
		return directory.Port{}, nil, msgerr.InvalidParamsf("target needs a port id or an application id and port name")
	}
	p, err := r.dir.LookupByOwnerIdentity(t.AppID, t.Name, t.Trusted)
	if err != nil {
		return directory.Port{}, nil, err
	}
	return r.dir.Resolve(p.ID)
}

func (r *Router) reject(ctx context.Context, reason string) {
	if r.rejected != nil {
		r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func authorise(ctx context.Context, port directory.Port, owner, peer *directory.Owner) error {
	if !port.Trusted {
		return nil
	}
	oracle := owner.Oracle()
	if oracle == nil || oracle.IsPeerTrusted(ctx, peer.AppID()) {
		return nil
	}
	return msgerr.CertificateMismatchf("application '%s' does not share a certificate with '%s'", peer.AppID(), port.AppID)
}
