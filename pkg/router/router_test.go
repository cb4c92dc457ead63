package router_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sambigeara/msgport/internal/testutil/memsink"
	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/msgerr"
	"github.com/sambigeara/msgport/pkg/router"
	"github.com/sambigeara/msgport/pkg/trust"
)

type compareCall struct {
	self, peer string
}

type mockComparator struct {
	results map[compareCall]trust.Result
	err     error
	calls   []compareCall
	count   atomic.Int32
	mu      sync.Mutex
}

func (m *mockComparator) Compare(_ context.Context, self, peer string) (trust.Result, error) {
	m.count.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, compareCall{self: self, peer: peer})
	if m.err != nil {
		return trust.Mismatch, m.err
	}
	if res, ok := m.results[compareCall{self: self, peer: peer}]; ok {
		return res, nil
	}
	return trust.Mismatch, nil
}

type conn struct {
	owner *directory.Owner
	sink  *memsink.Sink
}

type harness struct {
	router *router.Router
	cmp    *mockComparator
}

func newHarness(t *testing.T, opts ...router.Option) *harness {
	t.Helper()
	return &harness{
		router: router.New(directory.New(), opts...),
		cmp:    &mockComparator{results: map[compareCall]trust.Result{}},
	}
}

func (h *harness) connect(t *testing.T, appID string, hasCertInfo bool) *conn {
	t.Helper()
	sink := memsink.New()
	oracle := trust.NewOracle(appID, hasCertInfo, h.cmp, 0)
	c := &conn{owner: directory.NewOwner(appID, oracle, sink), sink: sink}
	h.router.Attach(c.owner)
	return c
}

func (h *harness) close(t *testing.T, c *conn) {
	t.Helper()
	h.router.Detach(context.Background(), c.owner)
	c.sink.Close()
}

func mustRecv(t *testing.T, s *memsink.Sink) directory.Delivery {
	t.Helper()
	d, err := s.Recv()
	require.NoError(t, err)
	return d
}

func TestAnonymousSendHasNoReplyAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)

	got, err := h.router.CheckRemote(ctx, c2.owner, "app1", "A", false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	payload := map[string]string{"k": "v"}
	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{AppID: "app1", Name: "A"}, payload))

	d := mustRecv(t, c1.sink)
	assert.Equal(t, a.ID, d.Port.ID)
	assert.Equal(t, payload, d.Payload)
	assert.True(t, d.Reply.IsZero())
	assert.Zero(t, c2.sink.Pending())
}

func TestSendFromPortCarriesReplyAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	b, err := h.router.Register(ctx, c2.owner, "B", false)
	require.NoError(t, err)

	require.NoError(t, h.router.Send(ctx, c2.owner, b.ID, router.Target{ID: a.ID}, map[string]string{"n": "1"}))

	d := mustRecv(t, c1.sink)
	assert.Equal(t, directory.ReplyAddress{AppID: "app2", Port: "B", Trusted: false}, d.Reply)

	// The receiver can answer through the reply address alone.
	reply := router.Target{AppID: d.Reply.AppID, Name: d.Reply.Port, Trusted: d.Reply.Trusted}
	require.NoError(t, h.router.Send(ctx, c1.owner, a.ID, reply, map[string]string{"n": "2"}))
	back := mustRecv(t, c2.sink)
	assert.Equal(t, b.ID, back.Port.ID)
	assert.Equal(t, directory.ReplyAddress{AppID: "app1", Port: "A"}, back.Reply)
}

func TestSendFromForeignPortIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)

	// c2 claims c1's port as its reply address.
	err = h.router.Send(ctx, c2.owner, a.ID, router.Target{ID: a.ID}, nil)
	require.ErrorIs(t, err, msgerr.ErrNotFound)
	assert.Zero(t, c1.sink.Pending())
}

func TestSendToTrustedPortWithMismatchIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)
	h.cmp.results[compareCall{"app1", "app2"}] = trust.Mismatch

	_, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)

	err = h.router.Send(ctx, c2.owner, 0, router.Target{AppID: "app1", Name: "T", Trusted: true}, nil)
	require.ErrorIs(t, err, msgerr.ErrCertificateMismatch)
	assert.Zero(t, c1.sink.Pending())

	_, err = h.router.CheckRemote(ctx, c2.owner, "app1", "T", true)
	require.ErrorIs(t, err, msgerr.ErrCertificateMismatch)

	// The untrusted twin of the name is a different port and does not exist.
	_, err = h.router.CheckRemote(ctx, c2.owner, "app1", "T", false)
	require.ErrorIs(t, err, msgerr.ErrNotFound)
}

func TestTrustedPortAcceptsMatchAndCachesVerdict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)
	c3 := h.connect(t, "app3", true)
	h.cmp.results[compareCall{"app1", "app2"}] = trust.Match
	h.cmp.results[compareCall{"app1", "app3"}] = trust.Mismatch

	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: tp.ID}, nil))
		require.ErrorIs(t, h.router.Send(ctx, c3.owner, 0, router.Target{ID: tp.ID}, nil), msgerr.ErrCertificateMismatch)
	}

	assert.Equal(t, int32(2), h.cmp.count.Load())
	assert.Equal(t, 3, c1.sink.Pending())
}

func TestUntrustedPortNeverConsultsComparator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: a.ID}, nil))
	assert.Zero(t, h.cmp.count.Load())
}

func TestOwnerWithoutCertificateFailsOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "1234", false)
	c2 := h.connect(t, "app2", true)
	c3 := h.connect(t, "app3", true)

	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)

	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: tp.ID}, nil))
	require.NoError(t, h.router.Send(ctx, c3.owner, 0, router.Target{AppID: "1234", Name: "T", Trusted: true}, nil))
	assert.Zero(t, h.cmp.count.Load())
	assert.Equal(t, 2, c1.sink.Pending())
}

func TestNoCertResultDowngradesOwnerForGood(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)
	c3 := h.connect(t, "app3", true)
	h.cmp.results[compareCall{"app1", "app2"}] = trust.PeerNoCert
	h.cmp.results[compareCall{"app1", "app3"}] = trust.Mismatch

	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)

	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: tp.ID}, nil))
	require.NoError(t, h.router.Send(ctx, c3.owner, 0, router.Target{ID: tp.ID}, nil))
	assert.Equal(t, int32(1), h.cmp.count.Load())
	assert.False(t, c1.owner.Oracle().HasCertInfo())
}

func TestComparatorFailureRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)
	h.cmp.err = errors.New("lookup failed")

	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)
	require.ErrorIs(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: tp.ID}, nil), msgerr.ErrCertificateMismatch)
}

func TestClosedConnectionPortsDisappear(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)
	_, err = h.router.Register(ctx, c2.owner, "B", false)
	require.NoError(t, err)

	h.close(t, c1)

	_, err = h.router.CheckRemote(ctx, c2.owner, "app1", "A", false)
	require.ErrorIs(t, err, msgerr.ErrNotFound)
	_, err = h.router.CheckRemote(ctx, c2.owner, "app1", "T", true)
	require.ErrorIs(t, err, msgerr.ErrNotFound)
	for _, id := range []uint64{a.ID, tp.ID} {
		require.ErrorIs(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: id}, nil), msgerr.ErrNotFound)
		_, err = h.router.Properties(id)
		require.ErrorIs(t, err, msgerr.ErrNotFound)
	}
	assert.Len(t, h.router.List(), 1)

	_, err = h.router.Register(ctx, c1.owner, "late", false)
	require.ErrorIs(t, err, msgerr.ErrIO)
}

func TestSendInvalidTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)

	err := h.router.Send(ctx, c1.owner, 0, router.Target{Name: "A"}, nil)
	require.ErrorIs(t, err, msgerr.ErrInvalidParams)
	err = h.router.Send(ctx, c1.owner, 0, router.Target{AppID: "app1"}, nil)
	require.ErrorIs(t, err, msgerr.ErrInvalidParams)
}

func TestSendSurfacesDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	c1.sink.Close()

	err = h.router.Send(ctx, c2.owner, 0, router.Target{ID: a.ID}, nil)
	require.ErrorIs(t, err, msgerr.ErrIO)
}

func TestUnregisterOnlyOwnPorts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)

	require.ErrorIs(t, h.router.Unregister(ctx, c2.owner, a.ID), msgerr.ErrNotFound)
	_, err = h.router.Properties(a.ID)
	require.NoError(t, err)

	require.NoError(t, h.router.Unregister(ctx, c1.owner, a.ID))
	require.ErrorIs(t, h.router.Unregister(ctx, c1.owner, a.ID), msgerr.ErrNotFound)
	assert.Empty(t, c1.sink.Exported())
}

func TestPropertiesAndList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	tp, err := h.router.Register(ctx, c2.owner, "T", true)
	require.NoError(t, err)

	p, err := h.router.Properties(tp.ID)
	require.NoError(t, err)
	assert.Equal(t, "app2", p.AppID)
	assert.Equal(t, "T", p.Name)
	assert.True(t, p.Trusted)

	list := h.router.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, tp.ID, list[1].ID)
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	want := attribute.NewSet(attrs...)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if len(attrs) > 0 && !dp.Attributes.Equals(&want) {
					continue
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	h := newHarness(t, router.WithMeterProvider(mp))
	c1 := h.connect(t, "app1", true)
	c2 := h.connect(t, "app2", true)
	h.cmp.results[compareCall{"app1", "app2"}] = trust.Mismatch

	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	_, err = h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)
	tp, err := h.router.Register(ctx, c1.owner, "T", true)
	require.NoError(t, err)
	_, err = h.router.Register(ctx, c2.owner, "B", false)
	require.NoError(t, err)

	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: a.ID}, nil))
	require.NoError(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: a.ID}, nil))
	require.Error(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: tp.ID}, nil))
	require.Error(t, h.router.Send(ctx, c2.owner, 0, router.Target{ID: 999}, nil))

	h.close(t, c1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumValue(t, rm, "msgport.messages.delivered"))
	assert.Equal(t, int64(1), sumValue(t, rm, "msgport.messages.rejected", attribute.String("reason", "certificate_mismatch")))
	assert.Equal(t, int64(1), sumValue(t, rm, "msgport.messages.rejected", attribute.String("reason", "not_found")))
	assert.Equal(t, int64(1), sumValue(t, rm, "msgport.ports.live"))
}

func TestSendRecordsSpan(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	h := newHarness(t, router.WithTracerProvider(tp))
	c1 := h.connect(t, "app1", true)
	a, err := h.router.Register(ctx, c1.owner, "A", false)
	require.NoError(t, err)

	require.NoError(t, h.router.Send(ctx, c1.owner, 0, router.Target{ID: a.ID}, nil))
	require.Error(t, h.router.Send(ctx, c1.owner, 0, router.Target{ID: 42}, nil))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "router.Send", s.Name())
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestConcurrentSendsAndTeardown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	target := h.connect(t, "target", true)
	a, err := h.router.Register(ctx, target.owner, "A", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		c := h.connect(t, "sender", true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				err := h.router.Send(ctx, c.owner, 0, router.Target{ID: a.ID}, nil)
				if err != nil && !errors.Is(err, msgerr.ErrNotFound) && !errors.Is(err, msgerr.ErrIO) {
					panic(err)
				}
			}
		}()
	}
	h.close(t, target)
	wg.Wait()

	_, err = h.router.Properties(a.ID)
	require.ErrorIs(t, err, msgerr.ErrNotFound)
}
