package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

var (
	serverAddr = &net.TCPAddr{IP: net.IPv4zero, Port: DefaultPort}
	clientAddr = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1)}
	dialAddr   = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: DefaultPort}
)

// pair wires a client and a server provider onto one private fabric so tests
// can use fixed logical addresses without touching the host network.
type pair struct {
	client *rdma.Provider
	server *rdma.Provider
}

func newPair(clientOpts ...rdma.SoftOption) pair {
	fabric := rdma.NewFabric()
	return pair{
		client: rdma.NewSoftProvider(append([]rdma.SoftOption{rdma.WithFabric(fabric)}, clientOpts...)...),
		server: rdma.NewSoftProvider(rdma.WithFabric(fabric)),
	}
}

func (p pair) assertNoLeaks(t *testing.T) {
	t.Helper()
	for name, prov := range map[string]*rdma.Provider{"client": p.client, "server": p.server} {
		stats, ok := prov.SoftStats()
		if !ok {
			t.Fatalf("%s provider is not soft", name)
		}
		if stats.Leaked() {
			t.Fatalf("%s provider leaked resources: %+v", name, stats)
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type serverResult struct {
	add   AddResult
	value uint32
	err   error
}

// serve accepts one connection and runs the responder for its mode.
func serve(ctx context.Context, t *testing.T, cfg Config) (*Listener, <-chan serverResult) {
	t.Helper()
	l, err := Listen(cfg, serverAddr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	out := make(chan serverResult, 1)
	go func() {
		r, err := l.Accept(ctx)
		if err != nil {
			out <- serverResult{err: err}
			return
		}
		var res serverResult
		switch cfg.Mode {
		case ModeRead:
			res.value, res.err = r.ServeRead(ctx)
		default:
			res.add, res.err = r.ServeAdd(ctx)
		}
		res.err = multierr.Append(res.err, r.Close())
		out <- res
	}()
	return l, out
}

func wait(t *testing.T, ch <-chan serverResult) serverResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not finish")
	}
	return serverResult{}
}

func TestSessionAdd(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{Provider: p.server, Mode: ModeAdd})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got := in.State(); got != StateEstablished {
		t.Fatalf("unexpected state %s", got)
	}
	if in.RemoteDescriptor().RKey == 0 {
		t.Fatalf("expected remote descriptor to carry an rkey")
	}
	sum, err := in.Add(ctx, 3, 4)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum != 7 {
		t.Fatalf("expected 7, got %d", sum)
	}
	st := in.Stats()
	if st.SendsPosted != 2 || st.RecvsPosted != 1 || st.CompletionsOK == 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.EventsReceived != 3 {
		t.Fatalf("expected three handshake events, got %d", st.EventsReceived)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if got := in.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", got)
	}

	res := wait(t, results)
	if res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	if res.add != (AddResult{A: 3, B: 4, Sum: 7}) {
		t.Fatalf("unexpected server result %+v", res.add)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	p.assertNoLeaks(t)
}

func TestSessionAddWraps(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{Provider: p.server})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sum, err := in.Add(ctx, 0xFFFFFFFF, 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum != 1 {
		t.Fatalf("expected wrapped sum 1, got %d", sum)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if res := wait(t, results); res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	_ = l.Close()
	p.assertNoLeaks(t)
}

func TestSessionWriteRead(t *testing.T) {
	for _, order := range []rdma.DescriptorOrder{rdma.OrderNetwork64, rdma.OrderLegacyHtonl} {
		t.Run(order.String(), func(t *testing.T) {
			ctx := testContext(t)
			p := newPair()
			l, results := serve(ctx, t, Config{Provider: p.server, Mode: ModeRead, Seed: 3072, DescriptorOrder: order})

			in, err := Dial(ctx, Config{Provider: p.client, DescriptorOrder: order}, clientAddr, dialAddr)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			got, err := in.WriteRead(ctx, ReadTestValue)
			if err != nil {
				t.Fatalf("WriteRead: %v", err)
			}
			if got != ReadTestValue {
				t.Fatalf("expected %d, got %d", ReadTestValue, got)
			}
			if err := in.Close(); err != nil {
				t.Fatalf("client Close: %v", err)
			}

			res := wait(t, results)
			if res.err != nil {
				t.Fatalf("server: %v", res.err)
			}
			if res.value != ReadTestValue {
				t.Fatalf("server observed %d, want %d", res.value, ReadTestValue)
			}
			_ = l.Close()
			p.assertNoLeaks(t)
		})
	}
}

func TestSessionWriteReadUnfenced(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{Provider: p.server, Mode: ModeRead, Seed: 3072})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	got, err := in.WriteReadUnfenced(ctx, ReadTestValue)
	if err != nil {
		t.Fatalf("WriteReadUnfenced: %v", err)
	}
	if got != ReadTestValue && got != 3072 {
		t.Fatalf("read returned neither the seed nor the written value: %d", got)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if res := wait(t, results); res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	_ = l.Close()
	p.assertNoLeaks(t)
}

func TestSessionRemoteAccessError(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{
		Provider: p.server,
		Mode:     ModeRead,
		Access:   rdma.AccessLocalWrite | rdma.AccessRemoteRead,
	})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, err = in.WriteRead(ctx, ReadTestValue)
	var cerr *rdma.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected completion error, got %v", err)
	}
	if cerr.Status != rdma.WCRemoteAccessErr {
		t.Fatalf("expected remote access error, got %s", cerr.Status)
	}
	if got := in.State(); got != StateError {
		t.Fatalf("expected error state, got %s", got)
	}
	if _, err := in.WriteRead(ctx, ReadTestValue); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after failure, got %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close after failure: %v", err)
	}

	wait(t, results)
	_ = l.Close()
	p.assertNoLeaks(t)
}

func TestSessionAddRemoteAccessError(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{Provider: p.server, Mode: ModeAdd, Access: rdma.AccessLocalWrite})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// The failed write flushes the send and the receive behind it, so all
	// three completions must fit the queue.
	_, err = in.Add(ctx, 3, 4)
	var cerr *rdma.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected completion error, got %v", err)
	}
	if cerr.Status != rdma.WCRemoteAccessErr {
		t.Fatalf("expected remote access error, got %s", cerr.Status)
	}
	if got := in.State(); got != StateError {
		t.Fatalf("expected error state, got %s", got)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close after failure: %v", err)
	}

	wait(t, results)
	_ = l.Close()
	p.assertNoLeaks(t)
}

func TestSessionOutOfSequenceEvent(t *testing.T) {
	ctx := testContext(t)
	p := newPair(rdma.WithEventFilter(func(typ rdma.EventType) rdma.EventType {
		if typ == rdma.EventEstablished {
			return rdma.EventDisconnected
		}
		return typ
	}))
	l, results := serve(ctx, t, Config{Provider: p.server})

	_, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	var uerr *UnexpectedEventError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected unexpected event error, got %v", err)
	}
	if uerr.Want != rdma.EventEstablished || uerr.Got != rdma.EventDisconnected {
		t.Fatalf("unexpected error contents: %+v", uerr)
	}
	if !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("expected errors.Is ErrUnexpectedEvent")
	}

	if res := wait(t, results); res.err == nil {
		t.Fatalf("expected server to fail after the client tore down")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	p.assertNoLeaks(t)
}

func TestSessionRouteSkipped(t *testing.T) {
	ctx := testContext(t)
	p := newPair(rdma.WithEventFilter(func(typ rdma.EventType) rdma.EventType {
		if typ == rdma.EventAddrResolved {
			return rdma.EventRouteResolved
		}
		return typ
	}))

	_, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	var uerr *UnexpectedEventError
	if !errors.As(err, &uerr) || uerr.Got != rdma.EventRouteResolved {
		t.Fatalf("expected ROUTE_RESOLVED to be rejected, got %v", err)
	}
	p.assertNoLeaks(t)
}

func TestSessionRejectedWhenSetupFails(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	// A receive capacity of zero makes queue pair creation fail on the server.
	l, results := serve(ctx, t, Config{Provider: p.server, Cap: rdma.QPCap{MaxSendWR: 1}})

	_, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	var uerr *UnexpectedEventError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected unexpected event error, got %v", err)
	}
	if uerr.Got != rdma.EventRejected {
		t.Fatalf("expected REJECTED, got %s", uerr.Got)
	}

	res := wait(t, results)
	if res.err == nil {
		t.Fatalf("expected server setup failure")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	p.assertNoLeaks(t)
}

func TestSessionUnreachable(t *testing.T) {
	ctx := testContext(t)
	p := newPair()

	_, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	var uerr *UnexpectedEventError
	if !errors.As(err, &uerr) || uerr.Got != rdma.EventUnreachable {
		t.Fatalf("expected UNREACHABLE without a listener, got %v", err)
	}
	p.assertNoLeaks(t)
}

func TestSessionDuplicateWorkRequest(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	l, results := serve(ctx, t, Config{Provider: p.server, Mode: ModeRead})

	in, err := Dial(ctx, Config{Provider: p.client}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if in.Registry().Region().Size() != initiatorSlots*slotSize {
		t.Fatalf("unexpected region size %d", in.Registry().Region().Size())
	}
	if in.Registry().Device() == nil || in.Poller() == nil {
		t.Fatalf("expected device and poller after dial")
	}
	exec := in.Executor()
	if err := exec.PostRecv(9, 0, slotSize); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}
	if err := exec.PostRecv(9, slotSize, slotSize); !errors.Is(err, ErrDuplicateWorkRequest) {
		t.Fatalf("expected ErrDuplicateWorkRequest, got %v", err)
	}
	if got := exec.Outstanding(); got != 1 {
		t.Fatalf("expected one outstanding request, got %d", got)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	wait(t, results)
	_ = l.Close()
	p.assertNoLeaks(t)
}

func TestSessionStructuredLoggingAndTracing(t *testing.T) {
	ctx := testContext(t)
	p := newPair()
	serverLogger, serverLogs := newObservedLogger()
	l, results := serve(ctx, t, Config{Provider: p.server, StructuredLogger: serverLogger})

	clientLogger, clientLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	in, err := Dial(ctx, Config{
		Provider:         p.client,
		StructuredLogger: clientLogger,
		Tracer:           NewOTelTracer(tp.Tracer("session-test")),
		SessionID:        "client-1",
	}, clientAddr, dialAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := in.Add(ctx, 1, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res := wait(t, results); res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	_ = l.Close()

	for _, event := range []string{"cm_event", "remote_descriptor", "post", "completion", "teardown"} {
		if !waitForLogEvent(clientLogs, event, time.Second) {
			t.Fatalf("expected client log event %q", event)
		}
	}
	for _, event := range []string{"listen", "accept", "add"} {
		if !waitForLogEvent(serverLogs, event, time.Second) {
			t.Fatalf("expected server log event %q", event)
		}
	}
	for _, entry := range clientLogs.All() {
		if id, _ := entry.ContextMap()["session_id"].(string); id != "client-1" {
			t.Fatalf("log entry without session id: %v", entry.ContextMap())
		}
	}
	if !spanHasEvent(recorder, "remote_descriptor") {
		t.Fatalf("expected span event for remote descriptor")
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, args ...any) {
	r.lines = append(r.lines, format)
}

func TestSessionPlainLoggerFallback(t *testing.T) {
	logger := &recordingLogger{}
	cfg := Config{Logger: logger}
	cfg.applyDefaults(RoleInitiator)
	tel := newTelemetry(&cfg, RoleInitiator)
	tel.event("state", logKV("state", "init"))
	if len(logger.lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(logger.lines))
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries := logs.All()
		for _, entry := range entries {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != spanName {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}
