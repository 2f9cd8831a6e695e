package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabbridge/internal/event"
	"tabbridge/internal/metrics"
	"tabbridge/internal/protocol"
)

const testToken = "secret"

type staticCatalog []json.RawMessage

func (c staticCatalog) Manifest() []json.RawMessage {
	return c
}

func newTestBridge(t *testing.T, opts Options) *Bridge {
	t.Helper()
	if opts.Token == "" {
		opts.Token = testToken
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Registry{}
	}
	b := New(opts)
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})
	return b
}

func admit(t *testing.T, b *Bridge, url string) (*Session, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	session, err := b.Admit(testToken, PeerInfo{URL: url}, transport)
	require.NoError(t, err)
	return session, transport
}

func reply(b *Bridge, session *Session, format string, args ...any) {
	b.HandleInbound(session, []byte(fmt.Sprintf(format, args...)))
}

type invokeResult struct {
	result json.RawMessage
	err    error
}

func invokeAsync(b *Bridge, target, operation string, timeout time.Duration) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		result, err := b.Invoke(context.Background(), target, operation, json.RawMessage(`{"q":1}`), timeout)
		out <- invokeResult{result: result, err: err}
	}()
	return out
}

func await(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for invoke")
	}
	return invokeResult{}
}

func TestAdmitSendsWelcomeThenManifestToEveryPeer(t *testing.T) {
	catalog := staticCatalog{json.RawMessage(`{"name":"click","selector_hint":"css"}`)}
	b := newTestBridge(t, Options{Catalog: catalog})

	first, firstTransport := admit(t, b, "https://a")
	_, secondTransport := admit(t, b, "https://b")

	messages := firstTransport.messages()
	require.GreaterOrEqual(t, len(messages), 2)
	assert.Equal(t, protocol.NewWelcome(first.ID()), messages[0])
	manifest, ok := messages[1].(protocol.ToolsManifest)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"click","selector_hint":"css"}`, string(manifest.Tools[0]))

	assert.Equal(t, 2, firstTransport.manifests(), "existing peer gets the manifest again on each admission")
	assert.Equal(t, 1, secondTransport.manifests())
}

func TestWelcomePrecedesCallsFromConcurrentLatestInvokes(t *testing.T) {
	b := newTestBridge(t, Options{})
	admit(t, b, "https://first")

	var callers sync.WaitGroup
	for i := 0; i < 8; i++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			for j := 0; j < 5; j++ {
				_, _ = b.Invoke(context.Background(), "latest", "op", nil, 10*time.Millisecond)
			}
		}()
	}

	var transports []*fakeTransport
	for i := 0; i < 20; i++ {
		session, transport := admit(t, b, fmt.Sprintf("https://tab/%d", i))
		require.NotEmpty(t, session.ID())
		transports = append(transports, transport)
	}
	callers.Wait()

	for _, transport := range transports {
		messages := transport.messages()
		require.NotEmpty(t, messages)
		_, ok := messages[0].(protocol.Welcome)
		assert.True(t, ok, "first message was %T", messages[0])
	}
}

func TestAdmitRejectsBadTokenWithoutSession(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})

	_, err := b.Admit("nope", PeerInfo{}, newFakeTransport())
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, 0, b.Registry().Len())
	assert.Equal(t, int64(0), registryMetrics.PeersConnected())
}

func TestInvokeReturnsPeerResult(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	pending := invokeAsync(b, "latest", "get_title", time.Second)
	call := transport.nextCall(t)
	assert.Equal(t, "get_title", call.Method)
	assert.JSONEq(t, `{"q":1}`, string(call.Params))
	assert.Len(t, call.ID, 36)

	reply(b, session, `{"id":%q,"result":{"title":"Example"}}`, call.ID)

	got := await(t, pending)
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"title":"Example"}`, string(got.result))
	assert.Equal(t, 0, session.PendingCalls())
}

func TestInvokePeerReportedError(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	pending := invokeAsync(b, session.ID(), "click", time.Second)
	call := transport.nextCall(t)
	reply(b, session, `{"id":%q,"error":"element not found"}`, call.ID)

	got := await(t, pending)
	require.ErrorIs(t, got.err, ErrPeerReported)
	var peerErr *PeerError
	require.ErrorAs(t, got.err, &peerErr)
	assert.Equal(t, "element not found", peerErr.Message)
	assert.Equal(t, session.ID(), peerErr.PeerID)
}

func TestInvokeNoTarget(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})

	_, err := b.Invoke(context.Background(), "latest", "click", nil, time.Second)
	require.ErrorIs(t, err, ErrNoTarget)

	admit(t, b, "https://a")
	_, err = b.Invoke(context.Background(), "ffffffff", "click", nil, time.Second)
	var noTarget *NoTargetError
	require.ErrorAs(t, err, &noTarget)
	assert.Equal(t, "ffffffff", noTarget.Selector)
	assert.Equal(t, int64(2), registryMetrics.CallCount(metrics.OutcomeNoTarget))
}

func TestConcurrentCallsResolveToTheirOwnCallers(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	const total = 20
	results := make([]<-chan invokeResult, total)
	for i := 0; i < total; i++ {
		results[i] = invokeAsync(b, "latest", fmt.Sprintf("op%d", i), 2*time.Second)
	}

	calls := make([]protocol.CallRequest, 0, total)
	ids := map[string]bool{}
	for i := 0; i < total; i++ {
		call := transport.nextCall(t)
		calls = append(calls, call)
		ids[call.ID] = true
	}
	assert.Len(t, ids, total, "every call gets a distinct id")

	rand.Shuffle(len(calls), func(i, j int) { calls[i], calls[j] = calls[j], calls[i] })
	for _, call := range calls {
		reply(b, session, `{"id":%q,"result":%q}`, call.ID, call.Method)
	}

	for i, ch := range results {
		got := await(t, ch)
		require.NoError(t, got.err)
		assert.Equal(t, fmt.Sprintf("%q", fmt.Sprintf("op%d", i)), string(got.result))
	}
}

func TestDisconnectFailsEveryPendingCall(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	const total = 5
	results := make([]<-chan invokeResult, total)
	for i := 0; i < total; i++ {
		results[i] = invokeAsync(b, session.ID(), "slow", 5*time.Second)
		transport.nextCall(t)
	}
	require.Equal(t, total, session.PendingCalls())

	failed := b.Disconnect(session, "closed")
	assert.Equal(t, total, failed)

	for _, ch := range results {
		got := await(t, ch)
		require.ErrorIs(t, got.err, ErrPeerDisconnected)
	}
	assert.Equal(t, 0, session.PendingCalls())
	_, ok := b.Registry().Get(session.ID())
	assert.False(t, ok)

	assert.Equal(t, 0, b.Disconnect(session, "closed"))
}

func TestTimedOutCallIgnoresLateResponse(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})
	session, transport := admit(t, b, "https://a")

	pending := invokeAsync(b, "latest", "slow_op", 50*time.Millisecond)
	call := transport.nextCall(t)

	got := await(t, pending)
	require.ErrorIs(t, got.err, ErrTimeout)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, got.err, &timeoutErr)
	assert.Equal(t, "slow_op", timeoutErr.Operation)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.After)
	assert.Equal(t, 0, session.PendingCalls())

	reply(b, session, `{"id":%q,"result":"late"}`, call.ID)
	assert.Equal(t, 0, session.PendingCalls())
	assert.Equal(t, int64(1), registryMetrics.CallCount(metrics.OutcomeTimeout))
}

func TestDuplicateResponseIsIgnored(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	pending := invokeAsync(b, "latest", "op", time.Second)
	call := transport.nextCall(t)
	reply(b, session, `{"id":%q,"result":1}`, call.ID)
	reply(b, session, `{"id":%q,"result":2}`, call.ID)

	got := await(t, pending)
	require.NoError(t, got.err)
	assert.Equal(t, "1", string(got.result))
}

func TestResponseFromOtherPeerIsIgnored(t *testing.T) {
	b := newTestBridge(t, Options{})
	first, firstTransport := admit(t, b, "https://a")
	second, _ := admit(t, b, "https://b")

	pending := invokeAsync(b, first.ID(), "op", 200*time.Millisecond)
	call := firstTransport.nextCall(t)
	reply(b, second, `{"id":%q,"result":"forged"}`, call.ID)

	got := await(t, pending)
	require.ErrorIs(t, got.err, ErrTimeout)
}

func TestInvokeSendFailureIsDisconnect(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")
	transport.sendErr = errors.New("use of closed network connection")

	_, err := b.Invoke(context.Background(), "latest", "op", nil, time.Second)
	require.ErrorIs(t, err, ErrPeerDisconnected)
	assert.NotErrorIs(t, err, ErrSendQueueFull)
	assert.Equal(t, 0, session.PendingCalls())
}

func TestInvokeFullQueueIsNotDisconnect(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})
	session, transport := admit(t, b, "https://a")
	transport.setFull(true)

	_, err := b.Invoke(context.Background(), "latest", "snapshot", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrSendQueueFull)
	assert.NotErrorIs(t, err, ErrPeerDisconnected)
	var queueFull *QueueFullError
	require.ErrorAs(t, err, &queueFull)
	assert.Equal(t, session.ID(), queueFull.PeerID)
	assert.Equal(t, "snapshot", queueFull.Operation)
	assert.Equal(t, 50*time.Millisecond, queueFull.After)

	assert.Equal(t, 0, session.PendingCalls())
	_, ok := b.Registry().Get(session.ID())
	assert.True(t, ok, "a busy peer stays connected")
	assert.Equal(t, int64(1), registryMetrics.CallCount(metrics.OutcomeQueueFull))
	assert.Equal(t, int64(0), registryMetrics.CallCount(metrics.OutcomeDisconnected))

	transport.setFull(false)
	pending := invokeAsync(b, "latest", "snapshot", time.Second)
	call := transport.nextCall(t)
	reply(b, session, `{"id":%q,"result":"ok"}`, call.ID)
	require.NoError(t, await(t, pending).err)
}

func TestInvokeCancelledWhileQueueFull(t *testing.T) {
	b := newTestBridge(t, Options{})
	_, transport := admit(t, b, "https://a")
	transport.setFull(true)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := b.Invoke(ctx, "latest", "op", nil, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSendQueueFull)
}

func TestInvokeContextCancel(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})
	session, transport := admit(t, b, "https://a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Invoke(ctx, "latest", "op", nil, 5*time.Second)
		done <- err
	}()
	transport.nextCall(t)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "invoke did not return after cancel")
	}
	assert.Equal(t, 0, session.PendingCalls())
	assert.Equal(t, int64(1), registryMetrics.CallCount(metrics.OutcomeCancelled))
}

func TestLatestTargetsMostRecentPeer(t *testing.T) {
	b := newTestBridge(t, Options{})
	first, firstTransport := admit(t, b, "https://a")
	second, secondTransport := admit(t, b, "https://b")

	pending := invokeAsync(b, "latest", "op", time.Second)
	call := secondTransport.nextCall(t)
	reply(b, second, `{"id":%q,"result":"b"}`, call.ID)
	require.NoError(t, await(t, pending).err)

	b.Disconnect(second, "closed")

	pending = invokeAsync(b, "latest", "op", time.Second)
	call = firstTransport.nextCall(t)
	reply(b, first, `{"id":%q,"result":"a"}`, call.ID)
	got := await(t, pending)
	require.NoError(t, got.err)
	assert.Equal(t, `"a"`, string(got.result))
}

func TestPeerLogsAreRateLimited(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics, PeerLogRate: 0.001, PeerLogBurst: 2})
	session, _ := admit(t, b, "https://a")

	for i := 0; i < 5; i++ {
		reply(b, session, `{"type":"LOG","message":"tick %d"}`, i)
	}
	out := new(bytes.Buffer)
	require.NoError(t, registryMetrics.WritePrometheus(out))
	assert.Contains(t, out.String(), "tabbridge_peer_logs_dropped_total 3")
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	registryMetrics := &metrics.Registry{}
	b := newTestBridge(t, Options{Metrics: registryMetrics})
	session, _ := admit(t, b, "https://a")

	reply(b, session, `garbage`)
	reply(b, session, `{"type":"HELLO"}`)
	reply(b, session, `{"id":"unknown","result":1}`)

	out := new(bytes.Buffer)
	require.NoError(t, registryMetrics.WritePrometheus(out))
	assert.Contains(t, out.String(), `tabbridge_inbound_dropped_total{reason="malformed"} 1`)
	assert.Contains(t, out.String(), `tabbridge_inbound_dropped_total{reason="unknown"} 1`)
	assert.Contains(t, out.String(), `tabbridge_inbound_dropped_total{reason="unmatched"} 1`)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	catalog := staticCatalog{json.RawMessage(`{"name":"a"}`)}
	b := newTestBridge(t, Options{Catalog: catalog})
	events, cancel := b.Events().Subscribe()
	defer cancel()

	session, _ := admit(t, b, "https://a")
	b.CatalogChanged("tools.json")
	b.Disconnect(session, "closed")

	var types []string
	for len(types) < 3 {
		select {
		case evt := <-events:
			types = append(types, evt.Type())
		case <-time.After(time.Second):
			require.FailNow(t, "timed out waiting for events", "got %v", types)
		}
	}
	assert.Equal(t, []string{event.TypePeerConnected, event.TypeCatalogUpdated, event.TypePeerDisconnected}, types)
}

func TestShutdownClosesPeersAndFailsCalls(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	pending := invokeAsync(b, session.ID(), "op", 5*time.Second)
	transport.nextCall(t)

	require.NoError(t, b.Shutdown(context.Background()))

	got := await(t, pending)
	require.ErrorIs(t, got.err, ErrPeerDisconnected)
	assert.True(t, transport.closed)
	assert.Equal(t, CloseGoingAway, transport.closeCode)
	assert.Equal(t, 0, b.Registry().Len())

	select {
	case <-b.Done():
	default:
		t.Fatal("expected done to be closed after shutdown")
	}

	_, err := b.Admit(testToken, PeerInfo{}, newFakeTransport())
	require.ErrorIs(t, err, ErrBridgeClosed)
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestConcurrentInvokeAndDisconnectLeavesNoSlots(t *testing.T) {
	b := newTestBridge(t, Options{})
	session, transport := admit(t, b, "https://a")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Invoke(context.Background(), session.ID(), "op", nil, 5*time.Second)
			assert.Error(t, err)
		}()
	}
	for i := 0; i < 10; i++ {
		transport.nextCall(t)
	}
	b.Disconnect(session, "closed")
	wg.Wait()
	assert.Equal(t, 0, session.PendingCalls())

	_, err := b.Invoke(context.Background(), session.ID(), "op", nil, time.Second)
	require.ErrorIs(t, err, ErrNoTarget)
}
