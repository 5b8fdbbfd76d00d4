package chzzkchat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/chzzk-chat/internal/chzzkapi"
	"github.com/you/chzzk-chat/internal/chzzktest"
	"github.com/you/chzzk-chat/internal/core"
)

const waitTimeout = 5 * time.Second

var testCreds = chzzkapi.Credentials{"NID_AUT": "aut", "NID_SES": "ses"}

type recorder struct {
	events   chan core.ChatEvent
	statuses chan core.Status
}

func newRecorder() *recorder {
	return &recorder{
		events:   make(chan core.ChatEvent, 128),
		statuses: make(chan core.Status, 128),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent:  func(ev core.ChatEvent) { r.events <- ev },
		OnStatus: func(st core.Status) { r.statuses <- st },
	}
}

func (r *recorder) waitStatus(t *testing.T, tag core.StatusTag) core.Status {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case st := <-r.statuses:
			if st.Tag == tag {
				return st
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for status %q", tag)
		}
	}
}

func (r *recorder) nextStatus(t *testing.T) core.Status {
	t.Helper()
	select {
	case st := <-r.statuses:
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a status")
	}
	return core.Status{}
}

func (r *recorder) nextEvent(t *testing.T) core.ChatEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
	}
	return core.ChatEvent{}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}
}

func startSession(t *testing.T, srv *chzzktest.Server, resolver Resolver) (*Session, *recorder, *chzzktest.Conn) {
	t.Helper()
	if resolver == nil {
		resolver = srv.Client()
	}
	s := New(resolver, Options{ChatURL: srv.ChatURL(), HandshakeTimeout: 2 * time.Second})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), "https://chzzk.naver.com/live/"+chzzktest.DefaultChannelID, testCreds, rec.handlers()))
	t.Cleanup(func() {
		s.Stop()
		<-s.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, err := srv.WaitReady(ctx)
	require.NoError(t, err)
	rec.waitStatus(t, core.StatusConnected)
	return s, rec, conn
}

func element(uid, nickname, msg string) map[string]any {
	return chzzktest.Element(uid, chzzktest.Profile{Nickname: nickname}, msg, 1700000000000, nil)
}

func TestSessionHandshake(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s, _, _ := startSession(t, srv, nil)
	assert.Equal(t, core.StateConnected, s.State())
	assert.Equal(t, chzzktest.DefaultChannelID, s.ChannelID())
	assert.Equal(t, chzzktest.DefaultChannelName, s.ChannelName())

	connects := srv.FramesWithCmd(CmdConnect)
	require.Len(t, connects, 1)
	var connect struct {
		Cid string `json:"cid"`
		Bdy struct {
			UID    string `json:"uid"`
			AccTkn string `json:"accTkn"`
		} `json:"bdy"`
	}
	require.NoError(t, json.Unmarshal(connects[0].Raw, &connect))
	assert.Equal(t, chzzktest.DefaultChatRoomID, connect.Cid)
	assert.Equal(t, chzzktest.DefaultUserIDHash, connect.Bdy.UID)
	assert.Equal(t, chzzktest.DefaultAccessToken, connect.Bdy.AccTkn)

	history := srv.FramesWithCmd(CmdRequestRecentChat)
	require.Len(t, history, 1)
	var req struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal(history[0].Raw, &req))
	assert.Equal(t, "sid-1", req.Sid)
}

func TestSessionStatusSequence(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL()})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, rec.handlers()))

	first := rec.nextStatus(t)
	assert.Equal(t, core.StatusConnecting, first.Tag)
	assert.Equal(t, core.StateConnecting, first.State)
	second := rec.nextStatus(t)
	assert.Equal(t, core.StatusConnected, second.Tag)
	assert.Equal(t, core.StateConnected, second.State)
	assert.NotEmpty(t, second.ConnID)

	s.Stop()
	waitDone(t, s)
	last := rec.nextStatus(t)
	assert.Equal(t, core.StatusDisconnected, last.Tag)
	assert.Equal(t, core.StateIdle, s.State())

	s.Stop()
}

func TestSessionDeliversEventsInOrder(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	_, rec, conn := startSession(t, srv, nil)
	ctx := context.Background()

	require.NoError(t, conn.Send(ctx, map[string]any{"cmd": 94008, "bdy": map[string]any{"x": 1}}))
	require.NoError(t, conn.SendChat(ctx,
		element("u1", "first", "one"),
		map[string]any{"uid": "u2", "profile": "{broken", "msg": "dropped", "msgTime": 1700000000000},
		element("u3", "third", "three"),
	))
	require.NoError(t, conn.SendDonation(ctx, chzzktest.Element("anonymous", chzzktest.Profile{}, "gift", 1700000000001, nil)))

	ev := rec.nextEvent(t)
	assert.Equal(t, "one", ev.Message)
	assert.Equal(t, core.KindChat, ev.Kind)
	assert.Equal(t, chzzktest.DefaultChannelID, ev.ChannelID)
	ev = rec.nextEvent(t)
	assert.Equal(t, "three", ev.Message)
	ev = rec.nextEvent(t)
	assert.Equal(t, core.KindDonation, ev.Kind)
	assert.Equal(t, core.AnonymousNickname, ev.Nickname)

	select {
	case extra := <-rec.events:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionPingRepliesPongWithoutReconnect(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	_, _, conn := startSession(t, srv, nil)
	lookupsBefore := srv.Lookups(chzzktest.LookupLiveStatus)

	require.NoError(t, conn.SendPing(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := srv.WaitFrames(ctx, CmdPong, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.Lookups(chzzktest.LookupLiveStatus) == lookupsBefore+1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Connections())
}

func TestSessionReconnectsOnceOnRoomDrift(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := New(srv.Client(), Options{ChatURL: srv.ChatURL(), Metrics: metrics})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, rec.handlers()))
	defer func() {
		s.Stop()
		<-s.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	first, err := srv.WaitReady(ctx)
	require.NoError(t, err)
	rec.waitStatus(t, core.StatusConnected)

	srv.SetChatRoomID("room-2")
	require.NoError(t, first.SendPing(ctx))

	reconnecting := rec.waitStatus(t, core.StatusReconnecting)
	assert.ErrorIs(t, reconnecting.Err, errRoomDrift)
	second, err := srv.WaitReady(ctx)
	require.NoError(t, err)
	rec.waitStatus(t, core.StatusConnected)

	connects := srv.FramesWithCmd(CmdConnect)
	require.Len(t, connects, 2)
	assert.Contains(t, string(connects[1].Raw), `"cid":"room-2"`)
	assert.Len(t, srv.FramesWithCmd(CmdRequestRecentChat), 2)

	// steady again: a ping on the new room must not reconnect
	require.NoError(t, second.SendPing(ctx))
	_, err = srv.WaitFrames(ctx, CmdPong, 2)
	require.NoError(t, err)
	require.NoError(t, second.SendChat(ctx, element("u1", "n", "after drift")))
	assert.Equal(t, "after drift", rec.nextEvent(t).Message)

	assert.Equal(t, 2, srv.Connections())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconnects.WithLabelValues("room_drift")))
	assert.Equal(t, core.StateConnected, s.State())
}

func TestSessionReconnectFailedSettlesIdle(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s, rec, _ := startSession(t, srv, nil)

	srv.RejectChat(true)
	srv.CloseConnections()

	rec.waitStatus(t, core.StatusReconnecting)
	failed := rec.waitStatus(t, core.StatusReconnectFailed)
	var he *HandshakeError
	assert.True(t, errors.As(failed.Err, &he), "want HandshakeError, got %v", failed.Err)
	assert.Equal(t, core.StateIdle, failed.State)

	waitDone(t, s)
	assert.Equal(t, core.StateIdle, s.State())
	assert.Equal(t, 1, srv.Connections())
}

func TestSessionInitialFailureIsTerminal(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)
	srv.SetOffline(true)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL()})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, rec.handlers()))

	failed := rec.waitStatus(t, core.StatusFailed)
	var re *ResolutionError
	require.True(t, errors.As(failed.Err, &re))
	assert.Equal(t, "live_status", re.Step)
	assert.ErrorIs(t, failed.Err, chzzkapi.ErrOffline)

	waitDone(t, s)
	assert.Equal(t, core.StateIdle, s.State())
	assert.Zero(t, srv.Connections())
	assert.Zero(t, srv.Lookups(chzzktest.LookupAccessToken))
}

type gatedResolver struct {
	Resolver
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

// FetchLiveStatus ignores ctx to model a resolver that cannot be interrupted.
func (g *gatedResolver) FetchLiveStatus(_ context.Context, channelID string, creds chzzkapi.Credentials) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Resolver.FetchLiveStatus(context.Background(), channelID, creds)
}

func TestSessionStopWhileResolving(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	gate := &gatedResolver{Resolver: srv.Client(), entered: make(chan struct{}), release: make(chan struct{})}
	s := New(gate, Options{ChatURL: srv.ChatURL()})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, rec.handlers()))

	select {
	case <-gate.entered:
	case <-time.After(waitTimeout):
		t.Fatal("resolver never called")
	}

	s.Stop()
	assert.Equal(t, core.StateClosing, s.State())
	select {
	case <-s.Done():
		t.Fatal("session finished before the resolver returned")
	default:
	}

	close(gate.release)
	waitDone(t, s)

	assert.Equal(t, core.StateIdle, s.State())
	assert.Zero(t, srv.Connections())
	assert.Zero(t, srv.Lookups(chzzktest.LookupAccessToken))
	rec.waitStatus(t, core.StatusDisconnected)
}

func TestSessionReconnectWithNewCredentials(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s, rec, _ := startSession(t, srv, nil)
	require.NoError(t, s.Reconnect(chzzkapi.Credentials{"NID_AUT": "fresh", "NID_SES": "fresh"}))

	st := rec.waitStatus(t, core.StatusReconnecting)
	assert.ErrorIs(t, st.Err, errReconnect)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := srv.WaitReady(ctx)
	require.NoError(t, err)
	rec.waitStatus(t, core.StatusConnected)
	assert.Equal(t, 2, srv.Connections())
}

func TestSessionRejectsBadConnect(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL()})
	assert.ErrorIs(t, s.Connect(context.Background(), "   ", testCreds, Handlers{}), ErrEmptyChannel)
	assert.ErrorIs(t, s.Reconnect(nil), ErrNotRunning)
}

func TestSessionConnectTwiceKeepsOneSocket(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL()})
	first, second := newRecorder(), newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, first.handlers()))
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, second.handlers()))

	first.waitStatus(t, core.StatusDisconnected)
	second.waitStatus(t, core.StatusConnected)
	require.Eventually(t, func() bool { return len(srv.Active()) == 1 }, waitTimeout, 10*time.Millisecond)

	s.Stop()
	waitDone(t, s)
	require.Eventually(t, func() bool { return len(srv.Active()) == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, core.StateIdle, s.State())
}

func TestSessionConnectWhileConnectedReplacesConnection(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL()})
	first := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, first.handlers()))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	old, err := srv.WaitReady(ctx)
	require.NoError(t, err)
	first.waitStatus(t, core.StatusConnected)

	second := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, second.handlers()))
	t.Cleanup(func() {
		s.Stop()
		<-s.Done()
	})

	select {
	case <-old.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("previous socket still open")
	}
	first.waitStatus(t, core.StatusDisconnected)
	_, err = srv.WaitReady(ctx)
	require.NoError(t, err)
	second.waitStatus(t, core.StatusConnected)

	assert.Equal(t, 2, srv.Connections())
	assert.Len(t, srv.Active(), 1)
	assert.Equal(t, core.StateConnected, s.State())
}

func TestSessionConnectAckWithoutSIDFails(t *testing.T) {
	srv := chzzktest.NewServer()
	t.Cleanup(srv.Close)
	srv.OmitSessionID(true)

	s := New(srv.Client(), Options{ChatURL: srv.ChatURL(), HandshakeTimeout: 2 * time.Second})
	rec := newRecorder()
	require.NoError(t, s.Connect(context.Background(), chzzktest.DefaultChannelID, testCreds, rec.handlers()))

	failed := rec.waitStatus(t, core.StatusFailed)
	var he *HandshakeError
	require.True(t, errors.As(failed.Err, &he), "want HandshakeError, got %v", failed.Err)
	assert.Equal(t, "connect ack", he.Step)
	assert.ErrorIs(t, failed.Err, errMissingSessionID)

	waitDone(t, s)
	assert.Empty(t, srv.FramesWithCmd(CmdRequestRecentChat))
}

func TestDeliverDropsAfterTimeout(t *testing.T) {
	metrics := NewMetrics(nil)
	s := New(nil, Options{DeliveryTimeout: 10 * time.Millisecond, Metrics: metrics})
	out := make(chan delivery, 1)

	s.deliver(out, delivery{event: &core.ChatEvent{Message: "kept"}})
	start := time.Now()
	s.deliver(out, delivery{event: &core.ChatEvent{Message: "dropped"}})
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.deliveryDrops))
	d := <-out
	assert.Equal(t, "kept", d.event.Message)
}

func TestDeliverWaitsForStatusRoom(t *testing.T) {
	s := New(nil, Options{DeliveryTimeout: 10 * time.Millisecond, Metrics: NewMetrics(nil)})
	out := make(chan delivery, 1)
	s.deliver(out, delivery{event: &core.ChatEvent{Message: "queued"}})

	sent := make(chan struct{})
	go func() {
		s.deliver(out, delivery{status: &core.Status{Tag: core.StatusReconnectFailed}})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("status delivery returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "queued", (<-out).event.Message)
	select {
	case <-sent:
	case <-time.After(waitTimeout):
		t.Fatal("status delivery never completed")
	}
	d := <-out
	require.NotNil(t, d.status)
	assert.Equal(t, core.StatusReconnectFailed, d.status.Tag)
	assert.Zero(t, testutil.ToFloat64(s.metrics.deliveryDrops))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics(reg)
	b := NewMetrics(reg)
	a.incReconnect("transport")
	b.incReconnect("transport")
	assert.Equal(t, float64(2), testutil.ToFloat64(a.reconnects.WithLabelValues("transport")))
}
