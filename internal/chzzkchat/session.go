package chzzkchat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/you/chzzk-chat/internal/chzzkapi"
	"github.com/you/chzzk-chat/internal/core"
)

const (
	DefaultChatURL          = "wss://kr-ss1.chat.naver.com/chat"
	DefaultEventBuffer      = 256
	DefaultDeliveryTimeout  = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	readLimit = 1 << 20
)

var (
	// ErrNotRunning is returned by Reconnect when no session is active.
	ErrNotRunning = errors.New("chzzkchat: session not running")
	// ErrEmptyChannel is returned by Connect for a blank channel identifier.
	ErrEmptyChannel = errors.New("chzzkchat: channel identifier is required")
)

// Resolver performs the lookups needed to join a chat room.
// *chzzkapi.Client satisfies it.
type Resolver interface {
	FetchLiveStatus(ctx context.Context, channelID string, creds chzzkapi.Credentials) (string, error)
	FetchChannelName(ctx context.Context, channelID string) (string, error)
	FetchAccessToken(ctx context.Context, chatRoomID string, creds chzzkapi.Credentials) (string, string, error)
	FetchUserIDHash(ctx context.Context, creds chzzkapi.Credentials) (string, error)
}

// Handlers receive session output. Both run on a single dispatcher goroutine,
// in the order the receive loop produced them.
type Handlers struct {
	OnEvent  func(core.ChatEvent)
	OnStatus func(core.Status)
}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	ChatURL string
	// HTTPClient is used for the WebSocket upgrade request.
	HTTPClient *http.Client
	// EventBuffer is the capacity of the delivery queue shared by events and
	// statuses.
	EventBuffer int
	// DeliveryTimeout bounds how long the receive loop waits on a full
	// delivery queue before dropping the item.
	DeliveryTimeout  time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
	VerboseDrops     bool
}

type delivery struct {
	event  *core.ChatEvent
	status *core.Status
}

// Session maintains one chat connection for one channel.
type Session struct {
	resolver Resolver
	opts     Options
	logger   *slog.Logger
	metrics  *Metrics

	// connectMu serializes Connect so at most one run owns a socket.
	connectMu sync.Mutex

	mu                 sync.Mutex
	state              core.State
	channelID          string
	channelName        string
	chatRoomID         string
	creds              chzzkapi.Credentials
	cancel             context.CancelFunc
	connCancel         context.CancelFunc
	reconnectRequested bool
	done               chan struct{}
	runDone            chan struct{}
}

// New creates an idle session.
func New(resolver Resolver, opts Options) *Session {
	if opts.ChatURL == "" {
		opts.ChatURL = DefaultChatURL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Session{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		state:    core.StateIdle,
		done:     done,
		runDone:  done,
	}
}

// Connect starts the session in the background and returns once the previous
// connection, if any, has been closed. Progress and failures are reported
// through h.OnStatus; the new handlers only start after the previous ones have
// seen their final status. Do not call Connect from inside a handler.
func (s *Session) Connect(ctx context.Context, identifier string, creds chzzkapi.Credentials, h Handlers) error {
	channelID := chzzkapi.ResolveChannelID(identifier)
	if channelID == "" {
		return ErrEmptyChannel
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	prevCancel, prevRun := s.cancel, s.runDone
	if prevCancel != nil && s.state != core.StateIdle {
		s.state = core.StateClosing
		s.metrics.setState(core.StateClosing)
	}
	s.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
		<-prevRun
	}

	s.mu.Lock()
	prevDone := s.done
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = core.StateConnecting
	s.channelID = channelID
	s.channelName = ""
	s.chatRoomID = ""
	s.creds = cloneCredentials(creds)
	s.reconnectRequested = false
	s.done = make(chan struct{})
	s.runDone = make(chan struct{})
	done, runDone := s.done, s.runDone
	s.mu.Unlock()
	s.metrics.setState(core.StateConnecting)

	out := make(chan delivery, s.opts.EventBuffer)
	go dispatch(out, h, prevDone, done)
	go s.run(runCtx, cancel, channelID, out, runDone)
	return nil
}

// Stop closes the connection and settles the session to idle. It does not
// wait; use Done for that. Safe to call from any goroutine, any number of
// times.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	if s.state != core.StateIdle {
		s.state = core.StateClosing
		s.metrics.setState(core.StateClosing)
	}
	s.cancel()
}

// Done is closed once the current run has finished and every queued event
// and status has been handed to the handlers.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reconnect replaces the credentials and, when connected, forces a fresh
// handshake. A nil creds keeps the current credentials.
func (s *Session) Reconnect(creds chzzkapi.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.StateIdle || s.state == core.StateClosing {
		return ErrNotRunning
	}
	if creds != nil {
		s.creds = cloneCredentials(creds)
	}
	if s.connCancel != nil {
		s.reconnectRequested = true
		s.connCancel()
	}
	return nil
}

func (s *Session) State() core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelName returns the resolved display name, or "" before resolution.
func (s *Session) ChannelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelName
}

func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func dispatch(in <-chan delivery, h Handlers, after <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	<-after
	for d := range in {
		switch {
		case d.event != nil && h.OnEvent != nil:
			h.OnEvent(*d.event)
		case d.status != nil && h.OnStatus != nil:
			h.OnStatus(*d.status)
		}
	}
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, channelID string, out chan<- delivery, runDone chan<- struct{}) {
	defer close(runDone)
	defer close(out)
	defer cancel()
	drops := newDropLogger(s.logger, time.Now(), s.opts.VerboseDrops, 0)
	defer drops.flush(time.Now())

	s.transition(out, core.StateConnecting, core.StatusConnecting, "connecting to "+channelID, nil, "")
	conn, connID, err := s.establish(ctx, channelID)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(out, connID)
			return
		}
		s.logger.Warn("chzzkchat: connect failed", "channel", channelID, "err", err)
		s.toIdle(out, core.StatusFailed, "connect failed: "+err.Error(), err, connID)
		return
	}

	text := "connected to "
	for {
		connCtx, detach := s.attach(ctx)
		s.transition(out, core.StateConnected, core.StatusConnected, text+s.displayName(), nil, connID)
		err := s.receive(connCtx, conn, channelID, out, drops)
		detach()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			s.finish(out, connID)
			return
		}

		reason := "transport"
		switch {
		case errors.Is(err, errRoomDrift):
			reason = "room_drift"
		case errors.Is(err, errReconnect):
			reason = "requested"
		}
		s.metrics.incReconnect(reason)
		s.logger.Info("chzzkchat: reconnecting", "channel", channelID, "conn_id", connID, "reason", reason, "err", err)
		s.transition(out, core.StateConnecting, core.StatusReconnecting, "reconnecting ("+reason+")", err, connID)

		conn, connID, err = s.establish(ctx, channelID)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(out, connID)
				return
			}
			s.logger.Warn("chzzkchat: reconnect failed", "channel", channelID, "err", err)
			s.toIdle(out, core.StatusReconnectFailed, "reconnect failed: "+err.Error(), err, connID)
			return
		}
		text = "reconnected to "
	}
}

// attach derives the context of one connection so Reconnect can interrupt the
// blocked read.
func (s *Session) attach(ctx context.Context) (context.Context, func()) {
	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.connCancel = cancel
	s.mu.Unlock()
	return connCtx, func() {
		s.mu.Lock()
		s.connCancel = nil
		s.mu.Unlock()
		cancel()
	}
}

// establish runs the resolve and handshake sequence and returns a connection
// ready for the receive loop.
func (s *Session) establish(ctx context.Context, channelID string) (*websocket.Conn, string, error) {
	connID := uuid.NewString()
	creds := s.credentials()

	if name, err := s.resolver.FetchChannelName(ctx, channelID); err != nil {
		if ctx.Err() != nil {
			return nil, connID, ctx.Err()
		}
		s.logger.Warn("chzzkchat: channel name lookup failed", "channel", channelID, "err", err)
	} else {
		s.mu.Lock()
		s.channelName = name
		s.mu.Unlock()
	}

	roomID, err := s.resolver.FetchLiveStatus(ctx, channelID, creds)
	if err != nil {
		return nil, connID, &ResolutionError{Step: "live_status", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, connID, err
	}
	accessToken, _, err := s.resolver.FetchAccessToken(ctx, roomID, creds)
	if err != nil {
		return nil, connID, &ResolutionError{Step: "access_token", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, connID, err
	}
	userIDHash, err := s.resolver.FetchUserIDHash(ctx, creds)
	if err != nil {
		return nil, connID, &ResolutionError{Step: "user_id_hash", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, connID, err
	}

	conn, sessionID, err := s.handshake(ctx, roomID, userIDHash, accessToken)
	if err != nil {
		return nil, connID, err
	}

	if err := ctx.Err(); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, connID, err
	}
	s.mu.Lock()
	s.chatRoomID = roomID
	s.mu.Unlock()

	s.logger.Info("chzzkchat: connected", "channel", channelID, "chat_room", roomID, "conn_id", connID, "sid", sessionID)
	return conn, connID, nil
}

func (s *Session) handshake(ctx context.Context, roomID, userIDHash, accessToken string) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.opts.ChatURL, &websocket.DialOptions{HTTPClient: s.opts.HTTPClient})
	if err != nil {
		return nil, "", &HandshakeError{Step: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	fail := func(step string, err error) (*websocket.Conn, string, error) {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", &HandshakeError{Step: step, Err: err}
	}

	connectFrame, err := EncodeConnect(roomID, userIDHash, accessToken)
	if err != nil {
		return fail("encode connect", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, connectFrame); err != nil {
		return fail("send connect", err)
	}
	sessionID, err := awaitFrame(dialCtx, conn, FrameConnectAck)
	if err != nil {
		return fail("connect ack", err)
	}
	if sessionID == "" {
		return fail("connect ack", errMissingSessionID)
	}

	historyFrame, err := EncodeRecentChatRequest(roomID, sessionID)
	if err != nil {
		return fail("encode recent chat", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, historyFrame); err != nil {
		return fail("send recent chat", err)
	}
	if _, err := awaitFrame(dialCtx, conn, FrameHistoryAck); err != nil {
		return fail("recent chat ack", err)
	}
	return conn, sessionID, nil
}

// awaitFrame reads until a frame of the wanted kind arrives, answering pings
// and skipping anything else.
func awaitFrame(ctx context.Context, conn *websocket.Conn, want FrameKind) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", err
		}
		frame, err := Decode(data)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case want:
			return frame.SessionID, nil
		case FramePing:
			if err := conn.Write(ctx, websocket.MessageText, EncodePong()); err != nil {
				return "", err
			}
		}
	}
}

func (s *Session) receive(connCtx context.Context, conn *websocket.Conn, channelID string, out chan<- delivery, drops *dropLogger) error {
	s.mu.Lock()
	roomID := s.chatRoomID
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if s.takeReconnectRequest() {
				return errReconnect
			}
			return &TransportError{Op: "read", Err: err}
		}

		frame, err := Decode(data)
		if err != nil {
			s.metrics.incDrop("bad_frame")
			drops.note(time.Now(), "bad_frame", FrameUnknown.String(), string(data))
			continue
		}
		s.metrics.incFrame(frame.Kind)

		switch frame.Kind {
		case FramePing:
			if err := conn.Write(connCtx, websocket.MessageText, EncodePong()); err != nil {
				if s.takeReconnectRequest() {
					return errReconnect
				}
				return &TransportError{Op: "write pong", Err: err}
			}
			if s.roomDrifted(connCtx, channelID, roomID) {
				return errRoomDrift
			}
		case FrameChat:
			s.deliverElements(frame, core.KindChat, channelID, out, drops)
		case FrameDonation:
			s.deliverElements(frame, core.KindDonation, channelID, out, drops)
		}
	}
}

// roomDrifted reports whether the channel's live broadcast moved to another
// chat room. A failed lookup keeps the current connection.
func (s *Session) roomDrifted(ctx context.Context, channelID, roomID string) bool {
	statusCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	current, err := s.resolver.FetchLiveStatus(statusCtx, channelID, s.credentials())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("chzzkchat: live status check failed", "channel", channelID, "err", err)
		}
		return false
	}
	if current != roomID {
		s.logger.Info("chzzkchat: chat room changed", "channel", channelID, "old", roomID, "new", current)
		return true
	}
	return false
}

func (s *Session) deliverElements(frame Frame, kind core.EventKind, channelID string, out chan<- delivery, drops *dropLogger) {
	elements, err := frame.Elements()
	if err != nil {
		s.metrics.incDrop("bad_frame")
		drops.note(time.Now(), "bad_frame", frame.Kind.String(), string(frame.Body))
		return
	}
	for _, raw := range elements {
		ev, err := ParseElement(raw, kind)
		if err != nil {
			reason := dropReason(err)
			s.metrics.incDrop(reason)
			drops.note(time.Now(), reason, frame.Kind.String(), string(raw))
			continue
		}
		ev.ChannelID = channelID
		s.metrics.incEvent(kind)
		s.deliver(out, delivery{event: &ev})
	}
}

// transition updates the state and queues the matching status. A pending
// Stop wins over any state other than idle.
func (s *Session) transition(out chan<- delivery, state core.State, tag core.StatusTag, text string, err error, connID string) {
	s.mu.Lock()
	if s.state == core.StateClosing && state != core.StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.metrics.setState(state)
	s.deliver(out, delivery{status: &core.Status{Tag: tag, State: state, Text: text, Err: err, ConnID: connID, At: time.Now().UTC()}})
}

func (s *Session) finish(out chan<- delivery, connID string) {
	s.logger.Info("chzzkchat: session stopped", "channel", s.ChannelID(), "conn_id", connID)
	s.toIdle(out, core.StatusDisconnected, "disconnected", nil, connID)
}

func (s *Session) toIdle(out chan<- delivery, tag core.StatusTag, text string, err error, connID string) {
	s.mu.Lock()
	s.state = core.StateIdle
	s.chatRoomID = ""
	s.connCancel = nil
	s.reconnectRequested = false
	s.mu.Unlock()
	s.metrics.setState(core.StateIdle)
	s.deliver(out, delivery{status: &core.Status{Tag: tag, State: core.StateIdle, Text: text, Err: err, ConnID: connID, At: time.Now().UTC()}})
}

// deliver queues an item for the dispatcher. An event is dropped when the
// queue stays full for DeliveryTimeout so the receive loop keeps answering
// pings. Statuses always wait for room.
func (s *Session) deliver(out chan<- delivery, d delivery) {
	if d.status != nil {
		out <- d
		return
	}
	select {
	case out <- d:
		return
	default:
	}
	timer := time.NewTimer(s.opts.DeliveryTimeout)
	defer timer.Stop()
	select {
	case out <- d:
	case <-timer.C:
		s.metrics.incDeliveryDrop()
		s.logger.Warn("chzzkchat: consumer too slow; dropped event", "timeout", s.opts.DeliveryTimeout)
	}
}

func (s *Session) credentials() chzzkapi.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Session) takeReconnectRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.reconnectRequested
	s.reconnectRequested = false
	return requested
}

func (s *Session) displayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelName != "" {
		return s.channelName
	}
	return s.channelID
}

func cloneCredentials(creds chzzkapi.Credentials) chzzkapi.Credentials {
	if creds == nil {
		return nil
	}
	out := make(chzzkapi.Credentials, len(creds))
	for k, v := range creds {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
