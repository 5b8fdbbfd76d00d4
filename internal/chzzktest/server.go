// Package chzzktest runs an in-process stand-in for the Chzzk lookup API and
// chat WebSocket endpoint.
package chzzktest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chzzk-chat/internal/chzzkapi"
)

const (
	DefaultChannelID   = "0123456789abcdef0123456789abcdef"
	DefaultChannelName = "Test Channel"
	DefaultChatRoomID  = "room-1"
	DefaultUserIDHash  = "user-hash-1"
	DefaultAccessToken = "access-token-1"
)

// Endpoint names reported by Lookups.
const (
	LookupLiveStatus  = "live_status"
	LookupChannel     = "channel"
	LookupAccessToken = "access_token"
	LookupUserStatus  = "user_status"
)

// Frame is one frame received from a chat client.
type Frame struct {
	Conn int
	Cmd  int
	Raw  json.RawMessage
}

// Server fakes both REST hosts and the chat socket on one listener.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	channelID   string
	channelName string
	chatRoomID  string
	userIDHash  string
	accessToken string
	offline     bool
	rejectChat  bool
	omitSID     bool
	liveHook    func(call int)
	lookups     map[string]int
	frames      []Frame
	conns       []*Conn
	ready       chan *Conn
}

// NewServer starts a fake upstream with the default identifiers on a
// loopback port.
func NewServer() *Server {
	s := newServer()
	s.srv = httptest.NewServer(s.handler())
	return s
}

// NewServerOn is NewServer bound to addr, for running the fake by hand.
func NewServerOn(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := newServer()
	s.srv = httptest.NewUnstartedServer(s.handler())
	_ = s.srv.Listener.Close()
	s.srv.Listener = l
	s.srv.Start()
	return s, nil
}

func newServer() *Server {
	return &Server{
		channelID:   DefaultChannelID,
		channelName: DefaultChannelName,
		chatRoomID:  DefaultChatRoomID,
		userIDHash:  DefaultUserIDHash,
		accessToken: DefaultAccessToken,
		lookups:     make(map[string]int),
		ready:       make(chan *Conn, 16),
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/polling/v2/channels/", s.handleLiveStatus)
	mux.HandleFunc("/service/v1/channels/", s.handleChannel)
	mux.HandleFunc("/v1/chats/access-token", s.handleAccessToken)
	mux.HandleFunc("/v1/user/getUserStatus", s.handleUserStatus)
	mux.HandleFunc("/chat", s.handleChat)
	return mux
}

// Close shuts down the listener and every open chat connection.
func (s *Server) Close() {
	s.CloseConnections()
	s.srv.Close()
}

// URL is the base URL for both lookup hosts.
func (s *Server) URL() string { return s.srv.URL }

// ChatURL is the WebSocket URL of the chat endpoint.
func (s *Server) ChatURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/chat"
}

// Client returns a lookup client pointed at the fake.
func (s *Server) Client() *chzzkapi.Client {
	c := chzzkapi.NewClient(s.srv.Client())
	c.APIBaseURL = s.srv.URL
	c.GameBaseURL = s.srv.URL
	return c
}

func (s *Server) SetChatRoomID(id string) {
	s.mu.Lock()
	s.chatRoomID = id
	s.mu.Unlock()
}

// SetOffline makes the live-status lookup report no chat room.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// RejectChat makes the chat endpoint refuse WebSocket upgrades.
func (s *Server) RejectChat(reject bool) {
	s.mu.Lock()
	s.rejectChat = reject
	s.mu.Unlock()
}

// OmitSessionID makes the connect ack leave out the session id.
func (s *Server) OmitSessionID(omit bool) {
	s.mu.Lock()
	s.omitSID = omit
	s.mu.Unlock()
}

// OnLiveStatus installs a hook run before each live-status response. call
// counts from 1. The hook may block.
func (s *Server) OnLiveStatus(fn func(call int)) {
	s.mu.Lock()
	s.liveHook = fn
	s.mu.Unlock()
}

// Lookups returns how many times the named endpoint was hit.
func (s *Server) Lookups(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[endpoint]
}

// Frames returns a copy of every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// FramesWithCmd returns received frames carrying cmd.
func (s *Server) FramesWithCmd(cmd int) []Frame {
	var out []Frame
	for _, f := range s.Frames() {
		if f.Cmd == cmd {
			out = append(out, f)
		}
	}
	return out
}

// Connections returns how many chat sockets were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitReady blocks until the next client completes its handshake.
func (s *Server) WaitReady(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.ready:
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("chzzktest: wait for handshake: %w", ctx.Err())
	}
}

// Active returns the chat sockets that are still open.
func (s *Server) Active() []*Conn {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	out := conns[:0]
	for _, c := range conns {
		select {
		case <-c.closed:
		default:
			out = append(out, c)
		}
	}
	return out
}

// CloseConnections drops every open chat socket.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[endpoint]++
	return s.lookups[endpoint]
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/live-status") {
		http.NotFound(w, r)
		return
	}
	call := s.count(LookupLiveStatus)
	s.mu.Lock()
	hook := s.liveHook
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	var room any = s.chatRoomID
	if s.offline {
		room = nil
	}
	s.mu.Unlock()
	writeContent(w, map[string]any{"chatChannelId": room, "status": "OPEN"})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.count(LookupChannel)
	id := strings.TrimPrefix(r.URL.Path, "/service/v1/channels/")
	s.mu.Lock()
	known, name := s.channelID, s.channelName
	s.mu.Unlock()
	if id != known {
		writeEnvelope(w, http.StatusNotFound, nil)
		return
	}
	writeContent(w, map[string]any{"channelId": id, "channelName": name})
}

func (s *Server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	s.count(LookupAccessToken)
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()
	writeContent(w, map[string]any{"accessToken": token, "extraToken": "extra-token"})
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	s.count(LookupUserStatus)
	if _, err := r.Cookie("NID_AUT"); err != nil {
		writeContent(w, map[string]any{"loggedIn": false, "userIdHash": nil})
		return
	}
	s.mu.Lock()
	hash := s.userIDHash
	s.mu.Unlock()
	writeContent(w, map[string]any{"loggedIn": true, "userIdHash": hash})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectChat
	s.mu.Unlock()
	if reject {
		http.Error(w, "chat unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 20)

	s.mu.Lock()
	c := &Conn{index: len(s.conns), ws: ws, server: s, closed: make(chan struct{})}
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	defer c.Close()
	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		cmd := frameCmd(data)
		s.mu.Lock()
		s.frames = append(s.frames, Frame{Conn: c.index, Cmd: cmd, Raw: append(json.RawMessage(nil), data...)})
		s.mu.Unlock()

		switch cmd {
		case 100:
			c.sid = fmt.Sprintf("sid-%d", c.index+1)
			bdy := map[string]any{"sid": c.sid}
			s.mu.Lock()
			if s.omitSID {
				bdy = map[string]any{}
			}
			s.mu.Unlock()
			if err := c.Send(ctx, map[string]any{"cmd": 10100, "retCode": 0, "bdy": bdy}); err != nil {
				return
			}
		case 5101:
			if err := c.Send(ctx, map[string]any{"cmd": 15101, "retCode": 0, "bdy": map[string]any{"sid": c.sid, "messageList": []any{}}}); err != nil {
				return
			}
			select {
			case s.ready <- c:
			default:
			}
		}
	}
}

func frameCmd(data []byte) int {
	var f struct {
		Cmd int `json:"cmd"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return -1
	}
	return f.Cmd
}

func writeContent(w http.ResponseWriter, content any) {
	writeEnvelope(w, http.StatusOK, content)
}

func writeEnvelope(w http.ResponseWriter, code int, content any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": nil, "content": content})
}

// Conn is the server side of one chat socket.
type Conn struct {
	index  int
	sid    string
	ws     *websocket.Conn
	server *Server

	closeOnce sync.Once
	closed    chan struct{}
}

// Index is the zero-based accept order of the connection.
func (c *Conn) Index() int { return c.index }

// Send writes v as a JSON text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) SendPing(ctx context.Context) error {
	return c.Send(ctx, map[string]any{"ver": "2", "cmd": 0})
}

// SendChat pushes a chat frame carrying elements.
func (c *Conn) SendChat(ctx context.Context, elements ...any) error {
	return c.Send(ctx, map[string]any{"ver": "2", "cmd": 93101, "svcid": "game", "bdy": elements})
}

// SendDonation pushes a donation frame carrying elements.
func (c *Conn) SendDonation(ctx context.Context, elements ...any) error {
	return c.Send(ctx, map[string]any{"ver": "2", "cmd": 93102, "svcid": "game", "bdy": elements})
}

// Close drops the socket without a close handshake.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.CloseNow()
	})
}

// Closed is closed once the connection has been dropped by either side.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// WaitFrames polls until the server has received at least n frames with cmd.
func (s *Server) WaitFrames(ctx context.Context, cmd, n int) ([]Frame, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if frames := s.FramesWithCmd(cmd); len(frames) >= n {
			return frames, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chzzktest: wait for %d frames with cmd %d: %w", n, cmd, ctx.Err())
		case <-ticker.C:
		}
	}
}
