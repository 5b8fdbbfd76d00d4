package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/imagecache"
)

type Store interface {
	CountEvents(ctx context.Context, filters Filters) (int64, error)
	ListEvents(ctx context.Context, filters Filters) ([]core.ChatEvent, error)
}

// SessionInfo is the read side of a chat session.
type SessionInfo interface {
	State() core.State
	ChannelName() string
	ChannelID() string
}

type ImageResolver interface {
	Resolve(ctx context.Context, kind imagecache.Kind, url string) (imagecache.CachedImage, bool)
}

type Options struct {
	Addr           string
	Build          BuildInfo
	ConfigSnapshot map[string]any
	Session        SessionInfo
	Images         ImageResolver
	Registry       *prometheus.Registry
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	// TrustProxy keys rate limits by X-Forwarded-For / X-Real-IP.
	TrustProxy   bool
	StreamBuffer int
	AccessLog    bool
}

const (
	defaultStreamBuffer = 256
	streamPingInterval  = 20 * time.Second
	imageMaxAge         = 24 * time.Hour
)

type streamItem struct {
	name string
	data []byte
}

type streamClient struct {
	ch      chan streamItem
	filters Filters
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *clientLimiter
	cors       *corsPolicy
	started    time.Time

	mu         sync.Mutex
	clients    map[*streamClient]struct{}
	closed     bool
	lastStatus *core.Status
}

// New builds the API server. store may be nil when no sink is configured; the
// history endpoints then answer 503.
func New(store Store, opts Options) *Server {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	metrics := newMetrics(opts.Registry)
	srv := &Server{
		store:   store,
		opts:    opts,
		metrics: metrics,
		limiter: newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst, opts.TrustProxy, metrics),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*streamClient]struct{}),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/info", srv.handleInfo)
	mux.HandleFunc("/config", srv.handleConfig)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/count", srv.handleCount)
	mux.HandleFunc("/events", srv.handleEvents)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.HandleFunc("/images/", srv.handleImage)
	mux.Handle("/metrics", srv.metrics.Handler())
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           chain(mux, observe(metrics, opts.AccessLog), srv.cors.middleware, srv.limiter.middleware, compress),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the router so other components (admin endpoints) can mount
// handlers on the same listener.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) ReportDBWriteError() { s.metrics.IncDBWriteErrors() }

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/images/"):
		return "/images"
	case strings.HasPrefix(path, "/admin/"):
		return "/admin"
	}
	switch path {
	case "/healthz", "/info", "/config", "/status", "/count", "/events", "/stream", "/metrics":
		return path
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.opts.ConfigSnapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	writeJSON(w, snapshot)
}

type statusResponse struct {
	State       string      `json:"state"`
	ChannelID   string      `json:"channel_id,omitempty"`
	ChannelName string      `json:"channel_name,omitempty"`
	Last        *statusView `json:"last_status,omitempty"`
}

type statusView struct {
	Tag    string `json:"tag"`
	State  string `json:"state"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
	ConnID string `json:"conn_id,omitempty"`
	At     string `json:"at"`
}

func newStatusView(st core.Status) statusView {
	v := statusView{
		Tag:    string(st.Tag),
		State:  string(st.State),
		Text:   st.Text,
		ConnID: st.ConnID,
		At:     st.At.UTC().Format(time.RFC3339Nano),
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{State: string(core.StateIdle)}
	if s.opts.Session != nil {
		resp.State = string(s.opts.Session.State())
		resp.ChannelID = s.opts.Session.ChannelID()
		resp.ChannelName = s.opts.Session.ChannelName()
	}
	s.mu.Lock()
	if s.lastStatus != nil {
		v := newStatusView(*s.lastStatus)
		resp.Last = &v
	}
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountEvents(r.Context(), filters)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.store.ListEvents(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, s.view(ev))
	}
	writeJSON(w, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	client := &streamClient{
		ch:      make(chan streamItem, s.opts.StreamBuffer),
		filters: filters.CloneForStream(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[client] = struct{}{}
	last := s.lastStatus
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, ":ok\n\n")
	if last != nil {
		if data, err := json.Marshal(newStatusView(*last)); err == nil {
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case item, ok := <-client.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", item.name, item.data)
			flusher.Flush()
			if item.name == "chat" {
				s.metrics.IncEventsSent()
			}
		}
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	kind, ok := imagecache.ParseKind(strings.TrimPrefix(r.URL.Path, "/images/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "url must be an absolute http(s) url", http.StatusBadRequest)
		return
	}

	if s.opts.Images != nil {
		if img, ok := s.opts.Images.Resolve(r.Context(), kind, raw); ok {
			s.metrics.IncImageRequest(string(kind), "local")
			w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(imageMaxAge.Seconds())))
			http.ServeFile(w, r, img.Path)
			return
		}
	}
	s.metrics.IncImageRequest(string(kind), "redirect")
	http.Redirect(w, r, raw, http.StatusFound)
}

// Broadcast pushes ev to every stream client whose filters match. Slow
// clients lose events rather than stall the caller.
func (s *Server) Broadcast(ev core.ChatEvent) {
	data, err := json.Marshal(s.view(ev))
	if err != nil {
		return
	}
	item := streamItem{name: "chat", data: data}

	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		if !client.filters.Matches(ev) {
			continue
		}
		select {
		case client.ch <- item:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

// BroadcastStatus records st for /status and forwards it to stream clients.
func (s *Server) BroadcastStatus(st core.Status) {
	data, err := json.Marshal(newStatusView(st))
	if err != nil {
		return
	}
	item := streamItem{name: "status", data: data}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastStatus = &st
	for client := range s.clients {
		select {
		case client.ch <- item:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for client := range s.clients {
		close(client.ch)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
