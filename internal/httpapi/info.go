package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/chzzk-chat/internal/core"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version       string       `json:"version"`
	Revision      string       `json:"rev"`
	BuiltAt       string       `json:"built_at,omitempty"`
	Go            string       `json:"go"`
	Platform      string       `json:"platform"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	History       bool         `json:"history"`
	StreamClients int          `json:"stream_clients"`
	Session       *sessionInfo `json:"session,omitempty"`
}

type sessionInfo struct {
	State       core.State `json:"state"`
	ChannelID   string     `json:"channel_id,omitempty"`
	ChannelName string     `json:"channel_name,omitempty"`
	// Since is when the session last reported a status.
	Since string `json:"since,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:       s.opts.Build.Version,
		Revision:      s.opts.Build.Revision,
		Go:            runtime.Version(),
		Platform:      "chzzk",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		History:       s.store != nil,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	resp.StreamClients = len(s.clients)
	last := s.lastStatus
	s.mu.Unlock()

	if sess := s.opts.Session; sess != nil {
		info := &sessionInfo{
			State:       sess.State(),
			ChannelID:   sess.ChannelID(),
			ChannelName: sess.ChannelName(),
		}
		if last != nil {
			info.Since = last.At.UTC().Format(time.RFC3339)
		}
		resp.Session = info
	}
	writeJSON(w, resp)
}
