package harvester

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/you/chzzk-chat/internal/chzzkapi"
	"github.com/you/chzzk-chat/internal/credentials"
)

// ChatConn is the slice of a chat session the harvester drives.
type ChatConn interface {
	Reconnect(creds chzzkapi.Credentials) error
	ChannelName() string
}

type CookieLoader interface {
	Load() (chzzkapi.Credentials, bool, error)
	Path() string
}

type Harvester struct {
	loader CookieLoader
	inline chzzkapi.Credentials

	mu   sync.Mutex
	conn ChatConn
}

// New builds a harvester. inline cookies, when present, are merged under the
// ones read from the loader so a cookie file only needs to carry overrides.
func New(loader CookieLoader, inline chzzkapi.Credentials, conn ChatConn) *Harvester {
	return &Harvester{loader: loader, inline: maps.Clone(inline), conn: conn}
}

func (h *Harvester) SetChatConn(conn ChatConn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

// Credentials returns the cookies the session should start with. A missing
// cookie file is not an error; anonymous read-only chat still works.
func (h *Harvester) Credentials() chzzkapi.Credentials {
	creds := maps.Clone(h.inline)
	if creds == nil {
		creds = chzzkapi.Credentials{}
	}
	if h.loader == nil || strings.TrimSpace(h.loader.Path()) == "" {
		return creds
	}
	fromFile, _, err := h.loader.Load()
	if err != nil {
		slog.Warn("chzzk: cookie file unreadable, continuing", "path", h.loader.Path(), "err", err)
		return creds
	}
	maps.Copy(creds, fromFile)
	return creds
}

// ReloadCredentials rereads the cookie file and reconnects the session with
// the result, even when the file is unchanged. It returns the channel name the
// session is attached to.
func (h *Harvester) ReloadCredentials() (string, error) {
	name, _, err := h.reload(true)
	return name, err
}

// reloadIfChanged reconnects only when the cookie file differs from the last
// successful load.
func (h *Harvester) reloadIfChanged() (bool, error) {
	_, reconnected, err := h.reload(false)
	return reconnected, err
}

func (h *Harvester) reload(force bool) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return "", false, fmt.Errorf("chat session unavailable")
	}
	if h.loader == nil || strings.TrimSpace(h.loader.Path()) == "" {
		return "", false, fmt.Errorf("cookie file not configured")
	}
	fromFile, changed, err := h.loader.Load()
	if err != nil {
		return "", false, fmt.Errorf("read cookies: %w", err)
	}
	if !changed && !force {
		slog.Debug("chzzk: cookie file rewritten without changes", "path", h.loader.Path())
		return "", false, nil
	}
	creds := maps.Clone(h.inline)
	if creds == nil {
		creds = chzzkapi.Credentials{}
	}
	maps.Copy(creds, fromFile)
	if missing := credentials.Missing(creds); len(missing) > 0 {
		slog.Warn("chzzk: reloaded cookies incomplete", "missing", strings.Join(missing, ","))
	}
	if err := h.conn.Reconnect(creds); err != nil {
		return "", false, fmt.Errorf("reconnect: %w", err)
	}
	name := h.conn.ChannelName()
	slog.Info("chzzk: reloaded cookies and reconnected", "channel", name, "changed", changed, "cookies", creds.String())
	return name, true, nil
}
