package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchCookieFile reconnects the chat session whenever the cookie file's
// contents change, until ctx is done. The parent directory is watched so a
// save through rename and a file created after startup are both picked up.
func (h *Harvester) WatchCookieFile(ctx context.Context) error {
	if h.loader == nil {
		return nil
	}
	path := strings.TrimSpace(h.loader.Path())
	if path == "" {
		return nil
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	go h.watchLoop(ctx, w, target)
	return nil
}

func (h *Harvester) watchLoop(ctx context.Context, w *fsnotify.Watcher, target string) {
	defer w.Close()
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// writers often truncate first; wait for the burst to end
			settle = time.After(reloadDebounce)
		case <-settle:
			settle = nil
			if _, err := h.reloadIfChanged(); err != nil {
				slog.Warn("chzzk: cookie reload failed", "path", target, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("chzzk: cookie watch error", "path", target, "err", err)
		}
	}
}
