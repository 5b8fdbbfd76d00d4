package harvester

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/chzzk-chat/internal/chzzkapi"
	"github.com/you/chzzk-chat/internal/credentials"
)

type stubChatConn struct {
	mu    sync.Mutex
	creds []chzzkapi.Credentials
	err   error
}

func (s *stubChatConn) Reconnect(creds chzzkapi.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.creds = append(s.creds, creds)
	return nil
}

func (s *stubChatConn) ChannelName() string { return "Test Channel" }

func (s *stubChatConn) calls() []chzzkapi.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chzzkapi.Credentials(nil), s.creds...)
}

func writeCookies(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write cookies: %v", err)
	}
}

func TestReloadCredentialsReconnects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	writeCookies(t, path, `{"NID_AUT":"first","NID_SES":"ses"}`)

	stub := &stubChatConn{}
	har := New(credentials.NewFileLoader(path), chzzkapi.Credentials{"extra": "inline", "NID_AUT": "inline-aut"}, stub)

	start := har.Credentials()
	if start["NID_AUT"] != "first" || start["extra"] != "inline" {
		t.Fatalf("file cookies should override inline ones, got %v", start)
	}

	writeCookies(t, path, "NID_AUT=second; NID_SES=ses")
	name, err := har.ReloadCredentials()
	if err != nil {
		t.Fatalf("ReloadCredentials: %v", err)
	}
	if name != "Test Channel" {
		t.Fatalf("channel name = %q", name)
	}
	calls := stub.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one reconnect, got %d", len(calls))
	}
	if calls[0]["NID_AUT"] != "second" || calls[0]["extra"] != "inline" {
		t.Fatalf("unexpected reconnect cookies %v", calls[0])
	}
}

func TestReloadCredentialsErrors(t *testing.T) {
	if _, err := New(credentials.NewFileLoader("x"), nil, nil).ReloadCredentials(); err == nil {
		t.Fatalf("expected error without a session")
	}
	if _, err := New(credentials.NewFileLoader(""), nil, &stubChatConn{}).ReloadCredentials(); err == nil {
		t.Fatalf("expected error without a cookie file")
	}

	path := filepath.Join(t.TempDir(), "cookies.json")
	writeCookies(t, path, "NID_AUT=a")
	stub := &stubChatConn{err: errors.New("not running")}
	if _, err := New(credentials.NewFileLoader(path), nil, stub).ReloadCredentials(); err == nil {
		t.Fatalf("expected reconnect error to surface")
	}
}

func TestCredentialsWithoutFile(t *testing.T) {
	har := New(credentials.NewFileLoader(filepath.Join(t.TempDir(), "missing.json")), nil, nil)
	creds := har.Credentials()
	if creds == nil || len(creds) != 0 {
		t.Fatalf("expected empty non-nil credentials, got %v", creds)
	}
}

func waitForCalls(t *testing.T, stub *stubChatConn, n int) []chzzkapi.Credentials {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := stub.calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d reconnects, got %d", n, len(stub.calls()))
	return nil
}

func TestWatchCookieFileReloadsOnlyOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	writeCookies(t, path, "NID_AUT=a; NID_SES=b")

	stub := &stubChatConn{}
	har := New(credentials.NewFileLoader(path), nil, stub)
	har.Credentials()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := har.WatchCookieFile(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeCookies(t, path, "NID_AUT=a; NID_SES=b")
	time.Sleep(3 * reloadDebounce)
	if calls := stub.calls(); len(calls) != 0 {
		t.Fatalf("identical rewrite should not reconnect, got %v", calls)
	}

	writeCookies(t, path, "NID_AUT=rotated; NID_SES=b")
	calls := waitForCalls(t, stub, 1)
	if calls[0]["NID_AUT"] != "rotated" {
		t.Fatalf("unexpected cookies %v", calls[0])
	}
}

func TestWatchCookieFileFollowsRenameAndLateCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")

	stub := &stubChatConn{}
	har := New(credentials.NewFileLoader(path), nil, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := har.WatchCookieFile(ctx); err != nil {
		t.Fatalf("watch before the file exists: %v", err)
	}

	writeCookies(t, path, "NID_AUT=created; NID_SES=b")
	if calls := waitForCalls(t, stub, 1); calls[0]["NID_AUT"] != "created" {
		t.Fatalf("unexpected cookies %v", calls[0])
	}

	tmp := filepath.Join(dir, "cookies.json.tmp")
	writeCookies(t, tmp, "NID_AUT=renamed; NID_SES=b")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if calls := waitForCalls(t, stub, 2); calls[1]["NID_AUT"] != "renamed" {
		t.Fatalf("unexpected cookies %v", calls[1])
	}
}

func TestWatchCookieFileWithoutLoader(t *testing.T) {
	if err := New(nil, nil, &stubChatConn{}).WatchCookieFile(context.Background()); err != nil {
		t.Fatalf("expected nil error without a cookie file, got %v", err)
	}
	if err := New(credentials.NewFileLoader(""), nil, &stubChatConn{}).WatchCookieFile(context.Background()); err != nil {
		t.Fatalf("expected nil error with a blank path, got %v", err)
	}
}
