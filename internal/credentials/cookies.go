package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/you/chzzk-chat/internal/chzzkapi"
)

var ErrEmptyCookies = errors.New("credentials: no cookies found")

// RequiredCookies are the Naver session cookies the chat endpoints need.
var RequiredCookies = []string{"NID_AUT", "NID_SES"}

type namedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Parse accepts a JSON object of name to value, a JSON array of
// {"name","value"} objects as exported by browser extensions, or a raw Cookie
// header ("NID_AUT=...; NID_SES=...").
func Parse(data []byte) (chzzkapi.Credentials, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrEmptyCookies
	}

	creds := chzzkapi.Credentials{}
	switch trimmed[0] {
	case '{':
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, fmt.Errorf("credentials: decode cookie object: %w", err)
		}
		for name, v := range m {
			if s, ok := v.(string); ok {
				setCookie(creds, name, s)
			}
		}
	case '[':
		var list []namedCookie
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("credentials: decode cookie list: %w", err)
		}
		for _, c := range list {
			setCookie(creds, c.Name, c.Value)
		}
	default:
		for _, part := range strings.Split(trimmed, ";") {
			name, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			setCookie(creds, name, value)
		}
	}

	if len(creds) == 0 {
		return nil, ErrEmptyCookies
	}
	return creds, nil
}

func setCookie(creds chzzkapi.Credentials, name, value string) {
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return
	}
	creds[name] = value
}

// Missing lists the required cookies absent from creds.
func Missing(creds chzzkapi.Credentials) []string {
	var out []string
	for _, name := range RequiredCookies {
		if strings.TrimSpace(creds[name]) == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FileLoader reads cookies from disk and remembers the last value so callers
// can tell whether a reload changed anything.
type FileLoader struct {
	path   string
	mu     sync.Mutex
	cached chzzkapi.Credentials
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

func (l *FileLoader) Path() string { return l.path }

// Load reads and parses the file. The boolean reports whether the cookies
// differ from the previous successful load.
func (l *FileLoader) Load() (chzzkapi.Credentials, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, false, err
	}
	creds, err := Parse(data)
	if err != nil {
		return nil, false, err
	}
	if maps.Equal(creds, l.cached) {
		return maps.Clone(l.cached), false, nil
	}
	l.cached = creds
	return maps.Clone(creds), true, nil
}

// SetCached pre-populates the cached value, e.g. with cookies supplied inline
// through the environment, so the first file load reports a change only when
// the file differs.
func (l *FileLoader) SetCached(creds chzzkapi.Credentials) {
	l.mu.Lock()
	l.cached = maps.Clone(creds)
	l.mu.Unlock()
}
