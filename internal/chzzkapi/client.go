package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL  = "https://api.chzzk.naver.com"
	DefaultGameBaseURL = "https://comm-api.game.naver.com/nng_main"
)

var (
	// ErrOffline is returned when the channel has no active chat room.
	ErrOffline = errors.New("chzzkapi: channel has no active chat room (stream offline?)")
	// ErrNotAuthenticated is returned when the credentials do not resolve to a user.
	ErrNotAuthenticated = errors.New("chzzkapi: credentials are not logged in")
)

var channelIDPattern = regexp.MustCompile(`[a-f0-9]{32}`)

// ResolveChannelID extracts the canonical 32 character hex channel id from a
// channel URL or raw id. Input without such a substring is returned trimmed.
func ResolveChannelID(input string) string {
	trimmed := strings.TrimSpace(input)
	if id := channelIDPattern.FindString(trimmed); id != "" {
		return id
	}
	return trimmed
}

// Credentials is an opaque bag of session cookies.
type Credentials map[string]string

// String never exposes cookie values.
func (c Credentials) String() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("Credentials%v", names)
}

func (c Credentials) apply(req *http.Request) {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(&http.Cookie{Name: name, Value: c[name]})
	}
}

// UpstreamError reports a non-2xx response from a lookup endpoint.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chzzkapi: %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("chzzkapi: %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client performs the read-only lookups needed to join a chat room. The zero
// value talks to the production endpoints.
type Client struct {
	HTTP        *http.Client
	APIBaseURL  string
	GameBaseURL string
	UserAgent   string
}

// NewClient creates a client backed by the provided HTTP client.
// If client is nil a default client with a sane timeout is used.
func NewClient(client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{HTTP: client}
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Content *T     `json:"content"`
}

type liveStatusContent struct {
	ChatChannelID *string `json:"chatChannelId"`
	Status        string  `json:"status"`
}

type channelContent struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
}

type accessTokenContent struct {
	AccessToken string `json:"accessToken"`
	ExtraToken  string `json:"extraToken"`
}

type userStatusContent struct {
	UserIDHash *string `json:"userIdHash"`
	LoggedIn   bool    `json:"loggedIn"`
}

// FetchLiveStatus resolves the chat room id of the channel's current broadcast.
func (c *Client) FetchLiveStatus(ctx context.Context, channelID string, creds Credentials) (string, error) {
	endpoint := c.apiBase() + "/polling/v2/channels/" + url.PathEscape(channelID) + "/live-status"
	var content liveStatusContent
	if err := c.getJSON(ctx, endpoint, creds, &content); err != nil {
		return "", err
	}
	if content.ChatChannelID == nil || strings.TrimSpace(*content.ChatChannelID) == "" {
		return "", ErrOffline
	}
	return *content.ChatChannelID, nil
}

// FetchChannelName looks up the public display name of a channel.
func (c *Client) FetchChannelName(ctx context.Context, channelID string) (string, error) {
	endpoint := c.apiBase() + "/service/v1/channels/" + url.PathEscape(channelID)
	var content channelContent
	if err := c.getJSON(ctx, endpoint, nil, &content); err != nil {
		return "", err
	}
	return content.ChannelName, nil
}

// FetchAccessToken issues the chat access and extra tokens for a chat room.
func (c *Client) FetchAccessToken(ctx context.Context, chatRoomID string, creds Credentials) (string, string, error) {
	q := url.Values{}
	q.Set("channelId", chatRoomID)
	q.Set("chatType", "STREAMING")
	endpoint := c.gameBase() + "/v1/chats/access-token?" + q.Encode()
	var content accessTokenContent
	if err := c.getJSON(ctx, endpoint, creds, &content); err != nil {
		return "", "", err
	}
	if content.AccessToken == "" {
		return "", "", errors.New("chzzkapi: empty accessToken")
	}
	return content.AccessToken, content.ExtraToken, nil
}

// FetchUserIDHash resolves the identity behind the credentials.
func (c *Client) FetchUserIDHash(ctx context.Context, creds Credentials) (string, error) {
	endpoint := c.gameBase() + "/v1/user/getUserStatus"
	var content userStatusContent
	if err := c.getJSON(ctx, endpoint, creds, &content); err != nil {
		return "", err
	}
	if content.UserIDHash == nil || *content.UserIDHash == "" {
		return "", ErrNotAuthenticated
	}
	return *content.UserIDHash, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, creds Credentials, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	// The API rejects requests carrying a default Go user agent.
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")
	creds.apply(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("chzzkapi: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &UpstreamError{Endpoint: redactQuery(endpoint), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chzzkapi: read response: %w", err)
	}

	wrapped := envelope[json.RawMessage]{}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return fmt.Errorf("chzzkapi: decode response: %w", err)
	}
	if wrapped.Code != 0 && wrapped.Code != http.StatusOK {
		return &UpstreamError{Endpoint: redactQuery(endpoint), StatusCode: wrapped.Code, Body: wrapped.Message}
	}
	if wrapped.Content == nil || string(*wrapped.Content) == "null" {
		return fmt.Errorf("chzzkapi: %s: empty content", redactQuery(endpoint))
	}
	if err := json.Unmarshal(*wrapped.Content, out); err != nil {
		return fmt.Errorf("chzzkapi: decode content: %w", err)
	}
	return nil
}

func (c *Client) apiBase() string {
	if c.APIBaseURL == "" {
		return DefaultAPIBaseURL
	}
	return strings.TrimSuffix(c.APIBaseURL, "/")
}

func (c *Client) gameBase() string {
	if c.GameBaseURL == "" {
		return DefaultGameBaseURL
	}
	return strings.TrimSuffix(c.GameBaseURL, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func redactQuery(endpoint string) string {
	if idx := strings.Index(endpoint, "?"); idx != -1 {
		return endpoint[:idx]
	}
	return endpoint
}

// StatusCode returns the HTTP status carried by an UpstreamError, or 0.
func StatusCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}
