package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chzzk-chat/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing events.
type Order string

const (
	// OrderDesc returns events newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns events oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for event lookups.
type Filters struct {
	Kinds     []core.EventKind
	Nicknames []string
	UserIDs   []string
	Since     *time.Time
	Limit     int
	Order     Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	allowAll := false
	seenKinds := make(map[core.EventKind]struct{})
	for _, part := range splitValues(values["kind"]) {
		kind, ok := normalizeKind(part)
		if !ok {
			return Filters{}, errors.New("invalid kind filter")
		}
		if kind == "" {
			allowAll = true
			continue
		}
		if _, exists := seenKinds[kind]; !exists {
			f.Kinds = append(f.Kinds, kind)
			seenKinds[kind] = struct{}{}
		}
	}
	if allowAll {
		f.Kinds = nil
	}

	seen := make(map[string]struct{})
	for _, part := range splitValues(values["nickname"]) {
		lowered := strings.ToLower(part)
		if _, exists := seen[lowered]; !exists {
			f.Nicknames = append(f.Nicknames, lowered)
			seen[lowered] = struct{}{}
		}
	}

	for _, part := range splitValues(values["user"]) {
		f.UserIDs = append(f.UserIDs, part)
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizeKind(k string) (core.EventKind, bool) {
	switch strings.ToLower(k) {
	case "chat", "c":
		return core.KindChat, true
	case "donation", "donations", "d":
		return core.KindDonation, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// upstream stamps events in epoch milliseconds; accept both
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided event satisfies the filters.
func (f Filters) Matches(ev core.ChatEvent) bool {
	if len(f.Kinds) > 0 {
		match := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Nicknames) > 0 {
		nickname := strings.ToLower(ev.Nickname)
		match := false
		for _, n := range f.Nicknames {
			if strings.Contains(nickname, n) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.UserIDs) > 0 {
		match := false
		for _, u := range f.UserIDs {
			if ev.UserID == u {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && ev.Timestamp.Before(f.Since.UTC()) {
		return false
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
