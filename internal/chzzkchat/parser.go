package chzzkchat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/you/chzzk-chat/internal/core"
)

// ParseElement normalizes one element of a chat or donation frame body.
//
// A missing or corrupt profile drops the element, while a corrupt extras field
// only loses the emoji map and OS tag. Anonymous donors skip the profile
// entirely and get the fixed placeholder nickname.
func ParseElement(raw json.RawMessage, kind core.EventKind) (core.ChatEvent, error) {
	var element map[string]any
	if err := json.Unmarshal(raw, &element); err != nil || element == nil {
		return core.ChatEvent{}, &ParseError{Err: ErrMalformedElement}
	}

	ev := core.ChatEvent{
		Kind:   kind,
		UserID: stringField(element, "uid"),
	}

	if ev.UserID == core.AnonymousUserID {
		ev.Nickname = core.AnonymousNickname
	} else {
		profile, err := profileField(element)
		if err != nil {
			return core.ChatEvent{}, &ParseError{UserID: ev.UserID, Err: err}
		}
		nickname, ok := profile["nickname"].(string)
		if !ok {
			return core.ChatEvent{}, &ParseError{UserID: ev.UserID, Err: ErrMissingNickname}
		}
		ev.Nickname = nickname
		ev.UserRole = stringField(profile, "userRoleCode")

		streaming := digMap(profile, "streamingProperty")
		ev.NicknameColorCode = stringField(digMap(streaming, "nicknameColor"), "colorCode")

		subscription := digMap(streaming, "subscription")
		ev.SubscriptionMonths = intField(subscription, "accumulativeMonth")
		ev.SubscriptionTier = intField(subscription, "tier")
		ev.BadgeURLs = collectBadges(profile, subscription)
	}

	msg, ok := element["msg"].(string)
	if !ok {
		return core.ChatEvent{}, &ParseError{UserID: ev.UserID, Err: ErrMissingMessage}
	}
	ev.Message = msg

	ts, ok := millisField(element, "msgTime")
	if !ok {
		return core.ChatEvent{}, &ParseError{UserID: ev.UserID, Err: ErrMissingTimestamp}
	}
	ev.Timestamp = ts

	ev.Emojis, ev.OSType = extrasField(element)
	return ev, nil
}

func profileField(element map[string]any) (map[string]any, error) {
	switch v := element["profile"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, ErrMissingProfile
		}
		var profile map[string]any
		if err := json.Unmarshal([]byte(v), &profile); err != nil {
			return nil, ErrInvalidProfile
		}
		return profile, nil
	case map[string]any:
		return v, nil
	case nil:
		return nil, ErrMissingProfile
	default:
		return nil, ErrInvalidProfile
	}
}

// collectBadges returns the subscription badge first, then every activated
// activity badge in upstream order.
func collectBadges(profile, subscription map[string]any) []string {
	var badges []string
	if url := stringField(digMap(subscription, "badge"), "imageUrl"); url != "" {
		badges = append(badges, url)
	}
	activity, _ := profile["activityBadges"].([]any)
	for _, item := range activity {
		badge, ok := item.(map[string]any)
		if !ok {
			continue
		}
		activated, _ := badge["activated"].(bool)
		url := stringField(badge, "imageUrl")
		if activated && url != "" {
			badges = append(badges, url)
		}
	}
	return badges
}

func extrasField(element map[string]any) (map[string]string, string) {
	emojis := map[string]string{}

	var extras map[string]any
	switch v := element["extras"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return emojis, ""
		}
		if err := json.Unmarshal([]byte(v), &extras); err != nil {
			return emojis, ""
		}
	case map[string]any:
		extras = v
	default:
		return emojis, ""
	}

	if raw, ok := extras["emojis"].(map[string]any); ok {
		for token, url := range raw {
			if s, ok := url.(string); ok && s != "" {
				emojis[token] = s
			}
		}
	}
	return emojis, stringField(extras, "osType")
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		if current == nil {
			return nil
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func millisField(m map[string]any, key string) (time.Time, bool) {
	var ms int64
	switch v := m[key].(type) {
	case float64:
		ms = int64(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	default:
		return time.Time{}, false
	}
	if ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
