package httpapi

import (
	"net/url"
	"time"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/imagecache"
	"github.com/you/chzzk-chat/internal/present"
)

type segmentView struct {
	Text  string `json:"text,omitempty"`
	Emoji string `json:"emoji,omitempty"`
	Image string `json:"image,omitempty"`
}

// eventView is the wire form of a chat event for API clients.
type eventView struct {
	ID                 string        `json:"id"`
	ChannelID          string        `json:"channel_id"`
	Timestamp          string        `json:"ts"`
	Kind               string        `json:"kind"`
	UserID             string        `json:"user_id"`
	Nickname           string        `json:"nickname"`
	Message            string        `json:"message"`
	Color              string        `json:"color"`
	ColorCode          string        `json:"color_code,omitempty"`
	Badges             []string      `json:"badges,omitempty"`
	Segments           []segmentView `json:"segments,omitempty"`
	SubscriptionMonths int           `json:"subscription_months,omitempty"`
	SubscriptionTier   int           `json:"subscription_tier,omitempty"`
	OSType             string        `json:"os_type,omitempty"`
	UserRole           string        `json:"user_role,omitempty"`
	Anonymous          bool          `json:"anonymous,omitempty"`
}

func (s *Server) view(ev core.ChatEvent) eventView {
	v := eventView{
		ID:                 ev.ID,
		ChannelID:          ev.ChannelID,
		Timestamp:          ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:               string(ev.Kind),
		UserID:             ev.UserID,
		Nickname:           ev.Nickname,
		Message:            ev.Message,
		Color:              present.NicknameColor(ev.UserID, ev.NicknameColorCode),
		ColorCode:          ev.NicknameColorCode,
		SubscriptionMonths: ev.SubscriptionMonths,
		SubscriptionTier:   ev.SubscriptionTier,
		OSType:             ev.OSType,
		UserRole:           ev.UserRole,
		Anonymous:          ev.Anonymous(),
	}
	for _, badge := range present.DisplayBadges(ev.BadgeURLs, present.MaxBadges) {
		v.Badges = append(v.Badges, s.imageURL(imagecache.KindBadge, badge))
	}
	for _, seg := range present.SplitEmojis(ev.Message, ev.Emojis) {
		if seg.IsEmoji() {
			v.Segments = append(v.Segments, segmentView{Emoji: seg.Token, Image: s.imageURL(imagecache.KindEmoji, seg.EmojiURL)})
			continue
		}
		v.Segments = append(v.Segments, segmentView{Text: seg.Text})
	}
	return v
}

// imageURL points clients at the local image proxy when a cache is wired.
func (s *Server) imageURL(kind imagecache.Kind, remote string) string {
	if s.opts.Images == nil {
		return remote
	}
	return "/images/" + string(kind) + "?url=" + url.QueryEscape(remote)
}
