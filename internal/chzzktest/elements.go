package chzzktest

import "encoding/json"

// Profile describes the profile JSON embedded in a chat element.
type Profile struct {
	Nickname           string
	ColorCode          string
	Role               string
	SubscriptionMonths int
	SubscriptionTier   int
	SubscriptionBadge  string
	ActivityBadges     []ActivityBadge
}

type ActivityBadge struct {
	ImageURL  string
	Activated bool
}

// JSON renders the profile the way the chat server embeds it: as a string.
func (p Profile) JSON() string {
	streaming := map[string]any{}
	if p.ColorCode != "" {
		streaming["nicknameColor"] = map[string]any{"colorCode": p.ColorCode}
	}
	if p.SubscriptionMonths > 0 || p.SubscriptionBadge != "" {
		sub := map[string]any{
			"accumulativeMonth": p.SubscriptionMonths,
			"tier":              p.SubscriptionTier,
		}
		if p.SubscriptionBadge != "" {
			sub["badge"] = map[string]any{"imageUrl": p.SubscriptionBadge}
		}
		streaming["subscription"] = sub
	}
	badges := make([]any, 0, len(p.ActivityBadges))
	for _, b := range p.ActivityBadges {
		badges = append(badges, map[string]any{"imageUrl": b.ImageURL, "activated": b.Activated})
	}
	profile := map[string]any{
		"nickname":          p.Nickname,
		"streamingProperty": streaming,
		"activityBadges":    badges,
	}
	if p.Role != "" {
		profile["userRoleCode"] = p.Role
	}
	data, _ := json.Marshal(profile)
	return string(data)
}

// Element builds one chat element. emojis may be nil.
func Element(uid string, p Profile, msg string, msgTime int64, emojis map[string]string) map[string]any {
	el := map[string]any{
		"uid":     uid,
		"msg":     msg,
		"msgTime": msgTime,
	}
	if uid != "anonymous" {
		el["profile"] = p.JSON()
	}
	if emojis != nil {
		extras, _ := json.Marshal(map[string]any{"emojis": emojis, "osType": "PC"})
		el["extras"] = string(extras)
	}
	return el
}
