package core

import "time"

// EventKind distinguishes ordinary chat from donation messages.
type EventKind string

const (
	KindChat     EventKind = "chat"
	KindDonation EventKind = "donation"
)

const (
	// AnonymousUserID marks an unauthenticated donor.
	AnonymousUserID = "anonymous"
	// AnonymousNickname is shown for anonymous donors.
	AnonymousNickname = "익명의 후원자"
)

// ChatEvent is a normalized chat or donation message. Optional fields are unset
// when they hold their zero value. Events are never mutated after they are
// handed to a consumer.
type ChatEvent struct {
	ID                 string    // deterministic id, see ingesttrace
	ChannelID          string    // canonical channel id the event was received on
	Timestamp          time.Time // upstream message time
	Kind               EventKind // chat | donation
	UserID             string    // user id hash or AnonymousUserID
	Nickname           string
	Message            string
	NicknameColorCode  string            // optional: raw platform colour code
	BadgeURLs          []string          // subscription badge first, then activated activity badges
	Emojis             map[string]string // emoji token -> image URL
	SubscriptionMonths int               // optional
	SubscriptionTier   int               // optional
	OSType             string            // optional (e.g. "PC", "AOS", "IOS")
	UserRole           string            // optional (e.g. "common_user", "streamer")
}

// Anonymous reports whether the event came from an unauthenticated donor.
func (e ChatEvent) Anonymous() bool {
	return e.UserID == AnonymousUserID
}
