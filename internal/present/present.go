// Package present holds display rules for chat events. Everything here is a
// pure function of its inputs.
package present

import (
	"hash/fnv"
	"regexp"
)

// MaxBadges is the number of badges a chat line shows.
const MaxBadges = 3

var premiumColors = map[string]string{
	"SG001": "#8bff00",
	"SG002": "#00ffff",
	"SG003": "#ff00ff",
	"SG004": "#ffff00",
	"SG005": "#ff8800",
	"SG006": "#ff0088",
	"SG007": "#00aaff",
	"SG008": "#aa00ff",
	"SG009": "#ff0000",
}

var palette = []string{
	"#00ffa3", "#ff9966", "#66ccff", "#cc99ff",
	"#ff6699", "#99ff99", "#ffcc66", "#66ffcc",
	"#ff6666", "#99ccff", "#ffff66", "#ff99cc",
}

// NicknameColor picks the display colour for a nickname. Premium colour codes
// map to their fixed colour; anything else, including the platform default
// "CC000" and an empty code, falls back to a palette slot chosen by a stable
// hash of uid.
func NicknameColor(uid, colorCode string) string {
	if c, ok := premiumColors[colorCode]; ok {
		return c
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return palette[h.Sum32()%uint32(len(palette))]
}

// IsPremiumColor reports whether code is one of the paid nickname colours.
func IsPremiumColor(code string) bool {
	_, ok := premiumColors[code]
	return ok
}

// DisplayBadges returns at most limit badges, keeping their order.
func DisplayBadges(urls []string, limit int) []string {
	if limit < 0 || len(urls) <= limit {
		return urls
	}
	return urls[:limit]
}

// Segment is a run of message text or a single emoji.
type Segment struct {
	Text     string
	EmojiURL string
	Token    string
}

func (s Segment) IsEmoji() bool { return s.EmojiURL != "" }

var emojiToken = regexp.MustCompile(`\{:([^:]+):\}`)

// SplitEmojis cuts message into text and emoji segments. Tokens without an
// entry in emojis stay as literal text.
func SplitEmojis(message string, emojis map[string]string) []Segment {
	if message == "" {
		return nil
	}
	if len(emojis) == 0 {
		return []Segment{{Text: message}}
	}

	var out []Segment
	text := func(s string) {
		if s == "" {
			return
		}
		if n := len(out); n > 0 && !out[n-1].IsEmoji() {
			out[n-1].Text += s
			return
		}
		out = append(out, Segment{Text: s})
	}

	last := 0
	for _, m := range emojiToken.FindAllStringSubmatchIndex(message, -1) {
		text(message[last:m[0]])
		name := message[m[2]:m[3]]
		if url, ok := emojis[name]; ok && url != "" {
			out = append(out, Segment{Token: name, EmojiURL: url})
		} else {
			text(message[m[0]:m[1]])
		}
		last = m[1]
	}
	text(message[last:])
	return out
}
