package chzzkchat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/chzzk-chat/internal/chzzktest"
	"github.com/you/chzzk-chat/internal/core"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseElementBasicChat(t *testing.T) {
	raw := json.RawMessage(`{"uid":"user123","profile":"{\"nickname\":\"Tester\",\"streamingProperty\":{\"nicknameColor\":{\"colorCode\":\"CC000\"}}}","msg":"hello","msgTime":1700000000000}`)

	ev, err := ParseElement(raw, core.KindChat)
	require.NoError(t, err)
	assert.Equal(t, core.KindChat, ev.Kind)
	assert.Equal(t, "user123", ev.UserID)
	assert.Equal(t, "Tester", ev.Nickname)
	assert.Equal(t, "hello", ev.Message)
	assert.Equal(t, "CC000", ev.NicknameColorCode)
	assert.Empty(t, ev.BadgeURLs)
	assert.Empty(t, ev.Emojis)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Timestamp)
}

func TestParseElementBadgeOrder(t *testing.T) {
	profile := chzzktest.Profile{
		Nickname:           "subber",
		SubscriptionMonths: 14,
		SubscriptionTier:   2,
		SubscriptionBadge:  "https://img/S.png",
		ActivityBadges: []chzzktest.ActivityBadge{
			{ImageURL: "https://img/A.png", Activated: true},
			{ImageURL: "https://img/B.png", Activated: false},
			{ImageURL: "https://img/C.gif", Activated: true},
		},
	}
	raw := mustJSON(t, chzzktest.Element("u1", profile, "hi", 1700000000000, nil))

	ev, err := ParseElement(raw, core.KindDonation)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://img/S.png", "https://img/A.png", "https://img/C.gif"}, ev.BadgeURLs)
	assert.Equal(t, 14, ev.SubscriptionMonths)
	assert.Equal(t, 2, ev.SubscriptionTier)
	assert.Equal(t, core.KindDonation, ev.Kind)
}

func TestParseElementAnonymous(t *testing.T) {
	// profile and extras present but the profile must be ignored
	raw := json.RawMessage(`{"uid":"anonymous","profile":"{\"nickname\":\"spoof\",\"userRoleCode\":\"streamer\",\"streamingProperty\":{\"nicknameColor\":{\"colorCode\":\"SG001\"}}}","msg":"thanks","msgTime":1700000000123}`)

	ev, err := ParseElement(raw, core.KindDonation)
	require.NoError(t, err)
	assert.True(t, ev.Anonymous())
	assert.Equal(t, core.AnonymousNickname, ev.Nickname)
	assert.Empty(t, ev.NicknameColorCode)
	assert.Empty(t, ev.BadgeURLs)
	assert.Empty(t, ev.UserRole)
	assert.Zero(t, ev.SubscriptionMonths)
	assert.Zero(t, ev.SubscriptionTier)
	assert.Equal(t, "thanks", ev.Message)
}

func TestParseElementAnonymousStillNeedsMessage(t *testing.T) {
	_, err := ParseElement(json.RawMessage(`{"uid":"anonymous","msgTime":1700000000000}`), core.KindDonation)
	assert.ErrorIs(t, err, ErrMissingMessage)
}

func TestParseElementRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not an object", raw: `"text"`, want: ErrMalformedElement},
		{name: "null element", raw: `null`, want: ErrMalformedElement},
		{name: "missing profile", raw: `{"uid":"u","msg":"m","msgTime":1}`, want: ErrMissingProfile},
		{name: "invalid profile json", raw: `{"uid":"u","profile":"{nickname:","msg":"m","msgTime":1}`, want: ErrInvalidProfile},
		{name: "profile wrong type", raw: `{"uid":"u","profile":42,"msg":"m","msgTime":1}`, want: ErrInvalidProfile},
		{name: "no nickname", raw: `{"uid":"u","profile":"{}","msg":"m","msgTime":1}`, want: ErrMissingNickname},
		{name: "no msg", raw: `{"uid":"u","profile":"{\"nickname\":\"n\"}","msgTime":1}`, want: ErrMissingMessage},
		{name: "no msgTime", raw: `{"uid":"u","profile":"{\"nickname\":\"n\"}","msg":"m"}`, want: ErrMissingTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseElement(json.RawMessage(tt.raw), core.KindChat)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
			assert.Equal(t, core.ChatEvent{}, ev, "failed parse must not return a partial event")
		})
	}
}

func TestParseElementExtras(t *testing.T) {
	profile := chzzktest.Profile{Nickname: "n", Role: "common_user"}
	raw := mustJSON(t, chzzktest.Element("u", profile, "hi {:wave:}", 1700000000000, map[string]string{"wave": "https://img/wave.gif"}))

	ev, err := ParseElement(raw, core.KindChat)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"wave": "https://img/wave.gif"}, ev.Emojis)
	assert.Equal(t, "PC", ev.OSType)
	assert.Equal(t, "common_user", ev.UserRole)
}

func TestParseElementBadExtrasDegrades(t *testing.T) {
	for _, extras := range []string{`"{broken"`, `17`, `"{\"emojis\":\"nope\",\"osType\":\"AOS\"}"`} {
		raw := json.RawMessage(`{"uid":"u","profile":"{\"nickname\":\"n\"}","msg":"m","msgTime":1700000000000,"extras":` + extras + `}`)
		ev, err := ParseElement(raw, core.KindChat)
		require.NoError(t, err, extras)
		assert.Empty(t, ev.Emojis, extras)
	}
}

func TestParseElementToleratesWrongTypedOptionals(t *testing.T) {
	raw := json.RawMessage(`{"uid":"u","profile":"{\"nickname\":\"n\",\"activityBadges\":\"x\",\"streamingProperty\":{\"subscription\":{\"accumulativeMonth\":\"3\",\"tier\":true}}}","msg":"m","msgTime":"1700000000000"}`)
	ev, err := ParseElement(raw, core.KindChat)
	require.NoError(t, err)
	assert.Equal(t, 3, ev.SubscriptionMonths)
	assert.Zero(t, ev.SubscriptionTier)
	assert.Empty(t, ev.BadgeURLs)
	assert.Equal(t, int64(1700000000000), ev.Timestamp.UnixMilli())
}

func TestDropReason(t *testing.T) {
	_, err := ParseElement(json.RawMessage(`{"uid":"u","profile":"{\"nickname\":\"n\"}","msgTime":1}`), core.KindChat)
	assert.Equal(t, "no_msg", dropReason(err))
	_, err = ParseElement(json.RawMessage(`{"uid":"u","profile":"{","msg":"m","msgTime":1}`), core.KindChat)
	assert.Equal(t, "bad_profile", dropReason(err))
	assert.Equal(t, "other", dropReason(errors.New("boom")))
}
