package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/httpapi"
	"github.com/you/chzzk-chat/internal/ingesttrace"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), SQLiteOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(user, nick, msg string, kind core.EventKind, ms int64) core.ChatEvent {
	ev := core.ChatEvent{
		ChannelID: "0123456789abcdef0123456789abcdef",
		Timestamp: time.UnixMilli(ms).UTC(),
		Kind:      kind,
		UserID:    user,
		Nickname:  nick,
		Message:   msg,
	}
	ev.ID = ingesttrace.EventID(ev)
	return ev
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openTestSink(t)
	ev := event("u1", "Tester", "hi {:wave:}", core.KindChat, 1700000000000)
	ev.NicknameColorCode = "SG002"
	ev.BadgeURLs = []string{"https://img/s.png", "https://img/a.png"}
	ev.Emojis = map[string]string{"wave": "https://img/wave.gif"}
	ev.SubscriptionMonths = 7
	ev.SubscriptionTier = 2
	ev.OSType = "PC"
	ev.UserRole = "common_user"

	ev, trace := ingesttrace.Stamp(ev)
	require.NoError(t, s.Write(ev, trace))
	assert.Equal(t, int64(1), trace.Count(ingesttrace.StageWrittenToDB))

	got, err := s.ListEvents(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev, got[0])
}

func TestSQLiteIgnoresReplayedEvents(t *testing.T) {
	s := openTestSink(t)
	ev := event("u1", "Tester", "hello", core.KindChat, 1700000000000)

	inserted, err := s.Insert(ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	trace := ingesttrace.NewTrace(ev)
	require.NoError(t, s.Write(ev, trace))
	assert.Equal(t, int64(1), trace.Count(ingesttrace.StageDropped("duplicate")))

	n, err := s.CountEvents(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteAssignsMissingID(t *testing.T) {
	s := openTestSink(t)
	ev := event("u1", "Tester", "hello", core.KindChat, 1)
	ev.ID = ""
	_, err := s.Insert(ev)
	require.NoError(t, err)

	got, err := s.ListEvents(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ingesttrace.EventID(ev), got[0].ID)
}

func TestSQLiteFilters(t *testing.T) {
	s := openTestSink(t)
	for _, ev := range []core.ChatEvent{
		event("u1", "Alpha", "one", core.KindChat, 1000),
		event("u2", "Beta", "two", core.KindChat, 2000),
		event(core.AnonymousUserID, core.AnonymousNickname, "three", core.KindDonation, 3000),
		event("u1", "Alpha", "four", core.KindDonation, 4000),
	} {
		_, err := s.Insert(ev)
		require.NoError(t, err)
	}
	ctx := context.Background()

	all, err := s.ListEvents(ctx, httpapi.Filters{Order: httpapi.OrderAsc})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "one", all[0].Message)
	assert.Equal(t, "four", all[3].Message)

	recent, err := s.ListEvents(ctx, httpapi.Filters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "four", recent[0].Message)
	assert.Equal(t, "three", recent[1].Message)

	donations, err := s.CountEvents(ctx, httpapi.Filters{Kinds: []core.EventKind{core.KindDonation}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), donations)

	alpha, err := s.CountEvents(ctx, httpapi.Filters{Nicknames: []string{"alp"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), alpha)

	byUser, err := s.CountEvents(ctx, httpapi.Filters{UserIDs: []string{"u2", core.AnonymousUserID}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byUser)

	since := time.UnixMilli(2500).UTC()
	later, err := s.ListEvents(ctx, httpapi.Filters{Since: &since, Kinds: []core.EventKind{core.KindDonation}, Order: httpapi.OrderAsc})
	require.NoError(t, err)
	require.Len(t, later, 2)
	assert.Equal(t, "three", later[0].Message)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []core.ChatEvent
}

func (r *recordingBroadcaster) Broadcast(ev core.ChatEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func TestWithAPIBroadcastsOnlyNewEvents(t *testing.T) {
	s := openTestSink(t)
	rec := &recordingBroadcaster{}
	w := WithAPI(s, rec)

	ev := event("u1", "Tester", "hello", core.KindChat, 1000)
	require.NoError(t, w.Write(ev, nil))
	require.NoError(t, w.Write(ev, nil))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.events, 1)
}

func TestOpenSQLiteTuningAppliesPerConnection(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tuned.db"), SQLiteOptions{Tuning: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	first, err := s.RawDB().Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := s.RawDB().Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	for _, conn := range []*sql.Conn{first, second} {
		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA busy_timeout;`).Scan(&timeout))
		assert.Equal(t, 5000, timeout)
		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode))
		assert.Equal(t, "wal", mode)
	}
}

func TestBufferedBatchThroughWithAPI(t *testing.T) {
	s := openTestSink(t)
	stored := event("u0", "Old", "from history", core.KindChat, 500)
	_, err := s.Insert(stored)
	require.NoError(t, err)

	rec := &recordingBroadcaster{}
	bw := NewBufferedWriter(WithAPI(s, rec), BufferedOptions{BatchSize: 3})
	t.Cleanup(func() { _ = bw.Close() })

	replayed := ingesttrace.NewTrace(stored)
	fresh := event("u1", "Tester", "hello", core.KindChat, 1000)
	again := ingesttrace.NewTrace(fresh)
	later := event("u2", "Other", "bye", core.KindChat, 2000)

	require.NoError(t, bw.Write(stored, replayed))
	require.NoError(t, bw.Write(fresh, nil))
	require.NoError(t, bw.Write(fresh, again))
	require.NoError(t, bw.Write(later, nil))

	assert.Equal(t, int64(1), replayed.Count(ingesttrace.StageDropped("duplicate")))
	assert.Equal(t, int64(1), again.Count(ingesttrace.StageDropped("duplicate")))

	n, err := s.CountEvents(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.Equal(t, "hello", rec.events[0].Message)
	assert.Equal(t, "bye", rec.events[1].Message)
}
