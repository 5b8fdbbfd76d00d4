package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/httpapi"
	"github.com/you/chzzk-chat/internal/ingesttrace"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
  id TEXT NOT NULL PRIMARY KEY,
  channel_id TEXT NOT NULL,
  ts INTEGER NOT NULL,
  kind TEXT NOT NULL,
  user_id TEXT NOT NULL,
  nickname TEXT NOT NULL,
  message TEXT NOT NULL,
  color_code TEXT NOT NULL DEFAULT '',
  badges_json TEXT NOT NULL DEFAULT '[]',
  emojis_json TEXT NOT NULL DEFAULT '{}',
  subscription_months INTEGER NOT NULL DEFAULT 0,
  subscription_tier INTEGER NOT NULL DEFAULT 0,
  os_type TEXT NOT NULL DEFAULT '',
  user_role TEXT NOT NULL DEFAULT ''
);`

const eventColumns = `id, channel_id, ts, kind, user_id, nickname, message, color_code, badges_json, emojis_json, subscription_months, subscription_tier, os_type, user_role`

const insertEvent = `INSERT INTO events (` + eventColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`

type SQLiteSink struct {
	db *sql.DB
}

const defaultListLimit = 100

// SQLiteOptions tune the connections opened by OpenSQLite.
type SQLiteOptions struct {
	// Tuning trades durability of the last few commits for ingest throughput.
	Tuning bool
}

// Pragmas applied to every pooled connection. journal_mode is persistent;
// the rest are per connection.
var (
	basePragmas   = []string{"journal_mode(WAL)"}
	tuningPragmas = []string{
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"wal_autocheckpoint(1000)",
		"temp_store(MEMORY)",
		"mmap_size(268435456)",
	}
)

func sqliteDSN(path string, opts SQLiteOptions) string {
	q := url.Values{}
	for _, p := range basePragmas {
		q.Add("_pragma", p)
	}
	if opts.Tuning {
		for _, p := range tuningPragmas {
			q.Add("_pragma", p)
		}
	}
	return path + "?" + q.Encode()
}

func OpenSQLite(path string, opts SQLiteOptions) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path, opts))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if opts.Tuning {
		var mode string
		var timeout int
		if err := db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "read journal_mode")
		}
		if err := db.QueryRow(`PRAGMA busy_timeout;`).Scan(&timeout); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "read busy_timeout")
		}
		log.Printf("sqlite: tuning enabled journal_mode=%s busy_timeout=%dms", mode, timeout)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// RawDB exposes the handle for schema migrations.
func (s *SQLiteSink) RawDB() *sql.DB { return s.db }

// Insert stores ev and reports whether it was new. Events replayed after a
// reconnect carry the same id and are ignored.
func (s *SQLiteSink) Insert(ev core.ChatEvent) (bool, error) {
	inserted, err := s.InsertBatch([]core.ChatEvent{ev})
	if err != nil {
		return false, err
	}
	return inserted[0], nil
}

// InsertBatch stores evs in one transaction. inserted[i] reports whether evs[i]
// was new. Nothing is stored when an error is returned.
func (s *SQLiteSink) InsertBatch(evs []core.ChatEvent) (inserted []bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(insertEvent)
	if err != nil {
		return nil, errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	inserted = make([]bool, len(evs))
	for i, ev := range evs {
		if ev.ID == "" {
			ev.ID = ingesttrace.EventID(ev)
		}
		badges, err := json.Marshal(nonNilSlice(ev.BadgeURLs))
		if err != nil {
			return nil, errors.Wrap(err, "encode badges")
		}
		emojis, err := json.Marshal(nonNilMap(ev.Emojis))
		if err != nil {
			return nil, errors.Wrap(err, "encode emojis")
		}
		res, err := stmt.Exec(ev.ID, ev.ChannelID, ev.Timestamp.UnixMilli(), string(ev.Kind), ev.UserID,
			ev.Nickname, ev.Message, ev.NicknameColorCode, string(badges), string(emojis),
			ev.SubscriptionMonths, ev.SubscriptionTier, ev.OSType, ev.UserRole)
		if err != nil {
			return nil, errors.Wrapf(err, "insert event %s", ev.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "rows affected")
		}
		inserted[i] = n > 0
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return inserted, nil
}

// Write stores ev and records the outcome on trace, which may be nil.
func (s *SQLiteSink) Write(ev core.ChatEvent, trace *ingesttrace.EventTrace) error {
	inserted, err := s.Insert(ev)
	if err != nil {
		return err
	}
	recordOutcome(trace, inserted)
	return nil
}

// WriteBatch stores items in one transaction.
func (s *SQLiteSink) WriteBatch(items []Pending) error {
	inserted, err := s.InsertBatch(pendingEvents(items))
	if err != nil {
		return err
	}
	for i, item := range items {
		recordOutcome(item.Trace, inserted[i])
	}
	return nil
}

func recordOutcome(trace *ingesttrace.EventTrace, inserted bool) {
	if trace == nil {
		return
	}
	if inserted {
		trace.IncCounter(ingesttrace.StageWrittenToDB)
	} else {
		trace.IncCounter(ingesttrace.StageDropped("duplicate"))
	}
}

func nonNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountEvents(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListEvents(ctx context.Context, filters httpapi.Filters) ([]core.ChatEvent, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.ChatEvent
	for rows.Next() {
		var (
			ev     core.ChatEvent
			ms     int64
			kind   string
			badges string
			emojis string
		)
		if err := rows.Scan(&ev.ID, &ev.ChannelID, &ms, &kind, &ev.UserID, &ev.Nickname, &ev.Message,
			&ev.NicknameColorCode, &badges, &emojis, &ev.SubscriptionMonths, &ev.SubscriptionTier,
			&ev.OSType, &ev.UserRole); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Timestamp = time.UnixMilli(ms).UTC()
		ev.Kind = core.EventKind(kind)
		if err := json.Unmarshal([]byte(badges), &ev.BadgeURLs); err != nil {
			return nil, errors.Wrapf(err, "decode badges of %s", ev.ID)
		}
		if err := json.Unmarshal([]byte(emojis), &ev.Emojis); err != nil {
			return nil, errors.Wrapf(err, "decode emojis of %s", ev.ID)
		}
		if len(ev.BadgeURLs) == 0 {
			ev.BadgeURLs = nil
		}
		if len(ev.Emojis) == 0 {
			ev.Emojis = nil
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func buildEventQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT " + eventColumns + " FROM events")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Kinds) > 0 {
		for _, k := range filters.Kinds {
			args = append(args, string(k))
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(filters.Kinds))))
	}

	if len(filters.Nicknames) > 0 {
		ors := make([]string, 0, len(filters.Nicknames))
		for _, n := range filters.Nicknames {
			ors = append(ors, "LOWER(nickname) LIKE '%' || ? || '%'")
			args = append(args, n)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if len(filters.UserIDs) > 0 {
		for _, u := range filters.UserIDs {
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("user_id IN (%s)", placeholders(len(filters.UserIDs))))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UnixMilli())
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts " + order + ", rowid " + order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
