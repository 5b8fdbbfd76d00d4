package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// schemaVersion is stamped into PRAGMA user_version once the events table
// has every column and index the sink expects.
const schemaVersion = 2

var optionalColumns = []struct {
	name string
	ddl  string
}{
	{"color_code", `ALTER TABLE events ADD COLUMN color_code TEXT NOT NULL DEFAULT '';`},
	{"badges_json", `ALTER TABLE events ADD COLUMN badges_json TEXT NOT NULL DEFAULT '[]';`},
	{"emojis_json", `ALTER TABLE events ADD COLUMN emojis_json TEXT NOT NULL DEFAULT '{}';`},
	{"subscription_months", `ALTER TABLE events ADD COLUMN subscription_months INTEGER NOT NULL DEFAULT 0;`},
	{"subscription_tier", `ALTER TABLE events ADD COLUMN subscription_tier INTEGER NOT NULL DEFAULT 0;`},
	{"os_type", `ALTER TABLE events ADD COLUMN os_type TEXT NOT NULL DEFAULT '';`},
	{"user_role", `ALTER TABLE events ADD COLUMN user_role TEXT NOT NULL DEFAULT '';`},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("chatd: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "events")
	if err != nil {
		return fmt.Errorf("sqlite: describe events: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("chatd: sqlite: events table missing; skipping migration")
		return nil
	}

	for _, col := range optionalColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		log.Printf("chatd: sqlite: added %s column to events", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE events SET badges_json='[]' WHERE badges_json IS NULL OR TRIM(badges_json)='';`, "badges_json"},
		{`UPDATE events SET emojis_json='{}' WHERE emojis_json IS NULL OR TRIM(emojis_json)='';`, "emojis_json"},
		{`UPDATE events SET color_code='' WHERE color_code IS NULL;`, "color_code"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("chatd: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	indexes := []struct {
		name string
		ddl  string
	}{
		{"events_ts_idx", `CREATE INDEX IF NOT EXISTS events_ts_idx ON events(ts);`},
		{"events_kind_ts_idx", `CREATE INDEX IF NOT EXISTS events_kind_ts_idx ON events(kind, ts);`},
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s: %w", idx.name, err)
		}
	}

	if userVersion < schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "events", "events_ts_idx")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var nulls int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE badges_json IS NULL OR emojis_json IS NULL;`).Scan(&nulls); err != nil {
		return fmt.Errorf("sqlite: count null json: %w", err)
	}

	log.Printf("chatd: sqlite: events_ts_idx=%v json_nulls=%d user_version=%d", hasIndex, nulls, max(userVersion, schemaVersion))

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
