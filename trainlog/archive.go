package trainlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS training_log (
	id           TEXT PRIMARY KEY,
	created_at   TEXT NOT NULL,
	bot          TEXT NOT NULL,
	samples      INTEGER NOT NULL,
	loss         REAL NOT NULL,
	reward       REAL NOT NULL,
	entry_json   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS training_log_bot ON training_log(bot, created_at);
`

// Archive persists training log entries to sqlite so history survives a
// restart. The full entry is kept as JSON next to a few queryable columns.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Insert stores one entry; re-inserting an id is a no-op.
func (a *Archive) Insert(entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = a.db.Exec(
		`INSERT OR IGNORE INTO training_log (id, created_at, bot, samples, loss, reward, entry_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Bot,
		entry.Samples, entry.Loss, entry.Reward, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Recent loads up to n entries, oldest first, optionally for one bot.
func (a *Archive) Recent(bot string, n int) ([]Entry, error) {
	rows, err := a.db.Query(
		`SELECT entry_json FROM (
			SELECT entry_json, created_at, rowid FROM training_log
			WHERE (? = '' OR bot = ?)
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, rowid ASC`,
		bot, bot, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Count is the number of archived entries, optionally for one bot.
func (a *Archive) Count(bot string) (n int, err error) {
	err = a.db.QueryRow(`SELECT COUNT(*) FROM training_log WHERE (? = '' OR bot = ?)`, bot, bot).Scan(&n)
	return
}
