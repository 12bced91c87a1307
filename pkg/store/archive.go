package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive keeps records removed by destructive operations (channel delete,
// clear, decision eviction) in a sqlite database so nothing is lost outright.
// The live stores never read from it.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS archived (
			id          INTEGER NOT NULL,
			kind        TEXT    NOT NULL,
			channel     TEXT    NOT NULL DEFAULT '',
			sender      TEXT    NOT NULL DEFAULT '',
			text        TEXT    NOT NULL DEFAULT '',
			ts          INTEGER NOT NULL DEFAULT 0,
			reason      TEXT    NOT NULL,
			archived_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_kind ON archived(kind, channel);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	// Single writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Archive{db: db}, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

// ArchiveMessages inserts the given messages in one transaction, tagged with
// the reason they were removed.
func (a *Archive) ArchiveMessages(reason string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO archived (id, kind, channel, sender, text, ts, reason, archived_at)
		VALUES (?, 'msg', ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare archive insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i := range msgs {
		m := &msgs[i]
		if _, err := stmt.Exec(m.ID, m.Channel, m.Sender, m.Text, m.TS, reason, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to archive message %d: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

// ArchiveDecision records an evicted decision.
func (a *Archive) ArchiveDecision(reason string, d *Decision) error {
	_, err := a.db.Exec(`
		INSERT INTO archived (id, kind, channel, sender, text, ts, reason, archived_at)
		VALUES (?, 'decision', '', ?, ?, ?, ?, ?)
	`, d.ID, d.Owner, d.Text, d.TS, reason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to archive decision %d: %w", d.ID, err)
	}
	return nil
}

// CountArchived returns how many records of the given kind are archived.
// Empty kind counts everything.
func (a *Archive) CountArchived(kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = a.db.QueryRow(`SELECT COUNT(*) FROM archived`).Scan(&n)
	} else {
		err = a.db.QueryRow(`SELECT COUNT(*) FROM archived WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count archived records: %w", err)
	}
	return n, nil
}
