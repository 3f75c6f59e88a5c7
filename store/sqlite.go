package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Persistence durably stores mailbox metadata across a process restart:
// UIDVALIDITY per (user, mailbox), read back by Memory so client-cached UIDs
// are not spuriously invalidated, and subscription state, which is written
// here but has no read method. Backed by modernc.org/sqlite, a pure-Go
// driver requiring no cgo toolchain.
type Persistence struct {
	db *sql.DB
}

// OpenPersistence opens (creating if necessary) the SQLite database at dsn
// and ensures its schema exists.
func OpenPersistence(dsn string) (*Persistence, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	p := &Persistence{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Persistence) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS mailbox_meta (
			user         TEXT NOT NULL,
			mailbox      TEXT NOT NULL,
			uidvalidity  INTEGER NOT NULL,
			subscribed   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user, mailbox)
		)
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (p *Persistence) Close() error {
	return p.db.Close()
}

// UidValidity returns a previously persisted UIDVALIDITY for (user,
// mailbox), if any.
func (p *Persistence) UidValidity(user, mailbox string) (uint32, bool) {
	var v int64
	err := p.db.QueryRow(
		`SELECT uidvalidity FROM mailbox_meta WHERE user = ? AND mailbox = ?`,
		user, mailbox,
	).Scan(&v)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// SetUidValidity records a newly-assigned UIDVALIDITY for (user, mailbox).
// Best-effort: failures are not surfaced, since UIDVALIDITY persistence is
// a durability nicety, not required for the mailbox to function within a
// single process lifetime.
func (p *Persistence) SetUidValidity(user, mailbox string, v uint32) {
	_, _ = p.db.Exec(`
		INSERT INTO mailbox_meta (user, mailbox, uidvalidity, subscribed)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(user, mailbox) DO UPDATE SET uidvalidity = excluded.uidvalidity
	`, user, mailbox, v)
}

// SetSubscribed records a mailbox's subscription state.
func (p *Persistence) SetSubscribed(user, mailbox string, subscribed bool) {
	sub := 0
	if subscribed {
		sub = 1
	}
	_, _ = p.db.Exec(`
		INSERT INTO mailbox_meta (user, mailbox, uidvalidity, subscribed)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(user, mailbox) DO UPDATE SET subscribed = excluded.subscribed
	`, user, mailbox, sub)
}
