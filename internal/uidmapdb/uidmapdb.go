// Package uidmapdb implements the scheme B UID-persistence store of
// spec.md §4.4.2: a base-filename→UID map plus a UIDVALIDITY/maxuid
// record, substituting for the Berkeley-DB hash file
// ".isyncuidmap.db" the original tool uses. No Berkeley-DB binding exists
// in the retrieved corpus; this instead uses crawshaw.io/sqlite, the
// embedded single-file store spilldb/db/db.go itself is built on, kept to
// a single connection since the Maildir driver is single-threaded
// (spec.md §7's "single control thread per process").
package uidmapdb

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const createSQL = `
CREATE TABLE IF NOT EXISTS UidMap (
	Base TEXT PRIMARY KEY,
	UID  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS MailboxState (
	ID          INTEGER PRIMARY KEY CHECK (ID = 0),
	UIDValidity INTEGER NOT NULL,
	MaxUID      INTEGER NOT NULL
);
INSERT OR IGNORE INTO MailboxState (ID, UIDValidity, MaxUID) VALUES (0, 0, 0);
`

// DB is one open scheme-B UID map.
type DB struct {
	conn *sqlite.Conn
}

// Open opens (creating if absent) the sqlite file at path and applies the
// schema, mirroring db.Open/db.Init's init-then-reuse pattern.
func Open(path string) (*DB, error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("uidmapdb: open %s: %w", path, err)
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("uidmapdb: init schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Lookup resolves the UID stored for a filename base, or ok=false if none
// has been recorded yet.
func (d *DB) Lookup(base string) (uid uint32, ok bool, err error) {
	stmt := d.conn.Prep(`SELECT UID FROM UidMap WHERE Base = $base;`)
	defer stmt.Reset()
	stmt.SetText("$base", base)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, fmt.Errorf("uidmapdb: lookup %q: %w", base, err)
	}
	if !hasRow {
		return 0, false, nil
	}
	return uint32(stmt.GetInt64("UID")), true, nil
}

// Store records (or overwrites) the UID for a filename base.
func (d *DB) Store(base string, uid uint32) error {
	stmt := d.conn.Prep(`INSERT INTO UidMap (Base, UID) VALUES ($base, $uid)
		ON CONFLICT(Base) DO UPDATE SET UID = excluded.UID;`)
	defer stmt.Reset()
	stmt.SetText("$base", base)
	stmt.SetInt64("$uid", int64(uid))
	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("uidmapdb: store %q: %w", base, err)
	}
	return nil
}

// Delete removes a base's UID entry, e.g. once its message has been
// permanently expunged.
func (d *DB) Delete(base string) error {
	stmt := d.conn.Prep(`DELETE FROM UidMap WHERE Base = $base;`)
	defer stmt.Reset()
	stmt.SetText("$base", base)
	_, err := stmt.Step()
	return err
}

// LoadState returns the stored UIDVALIDITY and maxuid.
func (d *DB) LoadState() (validity, maxUID uint32, err error) {
	stmt := d.conn.Prep(`SELECT UIDValidity, MaxUID FROM MailboxState WHERE ID = 0;`)
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, 0, fmt.Errorf("uidmapdb: load state: %w", err)
	}
	if !hasRow {
		return 0, 0, nil
	}
	return uint32(stmt.GetInt64("UIDValidity")), uint32(stmt.GetInt64("MaxUID")), nil
}

// SaveState overwrites the stored UIDVALIDITY and maxuid.
func (d *DB) SaveState(validity, maxUID uint32) error {
	stmt := d.conn.Prep(`UPDATE MailboxState SET UIDValidity = $v, MaxUID = $m WHERE ID = 0;`)
	defer stmt.Reset()
	stmt.SetInt64("$v", int64(validity))
	stmt.SetInt64("$m", int64(maxUID))
	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("uidmapdb: save state: %w", err)
	}
	return nil
}
