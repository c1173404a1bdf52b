package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"msync.dev/msyncd/internal/message"
	"msync.dev/msyncd/internal/uidmapdb"
)

// loadSchemeA opens (creating if absent) ".uidvalidity" — two ASCII lines
// "<validity>\n<maxuid>\n" — and takes the fcntl/flock lock over it
// (spec.md §4.4.2 scheme A).
func loadSchemeA(root string) (*fileLock, *message.MailboxState, error) {
	path := filepath.Join(root, ".uidvalidity")
	lock, err := lockFile(path)
	if err != nil {
		return nil, nil, err
	}

	state := &message.MailboxState{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		lock.Close()
		return nil, nil, fmt.Errorf("maildir: read %s: %w", path, err)
	}
	if len(data) > 0 {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) >= 1 {
			if n, e := strconv.ParseUint(lines[0], 10, 32); e == nil {
				state.UIDValidity = uint32(n)
			}
		}
		if len(lines) >= 2 {
			if n, e := strconv.ParseUint(lines[1], 10, 32); e == nil {
				state.MaxUID = uint32(n)
			}
		}
	}
	state.NextUID = state.MaxUID + 1
	return lock, state, nil
}

func saveSchemeA(root string, state *message.MailboxState) error {
	path := filepath.Join(root, ".uidvalidity")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("maildir: write %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n%d\n", state.UIDValidity, state.MaxUID)
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// dbState wraps the scheme B persistent store: the base→UID map plus the
// UIDVALIDITY/maxuid record, both kept in internal/uidmapdb (spec.md
// §4.4.2 scheme B, substituting sqlite for the unavailable Berkeley-DB
// hash file — see DESIGN.md).
type dbState struct {
	db *uidmapdb.DB
}

func loadSchemeB(root string) (*fileLock, *dbState, *message.MailboxState, error) {
	path := filepath.Join(root, ".isyncuidmap.db")
	lock, err := lockFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := uidmapdb.Open(path)
	if err != nil {
		lock.Close()
		return nil, nil, nil, fmt.Errorf("maildir: open uid map %s: %w", path, err)
	}
	validity, maxUID, err := db.LoadState()
	if err != nil {
		db.Close()
		lock.Close()
		return nil, nil, nil, err
	}
	state := &message.MailboxState{UIDValidity: validity, MaxUID: maxUID, NextUID: maxUID + 1}
	return lock, &dbState{db: db}, state, nil
}

func (d *dbState) saveState(state *message.MailboxState) error {
	return d.db.SaveState(state.UIDValidity, state.MaxUID)
}

func (d *dbState) close() error { return d.db.Close() }

// uidFor resolves the persisted UID for a filename base under scheme B,
// returning ok=false if the base has never been recorded.
func (d *dbState) uidFor(base string) (uint32, bool, error) {
	return d.db.Lookup(base)
}

func (d *dbState) setUID(base string, uid uint32) error {
	return d.db.Store(base, uid)
}
