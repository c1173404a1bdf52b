package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"msync.dev/msyncd/internal/message"
	"msync.dev/msyncd/internal/syncerr"
)

// tmpNameFunc lets tests substitute a deterministic name generator; it
// defaults to the conventional "<secs>.<pid>_<counter>.<host>" shape
// spec.md §4.4.1 names.
var tmpNameFunc = defaultTmpName

var tmpCounter int

func defaultTmpName() string {
	tmpCounter++
	host, _ := os.Hostname()
	return fmt.Sprintf("%d.%d_%d.%s", time.Now().Unix(), os.Getpid(), tmpCounter, host)
}

// Store writes a freshly downloaded or generated message to tmp/, fsyncs
// it, then links it into new/ (if not Seen) or cur/ (if Seen), and
// records its UID under the active scheme (spec.md §4.4.4's "Store new
// message" / the sync engine's "Otherwise" download case).
func (b *Box) Store(uid uint32, flags message.Flags, body []byte) (*message.Message, error) {
	base := tmpNameFunc()
	tmpPath := filepath.Join(b.tmpDir(), base)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, syncerr.Msg("store", fmt.Errorf("create tmp: %w", err))
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, syncerr.Msg("store", fmt.Errorf("write tmp: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, syncerr.Msg("store", fmt.Errorf("fsync tmp: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, syncerr.Msg("store", fmt.Errorf("close tmp: %w", err))
	}

	seen := flags&message.FlagSeen != 0
	dir := "new"
	if seen {
		dir = "cur"
	}

	fn := filename{Base: base, Flags: flags}
	if b.Scheme == SchemeFilename {
		fn.UID, fn.HasU = uid, true
	}
	finalName := fn.build()
	finalPath := filepath.Join(b.Root, dir, finalName)

	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
		return nil, syncerr.Msg("store", fmt.Errorf("rename target %s already exists", finalPath))
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, syncerr.Msg("store", fmt.Errorf("rename into %s: %w", dir, err))
	}

	if b.Scheme == SchemeDB {
		if err := b.schemeB.setUID(base, uid); err != nil {
			return nil, err
		}
	}
	if uid > b.state.MaxUID {
		b.state.MaxUID = uid
		b.state.NextUID = uid + 1
		if err := b.persistState(); err != nil {
			return nil, err
		}
	}

	m := &message.Message{UID: uid, Flags: flags, Base: base, IsNew: !seen, Size: int64(len(body))}
	b.entries = append(b.entries, entry{dir: dir, name: finalName, msg: m})
	return m, nil
}

// SetFlags computes the canonical filename for m's new flag set and
// renames it atomically, moving between new/ and cur/ if its Recent/Seen
// state implies a directory change (spec.md §4.4.4's "Set flags").
func (b *Box) SetFlags(m *message.Message, flags message.Flags) error {
	idx := b.indexOf(m)
	if idx < 0 {
		return syncerr.Msg("set_flags", fmt.Errorf("message not found in scan index"))
	}
	old := b.entries[idx]

	dir := old.dir
	if dir == "new" && flags&message.FlagSeen != 0 {
		dir = "cur"
	}

	fn := parseFilename(old.name)
	fn.Flags = flags
	if b.Scheme == SchemeFilename && m.UID != message.SentinelUID {
		fn.UID, fn.HasU = m.UID, true
	}
	newName := fn.build()

	oldPath := filepath.Join(b.Root, old.dir, old.name)
	newPath := filepath.Join(b.Root, dir, newName)

	if oldPath == newPath {
		m.Flags = flags
		return nil
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			m.MarkDead()
			return syncerr.Msg("set_flags", fmt.Errorf("message vanished: %w", err))
		}
		return syncerr.Msg("set_flags", err)
	}

	m.Flags = flags
	m.IsNew = dir == "new"
	b.entries[idx] = entry{dir: dir, name: newName, msg: m}
	return nil
}

// Trash moves m into the trash mailbox's cur/ or new/, creating the
// trash mailbox on demand (spec.md §4.4.4's "Trash").
func (b *Box) Trash(m *message.Message, trashRoot string) error {
	idx := b.indexOf(m)
	if idx < 0 {
		return syncerr.Msg("trash", fmt.Errorf("message not found in scan index"))
	}
	src := filepath.Join(b.Root, b.entries[idx].dir, b.entries[idx].name)

	trash, err := EnsureTrash(trashRoot)
	if err != nil {
		return err
	}
	defer trash.Close()

	destDir := "cur"
	if m.Flags&message.FlagSeen == 0 {
		destDir = "new"
	}
	dest := filepath.Join(trashRoot, destDir, b.entries[idx].name)
	if err := os.Rename(src, dest); err != nil {
		return syncerr.Msg("trash", err)
	}
	m.MarkDead()
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	return nil
}

// Unlink permanently removes m's file and, under scheme B, its UID map
// entry (spec.md §3's "destroyed by unlink only after marked Dead").
func (b *Box) Unlink(m *message.Message) error {
	idx := b.indexOf(m)
	if idx < 0 {
		return nil
	}
	e := b.entries[idx]
	path := filepath.Join(b.Root, e.dir, e.name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return syncerr.Msg("unlink", err)
	}
	if b.Scheme == SchemeDB {
		if err := b.schemeB.db.Delete(parseFilename(e.name).Base); err != nil {
			return err
		}
	}
	m.MarkDead()
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	return nil
}

func (b *Box) indexOf(m *message.Message) int {
	for i, e := range b.entries {
		if e.msg == m {
			return i
		}
	}
	return -1
}

// gcTmp unlinks regular files in tmp/ whose modification time is older
// than 24 hours (spec.md §4.4.4's stale-tmp cleanup, invariant I5).
func (b *Box) gcTmp() error {
	des, err := os.ReadDir(b.tmpDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(b.tmpDir(), de.Name()))
		}
	}
	return nil
}
