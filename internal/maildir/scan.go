package maildir

import (
	"os"
	"path/filepath"
	"strings"

	"msync.dev/msyncd/internal/message"
)

// entry is a scanned on-disk file paired with the parsed Message it
// produces, kept so mutate.go can find the file again without
// re-deriving its name.
type entry struct {
	dir  string // "new" or "cur"
	name string // on-disk filename, as found
	msg  *message.Message
}

// Scan enumerates new/ and cur/, skipping dotfiles (spec.md §4.4.3),
// resolving or assigning a UID for each entry per the active scheme, and
// returns both the message list and an index of on-disk locations the
// mutation routines use.
//
// Under scheme A, if two distinct files already carry the same embedded
// UID (hand edits, a restored backup), the local UID space can no longer
// be trusted: spec.md §4.4.3 and invariant I2 treat this as catastrophic,
// requiring UIDVALIDITY to be regenerated and every local UID invalidated
// before the scan is restarted from scratch.
func (b *Box) Scan() ([]*message.Message, error) {
	if b.Scheme == SchemeFilename {
		dup, err := b.hasDuplicateUIDs()
		if err != nil {
			return nil, err
		}
		if dup {
			if err := b.invalidateLocalUIDs(); err != nil {
				return nil, err
			}
		}
	}
	return b.scanOnce()
}

func (b *Box) scanOnce() ([]*message.Message, error) {
	var msgs []*message.Message
	b.entries = b.entries[:0]

	for _, sub := range []struct {
		dir    string
		recent bool
	}{{"new", true}, {"cur", false}} {
		full := filepath.Join(b.Root, sub.dir)
		names, err := readDirNames(full)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if strings.HasPrefix(name, ".") {
				continue
			}
			m, onDiskName, err := b.resolveEntry(sub.dir, name, sub.recent)
			if err != nil {
				return nil, err
			}
			b.entries = append(b.entries, entry{dir: sub.dir, name: onDiskName, msg: m})
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// hasDuplicateUIDs reports whether any two on-disk files under new/ or
// cur/ already embed the same ",U=" UID.
func (b *Box) hasDuplicateUIDs() (bool, error) {
	seen := make(map[uint32]bool)
	for _, dir := range [...]string{"new", "cur"} {
		names, err := readDirNames(filepath.Join(b.Root, dir))
		if err != nil {
			return false, err
		}
		for _, name := range names {
			if strings.HasPrefix(name, ".") {
				continue
			}
			fn := parseFilename(name)
			if !fn.HasU {
				continue
			}
			if seen[fn.UID] {
				return true, nil
			}
			seen[fn.UID] = true
		}
	}
	return false, nil
}

// invalidateLocalUIDs strips the ",U=" segment from every scheme A
// filename and resets UIDVALIDITY, maxuid, and nextuid to zero, forcing
// the engine to re-adopt UIDVALIDITY from the remote and re-pair every
// local message on the next run (spec.md §4.4.3's catastrophic recovery).
func (b *Box) invalidateLocalUIDs() error {
	for _, dir := range [...]string{"new", "cur"} {
		full := filepath.Join(b.Root, dir)
		names, err := readDirNames(full)
		if err != nil {
			return err
		}
		for _, name := range names {
			if strings.HasPrefix(name, ".") {
				continue
			}
			fn := parseFilename(name)
			if !fn.HasU {
				continue
			}
			fn.UID, fn.HasU = 0, false
			newName := fn.build()
			if newName == name {
				continue
			}
			if err := os.Rename(filepath.Join(full, name), filepath.Join(full, newName)); err != nil {
				return err
			}
		}
	}
	b.state.UIDValidity = 0
	b.state.MaxUID = 0
	b.state.NextUID = 1
	return b.persistState()
}

func readDirNames(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() || de.Type()&os.ModeSymlink != 0 {
			names = append(names, de.Name())
		}
	}
	return names, nil
}

// resolveEntry parses one on-disk filename and, for scheme A entries
// lacking a ",U=" segment, assigns the next UID and renames the file in
// place (spec.md §4.4.3).
func (b *Box) resolveEntry(dir, name string, recent bool) (*message.Message, string, error) {
	fn := parseFilename(name)

	m := &message.Message{
		Base:  fn.Base,
		Flags: fn.Flags,
		IsNew: dir == "new",
	}
	if recent {
		m.Status |= message.StatusRecent
	}

	switch b.Scheme {
	case SchemeFilename:
		if fn.HasU {
			m.UID = fn.UID
			return m, name, nil
		}
		uid := b.state.MaxUID + 1
		b.state.MaxUID = uid
		b.state.NextUID = uid + 1
		fn.UID, fn.HasU = uid, true
		newName := fn.build()
		if err := os.Rename(filepath.Join(b.Root, dir, name), filepath.Join(b.Root, dir, newName)); err != nil {
			return nil, "", err
		}
		if err := b.persistState(); err != nil {
			return nil, "", err
		}
		m.UID = uid
		return m, newName, nil

	case SchemeDB:
		uid, ok, err := b.schemeB.uidFor(fn.Base)
		if err != nil {
			return nil, "", err
		}
		if ok {
			m.UID = uid
			return m, name, nil
		}
		uid = b.state.MaxUID + 1
		b.state.MaxUID = uid
		b.state.NextUID = uid + 1
		if err := b.schemeB.setUID(fn.Base, uid); err != nil {
			return nil, "", err
		}
		if err := b.persistState(); err != nil {
			return nil, "", err
		}
		m.UID = uid
		return m, name, nil
	}

	return m, name, nil
}

// Path returns the on-disk path currently associated with m, or "" if m
// is not one of the entries from the last Scan.
func (b *Box) Path(m *message.Message) string {
	for _, e := range b.entries {
		if e.msg == m {
			return filepath.Join(b.Root, e.dir, e.name)
		}
	}
	return ""
}

// Messages returns every message from the last Scan, in scan order.
func (b *Box) Messages() []*message.Message {
	out := make([]*message.Message, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.msg
	}
	return out
}
