package maildir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"msync.dev/msyncd/internal/message"
)

func writeRaw(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	b, err := Open(filepath.Join(root, "INBOX"), SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for _, sub := range []string{"cur", "new", "tmp"} {
		if fi, err := os.Stat(filepath.Join(root, "INBOX", sub)); err != nil || !fi.IsDir() {
			t.Errorf("missing directory %s", sub)
		}
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(filepath.Join(root, "INBOX"), SchemeFilename, false); err == nil {
		t.Fatal("expected error opening a missing Maildir without create")
	}
}

func TestScanAssignsUIDsSchemeA(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	writeRaw(t, b.newDir(), "1111.1_1.host:2,", "From: a\r\n\r\nbody\r\n")
	writeRaw(t, b.curDir(), "2222.1_2.host:2,S", "From: b\r\n\r\nbody\r\n")

	msgs, err := b.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.UID == message.SentinelUID {
			t.Errorf("message %s was not assigned a UID", m.Base)
		}
	}
	if msgs[0].UID == msgs[1].UID {
		t.Errorf("both messages got the same UID: %d", msgs[0].UID)
	}

	// Filenames on disk should now carry ",U=<uid>".
	names, err := readDirNames(b.newDir())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range names {
		if parseFilename(n).HasU {
			found = true
		}
	}
	if !found {
		t.Error("expected at least one renamed file with a ,U= segment")
	}
}

func TestScanStableAcrossRuns(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	writeRaw(t, b.newDir(), "1111.1_1.host:2,", "x")

	first, err := b.Scan()
	if err != nil {
		t.Fatal(err)
	}
	uid := first[0].UID
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := Open(root, SchemeFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	second, err := b2.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].UID != uid {
		t.Errorf("UID did not survive reopen: got %v, want %d", second, uid)
	}
}

func TestStoreAndSetFlags(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	m, err := b.Store(42, message.FlagSeen, []byte("hello\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if m.UID != 42 {
		t.Errorf("UID = %d, want 42", m.UID)
	}
	if got := b.Path(m); got == "" {
		t.Error("Path returned empty string for stored message")
	}
	if dir := filepath.Base(filepath.Dir(b.Path(m))); dir != "cur" {
		t.Errorf("Seen message stored in %q, want cur", dir)
	}

	if err := b.SetFlags(m, message.FlagSeen|message.FlagFlagged); err != nil {
		t.Fatal(err)
	}
	got := parseFilename(filepath.Base(b.Path(m))).Flags
	if got != message.FlagSeen|message.FlagFlagged {
		t.Errorf("flags on disk = %v, want Seen+Flagged", got)
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	m, err := b.Store(1, message.Flags(0), []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	path := b.Path(m)
	if err := b.Unlink(m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Unlink: %v", err)
	}
	if !m.IsDead() {
		t.Error("message not marked dead after Unlink")
	}
}

func TestGCTmpRemovesStaleFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	stale := filepath.Join(b.tmpDir(), "stale")
	writeRaw(t, b.tmpDir(), "stale", "x")
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if err := b.gcTmp(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale tmp file was not collected")
	}
}

func TestScanRegeneratesOnDuplicateUID(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.state.UIDValidity = 123
	if err := b.persistState(); err != nil {
		t.Fatal(err)
	}

	writeRaw(t, b.curDir(), "1111.1_1.host,U=7:2,S", "From: a\r\n\r\nbody\r\n")
	writeRaw(t, b.curDir(), "2222.1_2.host,U=7:2,", "From: b\r\n\r\nbody\r\n")

	msgs, err := b.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].UID == msgs[1].UID {
		t.Errorf("duplicate UID %d survived the rescan", msgs[0].UID)
	}

	if b.State().UIDValidity == 123 {
		t.Error("expected UIDVALIDITY to be regenerated after a duplicate UID was found")
	}

	names, err := readDirNames(b.curDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if !parseFilename(n).HasU {
			t.Errorf("expected every file to carry a freshly assigned ,U= segment, got %q", n)
		}
	}
}

func TestSchemeBRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	b, err := Open(root, SchemeDB, true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	writeRaw(t, b.newDir(), "1111.1_1.host:2,", "x")
	msgs, err := b.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UID == message.SentinelUID {
		t.Fatalf("scheme B scan did not assign a UID: %v", msgs)
	}
}
