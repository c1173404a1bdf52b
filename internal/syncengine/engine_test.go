package syncengine_test

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"msync.dev/msyncd/internal/imapclient"
	"msync.dev/msyncd/internal/maildir"
	"msync.dev/msyncd/internal/message"
	"msync.dev/msyncd/internal/syncengine"
)

// fakeIMAP is the same scripted-server shape internal/imapclient's tests
// use, duplicated here (unexported test helpers don't cross package
// boundaries) to drive a real *imapclient.Client against the engine.
type fakeIMAP struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startFakeIMAP(t *testing.T, greeting string) (addr string, srv <-chan *fakeIMAP) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan *fakeIMAP, 1)
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		fs := &fakeIMAP{t: t, conn: conn, r: bufio.NewReader(conn)}
		fs.send(greeting)
		ch <- fs
	}()
	return ln.Addr().String(), ch
}

func (f *fakeIMAP) send(line string) {
	if _, err := f.conn.Write([]byte(line + "\r\n")); err != nil {
		f.t.Errorf("fakeIMAP: write: %v", err)
	}
}

func (f *fakeIMAP) readCommand() (tag, rest string) {
	line, err := f.r.ReadString('\n')
	if err != nil {
		f.t.Errorf("fakeIMAP: read: %v", err)
		return "", ""
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 2)
	tag = parts[0]
	if len(parts) > 1 {
		rest = parts[1]
	}
	return tag, rest
}

func (f *fakeIMAP) readLiteral(n int) []byte {
	buf := make([]byte, n)
	total := 0
	for total < len(buf) {
		k, err := f.r.Read(buf[total:])
		total += k
		if err != nil {
			f.t.Errorf("fakeIMAP: read literal: %v", err)
			return nil
		}
	}
	tail := make([]byte, 2)
	for total2 := 0; total2 < 2; {
		k, err := f.r.Read(tail[total2:])
		total2 += k
		if err != nil {
			f.t.Errorf("fakeIMAP: read literal CRLF: %v", err)
			break
		}
	}
	return buf
}

func literalLen(rest string) int {
	i := strings.LastIndex(rest, "{")
	if i < 0 || !strings.HasSuffix(rest, "}") {
		return -1
	}
	digits := strings.TrimSuffix(rest[i+1:], "}")
	digits = strings.TrimSuffix(digits, "+")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

func (f *fakeIMAP) close() { f.conn.Close() }

func dialFakeIMAP(t *testing.T, addr string) *imapclient.Client {
	t.Helper()
	filer := iox.NewFiler(0)
	c, err := imapclient.Connect(addr, 2*time.Second, nil, filer, t.Logf)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeMaildirFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// TestRunUploadsNewAndReconcilesFlags exercises the engine's two most
// common real-world actions in one pass: uploading a not-yet-synced local
// message (picking up its server-assigned UID via APPENDUID) and folding
// a remote-only flag addition into an already-paired message without
// pushing anything back (no local-side addition exists to push).
func TestRunUploadsNewAndReconcilesFlags(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	box, err := maildir.Open(root, maildir.SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close()

	writeMaildirFile(t, filepath.Join(root, "cur"), "1000.1_1.host,U=5:2,S", "From: a\r\n\r\nold\r\n")
	writeMaildirFile(t, filepath.Join(root, "new"), "2000.1_2.host:2,", "From: b\r\n\r\nnew message\r\n")

	addr, srvCh := startFakeIMAP(t, "* OK [CAPABILITY IMAP4rev1 UIDPLUS] ready")
	client := dialFakeIMAP(t, addr)
	fs := <-srvCh
	defer fs.close()

	done := make(chan struct{})
	go func() {
		defer close(done)

		tag, rest := fs.readCommand()
		if rest != `SELECT "INBOX"` {
			t.Errorf("unexpected SELECT: %q", rest)
		}
		fs.send("* 1 EXISTS")
		fs.send("* OK [UIDVALIDITY 9] UIDs valid")
		fs.send(tag + " OK [READ-WRITE] SELECT completed")

		tag, rest = fs.readCommand()
		if rest != "UID FETCH 1:* (UID FLAGS)" {
			t.Errorf("unexpected UID FETCH: %q", rest)
		}
		fs.send(`* 1 FETCH (UID 5 FLAGS (\Seen \Flagged))`)
		fs.send(tag + " OK FETCH completed")

		tag, rest = fs.readCommand()
		n := literalLen(rest)
		if n < 0 {
			t.Errorf("expected an APPEND with a literal, got %q", rest)
			return
		}
		fs.send("+ Ready")
		fs.readLiteral(n)
		fs.send(tag + " OK [APPENDUID 9 42] APPEND completed")
	}()

	eng := &syncengine.Engine{
		Local:  box,
		Remote: client,
		Log:    t.Logf,
	}
	if err := eng.Run("INBOX"); err != nil {
		t.Fatal(err)
	}
	<-done

	msgs := box.Messages()
	var uploaded, reconciled *message.Message
	for _, m := range msgs {
		switch m.Base {
		case "2000.1_2.host":
			uploaded = m
		case "1000.1_1.host":
			reconciled = m
		}
	}
	if uploaded == nil || uploaded.UID != 42 {
		t.Fatalf("uploaded message did not get UID 42: %+v", uploaded)
	}
	if reconciled == nil || reconciled.Flags&message.FlagFlagged == 0 {
		t.Fatalf("reconciled message did not pick up remote \\Flagged: %+v", reconciled)
	}
}

// TestRunFastModeSkipsPairing guards against a regression where an
// already-synced local message, absent from the fast-filtered remote
// attrs, got treated as an orphan and deleted outright. Fast mode never
// loaded the full remote mailbox, so pairing must be skipped entirely,
// not just fed a filtered map.
func TestRunFastModeSkipsPairing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "INBOX")
	box, err := maildir.Open(root, maildir.SchemeFilename, true)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close()

	if _, err := box.Store(5, message.FlagSeen, []byte("From: a\r\n\r\nold\r\n")); err != nil {
		t.Fatal(err)
	}

	addr, srvCh := startFakeIMAP(t, "* OK [CAPABILITY IMAP4rev1 UIDPLUS] ready")
	client := dialFakeIMAP(t, addr)
	fs := <-srvCh
	defer fs.close()

	done := make(chan struct{})
	go func() {
		defer close(done)

		tag, rest := fs.readCommand()
		if rest != `SELECT "INBOX"` {
			t.Errorf("unexpected SELECT: %q", rest)
		}
		fs.send("* 1 EXISTS")
		fs.send("* OK [UIDVALIDITY 9] UIDs valid")
		fs.send(tag + " OK [READ-WRITE] SELECT completed")

		tag, rest = fs.readCommand()
		if rest != "UID FETCH 1:* (UID FLAGS)" {
			t.Errorf("unexpected UID FETCH: %q", rest)
		}
		fs.send(`* 1 FETCH (UID 5 FLAGS (\Seen))`)
		fs.send(tag + " OK FETCH completed")
	}()

	eng := &syncengine.Engine{
		Local:  box,
		Remote: client,
		Log:    t.Logf,
		Policy: syncengine.Policy{Fast: true, Delete: true},
	}
	if err := eng.Run("INBOX"); err != nil {
		t.Fatal(err)
	}
	<-done

	msgs := box.Messages()
	if len(msgs) != 1 || msgs[0].IsDead() {
		t.Fatalf("fast mode wrongly treated the already-synced message as an orphan: %+v", msgs)
	}
}
