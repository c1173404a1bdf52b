package imapclient_test

import (
	"testing"
	"time"

	"crawshaw.io/iox"
	"msync.dev/msyncd/internal/imapclient"
)

func dialFake(t *testing.T, addr string) *imapclient.Client {
	t.Helper()
	filer := iox.NewFiler(0)
	c, err := imapclient.Connect(addr, 2*time.Second, nil, filer, t.Logf)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConnectCapabilityInGreeting(t *testing.T) {
	addr, srvCh := newFakeServer(t, "* OK [CAPABILITY IMAP4rev1 UIDPLUS LITERAL+] ready")
	go func() {
		fs := <-srvCh
		defer fs.close()
		tag, rest := fs.readCommand()
		if rest != "LOGOUT" {
			t.Errorf("expected LOGOUT, got %q", rest)
		}
		fs.send(tag + " OK done")
	}()

	c := dialFake(t, addr)
	if !c.Caps.Has(imapclient.CapUIDPlus) {
		t.Error("expected UIDPLUS to be cached from the greeting")
	}
	if !c.Caps.Has(imapclient.CapLiteralPlus) {
		t.Error("expected LITERAL+ to be cached from the greeting")
	}
	if err := c.Logout(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectIssuesCapabilityWhenGreetingBare(t *testing.T) {
	addr, srvCh := newFakeServer(t, "* OK ready")
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs := <-srvCh
		defer fs.close()
		tag, rest := fs.readCommand()
		if rest != "CAPABILITY" {
			t.Errorf("expected CAPABILITY, got %q", rest)
		}
		fs.send("* CAPABILITY IMAP4rev1 AUTH=CRAM-MD5")
		fs.send(tag + " OK done")
	}()

	c := dialFake(t, addr)
	<-done
	if !c.Caps.Has(imapclient.CapAuthCRAMMD5) {
		t.Error("expected AUTH=CRAM-MD5 to be cached")
	}
}

func TestLogin(t *testing.T) {
	addr, srvCh := newFakeServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs := <-srvCh
		defer fs.close()
		tag, rest := fs.readCommand()
		if rest != `LOGIN "alice" "s3cret"` {
			t.Errorf("unexpected LOGIN command: %q", rest)
		}
		fs.send(tag + " OK LOGIN completed")
	}()

	c := dialFake(t, addr)
	if err := c.Login("alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestLoginRejectsWhenDisabled(t *testing.T) {
	addr, srvCh := newFakeServer(t, "* OK [CAPABILITY IMAP4rev1 LOGINDISABLED] ready")
	go func() {
		fs := <-srvCh
		defer fs.close()
	}()

	c := dialFake(t, addr)
	if err := c.Login("alice", "s3cret"); err == nil {
		t.Fatal("expected Login to refuse when LOGINDISABLED is advertised")
	}
}

func TestAuthCRAMMD5(t *testing.T) {
	addr, srvCh := newFakeServer(t, "* OK [CAPABILITY IMAP4rev1 AUTH=CRAM-MD5] ready")
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs := <-srvCh
		defer fs.close()
		tag, rest := fs.readCommand()
		if rest != "AUTHENTICATE CRAM-MD5" {
			t.Errorf("unexpected command: %q", rest)
		}
		fs.send("+ PDQwNjkuMTIzNDU2NzhAZXhhbXBsZS5jb20+")
		// Consume the client's base64 response line; contents are
		// go-sasl's responsibility to compute correctly.
		fs.readCommand()
		fs.send(tag + " OK authenticated")
	}()

	c := dialFake(t, addr)
	if err := c.AuthCRAMMD5("alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	<-done
}
