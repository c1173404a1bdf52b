// Package transport owns the framed byte stream a mailbox session runs
// over: a TCP socket or a child-process pipe pair, optionally wrapped in
// TLS (spec.md §4.1). It is grounded on the stdlib net/crypto-tls
// primitives the whole retrieved corpus drives directly (spilld's
// devcert/autocert usage, aerion's tls.DialWithDialer) — there is no
// third-party transport abstraction in the corpus better suited to this
// layer than the standard library itself.
package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"
)

// Transport is a connected, possibly-TLS-wrapped byte stream plus the
// "bytes pending" probe the command pipeline (spec.md §4.3.1) uses to
// decide whether to drain instead of submitting more commands.
type Transport struct {
	conn      net.Conn
	br        *bufio.Reader
	tlsConfig *tls.Config
	tlsOn     bool
	authed    bool // set once the first command after greeting is issued
}

// Dial opens a plain TCP connection to addr ("host:port"). If tlsConfig is
// non-nil the connection is wrapped in TLS immediately (implicit TLS,
// e.g. port 993).
func Dial(addr string, timeout time.Duration, tlsConfig *tls.Config) (*Transport, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: unreachable: %w", err)
	}
	t := &Transport{conn: conn, tlsConfig: tlsConfig}
	if tlsConfig != nil {
		if err := t.wrapTLS(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	t.br = bufio.NewReaderSize(t.conn, 4096)
	return t, nil
}

// SpawnTunnel runs cmd through "/bin/sh -c" and binds its stdin/stdout to
// the transport, the way isync drives a preauth tunnel command
// (original_source/src/imap.c's socket_open's tunnel case).
func SpawnTunnel(cmd string) (*Transport, error) {
	c := exec.Command("/bin/sh", "-c", cmd)
	in, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: tunnel stdin: %w", err)
	}
	out, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: tunnel stdout: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("transport: tunnel start: %w", err)
	}
	conn := &pipeConn{r: out, w: in, cmd: c}
	t := &Transport{conn: conn}
	t.br = bufio.NewReaderSize(conn, 4096)
	return t, nil
}

// pipeConn adapts a child process's stdin/stdout pipes to the net.Conn
// shape Transport expects, so a tunnel and a socket can share one code
// path, the same trick isync's tunnel support relies on.
type pipeConn struct {
	r   io.ReadCloser
	w   io.WriteCloser
	cmd *exec.Cmd
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	p.w.Close()
	p.r.Close()
	return p.cmd.Wait()
}
func (p *pipeConn) LocalAddr() net.Addr             { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr            { return pipeAddr{} }
func (p *pipeConn) SetDeadline(time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "tunnel" }

// Reader exposes the buffered reader the wire.Scanner tokenizes from.
func (t *Transport) Reader() *bufio.Reader { return t.br }

func (t *Transport) Write(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("transport: write: %w", err)
	}
	return n, nil
}

// Pending is a best-effort count of bytes immediately available without
// blocking, used to decide whether to drain already-arrived pipelined
// responses (spec.md §4.3.1) before submitting more commands.
func (t *Transport) Pending() int {
	return t.br.Buffered()
}

// StartTLS promotes a plain connection to TLS. It must be called only
// before any authentication command has been issued (spec.md §4.1); the
// caller (imapclient) is responsible for enforcing that ordering since
// only it knows the session's auth state.
func (t *Transport) StartTLS(cfg *tls.Config) error {
	if t.tlsOn {
		return fmt.Errorf("transport: TLS already active")
	}
	t.tlsConfig = cfg
	if err := t.wrapTLS(); err != nil {
		return err
	}
	t.br = bufio.NewReaderSize(t.conn, 4096)
	return nil
}

func (t *Transport) wrapTLS() error {
	tc := tls.Client(t.conn, t.tlsConfig)
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("transport: TLS handshake: %w", err)
	}
	t.conn = tc
	t.tlsOn = true
	return nil
}

// PeerCertificates returns the certificate chain presented by the server,
// or nil if the connection is not (yet) TLS.
func (t *Transport) PeerCertificates() [][]byte {
	tc, ok := t.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	var out [][]byte
	for _, c := range tc.ConnectionState().PeerCertificates {
		out = append(out, c.Raw)
	}
	return out
}

func (t *Transport) Close() error { return t.conn.Close() }

func (t *Transport) SetDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	t.conn.SetDeadline(time.Now().Add(d))
}
