package imapclient

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"
	"github.com/emersion/go-sasl"
	"msync.dev/msyncd/internal/logging"
	"msync.dev/msyncd/internal/transport"
	"msync.dev/msyncd/internal/wire"
)

// MailboxInfo is one entry of a LIST response (spec.md §4.3.3's "list").
type MailboxInfo struct {
	Name      string
	Delimiter string
	NoSelect  bool
}

// MessageAttrs is the subset of a FETCH response the sync engine needs:
// UID, size, and flags (spec.md §4.3.3's "scan"/"fetch_flags").
type MessageAttrs struct {
	UID   uint32
	Size  uint32
	Flags []string
}

// AppendResult reports what an APPEND command produced: the APPENDUID
// response code when UIDPLUS is present, or ok=false when the server gave
// no UID and the caller must fall back to the X-TUID search (spec.md
// §4.4.5).
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
	HasUID      bool
}

// Connect dials addr, optionally wraps it in implicit TLS, reads the
// greeting, and issues an initial CAPABILITY if the greeting didn't carry
// one. It is the entry point spec.md §4.3.1 calls "session setup."
func Connect(addr string, timeout time.Duration, tlsConfig *tls.Config, filer *iox.Filer, log logging.Logf) (*Client, error) {
	tr, err := transport.Dial(addr, timeout, tlsConfig)
	if err != nil {
		return nil, err
	}
	c := New(tr, filer, log)
	if err := c.readGreeting(); err != nil {
		tr.Close()
		return nil, err
	}
	if len(c.Caps) == 0 {
		if err := c.Capability(); err != nil {
			tr.Close()
			return nil, err
		}
	}
	return c, nil
}

// ConnectTunnel is Connect's counterpart for a preauth tunnel command
// (spec.md §4.1's "tunnel" transport).
func ConnectTunnel(cmd string, filer *iox.Filer, log logging.Logf) (*Client, error) {
	tr, err := transport.SpawnTunnel(cmd)
	if err != nil {
		return nil, err
	}
	c := New(tr, filer, log)
	if err := c.readGreeting(); err != nil {
		tr.Close()
		return nil, err
	}
	if len(c.Caps) == 0 {
		if err := c.Capability(); err != nil {
			tr.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) readGreeting() error {
	resp, err := c.sc.ReadResponse()
	if err != nil {
		return fmt.Errorf("imapclient: reading greeting: %w", err)
	}
	if resp.Tag != "*" || len(resp.Fields) == 0 {
		return fmt.Errorf("%w: malformed greeting", wire.ErrParse)
	}
	switch {
	case resp.Fields[0].IsAtomUpper("PREAUTH"):
	case resp.Fields[0].IsAtomUpper("OK"):
	case resp.Fields[0].IsAtomUpper("BYE"):
		return fmt.Errorf("imapclient: server refused connection at greeting")
	default:
		return fmt.Errorf("%w: unexpected greeting status %q", wire.ErrParse, resp.Fields[0].Text())
	}
	c.applyBracketCode(resp.Fields[1:])
	return nil
}

// StartTLS issues STARTTLS and, on success, promotes the transport and
// clears the capability cache (RFC 3501 §6.2.1: capabilities must be
// re-queried after STARTTLS since an active attacker could have forged
// the pre-TLS CAPABILITY response).
func (c *Client) StartTLS(cfg *tls.Config) error {
	if !c.Caps.Has(CapStartTLS) {
		return fmt.Errorf("imapclient: server did not advertise STARTTLS")
	}
	status, _, _, _, err := c.simple("STARTTLS", "")
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: STARTTLS refused")
	}
	if err := c.tr.StartTLS(cfg); err != nil {
		return err
	}
	c.sc = wire.NewScanner(c.tr.Reader(), 4096, c.sc.Filer())
	c.Caps.Reset(nil)
	return c.Capability()
}

// Capability issues CAPABILITY and blocks until the tagged OK/BAD arrives,
// populating Caps from the untagged CAPABILITY line (spec.md §4.3.2).
func (c *Client) Capability() error {
	status, _, _, _, err := c.simple("CAPABILITY", "")
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: CAPABILITY failed")
	}
	return nil
}

// Login authenticates with LOGIN, the fallback when no stronger SASL
// mechanism is configured or available (spec.md §4.1).
func (c *Client) Login(user, pass string) error {
	if c.Caps.Has(CapLoginDisabled) {
		return fmt.Errorf("imapclient: LOGIN disabled by server, CRAM-MD5/TLS required")
	}
	args := fmt.Sprintf("%s %s", wire.Quote(user), wire.Quote(pass))
	status, _, _, _, err := c.simple("LOGIN", args)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: LOGIN rejected")
	}
	return nil
}

// AuthCRAMMD5 performs AUTHENTICATE CRAM-MD5 via go-sasl, grounded on
// aerion's use of the same package for SASL client mechanisms. The
// challenge/response round trip doesn't fit the generic literal-payload
// continuation path in submit(), so it drives the wire directly instead of
// going through the command queue.
func (c *Client) AuthCRAMMD5(user, pass string) error {
	if !c.Caps.Has(CapAuthCRAMMD5) {
		return fmt.Errorf("imapclient: server did not advertise AUTH=CRAM-MD5")
	}
	client := sasl.NewCramMD5Client(user, pass)

	c.mu.Lock()
	tag := c.newTag()
	c.mu.Unlock()

	if _, err := c.tr.Write([]byte(tag + " AUTHENTICATE CRAM-MD5\r\n")); err != nil {
		return err
	}

	resp, err := c.sc.ReadResponse()
	if err != nil {
		return err
	}
	if resp.Tag != "+" {
		return fmt.Errorf("imapclient: expected continuation for CRAM-MD5 challenge")
	}

	challenge, err := base64.StdEncoding.DecodeString(resp.ContinuationText)
	if err != nil {
		return fmt.Errorf("imapclient: CRAM-MD5 challenge: %w", err)
	}
	reply, err := client.Next(challenge)
	if err != nil {
		return fmt.Errorf("imapclient: CRAM-MD5: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(reply)
	if _, err := c.tr.Write([]byte(encoded + "\r\n")); err != nil {
		return err
	}

	final, err := c.sc.ReadResponse()
	if err != nil {
		return err
	}
	if final.Tag != tag || len(final.Fields) == 0 || !final.Fields[0].IsAtomUpper("OK") {
		return fmt.Errorf("imapclient: CRAM-MD5 authentication rejected")
	}
	c.applyBracketCode(final.Fields[1:])
	return nil
}

// simple issues a command with no untagged-data handling beyond the
// capability/record-code extraction every tagged completion gets, and
// blocks until that completion arrives.
func (c *Client) simple(verb, args string) (status Status, codeName string, codeArgs []string, fields []wire.Node, err error) {
	return c.simpleWithData(verb, args, nil)
}

// applyBracketCode updates client state from a parsed response code: the
// UIDVALIDITY/UIDNEXT/APPENDUID/ALERT family spec.md §4.3.2 lists.
func (c *Client) applyBracketCode(rest []wire.Node) {
	name, args, ok := peekBracketAtom(rest)
	if !ok {
		return
	}
	switch strings.ToUpper(name) {
	case "UIDVALIDITY":
		if len(args) == 1 {
			if n, err := strconv.ParseUint(args[0], 10, 32); err == nil {
				c.UIDValidity = uint32(n)
			}
		}
	case "UIDNEXT":
		if len(args) == 1 {
			if n, err := strconv.ParseUint(args[0], 10, 32); err == nil {
				c.UIDNext = uint32(n)
			}
		}
	case "APPENDUID":
		if len(args) == 2 {
			v, err1 := strconv.ParseUint(args[0], 10, 32)
			u, err2 := strconv.ParseUint(args[1], 10, 32)
			if err1 == nil && err2 == nil {
				c.lastAppend = &appendUIDCapture{validity: uint32(v), uid: uint32(u)}
			}
		}
	case "CAPABILITY":
		c.applyCapabilityWords(args)
	case "ALERT":
		logging.Alert(strings.Join(args, " "))
	}
}

func (c *Client) applyCapabilityWords(words []string) {
	caps := make([]Cap, 0, len(words))
	for _, w := range words {
		caps = append(caps, Cap(strings.ToUpper(w)))
	}
	c.Caps.Reset(caps)
}

// handleUntagged dispatches one untagged ("* ...") response: CAPABILITY,
// OK-with-code (greeting/record codes), EXISTS/RECENT/FETCH/SEARCH
// (routed to the oldest pending command still awaiting data, per spec.md
// §4.3.1's simplification), and LIST.
func (c *Client) handleUntagged(fields []wire.Node) error {
	if len(fields) == 0 {
		return nil
	}

	if fields[0].IsAtomUpper("OK") || fields[0].IsAtomUpper("BYE") || fields[0].IsAtomUpper("PREAUTH") {
		c.applyBracketCode(fields[1:])
		return nil
	}
	if fields[0].IsAtomUpper("CAPABILITY") {
		words := make([]string, 0, len(fields)-1)
		for _, f := range fields[1:] {
			words = append(words, f.Text())
		}
		c.applyCapabilityWords(words)
		return nil
	}

	c.mu.Lock()
	var target *pending
	if len(c.queue) > 0 {
		target = c.queue[0]
	}
	c.mu.Unlock()
	if target == nil || target.onData == nil {
		return nil
	}
	target.onData(fields)
	return nil
}
