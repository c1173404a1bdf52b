// Package imapclient implements the IMAP client state machine of
// spec.md §4.3: a tagged command pipeline, capability/authentication
// negotiation, and the mailbox operations table the sync engine drives.
// It is grounded on imap/imapparser (teacher's tokenizer design,
// generalized from commands to responses — see internal/wire) and on
// aerion/internal/imap/client.go for the shape of a Go IMAP client
// surface (Connect/Login/Select/Append/...).
package imapclient

import (
	"fmt"
	"sync"

	"crawshaw.io/iox"
	"msync.dev/msyncd/internal/logging"
	"msync.dev/msyncd/internal/transport"
	"msync.dev/msyncd/internal/wire"
)

// Status is a tagged command's outcome, one of the three IMAP completion
// results.
type Status int

const (
	StatusOK Status = iota
	StatusNO
	StatusBAD
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	case StatusBAD:
		return "BAD"
	default:
		return "?"
	}
}

// maxInProgress bounds outstanding commands (spec.md §4.3.1).
const maxInProgress = 50

// pending is one in-flight command's bookkeeping: spec.md §4.3.1's
// "{on_continuation, on_done, payload-literal bytes, context pointer,
// recovery hint flags}" record, expressed as a struct of closures rather
// than C function pointers + void* context.
type pending struct {
	tag string

	literal []byte // non-nil: payload to send on '+', then cleared

	// onContinuation handles a '+' that isn't a literal-payload grant,
	// e.g. the CRAM-MD5 challenge.
	onContinuation func(text string) error

	// onDone is invoked once with the parsed tagged completion.
	onDone func(status Status, codeName string, codeArgs []string, fields []wire.Node, err error)

	// onData, when set, receives every untagged response line that
	// arrives while this command is the oldest one still in flight
	// (spec.md §4.3.1's "route data to the oldest pending command"
	// simplification).
	onData func(fields []wire.Node)

	// recovery hints (spec.md §4.3.1).
	createOnNo bool
	trycreate  bool
	mailbox    string // mailbox name to CREATE then retry against
}

// Client drives one IMAP session: one Transport, one Scanner, one FIFO of
// in-flight commands, and the capability cache.
type Client struct {
	tr  *transport.Transport
	sc  *wire.Scanner
	log logging.Logf

	mu             sync.Mutex
	nextTag        int
	queue          []*pending // FIFO, oldest first
	byTag          map[string]*pending
	lastSubmitted  *pending
	literalPending bool // gate: previous command sent a literal and server lacks LITERAL+

	Caps CapSet

	// Greeting/ALERT/record-code state populated by the dispatch loop.
	UIDValidity uint32
	UIDNext     uint32
	lastAppend  *appendUIDCapture
}

func New(tr *transport.Transport, filer *iox.Filer, log logging.Logf) *Client {
	if log == nil {
		log = logging.Discard
	}
	return &Client{
		tr:    tr,
		sc:    wire.NewScanner(tr.Reader(), 4096, filer),
		log:   log,
		byTag: make(map[string]*pending),
		Caps:  make(CapSet),
	}
}

func (c *Client) newTag() string {
	c.nextTag++
	return fmt.Sprintf("a%04d", c.nextTag)
}

// submit writes "<tag> <verb> <args>\r\n" (or, if literal is non-nil and
// LITERAL+ is cached, "<tag> <verb> <args> {<n>+}\r\n<literal>\r\n") and
// registers p to receive the eventual tagged completion. It blocks,
// draining completed commands, while the queue is full or the previous
// command is mid-literal-continuation without LITERAL+ (spec.md §4.3.1).
func (c *Client) submit(verb, args string, literal []byte, p *pending) error {
	for {
		c.mu.Lock()
		blocked := c.literalPending || len(c.queue) >= maxInProgress
		c.mu.Unlock()
		if !blocked {
			break
		}
		if _, err := c.drainOne(); err != nil {
			return err
		}
	}

	line := verb
	if args != "" {
		line += " " + args
	}

	useLiteralPlus := literal != nil && c.Caps.Has(CapLiteralPlus)

	c.mu.Lock()
	p.tag = c.newTag()
	c.queue = append(c.queue, p)
	c.byTag[p.tag] = p
	c.lastSubmitted = p
	if literal != nil && !useLiteralPlus {
		p.literal = literal
		c.literalPending = true
	}
	c.mu.Unlock()

	if literal != nil {
		if useLiteralPlus {
			line += fmt.Sprintf(" {%d+}", len(literal))
		} else {
			line += fmt.Sprintf(" {%d}", len(literal))
		}
	}

	if _, err := c.tr.Write([]byte(p.tag + " " + line + "\r\n")); err != nil {
		return err
	}
	if useLiteralPlus {
		if _, err := c.tr.Write(literal); err != nil {
			return err
		}
		if _, err := c.tr.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	return nil
}

// drainOne reads and dispatches exactly one server response line.
func (c *Client) drainOne() (bool, error) {
	resp, err := c.sc.ReadResponse()
	if err != nil {
		c.failAll(err)
		return false, err
	}

	switch resp.Tag {
	case "+":
		return true, c.handleContinuation(resp.ContinuationText)
	case "*":
		return true, c.handleUntagged(resp.Fields)
	default:
		return true, c.handleTagged(resp.Tag, resp.Fields)
	}
}

// Pump drains responses until the queue is empty; used by callers that
// want to flush pipelined non-data commands (e.g. several STORE.SILENT in
// a row) without waiting on each individually.
func (c *Client) Pump() error {
	for {
		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			return nil
		}
		if _, err := c.drainOne(); err != nil {
			return err
		}
	}
}

func (c *Client) handleContinuation(text string) error {
	c.mu.Lock()
	p := c.lastSubmitted
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	if p.literal != nil {
		lit := p.literal
		c.mu.Lock()
		p.literal = nil
		c.literalPending = false
		c.mu.Unlock()
		if _, err := c.tr.Write(lit); err != nil {
			return err
		}
		_, err := c.tr.Write([]byte("\r\n"))
		return err
	}
	if p.onContinuation != nil {
		return p.onContinuation(text)
	}
	return nil
}

func (c *Client) handleTagged(tag string, fields []wire.Node) error {
	c.mu.Lock()
	p := c.byTag[tag]
	delete(c.byTag, tag)
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if p == nil || len(fields) == 0 {
		return nil
	}

	status := parseStatus(fields[0])
	rest := fields[1:]

	codeName, codeArgs, hasCode := peekBracketAtom(rest)
	if hasCode {
		rest = rest[1:]
	}

	if p.onDone != nil {
		p.onDone(status, codeName, codeArgs, rest, nil)
	}
	return nil
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	all := c.queue
	c.queue = nil
	c.byTag = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range all {
		if p.onDone != nil {
			p.onDone(StatusBAD, "", nil, nil, err)
		}
	}
}

func parseStatus(n wire.Node) Status {
	switch {
	case n.IsAtomUpper("OK"):
		return StatusOK
	case n.IsAtomUpper("NO"):
		return StatusNO
	default:
		return StatusBAD
	}
}

// peekBracketAtom extracts a response code that the wire parser folded
// into the field list as a bracketed atom token, e.g. "[UIDVALIDITY" "1]".
// Our generic Node grammar doesn't special-case '[' ... ']', so the IMAP
// driver recognizes and reassembles it here instead of in the parser,
// keeping wire.Scanner a generic response-grammar tool.
func peekBracketAtom(fields []wire.Node) (name string, args []string, ok bool) {
	if len(fields) == 0 || fields[0].Kind != wire.KindAtom {
		return "", nil, false
	}
	text := fields[0].Text()
	if len(text) == 0 || text[0] != '[' {
		return "", nil, false
	}
	// The bracketed code may have been split across several atoms by
	// the generic space-delimited tokenizer; reassemble until one ends
	// in ']'.
	var words []string
	i := 0
	for ; i < len(fields); i++ {
		if fields[i].Kind != wire.KindAtom {
			break
		}
		w := fields[i].Text()
		words = append(words, w)
		if len(w) > 0 && w[len(w)-1] == ']' {
			i++
			break
		}
	}
	if len(words) == 0 {
		return "", nil, false
	}
	words[0] = words[0][1:]
	last := words[len(words)-1]
	words[len(words)-1] = last[:len(last)-1]
	if words[len(words)-1] == "" {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return "", nil, false
	}
	return words[0], words[1:], true
}

type appendUIDCapture struct {
	validity uint32
	uid      uint32
}
