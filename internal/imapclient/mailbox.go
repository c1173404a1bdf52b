package imapclient

import (
	"fmt"
	"strconv"
	"strings"

	"msync.dev/msyncd/internal/message"
	"msync.dev/msyncd/internal/wire"
)

// List issues LIST "" wildcard and returns every mailbox the server
// reports (spec.md §4.3.3's "list"), skipping nothing — filtering by the
// configured mailbox patterns is the sync engine's job, not the driver's.
func (c *Client) List(reference, pattern string) ([]MailboxInfo, error) {
	var out []MailboxInfo
	args := fmt.Sprintf("%s %s", wire.Quote(reference), wire.Quote(pattern))
	status, _, _, _, err := c.submitAndWait("LIST", args, nil, func(fields []wire.Node) {
		if mi, ok := parseListLine(fields); ok {
			out = append(out, mi)
		}
	})
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, fmt.Errorf("imapclient: LIST failed")
	}
	return out, nil
}

func parseListLine(fields []wire.Node) (MailboxInfo, bool) {
	if len(fields) < 3 || !fields[0].IsAtomUpper("LIST") {
		return MailboxInfo{}, false
	}
	var mi MailboxInfo
	for _, attr := range fields[1].Children {
		if attr.IsAtomUpper(`\Noselect`) || strings.EqualFold(attr.Text(), `\Noselect`) {
			mi.NoSelect = true
		}
	}
	mi.Delimiter = fields[2].Text()
	if len(fields) > 3 {
		mi.Name = fields[3].Text()
	}
	return mi, true
}

// SelectResult is what SELECT reports: the mailbox's current UIDVALIDITY
// and UIDNEXT (spec.md §4.4.1's preflight), captured via the same
// response-code path CAPABILITY/STARTTLS use.
type SelectResult struct {
	UIDValidity uint32
	UIDNext     uint32
	Exists      uint32
}

// Select opens name read-write, creating it first on NO/TRYCREATE when
// createOnMissing is set (spec.md §4.3.3's create-on-NO policy).
func (c *Client) Select(name string, createOnMissing bool) (SelectResult, error) {
	res, status, err := c.selectOnce(name)
	if err == nil && status == StatusOK {
		return res, nil
	}
	if !createOnMissing {
		return SelectResult{}, fmt.Errorf("imapclient: SELECT %q failed", name)
	}
	if subErr := c.create(name); subErr != nil {
		return SelectResult{}, subErr
	}
	res, status, err = c.selectOnce(name)
	if err != nil {
		return SelectResult{}, err
	}
	if status != StatusOK {
		return SelectResult{}, fmt.Errorf("imapclient: SELECT %q failed after CREATE", name)
	}
	return res, nil
}

func (c *Client) selectOnce(name string) (SelectResult, Status, error) {
	var res SelectResult
	c.UIDValidity, c.UIDNext = 0, 0

	status, _, _, _, err := c.simpleWithData("SELECT", wire.Quote(name), func(fields []wire.Node) {
		if len(fields) >= 2 && fields[1].IsAtomUpper("EXISTS") {
			if n, e := strconv.ParseUint(fields[0].Text(), 10, 32); e == nil {
				res.Exists = uint32(n)
			}
		}
	})
	res.UIDValidity, res.UIDNext = c.UIDValidity, c.UIDNext
	return res, status, err
}

func (c *Client) create(name string) error {
	status, _, _, _, err := c.simple("CREATE", wire.Quote(name))
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: CREATE %q failed", name)
	}
	return nil
}

// simpleWithData is like simple but also routes untagged data lines
// arriving while the command is outstanding to onData.
func (c *Client) simpleWithData(verb, args string, onData func([]wire.Node)) (status Status, codeName string, codeArgs []string, fields []wire.Node, err error) {
	return c.submitAndWait(verb, args, nil, onData)
}

// submitAndWait submits one command, optionally with a literal payload,
// and blocks until its tagged completion, draining and dispatching every
// response in between.
func (c *Client) submitAndWait(verb, args string, literal []byte, onData func([]wire.Node)) (status Status, codeName string, codeArgs []string, fields []wire.Node, err error) {
	result := make(chan struct{})
	p := &pending{
		onData: onData,
		onDone: func(st Status, cn string, ca []string, f []wire.Node, e error) {
			status, codeName, codeArgs, fields, err = st, cn, ca, f, e
			close(result)
		},
	}
	if subErr := c.submit(verb, args, literal, p); subErr != nil {
		return StatusBAD, "", nil, nil, subErr
	}
	for {
		select {
		case <-result:
			return
		default:
		}
		if _, drainErr := c.drainOne(); drainErr != nil {
			return StatusBAD, "", nil, nil, drainErr
		}
	}
}

// UIDFetchFlags issues "UID FETCH 1:* (UID FLAGS)" to scan the currently
// selected mailbox (spec.md §4.4.1's "scan"), returning size-less
// attributes; sizes are fetched separately only for messages the engine
// decides it needs to download.
func (c *Client) UIDFetchFlags() ([]MessageAttrs, error) {
	var out []MessageAttrs
	status, _, _, _, err := c.simpleWithData("UID FETCH", "1:* (UID FLAGS)", func(fields []wire.Node) {
		attrs, ok := parseFetchLine(fields)
		if ok {
			out = append(out, attrs)
		}
	})
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, fmt.Errorf("imapclient: UID FETCH failed")
	}
	return out, nil
}

func parseFetchLine(fields []wire.Node) (MessageAttrs, bool) {
	if len(fields) < 2 || !fields[1].IsAtomUpper("FETCH") || fields[2].Kind != wire.KindList {
		return MessageAttrs{}, false
	}
	var attrs MessageAttrs
	items := fields[2].Children
	for i := 0; i+1 < len(items); i += 2 {
		switch {
		case items[i].IsAtomUpper("UID"):
			if n, e := strconv.ParseUint(items[i+1].Text(), 10, 32); e == nil {
				attrs.UID = uint32(n)
			}
		case items[i].IsAtomUpper("RFC822.SIZE"):
			if n, e := strconv.ParseUint(items[i+1].Text(), 10, 32); e == nil {
				attrs.Size = uint32(n)
			}
		case items[i].IsAtomUpper("FLAGS"):
			for _, f := range items[i+1].Children {
				attrs.Flags = append(attrs.Flags, f.Text())
			}
		}
	}
	return attrs, true
}

// FetchBody downloads one message's full RFC 5322 body via UID FETCH
// BODY.PEEK[] (PEEK so \Seen isn't implicitly set, per spec.md §4.4.2).
func (c *Client) FetchBody(uid uint32) ([]byte, error) {
	var body []byte
	args := fmt.Sprintf("%d BODY.PEEK[]", uid)
	status, _, _, _, err := c.simpleWithData("UID FETCH", args, func(fields []wire.Node) {
		if len(fields) < 3 || !fields[1].IsAtomUpper("FETCH") || fields[2].Kind != wire.KindList {
			return
		}
		items := fields[2].Children
		for i := 0; i+1 < len(items); i += 2 {
			if strings.HasPrefix(strings.ToUpper(items[i].Text()), "BODY[") {
				body = items[i+1].Value
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, fmt.Errorf("imapclient: UID FETCH BODY failed for uid %d", uid)
	}
	return body, nil
}

// Append uploads a message, injecting an X-TUID header line the caller
// has already prepared in body (spec.md §4.4.5's identity-recovery
// mechanism). If the server supports UIDPLUS, AppendResult.HasUID is set
// from the APPENDUID response code; otherwise the caller must fall back
// to FindByTUID.
func (c *Client) Append(mailbox string, flags message.Flags, body []byte) (AppendResult, error) {
	c.lastAppend = nil
	flagList := encodeFlagList(flags)
	args := wire.Quote(mailbox)
	if flagList != "" {
		args += " (" + flagList + ")"
	}
	status, _, _, _, err := c.submitAndWait("APPEND", args, body, nil)
	if err != nil {
		return AppendResult{}, err
	}
	if status != StatusOK {
		return AppendResult{}, fmt.Errorf("imapclient: APPEND to %q failed", mailbox)
	}
	if c.lastAppend != nil {
		return AppendResult{UIDValidity: c.lastAppend.validity, UID: c.lastAppend.uid, HasUID: true}, nil
	}
	return AppendResult{}, nil
}

// UIDCopy issues UID COPY, duplicating a message into another mailbox
// without removing it from the one currently SELECTed (spec.md §4.5.2's
// CopyDeletedTo step).
func (c *Client) UIDCopy(uid uint32, destMailbox string) error {
	args := fmt.Sprintf("%d %s", uid, wire.Quote(destMailbox))
	status, _, _, _, err := c.simple("UID COPY", args)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: UID COPY %d to %q failed", uid, destMailbox)
	}
	return nil
}

// FindByTUID searches for a message carrying the given TUID in its
// X-TUID header, the identity-recovery path used when the server lacks
// UIDPLUS (spec.md §4.4.5).
func (c *Client) FindByTUID(tuid string) (uint32, bool, error) {
	var found uint32
	args := fmt.Sprintf(`HEADER X-TUID %s`, wire.Quote(tuid))
	status, _, _, _, err := c.simpleWithData("UID SEARCH", args, func(fields []wire.Node) {
		if len(fields) < 1 || !fields[0].IsAtomUpper("SEARCH") {
			return
		}
		for _, f := range fields[1:] {
			if n, e := strconv.ParseUint(f.Text(), 10, 32); e == nil {
				found = uint32(n)
			}
		}
	})
	if err != nil {
		return 0, false, err
	}
	if status != StatusOK {
		return 0, false, fmt.Errorf("imapclient: UID SEARCH failed")
	}
	return found, found != 0, nil
}

// SetFlags issues UID STORE ... +FLAGS.SILENT (..) to add flags to a
// message without disturbing any flag already on the server, including
// ones the local decoder doesn't recognize (spec.md §4.3.3: unknown
// system flags are ignored, not clobbered).
func (c *Client) SetFlags(uid uint32, add message.Flags) error {
	args := fmt.Sprintf("%d +FLAGS.SILENT (%s)", uid, encodeFlagList(add))
	status, _, _, _, err := c.simple("UID STORE", args)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: UID STORE failed for uid %d", uid)
	}
	return nil
}

// Expunge issues EXPUNGE to permanently remove messages already marked
// \Deleted (spec.md §4.4.4's finalization step).
func (c *Client) Expunge() error {
	status, _, _, _, err := c.simple("EXPUNGE", "")
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: EXPUNGE failed")
	}
	return nil
}

// Close issues CLOSE, which expunges \Deleted messages as a side effect
// without returning the individual EXPUNGE responses — the cheaper
// finalization path when the engine doesn't need per-message
// confirmation.
func (c *Client) Close() error {
	status, _, _, _, err := c.simple("CLOSE", "")
	if err != nil {
		return err
	}
	if status != StatusOK {
		return fmt.Errorf("imapclient: CLOSE failed")
	}
	return nil
}

// Logout issues LOGOUT and closes the transport.
func (c *Client) Logout() error {
	_, _, _, _, _ = c.simple("LOGOUT", "")
	return c.tr.Close()
}

func encodeFlagList(f message.Flags) string {
	var parts []string
	if f&message.FlagAnswered != 0 {
		parts = append(parts, `\Answered`)
	}
	if f&message.FlagFlagged != 0 {
		parts = append(parts, `\Flagged`)
	}
	if f&message.FlagDeleted != 0 {
		parts = append(parts, `\Deleted`)
	}
	if f&message.FlagSeen != 0 {
		parts = append(parts, `\Seen`)
	}
	if f&message.FlagDraft != 0 {
		parts = append(parts, `\Draft`)
	}
	return strings.Join(parts, " ")
}
