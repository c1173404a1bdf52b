package syncengine

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"msync.dev/msyncd/internal/imapclient"
	"msync.dev/msyncd/internal/logging"
	"msync.dev/msyncd/internal/maildir"
	"msync.dev/msyncd/internal/message"
	"msync.dev/msyncd/internal/syncerr"
)

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

// nonSyncedFlags are ignored when comparing local and remote flag sets
// (spec.md §4.5.2's "ignoring Recent, Draft").
const nonSyncedFlags = message.FlagDraft

// Engine runs one mailbox's reconciliation between an open local Maildir
// box and an open, SELECTed remote IMAP session.
type Engine struct {
	Local  *maildir.Box
	Remote *imapclient.Client
	Policy Policy
	Log    logging.Logf

	mailboxName string
}

// Run executes preflight, pairing/actions, MaxMessages trimming, and
// finalization in sequence (spec.md §4.5), returning a *syncerr.Error on
// any BoxBad/StoreBad condition. Per-message failures are logged and do
// not stop the run.
func (e *Engine) Run(remoteMailbox string) error {
	if e.Log == nil {
		e.Log = logging.Discard
	}

	e.mailboxName = remoteMailbox
	sel, err := e.Remote.Select(remoteMailbox, e.Policy.CreateRemote)
	if err != nil {
		return syncerr.Box("select", err)
	}

	local := e.Local.State()
	if local.UIDValidity != 0 && local.UIDValidity != sel.UIDValidity {
		return syncerr.Box("preflight", fmt.Errorf("UIDVALIDITY mismatch: local=%d remote=%d", local.UIDValidity, sel.UIDValidity))
	}
	if local.UIDValidity == 0 {
		if err := e.Local.SetUIDValidity(sel.UIDValidity); err != nil {
			return syncerr.Box("preflight", err)
		}
	}

	localMsgs, err := e.Local.Scan()
	if err != nil {
		return syncerr.Box("scan local", err)
	}

	remoteAttrs, err := e.Remote.UIDFetchFlags()
	if err != nil {
		return syncerr.Box("scan remote", err)
	}
	if e.Policy.Fast {
		floor := e.Local.State().MaxUID
		filtered := remoteAttrs[:0]
		for _, a := range remoteAttrs {
			if a.UID > floor {
				filtered = append(filtered, a)
			}
		}
		remoteAttrs = filtered
	}

	remoteByUID := make(map[uint32]*imapclient.MessageAttrs, len(remoteAttrs))
	for i := range remoteAttrs {
		remoteByUID[remoteAttrs[i].UID] = &remoteAttrs[i]
	}
	seenRemote := make(map[uint32]bool, len(remoteAttrs))

	anyDeleted := false

	for _, lm := range localMsgs {
		if lm.UID == message.SentinelUID {
			if err := e.handleUnuploaded(lm); err != nil {
				e.Log("msync: upload %s: %v", lm.Base, err)
			}
			if lm.Flags&message.FlagDeleted != 0 {
				anyDeleted = true
			}
			continue
		}

		if e.Policy.Fast {
			// Fast mode never loaded the full remote mailbox, so there is
			// nothing to pair an already-synced local message against;
			// skip orphan-delete and flag reconciliation entirely.
			continue
		}

		ra, ok := remoteByUID[lm.UID]
		if !ok {
			if e.Policy.Delete {
				lm.Flags |= message.FlagDeleted
				lm.MarkDead()
				anyDeleted = true
			} else {
				e.Log("msync: orphan local UID %d (%s), leaving in place", lm.UID, lm.Base)
			}
			continue
		}
		seenRemote[lm.UID] = true

		remoteFlags := decodeFlags(ra.Flags)
		if (lm.Flags &^ nonSyncedFlags) != (remoteFlags &^ nonSyncedFlags) {
			if err := e.reconcileFlags(lm, remoteFlags); err != nil {
				e.Log("msync: reconcile flags uid %d: %v", lm.UID, err)
			}
			if lm.Flags&message.FlagDeleted != 0 || remoteFlags&message.FlagDeleted != 0 {
				anyDeleted = true
			}
		}
	}

	for _, ra := range remoteAttrs {
		if seenRemote[ra.UID] {
			continue
		}
		rf := decodeFlags(ra.Flags)
		if e.Policy.Expunge && rf&message.FlagDeleted != 0 {
			continue
		}
		if e.Policy.MaxSize > 0 && int64(ra.Size) > e.Policy.MaxSize {
			e.Log("msync: skip uid %d, size %d exceeds cap", ra.UID, ra.Size)
			continue
		}
		if err := e.downloadOne(ra.UID, rf); err != nil {
			e.Log("msync: download uid %d: %v", ra.UID, err)
		}
	}

	if e.Policy.MaxMessages > 0 {
		e.trimMaxMessages(remoteAttrs)
	}

	return e.finalize(anyDeleted)
}

func (e *Engine) handleUnuploaded(lm *message.Message) error {
	if lm.Flags&message.FlagDeleted != 0 && e.Policy.Expunge {
		return nil
	}
	if e.Policy.MaxSize > 0 && lm.Size > e.Policy.MaxSize {
		e.Log("msync: skip upload %s, size %d exceeds cap", lm.Base, lm.Size)
		return nil
	}

	path := e.Local.Path(lm)
	body, err := readFile(path)
	if err != nil {
		return err
	}

	tuid := newTUID()
	body = injectTUID(body, tuid)

	res, err := e.Remote.Append(e.mailboxName, lm.Flags, body)
	if err != nil {
		return err
	}

	var uid uint32
	if res.HasUID {
		uid = res.UID
	} else {
		found, ok, err := e.Remote.FindByTUID(tuid)
		if err != nil || !ok {
			return fmt.Errorf("could not recover UID after APPEND: %v", err)
		}
		uid = found
	}

	lm.UID = uid
	if err := e.Local.SetFlags(lm, lm.Flags); err != nil {
		return err
	}
	return nil
}

// reconcileFlags implements spec.md §4.5.2's paired-message flag rule:
// the sync is one-way local→remote, so only additions the local side made
// are pushed to the remote; the local file is then rewritten from the
// union of both sides so remote-only changes (e.g. \Seen set by another
// client) are still picked up.
func (e *Engine) reconcileFlags(lm *message.Message, remoteFlags message.Flags) error {
	add := lm.Flags &^ remoteFlags &^ nonSyncedFlags

	if (lm.Flags&message.FlagDeleted != 0 || remoteFlags&message.FlagDeleted != 0) &&
		e.Policy.CopyDeletedTo != "" && e.Policy.Expunge {
		if err := e.Remote.UIDCopy(lm.UID, e.Policy.CopyDeletedTo); err != nil {
			e.Log("msync: copy-deleted-to %q failed uid %d: %v", e.Policy.CopyDeletedTo, lm.UID, err)
		}
	}

	if add != 0 {
		if err := e.Remote.SetFlags(lm.UID, add); err != nil {
			return err
		}
	}

	union := lm.Flags | (remoteFlags &^ nonSyncedFlags)
	return e.Local.SetFlags(lm, union)
}

func (e *Engine) downloadOne(uid uint32, flags message.Flags) error {
	body, err := e.Remote.FetchBody(uid)
	if err != nil {
		return err
	}
	_, err = e.Local.Store(uid, flags, body)
	return err
}

// trimMaxMessages marks every local message not among the newest
// MaxMessages remote UIDs, and not Flagged, Deleted+Dead (spec.md
// §4.5.3).
func (e *Engine) trimMaxMessages(remoteAttrs []imapclient.MessageAttrs) {
	uids := make([]uint32, 0, len(remoteAttrs))
	for _, a := range remoteAttrs {
		uids = append(uids, a.UID)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > e.Policy.MaxMessages {
		uids = uids[:e.Policy.MaxMessages]
	}
	keep := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		keep[u] = true
	}

	for _, lm := range e.Local.Messages() {
		if lm.UID == message.SentinelUID || keep[lm.UID] {
			continue
		}
		if lm.Flags&message.FlagFlagged != 0 {
			continue
		}
		lm.Flags |= message.FlagDeleted
		lm.MarkDead()
		_ = e.Local.SetFlags(lm, lm.Flags)
	}
}

func (e *Engine) finalize(anyDeleted bool) error {
	switch {
	case e.Policy.Expunge && anyDeleted:
		if err := e.Remote.Expunge(); err != nil {
			return syncerr.Box("expunge", err)
		}
		e.unlinkDead()
	case e.Policy.Delete:
		e.unlinkDead()
	}
	return nil
}

func (e *Engine) unlinkDead() {
	for _, lm := range e.Local.Messages() {
		if lm.IsDead() {
			if err := e.Local.Unlink(lm); err != nil {
				e.Log("msync: unlink %s: %v", lm.Base, err)
			}
		}
	}
}

func decodeFlags(words []string) message.Flags {
	var f message.Flags
	for _, w := range words {
		switch w {
		case `\Seen`:
			f |= message.FlagSeen
		case `\Answered`:
			f |= message.FlagAnswered
		case `\Deleted`:
			f |= message.FlagDeleted
		case `\Flagged`:
			f |= message.FlagFlagged
		case `\Draft`:
			f |= message.FlagDraft
		}
	}
	return f
}

// injectTUID inserts an "X-TUID: <tuid>\r\n" header line before the first
// blank line of body (spec.md §4.4.5 / scenario 3).
func injectTUID(body []byte, tuid string) []byte {
	sep := []byte("\n\n")
	idx := bytes.Index(body, sep)
	header := []byte("X-TUID: " + tuid + "\n")
	if idx < 0 {
		return append(append([]byte{}, header...), body...)
	}
	out := make([]byte, 0, len(body)+len(header))
	out = append(out, body[:idx+1]...)
	out = append(out, header...)
	out = append(out, body[idx+1:]...)
	return out
}
