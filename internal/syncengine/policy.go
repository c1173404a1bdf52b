// Package syncengine pairs local Maildir and remote IMAP messages by UID,
// classifies each pair into an action, and applies it (spec.md §4.5). It
// is grounded on original_source/src/sync.c for control flow and on the
// Go idiom of a folder-by-folder IMAP sync loop seen in
// other_examples' yzzyx nm-imap-sync reference.
package syncengine

// Policy is the per-mailbox set of behavior switches spec.md §4.5 lists.
type Policy struct {
	Fast          bool
	Delete        bool
	Expunge       bool
	CreateRemote  bool
	CreateLocal   bool
	CopyDeletedTo string // remote mailbox name, or "" to disable

	MaxSize     int64 // 0 disables the cap
	MaxMessages int   // 0 disables trimming
}
