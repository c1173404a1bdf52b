package maildir

import (
	"fmt"
	"strconv"
	"strings"

	"msync.dev/msyncd/internal/message"
)

// filename holds the three parts of a Maildir entry name (spec.md §4.4.1's
// grammar): "<base>[,U=<uid>][:2,<flags>]".
type filename struct {
	Base  string
	UID   uint32
	HasU  bool
	Flags message.Flags
}

func parseFilename(name string) filename {
	fn := filename{Base: name}

	if i := strings.Index(name, ":2,"); i >= 0 {
		fn.Base = name[:i]
		fn.Flags = message.ParseMaildirFlags(name[i+3:])
	}

	if i := strings.Index(fn.Base, ",U="); i >= 0 {
		rest := fn.Base[i+3:]
		if n, err := strconv.ParseUint(rest, 10, 32); err == nil {
			fn.UID = uint32(n)
			fn.HasU = true
		}
		fn.Base = fn.Base[:i]
	}

	return fn
}

// build renders a filename with the given UID (scheme A; uid==0 and
// hasU==false omits the ",U=" segment entirely, used for scheme B
// mailboxes) and flags.
func (fn filename) build() string {
	s := fn.Base
	if fn.HasU {
		s += fmt.Sprintf(",U=%d", fn.UID)
	}
	flagStr := fn.Flags.String()
	s += ":2," + flagStr
	return s
}

// buildBareFlags renders "<base>:2,<flags>" with no ",U=" segment, the
// shape used right after a fresh delivery before a UID has been assigned.
func buildBareFlags(base string, flags message.Flags) string {
	return base + ":2," + flags.String()
}
