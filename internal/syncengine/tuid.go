package syncengine

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newTUID returns a 12 hex character transaction UID, injected as an
// X-TUID header on APPEND and used to recover the server-assigned UID via
// UID SEARCH HEADER X-TUID when APPENDUID isn't available (spec.md
// §4.4.5).
func newTUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}
