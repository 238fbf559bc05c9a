package memo

import (
	"fmt"
	"strings"
)

// Mode selects where the canonical collection is persisted.
type Mode string

const (
	// ModeSharedLocal keeps one local cache entry under a fixed namespace,
	// whoever is signed in.
	ModeSharedLocal Mode = "shared-local"
	// ModeLocal keeps a local cache entry per identity, loaded once at sign-in.
	ModeLocal Mode = "local"
	// ModeRemote subscribes to the identity's records in the document store
	// and treats every push as authoritative. It has no local persistence.
	ModeRemote Mode = "remote"
)

// ParseMode parses a mode name. The empty string selects ModeRemote.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeRemote, nil
	case ModeSharedLocal, ModeLocal, ModeRemote:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want shared-local, local, or remote)", s)
	}
}

// Local reports whether the mode persists to the local cache.
func (m Mode) Local() bool {
	return m == ModeSharedLocal || m == ModeLocal
}

// State is the engine's synchronization state for the active identity.
type State string

const (
	StateSignedOut State = "signed_out"
	StateLoading   State = "loading"
	StateSynced    State = "synced"
)
