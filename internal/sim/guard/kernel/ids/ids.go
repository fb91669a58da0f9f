package ids

import (
	"strings"

	"github.com/google/uuid"
)

// ActorID is the stable 128-bit account identity.
type ActorID = uuid.UUID

// Nil is the zero identity; it never names a real actor.
var Nil = uuid.Nil

// Parse accepts the canonical hyphenated form and the 32-char hex form.
func Parse(s string) (ActorID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

// MustParse is for tests and static config.
func MustParse(s string) ActorID {
	return uuid.MustParse(s)
}

func New() ActorID {
	return uuid.New()
}

func IsNil(id ActorID) bool {
	return id == uuid.Nil
}
