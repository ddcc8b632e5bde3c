// Package amonid mints identifiers for the entities described in the data
// model: ULID-ordered run ids (so lexical sort matches creation order),
// random chat/event/plan-card ids, and content hashes for audit entries.
package amonid

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRunID mints a ULID-ordered run identifier, lower-cased and prefixed so
// it reads unambiguously in logs and file paths (e.g. "run_01hq3z...").
func NewRunID() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return "run_" + strings.ToLower(id.String())
}

// NewChatID mints a chat session identifier.
func NewChatID() string {
	return "chat_" + strings.ToLower(uuid.NewString())
}

// NewID mints a generic UUIDv4-based identifier with the given prefix,
// used for plan cards, hook ids, and trash-entry folder names.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + strings.ToLower(uuid.NewString())
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b, used for audit
// entries that must record a content fingerprint without the raw bytes.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
