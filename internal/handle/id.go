package handle

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// handlePrefix marks every handle id; clients treat the whole string as
// opaque.
const handlePrefix = "qh_"

// idEncoding is lowercase base32 without padding, URL-safe and easy for
// agents to quote.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newHandleID returns qh_ plus 26 base32 characters encoding 16 bytes
// (128 bits) of crypto/rand entropy.
func newHandleID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has bigger problems than handle allocation.
		panic("handle: crypto/rand unavailable: " + err.Error())
	}
	return handlePrefix + strings.ToLower(idEncoding.EncodeToString(buf[:]))
}

// IsHandleID reports whether s looks like a handle id.
func IsHandleID(s string) bool {
	return strings.HasPrefix(s, handlePrefix) && len(s) > len(handlePrefix)
}
