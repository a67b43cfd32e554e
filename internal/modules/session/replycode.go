// README: Reply code generation for SMS correlation.
package session

import "crypto/rand"

// replyCodeAlphabet avoids characters merchants misread when typing a reply
// back (0/O, 1/I/L).
const replyCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const replyCodeLen = 4

// newReplyCode returns a short random code. Uniqueness among currently
// addressable sessions is enforced by the storage layer's partial unique
// index, not here; callers retry on collision.
func newReplyCode() string {
	var b [replyCodeLen]byte
	_, _ = rand.Read(b[:])
	for i := range b {
		b[i] = replyCodeAlphabet[int(b[i])%len(replyCodeAlphabet)]
	}
	return string(b[:])
}
