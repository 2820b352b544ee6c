// Package auth implements password hashing and the short-lived upload
// tickets minted for the external avatar blob store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// appSalt is the fixed application-wide salt required by spec: passwords
// are never stored in plaintext, and every account uses the same salt so
// there is nothing per-user to leak or lose.
var appSalt = []byte("messenger-core-fixed-application-salt-v1")

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
)

// HashPassword derives the storable hash for a plaintext password. The
// result is never equal to any plaintext ever transmitted (testable
// property #4).
func HashPassword(plaintext string) string {
	derived := pbkdf2.Key([]byte(plaintext), appSalt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(derived)
}

// VerifyPassword reports whether plaintext hashes to the stored value,
// comparing in constant time.
func VerifyPassword(plaintext, storedHash string) bool {
	got := HashPassword(plaintext)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

// uploadTicketTTL bounds how long a minted ticket authorizes an upload.
const uploadTicketTTL = 5 * time.Minute

// ticketHmacKey signs upload tickets. In production this is distinct from
// appSalt so rotating one does not invalidate the other; both are fixed
// process-wide secrets for this single-node core.
var ticketHmacKey = []byte("messenger-core-upload-ticket-hmac-key-v1")

// SignUploadTicket mints an HMAC-signed token authorizing the external blob
// store to accept exactly one avatar upload for username/fileName before
// it expires. The core never transmits the image bytes themselves.
func SignUploadTicket(username, fileName string) string {
	expires := time.Now().Add(uploadTicketTTL).Unix()
	payload := fmt.Sprintf("%s|%s|%d", username, fileName, expires)
	mac := hmac.New(sha256.New, ticketHmacKey)
	mac.Write([]byte(payload))
	sig := mac.Sum(nil)

	buf := make([]byte, 0, len(payload)+1+len(sig))
	buf = append(buf, payload...)
	buf = append(buf, '|')
	buf = append(buf, sig...)
	return base64.URLEncoding.EncodeToString(buf)
}

// VerifyUploadTicket reports whether the ticket is a valid, unexpired
// signature over (username, fileName). Used by tests and by the FTP-facing
// sidecar process that is not itself part of this core.
func VerifyUploadTicket(ticket, username, fileName string) bool {
	raw, err := base64.URLEncoding.DecodeString(ticket)
	if err != nil || len(raw) < sha256.Size+2 {
		return false
	}
	sig := raw[len(raw)-sha256.Size:]
	payload := raw[:len(raw)-sha256.Size-1]

	mac := hmac.New(sha256.New, ticketHmacKey)
	mac.Write(payload)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return false
	}

	parts := splitPayload(string(payload))
	if len(parts) != 3 {
		return false
	}
	gotUser, gotFile := parts[0], parts[1]
	expires, err := parseInt64(parts[2])
	if err != nil {
		return false
	}
	if gotUser != username || gotFile != fileName {
		return false
	}
	return time.Now().Unix() <= expires
}

func splitPayload(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, errors.New("auth: malformed ticket expiry")
	}
	return n, nil
}
