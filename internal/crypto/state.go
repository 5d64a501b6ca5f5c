package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// StateTTL bounds how long a signed link state is accepted after issuance.
const StateTTL = 10 * time.Minute

// LinkState is the authenticated context carried through the OAuth redirect.
// Once a token verifies, these fields are trusted as the link context.
type LinkState struct {
	SubjectID  string
	ContextRef string
	IssuedAt   time.Time
}

// SignState produces a compact tamper-evident state value. Wire format:
// b64url(subject) | b64url(context) | b64url(issuedMs) | hex(HMAC-SHA256),
// where the signature covers the raw pipe-joined payload.
func SignState(subjectID, contextRef string, secret []byte, now time.Time) string {
	issued := strconv.FormatInt(now.UnixMilli(), 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(subjectID + "|" + contextRef + "|" + issued))

	enc := base64.RawURLEncoding.EncodeToString
	return enc([]byte(subjectID)) + "|" +
		enc([]byte(contextRef)) + "|" +
		enc([]byte(issued)) + "|" +
		hex.EncodeToString(mac.Sum(nil))
}

// VerifyState checks structure, signature and TTL, returning the embedded
// context on success. Every failure path returns (nil, false); callers must
// treat false as "invalid state, abort the flow".
func VerifyState(token string, secret []byte, now time.Time) (*LinkState, bool) {
	parts := strings.Split(token, "|")
	if len(parts) != 4 {
		return nil, false
	}
	subject, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, false
	}
	contextRef, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	issuedRaw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, false
	}
	sig, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(string(subject) + "|" + string(contextRef) + "|" + string(issuedRaw)))
	// hmac.Equal is constant-time and rejects length mismatches without leaking.
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, false
	}

	ms, err := strconv.ParseInt(string(issuedRaw), 10, 64)
	if err != nil {
		return nil, false
	}
	issued := time.UnixMilli(ms)
	if now.Sub(issued) > StateTTL {
		return nil, false
	}

	return &LinkState{
		SubjectID:  string(subject),
		ContextRef: string(contextRef),
		IssuedAt:   issued,
	}, true
}
