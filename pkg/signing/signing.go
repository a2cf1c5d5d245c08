// Package signing implements the compact HS256 token format used for
// license credentials: base64url(header).base64url(payload).base64url(sig).
//
// Verify proves authenticity and integrity only. It never interprets claims;
// business validity (revocation, expiry, usage) is a storage question and is
// checked by the caller in a separate stage.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidSignature covers malformed and tampered tokens alike, so the
// response shape never tells a forger which case it hit.
var ErrInvalidSignature = errors.New("invalid token signature")

// header is fixed; the algorithm is not negotiable.
const header = `{"alg":"HS256","typ":"JWT"}`

var enc = base64.RawURLEncoding

// strictEnc rejects non-canonical encodings. Without it a flipped bit in the
// unused trailing bits of the final base64 character would decode to the same
// bytes and slip past verification.
var strictEnc = enc.Strict()

// Key is the process-wide signing material, constructed once at startup and
// injected into issuer and verifier.
type Key struct {
	secret []byte
	issuer string
}

func NewKey(secret []byte, issuer string) (Key, error) {
	if len(secret) == 0 {
		return Key{}, errors.New("signing secret must not be empty")
	}
	return Key{secret: secret, issuer: issuer}, nil
}

func (k Key) Issuer() string {
	return k.issuer
}

// Sign serializes payload into the compact form.
func (k Key) Sign(payload []byte) string {
	var b strings.Builder
	b.WriteString(enc.EncodeToString([]byte(header)))
	b.WriteByte('.')
	b.WriteString(enc.EncodeToString(payload))

	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(b.String()))

	b.WriteByte('.')
	b.WriteString(enc.EncodeToString(mac.Sum(nil)))
	return b.String()
}

// Verify checks the HMAC over the claimed header.payload and returns the raw
// payload bytes. Comparison is constant time.
func (k Key) Verify(compact string) ([]byte, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidSignature
	}

	sig, err := strictEnc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidSignature
	}

	payload, err := strictEnc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return payload, nil
}
