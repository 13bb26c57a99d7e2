// Package signature signs and verifies request bodies exchanged between the origin server
// and the services it talks to, using a keyed HMAC-SHA256 stamped into a prefixed header value.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Prefix is prepended to every hex encoded signature.
const Prefix = "hmac-sha256="

// HeaderName is the request header carrying the signature.
const HeaderName = "x-uploadkit-signature"

// Sign returns the prefixed hex HMAC-SHA256 of payload keyed with secret.
func Sign(payload, secret []byte) string {
	return Prefix + hex.EncodeToString(mac(payload, secret))
}

// Verify reports whether signatureHeader is a valid signature of payload for secret.
// A missing header, a missing prefix or a malformed hex digest all fail verification.
func Verify(payload []byte, signatureHeader string, secret []byte) bool {
	if signatureHeader == "" || !strings.HasPrefix(signatureHeader, Prefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, Prefix))
	if err != nil || len(got) == 0 {
		return false
	}

	return hmac.Equal(got, mac(payload, secret))
}

func mac(payload, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload) //nolint:errcheck
	return h.Sum(nil)
}

// Signer binds a signing secret so callers don't have to pass it around.
type Signer struct {
	secret []byte
}

// NewSigner ...
func NewSigner(secret []byte) Signer {
	s := make([]byte, len(secret))
	copy(s, secret)
	return Signer{secret: s}
}

// Sign ...
func (s Signer) Sign(payload []byte) string {
	return Sign(payload, s.secret)
}

// Verify ...
func (s Signer) Verify(payload []byte, signatureHeader string) bool {
	return Verify(payload, signatureHeader, s.secret)
}

// SignRequest stamps the signature of body on req. body must be the exact bytes sent.
func (s Signer) SignRequest(req *http.Request, body []byte) {
	req.Header.Set(HeaderName, s.Sign(body))
}

// VerifyRequest checks the signature header of req against body.
func (s Signer) VerifyRequest(req *http.Request, body []byte) bool {
	return s.Verify(body, req.Header.Get(HeaderName))
}
