package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the webhook body signature, "sha256=" followed by the
// lowercase hex HMAC-SHA256 of the raw body under the subscriber's shared secret.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// SignHMAC returns the SignatureHeader value for body.
func SignHMAC(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(bodyMAC(secret, body))
}

// VerifyHMAC reports whether a SignatureHeader value matches body. Receivers use it
// on the raw request body before decoding the event.
func VerifyHMAC(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(bodyMAC(secret, body), got)
}

func bodyMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
