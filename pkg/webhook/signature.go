package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// PayloadSigner signs and verifies the bridge payload stored in triggered
// pipeline variables. The reverse path must not trust pipeline metadata
// without this check, since anyone able to start a pipeline on the project
// can set variables.
type PayloadSigner struct {
	secret []byte
}

func NewPayloadSigner(secret string) *PayloadSigner {
	return &PayloadSigner{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA512 of the payload
func (s *PayloadSigner) Sign(payload []byte) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign
func (s *PayloadSigner) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
