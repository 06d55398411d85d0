// Package webhook authenticates and parses inbound webhook deliveries into
// normalized events. Verification never touches any other component.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// GitLabAuthMode selects how execution host deliveries are authenticated
type GitLabAuthMode string

const (
	// GitLabAuthToken compares the X-Gitlab-Token header against the shared
	// secret
	GitLabAuthToken GitLabAuthMode = "token"
	// GitLabAuthSignature verifies an HMAC-SHA256 hex signature over the
	// raw body
	GitLabAuthSignature GitLabAuthMode = "signature"
)

// VerifyGitHubSignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body. Fails closed on a missing header.
func VerifyGitHubSignature(body []byte, signature, secret string) error {
	if signature == "" {
		return goerr.New("missing webhook signature", goerr.T(types.ErrTagAuth))
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return goerr.New("webhook signature mismatch", goerr.T(types.ErrTagAuth))
	}
	return nil
}

// VerifyGitLab authenticates an execution host delivery. A present but wrong
// credential fails closed; an absent credential passes only when no secret
// is configured.
func VerifyGitLab(mode GitLabAuthMode, body []byte, header, secret string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return goerr.New("missing webhook credential", goerr.T(types.ErrTagAuth))
	}

	switch mode {
	case GitLabAuthSignature:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(header), []byte(expected)) {
			return goerr.New("webhook signature mismatch", goerr.T(types.ErrTagAuth))
		}
	default:
		if !hmac.Equal([]byte(header), []byte(secret)) {
			return goerr.New("webhook token mismatch", goerr.T(types.ErrTagAuth))
		}
	}
	return nil
}
