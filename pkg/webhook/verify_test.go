package webhook_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/m-mizutani/cibridge/pkg/domain/types"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

func sign256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubSignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"action":"opened"}`)
	valid := "sha256=" + sign256(secret, body)

	t.Run("valid signature passes", func(t *testing.T) {
		gt.NoError(t, webhook.VerifyGitHubSignature(body, valid, secret))
	})

	t.Run("single byte mutation fails", func(t *testing.T) {
		mutated := make([]byte, len(body))
		copy(mutated, body)
		mutated[0] ^= 0x01
		err := webhook.VerifyGitHubSignature(mutated, valid, secret)
		gt.Error(t, err)
		gt.True(t, goerr.HasTag(err, types.ErrTagAuth))
	})

	t.Run("missing signature fails", func(t *testing.T) {
		err := webhook.VerifyGitHubSignature(body, "", secret)
		gt.Error(t, err)
		gt.True(t, goerr.HasTag(err, types.ErrTagAuth))
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		err := webhook.VerifyGitHubSignature(body, valid, "other-secret")
		gt.Error(t, err)
	})
}

func TestVerifyGitLab(t *testing.T) {
	body := []byte(`{"object_kind":"build"}`)

	t.Run("no secret configured passes anything", func(t *testing.T) {
		gt.NoError(t, webhook.VerifyGitLab(webhook.GitLabAuthToken, body, "", ""))
		gt.NoError(t, webhook.VerifyGitLab(webhook.GitLabAuthToken, body, "whatever", ""))
	})

	t.Run("token mode compares the header", func(t *testing.T) {
		gt.NoError(t, webhook.VerifyGitLab(webhook.GitLabAuthToken, body, "s3cret", "s3cret"))
		gt.Error(t, webhook.VerifyGitLab(webhook.GitLabAuthToken, body, "wrong", "s3cret"))
	})

	t.Run("missing credential fails when secret is set", func(t *testing.T) {
		err := webhook.VerifyGitLab(webhook.GitLabAuthToken, body, "", "s3cret")
		gt.Error(t, err)
		gt.True(t, goerr.HasTag(err, types.ErrTagAuth))
	})

	t.Run("signature mode verifies an HMAC", func(t *testing.T) {
		sig := sign256("s3cret", body)
		gt.NoError(t, webhook.VerifyGitLab(webhook.GitLabAuthSignature, body, sig, "s3cret"))
		gt.Error(t, webhook.VerifyGitLab(webhook.GitLabAuthSignature, body, "deadbeef", "s3cret"))
	})
}

func TestPayloadSigner(t *testing.T) {
	signer := webhook.NewPayloadSigner("bridge-secret")
	payload := []byte(`{"repo_slug":"acme/widgets"}`)

	sig := signer.Sign(payload)
	gt.True(t, signer.Verify(payload, sig))
	gt.False(t, signer.Verify([]byte(`{"repo_slug":"acme/evil"}`), sig))
	gt.False(t, signer.Verify(payload, "forged"))

	other := webhook.NewPayloadSigner("different-secret")
	gt.False(t, other.Verify(payload, sig))
}
