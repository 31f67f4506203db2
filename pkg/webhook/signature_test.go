package webhook_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/webhook"
)

func TestSignPayload(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"event":"user.created"}`)

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		sig, err := webhook.SignPayload("secret", payload)
		require.NoError(t, err)
		assert.Len(t, sig.Signature, 64)
		assert.NotEmpty(t, sig.ID)
		require.NoError(t, webhook.VerifySignature("secret", payload, sig, time.Minute))
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()
		sig, err := webhook.SignPayload("secret", nil)
		require.NoError(t, err)
		require.NoError(t, webhook.VerifySignature("secret", nil, sig, 0))
	})

	t.Run("secret required", func(t *testing.T) {
		t.Parallel()
		_, err := webhook.SignPayload("", payload)
		require.ErrorIs(t, err, webhook.ErrInvalidConfiguration)
	})

	t.Run("tampering is detected", func(t *testing.T) {
		t.Parallel()
		sig, err := webhook.SignPayload("secret", payload)
		require.NoError(t, err)

		require.ErrorIs(t, webhook.VerifySignature("other", payload, sig, 0), webhook.ErrInvalidSignature)
		require.ErrorIs(t, webhook.VerifySignature("secret", []byte("{}"), sig, 0), webhook.ErrInvalidSignature)

		shifted := sig
		shifted.Timestamp++
		require.ErrorIs(t, webhook.VerifySignature("secret", payload, shifted, 0), webhook.ErrInvalidSignature)
	})

	t.Run("age window", func(t *testing.T) {
		t.Parallel()
		sig, err := webhook.SignPayload("secret", payload)
		require.NoError(t, err)

		old := sig
		old.Timestamp -= 3600
		err = webhook.VerifySignature("secret", payload, old, time.Minute)
		require.ErrorIs(t, err, webhook.ErrInvalidSignature)
		assert.Contains(t, err.Error(), "too old")

		future := sig
		future.Timestamp += 3600
		err = webhook.VerifySignature("secret", payload, future, time.Minute)
		assert.Contains(t, err.Error(), "future")
	})
}

func TestExtractSignatureHeaders(t *testing.T) {
	t.Parallel()

	t.Run("case insensitive", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set("x-webhook-signature", "abc")
		h.Set("X-WEBHOOK-TIMESTAMP", strconv.FormatInt(1700000000, 10))
		h.Set("x-webhook-id", "id-1")

		sig, err := webhook.ExtractSignatureHeaders(h)
		require.NoError(t, err)
		assert.Equal(t, webhook.SignatureHeaders{Signature: "abc", Timestamp: 1700000000, ID: "id-1"}, sig)
	})

	t.Run("missing headers", func(t *testing.T) {
		t.Parallel()
		_, err := webhook.ExtractSignatureHeaders(http.Header{})
		require.ErrorIs(t, err, webhook.ErrInvalidSignature)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set(webhook.HeaderSignature, "abc")
		h.Set(webhook.HeaderTimestamp, "yesterday")
		_, err := webhook.ExtractSignatureHeaders(h)
		require.ErrorIs(t, err, webhook.ErrInvalidSignature)
	})
}
