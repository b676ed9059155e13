package signature

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-webhook-secret"

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst","confidenceScore":92.5}`)
	now := time.Unix(1700000000, 0)

	header := Sign(body, testSecret, now)
	ok, reason := Verify(body, header, testSecret, now)

	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestVerifyIsDeterministic(t *testing.T) {
	body := []byte(`{"agentId":"data-quality"}`)
	now := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, now)

	for i := 0; i < 5; i++ {
		ok, reason := Verify(body, header, testSecret, now)
		require.True(t, ok, "verification must give the same verdict every time")
		require.Empty(t, reason)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst","value":100}`)
	now := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, now)

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[len(tampered)-2] ^= 0x01 // flip one bit

	ok, reason := Verify(tampered, header, testSecret, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonMismatch, reason)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst"}`)
	now := time.Unix(1700000000, 0)
	header := Sign(body, "some-other-secret", now)

	ok, reason := Verify(body, header, testSecret, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonMismatch, reason)
}

func TestVerifyRejectsReplayedTimestamp(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst"}`)
	signedAt := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, signedAt)

	// Delivered 10 minutes later, outside the 5 minute window.
	ok, reason := Verify(body, header, testSecret, signedAt.Add(10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonStale, reason)
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst"}`)
	signedAt := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, signedAt)

	ok, reason := Verify(body, header, testSecret, signedAt.Add(-10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonStale, reason)
}

func TestVerifyAcceptsWithinTolerance(t *testing.T) {
	body := []byte(`{"agentId":"market-analyst"}`)
	signedAt := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, signedAt)

	ok, _ := Verify(body, header, testSecret, signedAt.Add(4*time.Minute))
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1700000000, 0)
	validSig := hex.EncodeToString(compute(body, testSecret, now.Unix()))

	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no segments", "garbage"},
		{"missing signature", fmt.Sprintf("t=%d", now.Unix())},
		{"missing timestamp", "v1=" + validSig},
		{"non-numeric timestamp", "t=abc,v1=" + validSig},
		{"non-hex signature", fmt.Sprintf("t=%d,v1=zzzz", now.Unix())},
		{"truncated signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), validSig[:10])},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := Verify(body, tc.header, testSecret, now)
			assert.False(t, ok)
			assert.Equal(t, ReasonMalformed, reason)
		})
	}
}

func TestVerifierBindsSecretAndTolerance(t *testing.T) {
	body := []byte(`{"agentId":"report-builder"}`)
	signedAt := time.Unix(1700000000, 0)
	header := Sign(body, testSecret, signedAt)

	v := NewVerifier(testSecret, time.Minute)

	ok, _ := v.Verify(body, header, signedAt.Add(30*time.Second))
	assert.True(t, ok)

	ok, reason := v.Verify(body, header, signedAt.Add(2*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonStale, reason)
}
