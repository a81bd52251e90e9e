package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"reference":"bk-123","status":"success"}`)
	sig := Sign("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"reference":"bk-123","status":"success"}`)
	sig := Sign("secret", body)

	tampered := []byte(`{"reference":"bk-123","status":"failed"}`)
	assert.False(t, VerifySignature("secret", tampered, sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"reference":"bk-123"}`)
	sig := Sign("secret", body)

	assert.False(t, VerifySignature("other", body, sig))
}

func TestVerifyRejectsNonHexSignature(t *testing.T) {
	assert.False(t, VerifySignature("secret", []byte("{}"), "not-hex!"))
}
