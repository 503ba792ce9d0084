package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_generate_and_validate_token(t *testing.T) {
	secret := "test-secret-key"
	token, err := GenerateToken(secret, "agent-1")
	require.NoError(t, err)

	subject, err := ValidateToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", subject)
}

func Test_reject_wrong_secret(t *testing.T) {
	token, err := GenerateToken("correct-secret", "agent-1")
	require.NoError(t, err)

	_, err = ValidateToken("wrong-secret", token)
	assert.Error(t, err)
}

func Test_reject_malformed_token(t *testing.T) {
	_, err := ValidateToken("secret", "not-a-valid-token")
	assert.Error(t, err)
}

func Test_reject_empty_token(t *testing.T) {
	_, err := ValidateToken("secret", "")
	assert.Error(t, err)
}

func Test_reject_non_hmac_alg(t *testing.T) {
	// A token signed with "none" must never validate regardless of secret.
	const noneAlgToken = "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhZ2VudC0xIn0."
	_, err := ValidateToken("any-secret", noneAlgToken)
	assert.Error(t, err)
}
