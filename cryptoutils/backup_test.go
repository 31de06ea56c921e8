package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassphraseRoundTrip(t *testing.T) {
	data := []byte(`{"version":"v1","vault":{"name":"main"}}`)

	encrypted, err := EncryptWithPassphrase([]byte("correct horse"), data)
	require.NoError(t, err)
	assert.NotContains(t, string(encrypted), "main")

	decrypted, err := DecryptWithPassphrase([]byte("correct horse"), encrypted)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)

	_, err = DecryptWithPassphrase([]byte("battery staple"), encrypted)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestPassphraseValidation(t *testing.T) {
	_, err := EncryptWithPassphrase(nil, []byte("data"))
	assert.Error(t, err)

	_, err = DecryptWithPassphrase([]byte("pw"), []byte("short"))
	assert.Error(t, err)
}
