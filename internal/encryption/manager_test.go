package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func testManager() *Manager {
	return NewManager(&config.Config{Environment: "development"}, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	data, err := m.EncryptIdentifier(ctx, "+919876543210")
	require.NoError(t, err)
	assert.NotEmpty(t, data.EncryptedValue)
	assert.NotEmpty(t, data.EncryptedDEK)
	assert.Equal(t, "v1", data.Version)

	plain, err := m.DecryptIdentifier(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", plain)
}

func TestDecryptAfterCacheClear(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	data, err := m.EncryptIdentifier(ctx, "student@school.edu")
	require.NoError(t, err)

	m.ClearCache()

	plain, err := m.DecryptIdentifier(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "student@school.edu", plain)
}

func TestCiphertextNotPlaintext(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	data, err := m.EncryptIdentifier(ctx, "+919876543210")
	require.NoError(t, err)
	assert.NotContains(t, data.EncryptedValue, "9876543210")

	// Each envelope draws a fresh data key and nonce.
	again, err := m.EncryptIdentifier(ctx, "+919876543210")
	require.NoError(t, err)
	assert.NotEqual(t, data.EncryptedValue, again.EncryptedValue)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	data, err := m.EncryptIdentifier(ctx, "+919876543210")
	require.NoError(t, err)

	data.EncryptedValue = "bm90IHZhbGlkIGNpcGhlcnRleHQ="
	_, err = m.DecryptIdentifier(ctx, data)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
