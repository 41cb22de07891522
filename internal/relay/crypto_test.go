package relay

import (
	"encoding/base64"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	senderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	plaintext := []byte(`{"session_id":"s1","type":"sign_tx"}`)
	sealed, err := Seal(senderPriv, recipientPriv.PubKey(), plaintext)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)

	opened, err := Open(recipientPriv, senderPriv.PubKey(), sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	senderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wrongPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sealed, err := Seal(senderPriv, recipientPriv.PubKey(), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(wrongPriv, senderPriv.PubKey(), sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	senderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sealed, err := Seal(senderPriv, recipientPriv.PubKey(), []byte("secret"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Open(recipientPriv, senderPriv.PubKey(), tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpen_TruncatedPayloadFails(t *testing.T) {
	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	senderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = Open(recipientPriv, senderPriv.PubKey(), "dG9vc2hvcnQ=")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
