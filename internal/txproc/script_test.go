package txproc

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xOnlyKeyHex(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

func TestValidateRecipient(t *testing.T) {
	assert.NoError(t, ValidateRecipient(xOnlyKeyHex(t)))

	tests := []struct {
		name   string
		pubkey string
	}{
		{"empty", ""},
		{"not hex", "zz" + xOnlyKeyHex(t)[2:]},
		{"too short", "deadbeef"},
		{"too long", xOnlyKeyHex(t) + "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateRecipient(tt.pubkey), ErrInvalidRecipient)
		})
	}
}

func TestOutputScript(t *testing.T) {
	keyHex := xOnlyKeyHex(t)
	script, err := OutputScript(keyHex)
	require.NoError(t, err)

	// OP_1 <push 32> <key>
	require.Len(t, script, 34)
	assert.Equal(t, byte(0x51), script[0])
	assert.Equal(t, byte(0x20), script[1])
	assert.Equal(t, keyHex, hex.EncodeToString(script[2:]))
}

func TestOutputScript_InvalidKey(t *testing.T) {
	_, err := OutputScript("deadbeef")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestTransferSpec_Total(t *testing.T) {
	spec := TransferSpec{AssetID: "gBTC", FeeAssetID: "gBTC", Amount: 10000, FeeAmount: 10}
	assert.Equal(t, int64(10010), spec.Total())

	// Fee in a different asset is accounted separately.
	spec.FeeAssetID = "other"
	assert.Equal(t, int64(10000), spec.Total())
}
