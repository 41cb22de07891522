package txproc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// ErrInvalidRecipient is returned when a recipient identifier is not a
// well-formed x-only public key.
var ErrInvalidRecipient = errors.New("txproc: recipient is not a valid x-only pubkey")

// ValidateRecipient checks that pubkeyHex parses as a 32-byte BIP-340
// x-only public key, the identity format recipients are addressed by.
func ValidateRecipient(pubkeyHex string) error {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(b) != 32 {
		return ErrInvalidRecipient
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	return nil
}

// OutputScript builds the taproot output script (OP_1 <32-byte key>) that
// locks a transfer output to the recipient's key.
func OutputScript(pubkeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidRecipient
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(b).
		Script()
}
