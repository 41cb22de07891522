package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// envelopeInfo domain-separates the HKDF expansion so a key derived for
// DM envelopes can never collide with any other use of the same ECDH
// secret.
const envelopeInfo = "arkrelay-dm-envelope-v1"

// ErrDecryptionFailed covers any failure to recover plaintext from a sealed
// envelope: wrong key, truncated payload, or an authentication-tag mismatch.
var ErrDecryptionFailed = errors.New("relay: failed to decrypt sealed envelope")

// deriveEnvelopeKey runs the ECDH shared secret between priv and pub
// through HKDF-SHA256 into a ChaCha20-Poly1305 key. Unlike password-based
// derivation, this never touches user-supplied secrets — the key exists
// only for the lifetime of one conversation between the gateway identity
// and a wallet.
func deriveEnvelopeKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([]byte, error) {
	secret := btcec.GenerateSharedSecret(priv, pub)

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(envelopeInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for recipientPub using the ECDH shared secret
// between senderPriv and recipientPub, XChaCha20-Poly1305 with the nonce
// prepended. The result is the base64 payload placed in an Event's
// Content field for a direct-message kind.
func Seal(senderPriv *btcec.PrivateKey, recipientPub *btcec.PublicKey, plaintext []byte) (string, error) {
	key, err := deriveEnvelopeKey(senderPriv, recipientPub)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	result := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(result), nil
}

// Open decrypts a sealed envelope produced by Seal, given the recipient's
// private key and the sender's public key.
func Open(recipientPriv *btcec.PrivateKey, senderPub *btcec.PublicKey, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveEnvelopeKey(recipientPriv, senderPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ParsePubKeyHex parses a hex-encoded x-only (BIP-340) or compressed public
// key as used in relay event pubkey/tag fields.
func ParsePubKeyHex(hexStr string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case 32:
		// x-only key: assume even-y per BIP-340 convention.
		prefixed := append([]byte{0x02}, b...)
		return btcec.ParsePubKey(prefixed)
	default:
		return btcec.ParsePubKey(b)
	}
}
