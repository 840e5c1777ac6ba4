package codec

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignedMessage is an EIP-191 personal-sign envelope.
type SignedMessage struct {
	Message     string `json:"message"`
	MessageHash string `json:"messageHash,omitempty"`
	Signature   string `json:"signature"`
}

// SignPersonalMessage signs message the way wallets do for personal_sign.
func SignPersonalMessage(key *ecdsa.PrivateKey, message string) (SignedMessage, error) {
	hash := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return SignedMessage{
		Message:     message,
		MessageHash: hexutil.Encode(hash),
		Signature:   hexutil.Encode(sig),
	}, nil
}

// RecoverSigner returns the lower-case address that produced m. A message
// hash, when present, must match the hash of the message.
func (m SignedMessage) RecoverSigner() (string, error) {
	hash := accounts.TextHash([]byte(m.Message))
	if m.MessageHash != "" && !strings.EqualFold(m.MessageHash, hexutil.Encode(hash)) {
		return "", fmt.Errorf("message hash does not match message")
	}
	return RecoverPersonalSigner(m.Message, m.Signature)
}

// RecoverPersonalSigner recovers the address that personal-signed message.
func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return AddressHex(crypto.PubkeyToAddress(*pub)), nil
}
