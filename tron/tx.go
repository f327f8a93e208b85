package tron

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"trondeal/crypto"
)

// Transaction is the node's JSON transaction envelope. RawData is kept
// opaque; signing hashes the canonical raw_data_hex the node produced.
type Transaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible,omitempty"`
	Signature  []string        `json:"signature,omitempty"`
}

// Hash computes sha256 over the raw transaction bytes. The result must
// match the node-assigned TxID; a mismatch means the envelope was altered
// in transit and must not be signed.
func (t *Transaction) Hash() ([]byte, error) {
	raw, err := hex.DecodeString(t.RawDataHex)
	if err != nil {
		return nil, fmt.Errorf("tron: decode raw_data_hex: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Sign appends one signature to the transaction. Multisig transactions
// call Sign once per key; TRON accumulates signatures in order of signing,
// and the active permission threshold decides when enough weight is
// present.
func (t *Transaction) Sign(key *crypto.PrivateKey) error {
	hash, err := t.Hash()
	if err != nil {
		return err
	}
	if t.TxID != "" && hex.EncodeToString(hash) != t.TxID {
		return fmt.Errorf("tron: txID mismatch, refusing to sign")
	}
	sig, err := key.Sign(hash)
	if err != nil {
		return fmt.Errorf("tron: sign transaction: %w", err)
	}
	t.Signature = append(t.Signature, hex.EncodeToString(sig))
	return nil
}

// Multisign signs with each key in turn. For the 2-of-3 escrow wallets two
// keys satisfy the active permission.
func (t *Transaction) Multisign(keys ...*crypto.PrivateKey) error {
	for _, key := range keys {
		if err := t.Sign(key); err != nil {
			return err
		}
	}
	return nil
}

// encodeAddressParameter ABI-encodes a single address argument: the 20
// address bytes (0x41 prefix stripped) left-padded to 32 bytes.
func encodeAddressParameter(addr crypto.Address) string {
	var word [32]byte
	copy(word[12:], addr.EVMBytes())
	return hex.EncodeToString(word[:])
}

// encodeTransferParameter ABI-encodes transfer(address,uint256) arguments.
func encodeTransferParameter(to crypto.Address, amount *big.Int) string {
	var words [64]byte
	copy(words[12:32], to.EVMBytes())
	amount.FillBytes(words[32:])
	return hex.EncodeToString(words[:])
}
