package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the version byte prepended to the 20-byte account hash
// before base58check encoding. 0x41 yields the familiar "T" addresses on
// TRON mainnet.
const AddressPrefix byte = 0x41

// Address represents a 21-byte TRON account address (version byte plus the
// keccak256 tail of the public key).
type Address struct {
	bytes [21]byte
}

func NewAddress(b []byte) (Address, error) {
	var a Address
	switch len(b) {
	case 21:
		if b[0] != AddressPrefix {
			return Address{}, fmt.Errorf("crypto: unexpected address prefix 0x%02x", b[0])
		}
		copy(a.bytes[:], b)
	case 20:
		a.bytes[0] = AddressPrefix
		copy(a.bytes[1:], b)
	default:
		return Address{}, fmt.Errorf("crypto: address must be 20 or 21 bytes, got %d", len(b))
	}
	return a, nil
}

// String returns the base58check form ("T..."). The checksum is the first
// four bytes of sha256(sha256(payload)).
func (a Address) String() string {
	return base58.CheckEncode(a.bytes[1:], a.bytes[0])
}

// Bytes returns the 21-byte raw form including the version byte.
func (a Address) Bytes() []byte {
	out := make([]byte, 21)
	copy(out, a.bytes[:])
	return out
}

// Hex returns the raw form as lowercase hex, the encoding the node RPC
// expects in transaction payloads.
func (a Address) Hex() string {
	return hex.EncodeToString(a.bytes[:])
}

// EVMBytes returns the 20-byte account hash without the version byte, the
// form used inside ABI-encoded contract call parameters.
func (a Address) EVMBytes() []byte {
	out := make([]byte, 20)
	copy(out, a.bytes[1:])
	return out
}

func (a Address) IsZero() bool {
	return a.bytes == [21]byte{}
}

func (a Address) Equal(other Address) bool {
	return a.bytes == other.bytes
}

// DecodeAddress parses a base58check TRON address and verifies its checksum
// and version byte.
func DecodeAddress(addr string) (Address, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return Address{}, fmt.Errorf("crypto: empty address")
	}
	payload, version, err := base58.CheckDecode(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid base58check address: %w", err)
	}
	if version != AddressPrefix {
		return Address{}, fmt.Errorf("crypto: unexpected address version 0x%02x", version)
	}
	return NewAddress(payload)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey mints a fresh secp256k1 keypair. Used for the per-deal
// ephemeral signers registered on the multisig permission.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Hex returns the private key as lowercase hex without a 0x prefix, the form
// shown to users in the one-shot ephemeral reveal.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the TRON account address: the last 20 bytes of
// keccak256(uncompressed pubkey) behind the 0x41 version byte.
func (k *PublicKey) Address() Address {
	tail := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	addr, err := NewAddress(tail)
	if err != nil {
		panic(err)
	}
	return addr
}

// Address is a convenience accessor deriving the address of the keypair.
func (k *PrivateKey) Address() Address {
	return k.PubKey().Address()
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a 32-byte hex private key, tolerating an optional
// 0x prefix and surrounding whitespace. This is the parser applied to
// user-supplied keys during key validation.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// Sign produces a 65-byte recoverable secp256k1 signature over the supplied
// 32-byte transaction hash.
func (k *PrivateKey) Sign(txHash []byte) ([]byte, error) {
	if len(txHash) != 32 {
		return nil, fmt.Errorf("crypto: tx hash must be 32 bytes, got %d", len(txHash))
	}
	return crypto.Sign(txHash, k.PrivateKey)
}

// RecoverSigner returns the address that produced the signature over txHash.
func RecoverSigner(txHash, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.SigToPub(txHash, sig)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return (&PublicKey{pub}).Address(), nil
}

// SameKey reports whether two private keys carry the same scalar.
func SameKey(a, b *PrivateKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}
