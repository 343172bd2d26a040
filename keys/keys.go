package keys

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrMalformedKey signals key material that is not a 0x-prefixed 32 byte hex string.
	ErrMalformedKey = errors.New("keys: private key must be a 0x-prefixed 64 character hex string")
	// ErrKeyOutOfRange signals a well-formed key that is zero or not below the curve order.
	ErrKeyOutOfRange = errors.New("keys: private key is not a valid secp256k1 scalar")
	// ErrMalformedAddress signals an address that is not a 0x-prefixed 20 byte hex string.
	ErrMalformedAddress = errors.New("keys: address must be a 0x-prefixed 40 character hex string")
)

const (
	hexPrefix     = "0x"
	keyHexLen     = 64
	addressHexLen = 40
)

// SigningKey is a validated secp256k1 private key together with the ledger
// address it controls. It is never serialized; callers hold it for a single
// operation and call Destroy when done.
type SigningKey struct {
	scalar  []byte
	address string
}

// ParsePrivateKey validates hex-encoded key material and derives its address.
// It performs no I/O.
func ParsePrivateKey(material string) (*SigningKey, error) {
	trimmed := strings.TrimSpace(material)
	if len(trimmed) != len(hexPrefix)+keyHexLen || !strings.HasPrefix(trimmed, hexPrefix) {
		return nil, ErrMalformedKey
	}
	raw, err := hex.DecodeString(trimmed[len(hexPrefix):])
	if err != nil {
		return nil, ErrMalformedKey
	}

	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(btcec.S256().Params().N) >= 0 {
		wipe(raw)
		return nil, ErrKeyOutOfRange
	}

	_, pub := btcec.PrivKeyFromBytes(raw)
	return &SigningKey{
		scalar:  raw,
		address: addressFromPublicKey(pub.SerializeUncompressed()),
	}, nil
}

// Address returns the EIP-55 checksummed address controlled by the key.
func (k *SigningKey) Address() string {
	return k.address
}

// Bytes returns a copy of the 32 byte scalar. The copy is the caller's to wipe.
func (k *SigningKey) Bytes() []byte {
	out := make([]byte, len(k.scalar))
	copy(out, k.scalar)
	return out
}

// Destroy zeroes the scalar. The key is unusable afterwards.
func (k *SigningKey) Destroy() {
	if k == nil {
		return
	}
	wipe(k.scalar)
	k.scalar = nil
}

// String keeps the scalar out of logs and error messages.
func (k *SigningKey) String() string {
	return "SigningKey(" + k.address + ")"
}

func (k *SigningKey) GoString() string {
	return k.String()
}

// ParseAddress validates a hex address and returns its checksummed form.
func ParseAddress(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) != len(hexPrefix)+addressHexLen || !strings.HasPrefix(strings.ToLower(trimmed), hexPrefix) {
		return "", ErrMalformedAddress
	}
	raw, err := hex.DecodeString(trimmed[len(hexPrefix):])
	if err != nil {
		return "", ErrMalformedAddress
	}
	return checksumAddress(raw), nil
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func addressFromPublicKey(uncompressed []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return checksumAddress(sum[12:])
}

// checksumAddress applies EIP-55 mixed-case encoding.
func checksumAddress(raw []byte) string {
	lower := hex.EncodeToString(raw)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return hexPrefix + string(out)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
