package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// AddressLength is the byte length of a ledger account identifier.
	AddressLength = 20
	// HashLength is the byte length of transaction identifiers and fingerprints.
	HashLength = 32
)

// Address identifies an account or deployed contract on the ledger.
type Address [AddressLength]byte

// Hash is a 32-byte digest used for transaction identifiers and condition
// fingerprints.
type Hash [HashLength]byte

// ZeroAddress is the all-zero account identifier. It is never a valid party.
var ZeroAddress Address

// IsZero reports whether the address has no bytes set.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash has no bytes set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseAddress decodes a 0x-prefixed hex account identifier.
func ParseAddress(s string) (Address, error) {
	raw, ok := strings.CutPrefix(s, "0x")
	if !ok {
		raw, ok = strings.CutPrefix(s, "0X")
	}
	if !ok {
		return Address{}, fmt.Errorf("ledger: address %q missing 0x prefix", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Address{}, fmt.Errorf("ledger: address %q: %w", s, err)
	}
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("ledger: address %q: want %d bytes, got %d", s, AddressLength, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// ParseHash decodes a 0x-prefixed hex digest.
func ParseHash(s string) (Hash, error) {
	raw, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return Hash{}, fmt.Errorf("ledger: hash %q missing 0x prefix", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("ledger: hash %q: %w", s, err)
	}
	if len(b) != HashLength {
		return Hash{}, fmt.Errorf("ledger: hash %q: want %d bytes, got %d", s, HashLength, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Digest hashes the concatenation of the given byte slices with SHA3-256.
func Digest(parts ...[]byte) Hash {
	d := sha3.New256()
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// AddressFromSeed derives a deterministic address from an arbitrary label.
// Used for genesis identities and tests; ledger-deployed contracts get
// addresses derived from creator and sequence instead.
func AddressFromSeed(seed string) Address {
	h := Digest([]byte(seed))
	var a Address
	copy(a[:], h[:AddressLength])
	return a
}

func deriveContractAddress(creator Address, sequence uint64) Address {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h := Digest(creator[:], seq[:])
	var a Address
	copy(a[:], h[:AddressLength])
	return a
}
