// Package validate holds the pure format and range checks shared by the
// custody contracts, the condition store, and the configuration loader.
// Nothing in here touches the ledger or any other I/O.
package validate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrZeroAddress signals an address with no bytes set.
	ErrZeroAddress = errors.New("validate: zero address")
	// ErrZeroAmount signals a non-positive principal.
	ErrZeroAmount = errors.New("validate: amount must be positive")
	// ErrFeeExceedsAmount signals a protocol fee that would consume the principal.
	ErrFeeExceedsAmount = errors.New("validate: fee must be less than amount")
)

const (
	addressHexLen = 40
	hashHexLen    = 64
)

// Address checks a 0x-prefixed 20-byte hex account identifier.
func Address(s string) error {
	raw, err := stripHex(s)
	if err != nil {
		return fmt.Errorf("validate: address %q: %w", s, err)
	}
	if len(raw) != addressHexLen {
		return fmt.Errorf("validate: address %q: want %d hex chars, got %d", s, addressHexLen, len(raw))
	}
	if isAllZero(raw) {
		return ErrZeroAddress
	}
	return nil
}

// FingerprintHex checks a 0x-prefixed 32-byte hex digest.
func FingerprintHex(s string) error {
	raw, err := stripHex(s)
	if err != nil {
		return fmt.Errorf("validate: fingerprint %q: %w", s, err)
	}
	if len(raw) != hashHexLen {
		return fmt.Errorf("validate: fingerprint %q: want %d hex chars, got %d", s, hashHexLen, len(raw))
	}
	return nil
}

// Amount checks a principal value.
func Amount(amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	return nil
}

// Fee checks the protocol fee against the principal it is deducted from.
func Fee(fee, amount uint64) error {
	if err := Amount(amount); err != nil {
		return err
	}
	if fee >= amount {
		return ErrFeeExceedsAmount
	}
	return nil
}

func stripHex(s string) (string, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", errors.New("missing 0x prefix")
	}
	raw := s[2:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", errors.New("not valid hex")
	}
	return raw, nil
}

func isAllZero(hexStr string) bool {
	for _, c := range hexStr {
		if c != '0' {
			return false
		}
	}
	return true
}
