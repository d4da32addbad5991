// Package types defines the shared value types used across the sender
// accounting agent: addresses, escrow balances and fee amounts.
package types

import (
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// Address identifies a sender, allocation or indexer account.
type Address = eth.Address

// Balance is an escrow balance in token units (up to 256 bits).
type Balance = *big.Int

// Fee is a receipt/RAV value in token units (up to 128 bits).
type Fee = *big.Int

// MaxFee is the maximum representable fee value (2^128 - 1).
var MaxFee = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// ZeroFee returns a fresh zero-valued fee.
func ZeroFee() Fee {
	return big.NewInt(0)
}

// ZeroBalance returns a fresh zero-valued balance.
func ZeroBalance() Balance {
	return big.NewInt(0)
}

// AddFee returns a + b without mutating either argument.
func AddFee(a, b Fee) Fee {
	return new(big.Int).Add(orZero(a), orZero(b))
}

// SubFee returns a - b, clamped at zero, without mutating either argument.
func SubFee(a, b Fee) Fee {
	r := new(big.Int).Sub(orZero(a), orZero(b))
	if r.Sign() < 0 {
		return big.NewInt(0)
	}
	return r
}

// GreaterOrEqual reports whether a >= b.
func GreaterOrEqual(a, b Fee) bool {
	return orZero(a).Cmp(orZero(b)) >= 0
}

func orZero(v Fee) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// ParseAddress parses a hex-encoded address, as stored in the relational
// store's address columns.
func ParseAddress(hex string) (Address, error) {
	return eth.NewAddress(hex)
}

// ParseFee parses a base-10 integer string, as stored in the relational
// store's NUMERIC fee/value columns.
func ParseFee(decimal string) (Fee, error) {
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee value %q", decimal)
	}
	return v, nil
}

// AddressLess orders two addresses lexicographically, used for deterministic
// tie-breaking when selecting the heaviest allocation.
func AddressLess(a, b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Key returns a canonical, comparable representation of addr for use as a
// map key. eth.Address is not itself comparable (its own package compares
// addresses byte-by-byte rather than with ==), so every map keyed by
// address in this module goes through Key instead.
func Key(addr Address) string {
	return addr.Pretty()
}

// AddressEqual compares two addresses byte-by-byte.
func AddressEqual(a, b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
